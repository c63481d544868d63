package main

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"rircc/resolver"
)

const (
	MaxIPsPerRequest = 100
)

const usage = `
Usage:

curl "http://localhost:12950/country/1.0.16.15"

Also you can pass several ip addresses that you need to check:

curl "http://localhost:12950/country/1.0.16.15,99.12.44.52,3.24.12.85"

`

type lookupResult struct {
	Network     string `json:"network,omitempty"`
	CountryCode string `json:"country_code"`
}

type Server struct {
	config   *Config
	resolver *resolver.Resolver
	lookups  *prometheus.CounterVec
	registry *prometheus.Registry
}

func NewServer(config *Config, r *resolver.Resolver) *Server {
	registry := prometheus.NewRegistry()
	lookups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rircc_lookups_total",
		Help: "Address lookups by result (found, unknown, error).",
	}, []string{"result"})
	registry.MustRegister(lookups)

	return &Server{
		config:   config,
		resolver: r,
		lookups:  lookups,
		registry: registry,
	}
}

func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/", s.usage)
	r.GET("/country/:ips", s.resolveCountry)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))

	return r
}

func (s *Server) Run() error {
	gin.SetMode(gin.ReleaseMode)

	logrus.Infof("starting the HTTP server on %s", s.config.Listen)
	return http.ListenAndServe(s.config.Listen, s.Handler())
}

func (s *Server) usage(c *gin.Context) {
	c.JSON(http.StatusOK, usage)
}

func (s *Server) resolveCountry(c *gin.Context) {
	ips, err := parseIPS(c.Param("ips"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": fmt.Sprintf("%s", err)})
		return
	}
	out := make(map[string]lookupResult, len(ips))
	for _, ip := range ips {
		m, err := s.resolver.Resolve(c.Request.Context(), ip)
		if err != nil {
			s.lookups.WithLabelValues("error").Inc()
			logrus.Errorf("lookup %s: %v", ip, err)
			c.JSON(http.StatusInternalServerError, gin.H{"message": "range lookup failed"})
			return
		}
		if m == nil {
			s.lookups.WithLabelValues("unknown").Inc()
			out[ip] = lookupResult{CountryCode: s.resolver.UnknownLabel()}
			continue
		}
		s.lookups.WithLabelValues("found").Inc()
		out[ip] = lookupResult{Network: m.Network.String(), CountryCode: m.Label}
	}

	c.JSON(http.StatusOK, out)
}

func parseIPS(ips string) ([]string, error) {
	if ips == "" {
		return nil, errors.New("empty ip string passed")
	}

	out := make([]string, 0)
	parts := strings.Split(ips, ",")
	if len(parts) > MaxIPsPerRequest {
		return nil, errors.New("limit of ips in one request reached")
	}
	for _, ip := range parts {
		ip = strings.TrimSpace(ip)
		if ip == "" {
			continue
		}
		if _, err := resolver.ParseAddress(ip); err != nil {
			return nil, errors.New("not correct ipv4 passed")
		}
		out = append(out, ip)
	}

	if len(out) == 0 {
		return nil, errors.New("has no ip addresses to check")
	}

	return out, nil
}
