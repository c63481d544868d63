package main

import (
	"io/ioutil"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"rircc/resolver"
)

const (
	defaultListen   = "localhost:12950"
	defaultWorkers  = 8
	defaultPageSize = 5000
	defaultTable    = "rir_ipv4_allocated"
	defaultHosts    = "unauth_ip_addr"

	SourceMemory = "memory"
	SourceSQL    = "sql"

	FormatDelegated = "delegated"
	FormatCSV       = "csv"
)

// SourceConfig describes where allocation ranges come from.
type SourceConfig struct {
	Kind string `yaml:"kind"`

	// memory
	Path   string `yaml:"path"`
	URL    string `yaml:"url"`
	Format string `yaml:"format"`

	// sql
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
	Table  string `yaml:"table"`

	// hosts waiting for a country code, used by the update command
	HostsTable string `yaml:"hosts_table"`
}

// Config is loaded once at startup and never mutated afterwards.
type Config struct {
	Listen       string       `yaml:"listen"`
	LogLevel     uint32       `yaml:"log_level"`
	UnknownLabel string       `yaml:"unknown_label"`
	Workers      int          `yaml:"workers"`
	OutputDir    string       `yaml:"output_dir"`
	PageSize     int          `yaml:"page_size"`
	Source       SourceConfig `yaml:"source"`
}

func ParseConfig(path string) (*Config, error) {
	content, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to read config %s", path)
	}

	return parseConfigBytes(content, os.Getenv)
}

// parseConfigBytes decodes content and applies RIRCC_DSN and RIRCC_LISTEN
// as looked up by getenv.
func parseConfigBytes(content []byte, getenv func(string) string) (*Config, error) {
	conf := &Config{LogLevel: uint32(logrus.InfoLevel)}
	if err := yaml.UnmarshalStrict(content, conf); err != nil {
		return nil, errors.Wrap(err, "unable to parse config")
	}

	if dsn := getenv("RIRCC_DSN"); dsn != "" {
		conf.Source.DSN = dsn
	}
	if listen := getenv("RIRCC_LISTEN"); listen != "" {
		conf.Listen = listen
	}

	conf.setDefaults()

	return conf, conf.validate()
}

func (c *Config) setDefaults() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.UnknownLabel == "" {
		c.UnknownLabel = resolver.DefaultUnknownLabel
	}
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.PageSize <= 0 {
		c.PageSize = defaultPageSize
	}
	if c.OutputDir == "" {
		c.OutputDir = "."
	}
	if c.Source.Kind == "" {
		c.Source.Kind = SourceMemory
	}
	if c.Source.Format == "" {
		c.Source.Format = FormatDelegated
	}
	if c.Source.Table == "" {
		c.Source.Table = defaultTable
	}
	if c.Source.HostsTable == "" {
		c.Source.HostsTable = defaultHosts
	}
}

func (c *Config) validate() error {
	if c.LogLevel > uint32(logrus.TraceLevel) {
		return errors.Errorf("invalid log_level %d", c.LogLevel)
	}

	switch c.Source.Kind {
	case SourceMemory:
		if c.Source.Path == "" && c.Source.URL == "" {
			return errors.New("memory source needs a path or url")
		}
		if c.Source.Format != FormatDelegated && c.Source.Format != FormatCSV {
			return errors.Errorf("unknown source format %q", c.Source.Format)
		}
	case SourceSQL:
		if _, ok := sqlDrivers[c.Source.Driver]; !ok {
			return errors.Errorf("unknown sql driver %q", c.Source.Driver)
		}
		if c.Source.DSN == "" {
			return errors.New("sql source needs a dsn")
		}
		if !validTableName.MatchString(c.Source.Table) {
			return errors.Errorf("invalid table name %q", c.Source.Table)
		}
		if !validTableName.MatchString(c.Source.HostsTable) {
			return errors.Errorf("invalid hosts table name %q", c.Source.HostsTable)
		}
	default:
		return errors.Errorf("unknown source kind %q", c.Source.Kind)
	}

	return nil
}

func (c *Config) resolverOptions() resolver.Options {
	return resolver.Options{UnknownLabel: c.UnknownLabel}
}
