package main

import (
	"bufio"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"rircc/resolver"
)

// NetworkHosts groups the hosts that resolved into the same network.
type NetworkHosts struct {
	Network string
	Label   string
	Hosts   []string
}

// HostLabel is the label resolved for one host. Unknown hosts carry the
// resolver's unknown label.
type HostLabel struct {
	Host  string
	Label string
}

// AnnotateResult keeps networks in the order they were first seen. Hosts
// follows processing order and leaves out hosts whose lookup failed.
type AnnotateResult struct {
	Networks []*NetworkHosts
	Unknown  []string
	Hosts    []HostLabel
}

type networkIndex struct {
	order []*NetworkHosts
	byKey map[string]*NetworkHosts
}

func newNetworkIndex() *networkIndex {
	return &networkIndex{byKey: make(map[string]*NetworkHosts)}
}

func (n *networkIndex) add(network, label, host string) {
	if entry, ok := n.byKey[network]; ok {
		entry.Hosts = append(entry.Hosts, host)
		return
	}
	entry := &NetworkHosts{Network: network, Label: label, Hosts: []string{host}}
	n.byKey[network] = entry
	n.order = append(n.order, entry)
}

type annotation struct {
	match *resolver.Match
	err   error
}

// Annotate resolves every address, at most workers at a time. A failing
// address is logged and reported as unknown; only ctx cancellation aborts.
func Annotate(ctx context.Context, r *resolver.Resolver, ips []string, workers int) (*AnnotateResult, error) {
	if workers < 1 {
		workers = 1
	}
	results := make([]annotation, len(ips))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, ip := range ips {
		i, ip := i, ip
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			m, err := r.Resolve(gctx, ip)
			results[i] = annotation{match: m, err: err}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	index := newNetworkIndex()
	out := &AnnotateResult{}
	for i, ip := range ips {
		res := results[i]
		switch {
		case res.err != nil:
			logrus.Warnf("%04d: END   %s, lookup failed: %v", i+1, ip, res.err)
			out.Unknown = append(out.Unknown, ip)
		case res.match == nil:
			logrus.Infof("%04d: END   %s, %s", i+1, ip, r.UnknownLabel())
			out.Unknown = append(out.Unknown, ip)
			out.Hosts = append(out.Hosts, HostLabel{Host: ip, Label: r.UnknownLabel()})
		default:
			logrus.Infof("%04d: END   %s, %s %s", i+1, ip, res.match.Network, res.match.Label)
			index.add(res.match.Network.String(), res.match.Label, ip)
			out.Hosts = append(out.Hosts, HostLabel{Host: ip, Label: res.match.Label})
		}
	}
	out.Networks = index.order

	return out, nil
}

// readHostsCSV returns the addresses in the second column, header skipped.
func readHostsCSV(r io.Reader) ([]string, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	out := make([]string, 0)
	k := 0
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "CSV reading error")
		}
		k++
		if k == 1 {
			continue
		}
		if len(row) < 2 {
			logrus.Warnf("row %d has no address column, skipping", k)
			continue
		}
		out = append(out, strings.TrimSpace(row[1]))
	}

	return out, nil
}

// sortAddresses orders addresses numerically. Malformed ones are dropped
// with a warning.
func sortAddresses(ips []string) []string {
	type keyed struct {
		ip  string
		key uint32
	}
	list := make([]keyed, 0, len(ips))
	for _, ip := range ips {
		key, err := resolver.ParseAddress(ip)
		if err != nil {
			logrus.Warnf("skipping %q: %v", ip, err)
			continue
		}
		list = append(list, keyed{ip: resolver.FormatAddress(key), key: key})
	}
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].key < list[j].key
	})

	out := make([]string, len(list))
	for i, k := range list {
		out[i] = k.ip
	}
	return out
}

func formatNetworkHosts(n *NetworkHosts) string {
	return fmt.Sprintf(`"%s","%s",["%s"]`, n.Network, n.Label, strings.Join(n.Hosts, `","`))
}

func writeTextLines(fileName string, lines []string) error {
	fp, err := os.Create(fileName)
	if err != nil {
		return errors.Wrapf(err, "unable to create %s", fileName)
	}
	defer fp.Close()

	w := bufio.NewWriter(fp)
	for _, line := range lines {
		if _, err := fmt.Fprintln(w, line); err != nil {
			return errors.Wrapf(err, "unable to write %s", fileName)
		}
	}
	return errors.Wrapf(w.Flush(), "unable to write %s", fileName)
}

// SaveAnnotateResult writes the network and unknown host files into dir
// and returns the paths written.
func SaveAnnotateResult(dir string, day time.Time, res *AnnotateResult) ([]string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "unable to create %s", dir)
	}
	datePart := day.Format("2006-01-02")
	saved := make([]string, 0, 2)

	if len(res.Networks) > 0 {
		lines := make([]string, len(res.Networks))
		for i, n := range res.Networks {
			lines[i] = formatNetworkHosts(n)
		}
		name := filepath.Join(dir, fmt.Sprintf("ip_network_cc_with_hosts_%s.txt", datePart))
		if err := writeTextLines(name, lines); err != nil {
			return saved, err
		}
		saved = append(saved, name)
	}

	if len(res.Unknown) > 0 {
		name := filepath.Join(dir, fmt.Sprintf("unknown_ip_hosts_%s.txt", datePart))
		if err := writeTextLines(name, res.Unknown); err != nil {
			return saved, err
		}
		saved = append(saved, name)
	}

	for _, name := range saved {
		logrus.Infof("Saved: %s", name)
	}
	return saved, nil
}
