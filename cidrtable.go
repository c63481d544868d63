package main

import (
	"encoding/csv"
	"io"
	"net"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/yl2chen/cidranger"

	"rircc/resolver"
)

type cidrEntry struct {
	network net.IPNet
	label   string
}

func (e *cidrEntry) Network() net.IPNet {
	return e.network
}

// CidrTable answers containment queries over a converted CIDR CSV.
type CidrTable struct {
	ranger cidranger.Ranger
	size   int
}

func NewCidrTable() *CidrTable {
	return &CidrTable{ranger: cidranger.NewPCTrieRanger()}
}

// LoadCidrTableFile reads a file written by ConvertRIRCSVFile.
func LoadCidrTableFile(path string) (*CidrTable, error) {
	fp, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open %s", path)
	}
	defer fp.Close()

	t := NewCidrTable()
	if err := t.Load(fp); err != nil {
		return nil, errors.Wrapf(err, "unable to load %s", path)
	}
	logrus.Debugf("loaded %d networks from %s", t.Len(), path)
	return t, nil
}

func (t *CidrTable) Load(r io.Reader) error {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	k := 0
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.Wrap(err, "CSV reading error")
		}
		k++
		if k == 1 {
			continue
		}
		if len(row) < 2 {
			logrus.Warnf("row %d: expected network and country code, skipping", k)
			continue
		}
		if err := t.Insert(strings.TrimSpace(row[0]), strings.TrimSpace(row[1])); err != nil {
			logrus.Warnf("row %d: %v, skipping", k, err)
		}
	}
	return nil
}

func (t *CidrTable) Insert(cidr string, label string) error {
	_, network, err := net.ParseCIDR(cidr)
	if err != nil || network.IP.To4() == nil {
		return errors.Errorf("invalid IPv4 network %q", cidr)
	}
	if err := t.ranger.Insert(&cidrEntry{network: *network, label: label}); err != nil {
		return errors.Wrapf(err, "unable to insert %s", cidr)
	}
	t.size++
	return nil
}

func (t *CidrTable) Len() int {
	return t.size
}

// Lookup returns the most specific network containing addr and its label,
// or ok false when none does.
func (t *CidrTable) Lookup(addr string) (network string, label string, ok bool, err error) {
	ip, err := resolver.ParseAddress(addr)
	if err != nil {
		return "", "", false, err
	}
	entries, err := t.ranger.ContainingNetworks(net.ParseIP(resolver.FormatAddress(ip)))
	if err != nil {
		return "", "", false, errors.Wrap(err, "containing networks")
	}

	var best *cidrEntry
	bestOnes := -1
	for _, e := range entries {
		ce := e.(*cidrEntry)
		if ones, _ := ce.network.Mask.Size(); ones > bestOnes {
			best, bestOnes = ce, ones
		}
	}
	if best == nil {
		return "", "", false, nil
	}
	return best.network.String(), best.label, true, nil
}
