package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rircc/resolver"
)

const hostsCSV = `"date","ip_addr","appear_count"
"2024-01-01","1.2.4.9",3
"2024-01-01","1.2.3.200",12
"2024-01-01","10.0.0.1",1
"2024-01-01","1.2.3.7",5
"2024-01-01","8.8.8.8",2
"2024-01-01","1.2.3.200",1
"2024-01-01","not-an-ip",1
`

func TestReadAndSortHosts(t *testing.T) {
	ips, err := readHostsCSV(strings.NewReader(hostsCSV))
	require.NoError(t, err)
	assert.Len(t, ips, 7)

	sorted := sortAddresses(ips)
	assert.Equal(t, []string{"1.2.3.7", "1.2.3.200", "1.2.3.200", "1.2.4.9", "8.8.8.8", "10.0.0.1"}, sorted)
}

func TestAnnotate(t *testing.T) {
	ips, err := readHostsCSV(strings.NewReader(hostsCSV))
	require.NoError(t, err)

	r := resolver.New(newTestTable(t, testTableRanges(t)...), resolver.Options{})
	res, err := Annotate(context.Background(), r, sortAddresses(ips), 3)
	require.NoError(t, err)

	require.Len(t, res.Networks, 3)
	assert.Equal(t, &NetworkHosts{Network: "1.2.3.0/24", Label: "JP", Hosts: []string{"1.2.3.7", "1.2.3.200", "1.2.3.200"}}, res.Networks[0])
	assert.Equal(t, &NetworkHosts{Network: "1.2.4.0/24", Label: "US", Hosts: []string{"1.2.4.9"}}, res.Networks[1])
	assert.Equal(t, &NetworkHosts{Network: "10.0.0.0/15", Label: "CN", Hosts: []string{"10.0.0.1"}}, res.Networks[2])
	assert.Equal(t, []string{"8.8.8.8"}, res.Unknown)
}

func TestAnnotateContinuesOnError(t *testing.T) {
	table := newTestTable(t, testTableRanges(t)...)
	var calls int32
	f := resolver.FetcherFunc(func(ctx context.Context, prefix string) ([]resolver.RangeRow, error) {
		atomic.AddInt32(&calls, 1)
		if strings.HasPrefix(prefix, "10.") {
			return nil, errors.New("timeout")
		}
		return table.FetchRangesByPrefix(ctx, prefix)
	})

	res, err := Annotate(context.Background(), resolver.New(f, resolver.Options{}), []string{"1.2.3.1", "10.0.0.1", "1.2.4.1"}, 0)
	require.NoError(t, err)
	assert.Len(t, res.Networks, 2)
	assert.Equal(t, []string{"10.0.0.1"}, res.Unknown)
	assert.True(t, atomic.LoadInt32(&calls) > 0)
}

func TestAnnotateCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := resolver.New(newTestTable(t), resolver.Options{})
	_, err := Annotate(ctx, r, []string{"1.2.3.4"}, 1)
	assert.Equal(t, context.Canceled, err)
}

func TestSaveAnnotateResult(t *testing.T) {
	dir := t.TempDir()
	res := &AnnotateResult{
		Networks: []*NetworkHosts{
			{Network: "1.2.3.0/24", Label: "JP", Hosts: []string{"1.2.3.7", "1.2.3.200"}},
			{Network: "1.2.4.0/24", Label: "US", Hosts: []string{"1.2.4.9"}},
		},
		Unknown: []string{"8.8.8.8"},
	}

	day := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	saved, err := SaveAnnotateResult(filepath.Join(dir, "out"), day, res)
	require.NoError(t, err)
	require.Len(t, saved, 2)
	assert.Equal(t, filepath.Join(dir, "out", "ip_network_cc_with_hosts_2024-01-02.txt"), saved[0])

	content, err := os.ReadFile(saved[0])
	require.NoError(t, err)
	assert.Equal(t, "\"1.2.3.0/24\",\"JP\",[\"1.2.3.7\",\"1.2.3.200\"]\n\"1.2.4.0/24\",\"US\",[\"1.2.4.9\"]\n", string(content))

	content, err = os.ReadFile(saved[1])
	require.NoError(t, err)
	assert.Equal(t, "8.8.8.8\n", string(content))
}

func TestSaveAnnotateResultEmpty(t *testing.T) {
	saved, err := SaveAnnotateResult(t.TempDir(), time.Now(), &AnnotateResult{})
	require.NoError(t, err)
	assert.Empty(t, saved)
}
