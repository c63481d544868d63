package main

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	btree "github.com/Rikanishu/btree/ui32"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"rircc/resolver"
)

// RangeTable keeps allocation ranges in memory ordered by start address and
// serves them to the resolver by textual prefix.
type RangeTable struct {
	config     *Config
	dataSource RangeDataSource
	tree       *btree.BTree
	lock       sync.RWMutex
	// serializes data source loads; lock is only taken to swap tree
	buildLock sync.Mutex
}

func NewRangeTable(config *Config, dataSource RangeDataSource) *RangeTable {
	s := &RangeTable{
		config:     config,
		dataSource: dataSource,
	}

	s.lock.Lock()
	go func() {
		defer s.lock.Unlock()

		t, err := s.build()
		if err != nil {
			logrus.Fatal(errors.Wrap(err, "unable to initialize range table"))
		}
		s.tree = t
	}()

	return s
}

// Refresh loads the data source again and swaps in the new tree. Lookups
// keep using the old tree while the load runs.
func (s *RangeTable) Refresh() error {
	t, err := s.build()
	if err != nil {
		return err
	}

	s.lock.Lock()
	s.tree = t
	s.lock.Unlock()

	return nil
}

// RunUpdates rebuilds the table whenever the data source asks for it, until
// ctx is done.
func (s *RangeTable) RunUpdates(ctx context.Context) {
	if !s.dataSource.SupportUpdates() {
		return
	}
	for {
		wait := time.Until(s.dataSource.GetNextUpdateTime())
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		if err := s.Refresh(); err != nil {
			logrus.Errorf("range table refresh failed: %v", err)
		}
	}
}

func (s *RangeTable) Len() int {
	s.lock.RLock()
	defer s.lock.RUnlock()

	if s.tree == nil {
		return 0
	}
	return s.tree.Len()
}

func (s *RangeTable) FetchRangesByPrefix(ctx context.Context, prefix string) ([]resolver.RangeRow, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	out := make([]resolver.RangeRow, 0)
	if s.tree == nil {
		return out, nil
	}

	lo, hi, ok := prefixWindow(prefix)
	if !ok {
		return out, nil
	}

	s.tree.AscendGreaterOrEqual(&btree.Item{
		Key: lo,
	}, func(item *btree.Item) bool {
		if item.Key > hi {
			return false
		}
		r := item.Payload.(*resolver.AllocationRange)
		start := resolver.FormatAddress(r.Start)
		if strings.HasPrefix(start, prefix) {
			out = append(out, resolver.RangeRow{
				Start: start,
				Count: int64(r.Count),
				Label: r.Label,
			})
		}
		return true
	})

	return out, nil
}

// prefixWindow returns the numeric bounds of the addresses whose text can
// begin with prefix, derived from the complete leading octets.
func prefixWindow(prefix string) (lo uint32, hi uint32, ok bool) {
	parts := strings.Split(prefix, ".")
	if len(parts) > 4 {
		return 0, 0, false
	}
	complete := parts[:len(parts)-1]
	for _, p := range complete {
		v, err := strconv.ParseUint(p, 10, 8)
		if err != nil {
			return 0, 0, false
		}
		lo = lo<<8 | uint32(v)
	}
	free := uint(8 * (4 - len(complete)))
	if free == 32 {
		return 0, 0xFFFFFFFF, true
	}
	lo <<= free
	hi = lo | (1<<free - 1)

	return lo, hi, true
}

func (s *RangeTable) build() (*btree.BTree, error) {
	s.buildLock.Lock()
	defer s.buildLock.Unlock()

	logrus.Info("rebuilding the range table...")

	gStartTSNano := time.Now().UnixNano()

	defer s.dataSource.Cleanup()
	err := s.dataSource.Load()
	if err != nil {
		return nil, err
	}
	logrus.Debugf("loaded, took %v sec", float64(time.Now().UnixNano()-gStartTSNano)/float64(time.Second))

	t := btree.New(2)
	var prev *resolver.AllocationRange
	for _, r := range s.dataSource.GetRanges() {
		r := r
		if prev != nil && r.Start <= prev.Broadcast() {
			logrus.Warnf("range %s overlaps %s, skipping", r, prev)
			continue
		}
		t.ReplaceOrInsert(&btree.Item{
			Key:     r.Start,
			Payload: &r,
		})
		prev = &r
	}

	logrus.Infof("range table rebuilt with %d ranges, took %v sec",
		t.Len(), float64(time.Now().UnixNano()-gStartTSNano)/float64(time.Second))

	return t, nil
}
