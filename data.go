package main

import (
	"time"

	"rircc/resolver"
)

// RIRRecord is one IPv4 allocation line of an RIR statistics file.
type RIRRecord struct {
	Registry    string
	CountryCode string
	Start       string
	Count       int64
	Date        string
	Status      string
}

type RangeDataSource interface {
	Load() error
	GetRanges() []resolver.AllocationRange
	SupportUpdates() bool
	GetNextUpdateTime() time.Time
	Cleanup() error
}

func BuildRangeDataSource(conf *Config) RangeDataSource {
	return NewRIRFileDataSource(conf)
}
