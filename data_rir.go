package main

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"io"
	"io/ioutil"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"rircc/resolver"
)

const (
	rangesInitCount = 200000

	defaultDownloadTimeout = 1 * time.Minute
)

// RIRFileDataSource reads allocation ranges from an RIR delegated-stats
// file or from its CSV extract, either on disk or over HTTP.
type RIRFileDataSource struct {
	config *Config
	ranges []resolver.AllocationRange
}

func NewRIRFileDataSource(conf *Config) *RIRFileDataSource {
	return &RIRFileDataSource{
		config: conf,
	}
}

func (s *RIRFileDataSource) Load() error {
	logrus.Debug("start loading RIR allocations")

	content, err := s.read()
	if err != nil {
		return err
	}

	var records []RIRRecord
	switch s.config.Source.Format {
	case FormatCSV:
		records, err = parseRIRCSV(bytes.NewReader(content))
	default:
		records, err = parseRIRDelegated(bytes.NewReader(content))
	}
	if err != nil {
		return err
	}

	s.ranges = recordsToRanges(records)
	logrus.Debugf("got %d records, %d ranges", len(records), len(s.ranges))

	return nil
}

func (s *RIRFileDataSource) GetRanges() []resolver.AllocationRange {
	return s.ranges
}

func (s *RIRFileDataSource) SupportUpdates() bool {
	return s.config.Source.URL != ""
}

func (s *RIRFileDataSource) GetNextUpdateTime() time.Time {
	return time.Now().Add(24 * time.Hour)
}

func (s *RIRFileDataSource) Cleanup() error {
	s.ranges = nil

	return nil
}

func (s *RIRFileDataSource) read() ([]byte, error) {
	if s.config.Source.URL == "" {
		content, err := ioutil.ReadFile(s.config.Source.Path)
		if err != nil {
			return nil, errors.Wrapf(err, "unable to read %s", s.config.Source.Path)
		}
		return content, nil
	}

	client := &http.Client{
		Timeout: defaultDownloadTimeout,
	}
	resp, err := client.Get(s.config.Source.URL)
	if err != nil {
		return nil, errors.Wrap(err, "unable to get RIR data")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("unexpected status %s from %s", resp.Status, s.config.Source.URL)
	}

	content, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "unable to read response bytes")
	}

	logrus.Debugf("downloaded RIR file, %d bytes", len(content))

	return content, nil
}

// parseRIRDelegated reads registry|cc|type|start|value|date|status lines.
// Version, summary and non-IPv4 lines are skipped, so are rows without a
// two-letter country code.
func parseRIRDelegated(r io.Reader) ([]RIRRecord, error) {
	records := make([]RIRRecord, 0, rangesInitCount)
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Split(text, "|")
		if len(fields) < 7 || fields[2] != "ipv4" || len(fields[1]) != 2 {
			continue
		}
		status := fields[6]
		if status != "allocated" && status != "assigned" {
			continue
		}
		count, err := strconv.ParseInt(fields[4], 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "line %d: unable to parse count", line)
		}
		records = append(records, RIRRecord{
			Registry:    fields[0],
			CountryCode: strings.ToUpper(fields[1]),
			Start:       fields[3],
			Count:       count,
			Date:        fields[5],
			Status:      status,
		})
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "unable to scan RIR file")
	}

	return records, nil
}

// parseRIRCSV reads ip_start,ip_count,country_code,allocated_date,registry_id
// rows after a header line.
func parseRIRCSV(r io.Reader) ([]RIRRecord, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	records := make([]RIRRecord, 0, rangesInitCount)
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
		record, err := csvRowToRecord(row)
		if err != nil {
			return nil, errors.Wrapf(err, "row %d", k)
		}
		records = append(records, record)
	}

	return records, nil
}

func csvRowToRecord(row []string) (RIRRecord, error) {
	if len(row) < 3 {
		return RIRRecord{}, errors.Errorf("expected at least 3 columns, got %d", len(row))
	}
	count, err := strconv.ParseInt(strings.TrimSpace(row[1]), 10, 64)
	if err != nil {
		return RIRRecord{}, errors.Wrap(err, "unable to parse ip_count")
	}
	record := RIRRecord{
		Start:       strings.TrimSpace(row[0]),
		Count:       count,
		CountryCode: strings.ToUpper(strings.TrimSpace(row[2])),
	}
	if len(row) > 3 {
		record.Date = row[3]
	}
	if len(row) > 4 {
		record.Registry = row[4]
	}
	return record, nil
}

// recordsToRanges validates records and returns them sorted by start.
// Invalid records are skipped with a warning.
func recordsToRanges(records []RIRRecord) []resolver.AllocationRange {
	ranges := make([]resolver.AllocationRange, 0, len(records))
	for _, rec := range records {
		start, err := resolver.ParseAddress(rec.Start)
		if err != nil {
			logrus.Warnf("skipping record %+v: %v", rec, err)
			continue
		}
		r, err := resolver.NewAllocationRange(start, rec.Count, rec.CountryCode)
		if err != nil {
			logrus.Warnf("skipping record %+v: %v", rec, err)
			continue
		}
		ranges = append(ranges, r)
	}
	sort.Slice(ranges, func(i, j int) bool {
		return ranges[i].Start < ranges[j].Start
	})

	return ranges
}
