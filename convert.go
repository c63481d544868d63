package main

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"rircc/resolver"
)

const cidrCSVHeader = `"network_addr","country_code","allocated_date","registry_id"`

// cidrFileName maps rir.csv to rir_cidr.csv, placed in outputDir when set.
func cidrFileName(src string, outputDir string) string {
	base := filepath.Base(src)
	ext := filepath.Ext(base)
	name := strings.TrimSuffix(base, ext) + "_cidr" + ext
	if outputDir == "" {
		return filepath.Join(filepath.Dir(src), name)
	}
	return filepath.Join(outputDir, name)
}

// recordToCidrLines decomposes one allocation record into output lines.
func recordToCidrLines(rec RIRRecord) ([]string, error) {
	start, err := resolver.ParseAddress(rec.Start)
	if err != nil {
		return nil, err
	}
	r, err := resolver.NewAllocationRange(start, rec.Count, rec.CountryCode)
	if err != nil {
		return nil, err
	}
	blocks, err := resolver.Decompose(r)
	if err != nil {
		return nil, err
	}

	registry := rec.Registry
	if registry == "" {
		registry = "0"
	}
	lines := make([]string, len(blocks))
	for i, b := range blocks {
		lines[i] = fmt.Sprintf(`"%s","%s","%s",%s`, b.Network, b.Label, rec.Date, registry)
	}
	return lines, nil
}

// ConvertRIRCSV reads the allocation CSV page by page and writes one CIDR
// line per decomposed block. It returns the input and output line counts.
func ConvertRIRCSV(in io.Reader, out io.Writer, pageSize int) (int, int, error) {
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	reader := csv.NewReader(in)
	reader.FieldsPerRecord = -1
	if _, err := reader.Read(); err != nil {
		if err == io.EOF {
			return 0, 0, errors.New("empty CSV file")
		}
		return 0, 0, errors.Wrap(err, "CSV reading error")
	}

	w := bufio.NewWriter(out)
	if _, err := fmt.Fprintln(w, cidrCSVHeader); err != nil {
		return 0, 0, errors.Wrap(err, "unable to write header")
	}

	inputTotal, outputTotal := 0, 0
	page := make([]string, 0, pageSize)
	flush := func() error {
		for _, line := range page {
			if _, err := fmt.Fprintln(w, line); err != nil {
				return errors.Wrap(err, "unable to write CIDR lines")
			}
		}
		page = page[:0]
		logrus.Infof("input_lines: %d, output_lines: %d", inputTotal, outputTotal)
		return errors.Wrap(w.Flush(), "unable to flush CIDR lines")
	}

	pageRows := 0
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return inputTotal, outputTotal, errors.Wrap(err, "CSV reading error")
		}
		inputTotal++
		pageRows++

		rec, err := csvRowToRecord(row)
		if err == nil {
			var lines []string
			lines, err = recordToCidrLines(rec)
			page = append(page, lines...)
			outputTotal += len(lines)
		}
		if err != nil {
			logrus.Warnf("row %d skipped: %v", inputTotal+1, err)
		}

		if pageRows == pageSize {
			if err := flush(); err != nil {
				return inputTotal, outputTotal, err
			}
			pageRows = 0
		}
	}
	if err := flush(); err != nil {
		return inputTotal, outputTotal, err
	}

	return inputTotal, outputTotal, nil
}

// ConvertRIRCSVFile converts src and returns the written file name.
func ConvertRIRCSVFile(src string, outputDir string, pageSize int) (string, error) {
	fin, err := os.Open(src)
	if err != nil {
		return "", errors.Wrapf(err, "unable to open %s", src)
	}
	defer fin.Close()

	dst := cidrFileName(src, outputDir)
	fout, err := os.Create(dst)
	if err != nil {
		return "", errors.Wrapf(err, "unable to create %s", dst)
	}
	defer fout.Close()

	if _, _, err := ConvertRIRCSV(fin, fout, pageSize); err != nil {
		return "", err
	}

	logrus.Infof("Saved %s", dst)
	return dst, nil
}
