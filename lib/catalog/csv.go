// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package catalog

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"strconv"
)

// catalogColumns is the canonical column set, in canonical order.
// Parsing is driven by the header row, so column order in a fetched
// file does not matter, and unknown columns are ignored.
var catalogColumns = []string{
	"InstanceType",
	"AcceleratorName",
	"AcceleratorCount",
	"vCPUs",
	"MemoryGiB",
	"GpuInfo",
	"Region",
	"SpotPrice",
	"Price",
	"AvailabilityZone",
}

// An Entry is one catalog row: an instance type offered in one
// region (and zone, for clouds that have them), with its prices.
//
// Numeric cells may be empty in the source data; an empty cell is
// NaN in memory and round-trips back to an empty cell.
type Entry struct {
	InstanceType     string
	AcceleratorName  string
	AcceleratorCount float64
	VCPUs            float64
	MemoryGiB        float64
	GpuInfo          string // opaque, preserved verbatim
	Region           string
	SpotPrice        float64
	Price            float64
	AvailabilityZone string
}

// PriceFor returns the applicable price for the given market, and
// false if the catalog does not list one.
func (e Entry) PriceFor(preemptible bool) (float64, bool) {
	p := e.Price
	if preemptible {
		p = e.SpotPrice
	}
	if math.IsNaN(p) {
		return 0, false
	}
	return p, true
}

// ParseCSV reads a catalog table. The header row is required and
// must include every canonical column. A file with a header and no
// rows is a valid, empty table.
func ParseCSV(rdr io.Reader) ([]Entry, error) {
	r := csv.NewReader(rdr)
	header, err := r.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("empty catalog: missing header row")
	} else if err != nil {
		return nil, err
	}
	idx := map[string]int{}
	for i, name := range header {
		idx[name] = i
	}
	for _, name := range catalogColumns {
		if _, ok := idx[name]; !ok {
			return nil, fmt.Errorf("catalog header is missing column %q", name)
		}
	}
	var entries []Entry
	for row := 2; ; row++ {
		rec, err := r.Read()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, err
		}
		e := Entry{
			InstanceType:     rec[idx["InstanceType"]],
			AcceleratorName:  rec[idx["AcceleratorName"]],
			GpuInfo:          rec[idx["GpuInfo"]],
			Region:           rec[idx["Region"]],
			AvailabilityZone: rec[idx["AvailabilityZone"]],
		}
		for _, field := range []struct {
			name string
			dst  *float64
		}{
			{"AcceleratorCount", &e.AcceleratorCount},
			{"vCPUs", &e.VCPUs},
			{"MemoryGiB", &e.MemoryGiB},
			{"SpotPrice", &e.SpotPrice},
			{"Price", &e.Price},
		} {
			*field.dst, err = parseCell(rec[idx[field.name]])
			if err != nil {
				return nil, fmt.Errorf("row %d: column %s: %w", row, field.name, err)
			}
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func parseCell(s string) (float64, error) {
	if s == "" {
		return math.NaN(), nil
	}
	return strconv.ParseFloat(s, 64)
}

// WriteCSV writes a catalog table with the canonical header.
func WriteCSV(w io.Writer, entries []Entry) error {
	cw := csv.NewWriter(w)
	err := cw.Write(catalogColumns)
	if err != nil {
		return err
	}
	for _, e := range entries {
		err = cw.Write([]string{
			e.InstanceType,
			e.AcceleratorName,
			formatCell(e.AcceleratorCount),
			formatCell(e.VCPUs),
			formatCell(e.MemoryGiB),
			e.GpuInfo,
			e.Region,
			formatCell(e.SpotPrice),
			formatCell(e.Price),
			e.AvailabilityZone,
		})
		if err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatCell(f float64) string {
	if math.IsNaN(f) {
		return ""
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}
