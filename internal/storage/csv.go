package storage

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

var tsColumns = []string{"timestamp", "ts", "time"}

// Per-phase interval energy columns in Wh, in order of preference.
var energyColumnSets = [][]string{
	{"a_total_act_energy", "b_total_act_energy", "c_total_act_energy"},
	{"a_fund_act_energy", "b_fund_act_energy", "c_fund_act_energy"},
	{"total_act_energy"},
}

var returnedColumns = []string{"a_total_act_ret_energy", "b_total_act_ret_energy", "c_total_act_ret_energy", "total_act_ret_energy"}

// ParseEnergyCSV converts a bulk history export into rows. A body holding
// only the header yields no rows and no error.
func ParseEnergyCSV(deviceKey string, body []byte) ([]EnergyRow, error) {
	r := csv.NewReader(bytes.NewReader(body))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}

	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}

	tsIdx := -1
	for _, name := range tsColumns {
		if i, ok := cols[name]; ok {
			tsIdx = i
			break
		}
	}
	if tsIdx < 0 {
		return nil, fmt.Errorf("csv has no timestamp column (header %q)", strings.Join(header, ","))
	}

	energyIdx := pickColumns(cols, energyColumnSets)
	retIdx := presentColumns(cols, returnedColumns)
	maxIdx := presentColumns(cols, []string{"a_max_act_power", "b_max_act_power", "c_max_act_power"})
	minIdx := presentColumns(cols, []string{"a_min_act_power", "b_min_act_power", "c_min_act_power"})
	avgIdx := presentColumns(cols, []string{"a_avg_act_power", "b_avg_act_power", "c_avg_act_power"})

	var rows []EnergyRow
	for line := 2; ; line++ {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv line %d: %w", line, err)
		}
		if len(rec) == 1 && strings.TrimSpace(rec[0]) == "" {
			continue
		}

		ts, err := parseTimestamp(field(rec, tsIdx))
		if err != nil {
			return nil, fmt.Errorf("csv line %d: %w", line, err)
		}

		row := EnergyRow{
			DeviceKey:        deviceKey,
			TS:               ts,
			EnergyWh:         sumFields(rec, energyIdx),
			ReturnedEnergyWh: sumFields(rec, retIdx),
			MaxPowerW:        sumFields(rec, maxIdx),
		}
		switch {
		case len(avgIdx) > 0:
			row.AvgPowerW = sumFields(rec, avgIdx)
		case len(maxIdx) > 0 && len(minIdx) > 0:
			row.AvgPowerW = (sumFields(rec, maxIdx) + sumFields(rec, minIdx)) / 2
		default:
			row.AvgPowerW = row.EnergyWh * 3600 / RowIntervalSeconds
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// HasDataRows reports whether body holds anything beyond the header line.
func HasDataRows(body []byte) bool {
	lines := 0
	for _, line := range bytes.Split(body, []byte("\n")) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		lines++
		if lines > 1 {
			return true
		}
	}
	return false
}

func pickColumns(cols map[string]int, sets [][]string) []int {
	for _, set := range sets {
		if idx := presentColumns(cols, set); len(idx) > 0 {
			return idx
		}
	}
	return nil
}

func presentColumns(cols map[string]int, names []string) []int {
	var idx []int
	for _, n := range names {
		if i, ok := cols[n]; ok {
			idx = append(idx, i)
		}
	}
	return idx
}

func field(rec []string, i int) string {
	if i < 0 || i >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[i])
}

func sumFields(rec []string, idx []int) float64 {
	total := 0.0
	for _, i := range idx {
		v, err := strconv.ParseFloat(field(rec, i), 64)
		if err == nil {
			total += v
		}
	}
	return total
}

// parseTimestamp accepts unix seconds or milliseconds.
func parseTimestamp(s string) (int64, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid timestamp %q", s)
	}
	if f > 1e12 {
		f /= 1000
	}
	return int64(f), nil
}
