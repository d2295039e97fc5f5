package main

import (
	"testing"
	"time"

	"shelly-monitor/internal/model"
)

func TestParseRange(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	tests := []struct {
		name      string
		from, to  string
		wantStart int64
		wantEnd   int64
		wantErr   bool
	}{
		{"unix from, default end", "1699990000", "", 1_699_990_000, 1_700_000_000, false},
		{"rfc3339 both", "2023-11-14T00:00:00Z", "2023-11-14T12:00:00Z", 1_699_920_000, 1_699_963_200, false},
		{"end before start", "1700000000", "1600000000", 1_700_000_000, 1_700_000_001, false},
		{"to without from", "", "1700000000", 0, 0, true},
		{"garbage", "yesterday", "", 0, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseRange(tt.from, tt.to, now)
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected an error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseRange: %v", err)
			}
			if got.Start != tt.wantStart || got.End != tt.wantEnd {
				t.Errorf("got [%d,%d), want [%d,%d)", got.Start, got.End, tt.wantStart, tt.wantEnd)
			}
		})
	}
}

func TestFilterDevices(t *testing.T) {
	devices := []model.Device{{Key: "a"}, {Key: "b"}, {Key: "c"}}

	if got := filterDevices(devices, nil); len(got) != 3 {
		t.Errorf("no filter kept %d devices", len(got))
	}
	got := filterDevices(devices, []string{"c", "a"})
	if len(got) != 2 || got[0].Key != "a" || got[1].Key != "c" {
		t.Errorf("filter = %+v", got)
	}
}
