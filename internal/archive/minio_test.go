package archive

import "testing"

func TestBuildObjectPath(t *testing.T) {
	tests := []struct {
		base   string
		device string
		start  int64
		end    int64
		want   string
	}{
		{"emdata", "main", 1700000000, 1700043200, "emdata/main/year=2023/month=11/day=14/emdata_1700000000-1700043200.csv"},
		{"raw/shelly", "plug", 0, 60, "raw/shelly/plug/year=1970/month=01/day=01/emdata_0-60.csv"},
	}

	for _, tt := range tests {
		if got := BuildObjectPath(tt.base, tt.device, tt.start, tt.end); got != tt.want {
			t.Errorf("BuildObjectPath(%q, %q, %d, %d) = %q, want %q", tt.base, tt.device, tt.start, tt.end, got, tt.want)
		}
	}
}
