package model

import "fmt"

// SyncCursor is the durable resume point for incremental sync of one device.
type SyncCursor struct {
	DeviceKey                 string `json:"device_key"`
	LastConfirmedEndTimestamp *int64 `json:"last_confirmed_end_ts,omitempty"`
	UpdatedAt                 int64  `json:"updated_at"`
}

type TimeRange struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

type ChunkResult struct {
	StartTS int64  `json:"start_ts"`
	EndTS   int64  `json:"end_ts"`
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
}

type SyncRunResult struct {
	DeviceKey          string        `json:"device_key"`
	DeviceName         string        `json:"device_name"`
	StartedAt          int64         `json:"started_at"`
	EndedAt            int64         `json:"ended_at"`
	RequestedRange     TimeRange     `json:"requested_range"`
	Chunks             []ChunkResult `json:"chunks"`
	UpdatedCursorEndTS *int64        `json:"updated_cursor_end_ts,omitempty"`
	Skipped            bool          `json:"skipped"`
	Err                error         `json:"-"`
}

func (r SyncRunResult) OKChunks() int {
	n := 0
	for _, c := range r.Chunks {
		if c.OK {
			n++
		}
	}
	return n
}

// Summary is the human readable per-device outcome.
func (r SyncRunResult) Summary() string {
	if r.Skipped {
		return "skipped: device has no history support"
	}
	s := fmt.Sprintf("%d/%d chunks OK", r.OKChunks(), len(r.Chunks))
	if r.Err != nil {
		s += ": " + r.Err.Error()
	}
	return s
}

// SyncProgress is the latest progress report of one device during a sync run.
type SyncProgress struct {
	DeviceKey string `json:"device_key"`
	Done      int    `json:"done"`
	Total     int    `json:"total"`
	Message   string `json:"message"`
	UpdatedAt int64  `json:"updated_at"`
}
