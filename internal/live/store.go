package live

import (
	"math"
	"sync"
	"time"

	"shelly-monitor/internal/model"
)

// Windows never retain fewer points than this.
const minWindowPoints = 50

// Store retains the most recent points per device for the dashboard.
type Store struct {
	mu           sync.RWMutex
	maxPoints    int
	pollInterval time.Duration
	series       map[string][]model.LivePoint
}

func NewStore(maxPoints int, pollInterval time.Duration) *Store {
	if maxPoints < 1 {
		maxPoints = 1
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Store{
		maxPoints:    maxPoints,
		pollInterval: pollInterval,
		series:       make(map[string][]model.LivePoint),
	}
}

// Update appends point to the device's series, dropping the oldest when full.
func (s *Store) Update(deviceKey string, point model.LivePoint) {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf := append(s.series[deviceKey], point)
	if len(buf) > s.maxPoints {
		buf = buf[len(buf)-s.maxPoints:]
	}
	s.series[deviceKey] = buf
}

// SetMaxPoints changes capacity for all devices; shrinking drops the oldest points.
func (s *Store) SetMaxPoints(n int) {
	if n < 1 {
		n = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.maxPoints = n
	for key, buf := range s.series {
		if len(buf) > n {
			trimmed := make([]model.LivePoint, n)
			copy(trimmed, buf[len(buf)-n:])
			s.series[key] = trimmed
		}
	}
}

// SetWindowMinutes sizes the buffers to hold minutes of samples at the poll interval.
func (s *Store) SetWindowMinutes(minutes int) int {
	s.mu.RLock()
	poll := s.pollInterval.Seconds()
	s.mu.RUnlock()

	n := int(math.Ceil(float64(minutes) * 60 / poll))
	if n < minWindowPoints {
		n = minWindowPoints
	}
	s.SetMaxPoints(n)
	return n
}

func (s *Store) MaxPoints() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxPoints
}

// Snapshot returns copies of every series; callers may keep or modify them.
func (s *Store) Snapshot() map[string][]model.LivePoint {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string][]model.LivePoint, len(s.series))
	for key, buf := range s.series {
		cp := make([]model.LivePoint, len(buf))
		copy(cp, buf)
		out[key] = cp
	}
	return out
}

// Latest returns the newest point of every device.
func (s *Store) Latest() map[string]model.LivePoint {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]model.LivePoint, len(s.series))
	for key, buf := range s.series {
		if len(buf) > 0 {
			out[key] = buf[len(buf)-1]
		}
	}
	return out
}
