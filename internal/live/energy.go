package live

import (
	"sync"
	"time"
)

// markInterval spaces the cumulative checkpoints kept for baseline merges.
const markInterval = 60

type energyMark struct {
	ts  int64
	kwh float64
}

type dayState struct {
	day        string
	kwh        float64
	lastTS     int64
	lastPowerW float64
	hasTS      bool
	havePoint  bool
	marks      []energyMark
}

// kwhAt interpolates the integrated total at ts between the recorded marks
// and the latest sample. ts must not precede the first mark.
func (st *dayState) kwhAt(ts int64) float64 {
	prev := st.marks[0]
	for i := 1; i <= len(st.marks); i++ {
		next := energyMark{ts: st.lastTS, kwh: st.kwh}
		if i < len(st.marks) {
			next = st.marks[i]
		}
		if ts <= next.ts {
			if next.ts <= prev.ts {
				return next.kwh
			}
			frac := float64(ts-prev.ts) / float64(next.ts-prev.ts)
			return prev.kwh + frac*(next.kwh-prev.kwh)
		}
		prev = next
	}
	return st.kwh
}

// TodayEnergy integrates live power into energy consumed since local midnight.
type TodayEnergy struct {
	mu    sync.Mutex
	loc   *time.Location
	state map[string]*dayState
}

func NewTodayEnergy(loc *time.Location) *TodayEnergy {
	if loc == nil {
		loc = time.Local
	}
	return &TodayEnergy{loc: loc, state: make(map[string]*dayState)}
}

func (t *TodayEnergy) Location() *time.Location {
	return t.loc
}

func (t *TodayEnergy) dayOf(ts int64) string {
	return time.Unix(ts, 0).In(t.loc).Format("2006-01-02")
}

// DayStart returns local midnight of the day containing ts.
func (t *TodayEnergy) DayStart(ts int64) time.Time {
	lt := time.Unix(ts, 0).In(t.loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, t.loc)
}

// Add integrates one sample with the trapezoidal rule and returns today's kWh.
// Samples at or before the last seen timestamp are absorbed.
func (t *TodayEnergy) Add(deviceKey string, ts int64, powerW float64) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	day := t.dayOf(ts)
	st, ok := t.state[deviceKey]
	if !ok || st.day != day {
		if ok && st.hasTS && ts <= st.lastTS {
			return st.kwh
		}
		st = &dayState{day: day}
		t.state[deviceKey] = st
	}

	if st.hasTS && ts <= st.lastTS {
		return st.kwh
	}

	if st.havePoint {
		dt := float64(ts - st.lastTS)
		st.kwh += (st.lastPowerW + powerW) / 2 * (dt / 3600) / 1000
	}
	st.lastTS = ts
	st.lastPowerW = powerW
	st.hasTS = true
	st.havePoint = true
	if n := len(st.marks); n == 0 || ts-st.marks[n-1].ts >= markInterval {
		st.marks = append(st.marks, energyMark{ts: ts, kwh: st.kwh})
	}
	return st.kwh
}

// ApplyBaseline sets today's total to kwh measured by the device up to lastTS
// plus whatever live samples after lastTS already contributed. The total never
// drops below the live figure once samples newer than lastTS were seen.
// Without such samples the next one after lastTS only anchors the integration.
func (t *TodayEnergy) ApplyBaseline(deviceKey string, dayStart time.Time, kwh float64, lastTS int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	day := dayStart.In(t.loc).Format("2006-01-02")
	st, ok := t.state[deviceKey]
	if ok && st.day > day {
		return
	}
	if !ok || st.day != day || !st.havePoint || st.lastTS <= lastTS {
		t.state[deviceKey] = &dayState{
			day:    day,
			kwh:    kwh,
			lastTS: lastTS,
			hasTS:  true,
		}
		return
	}

	first := st.marks[0]
	atBaseline := first.kwh
	if lastTS >= first.ts {
		atBaseline = st.kwhAt(lastTS)
	}
	total := max(st.kwh, kwh+st.kwh-atBaseline)
	delta := total - st.kwh

	marks := make([]energyMark, 0, len(st.marks)+1)
	if lastTS >= first.ts {
		marks = append(marks, energyMark{ts: lastTS, kwh: atBaseline + delta})
	}
	for _, m := range st.marks {
		if m.ts > lastTS {
			marks = append(marks, energyMark{ts: m.ts, kwh: m.kwh + delta})
		}
	}
	st.marks = marks
	st.kwh = total
}

func (t *TodayEnergy) Get(deviceKey string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	if st, ok := t.state[deviceKey]; ok {
		return st.kwh
	}
	return 0
}
