package alert

import (
	"strings"
	"sync"
	"testing"
	"time"

	"shelly-monitor/internal/model"
	"shelly-monitor/internal/notify"
)

type captureDispatcher struct {
	mu   sync.Mutex
	sent []notify.Message
	chs  []string
}

func (c *captureDispatcher) Send(channel string, msg notify.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if channel == "missing" {
		return &notify.DispatchError{Channel: channel, Reason: "unknown channel"}
	}
	c.sent = append(c.sent, msg)
	c.chs = append(c.chs, channel)
	return nil
}

func powerSample(key string, ts int64, w float64) model.LiveSample {
	return model.LiveSample{DeviceKey: key, DeviceName: "Main meter", TS: ts, PowerW: model.PhaseValues{A: w, Total: w}}
}

func powerRule() Rule {
	return Rule{
		ID:              "high-power",
		Enabled:         true,
		DeviceKey:       "main",
		Metric:          MetricPower,
		Op:              OpGT,
		Threshold:       1000,
		DurationSeconds: 10,
		CooldownSeconds: 0,
		Channels:        []string{"log"},
	}
}

func feed(e *Engine, key string, from, to int64, w float64) int {
	n := 0
	for ts := from; ts <= to; ts++ {
		n += len(e.Evaluate(powerSample(key, ts, w)))
	}
	return n
}

func TestEngine_Hysteresis(t *testing.T) {
	d := &captureDispatcher{}
	e := NewEngine([]Rule{powerRule()}, d, time.UTC)

	// Nine seconds of breach: t=0..9.
	if n := feed(e, "main", 0, 9, 1500); n != 0 {
		t.Fatalf("9 s breach must not trigger, got %d events", n)
	}
	feed(e, "main", 10, 10, 500)

	// Sustained breach then clearing: exactly one trigger.
	if n := feed(e, "main", 100, 130, 1500); n != 1 {
		t.Fatalf("expected exactly 1 trigger, got %d", n)
	}
	feed(e, "main", 131, 131, 500)

	if len(d.sent) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(d.sent))
	}
	if d.sent[0].TS != 110 {
		t.Errorf("expected trigger at t=110, got %d", d.sent[0].TS)
	}
}

func TestEngine_Cooldown(t *testing.T) {
	d := &captureDispatcher{}
	r := powerRule()
	r.DurationSeconds = 0
	r.CooldownSeconds = 60
	e := NewEngine([]Rule{r}, d, time.UTC)

	feed(e, "main", 0, 2, 1500)
	feed(e, "main", 3, 3, 0)
	// Second breach 30 s after the first firing.
	feed(e, "main", 30, 32, 1500)
	feed(e, "main", 33, 33, 0)

	if len(d.sent) != 1 {
		t.Fatalf("expected 1 notification within cooldown, got %d", len(d.sent))
	}

	// After the cooldown the rule fires again.
	feed(e, "main", 100, 100, 1500)
	if len(d.sent) != 2 {
		t.Fatalf("expected 2 notifications after cooldown, got %d", len(d.sent))
	}
}

func TestEngine_LatchedUntilClear(t *testing.T) {
	e := NewEngine([]Rule{func() Rule { r := powerRule(); r.DurationSeconds = 0; return r }()}, nil, time.UTC)

	if n := feed(e, "main", 0, 50, 2000); n != 1 {
		t.Fatalf("expected a single trigger while latched, got %d", n)
	}
	states := e.States()
	if len(states) != 1 || states[0].Status() != StatusTriggered {
		t.Fatalf("expected triggered state, got %+v", states)
	}

	feed(e, "main", 51, 51, 10)
	if st := e.States()[0]; st.Status() != StatusIdle || st.ConditionSinceTS != nil {
		t.Errorf("expected idle after clear, got %+v", st)
	}
}

func TestEngine_WildcardTracksDevicesSeparately(t *testing.T) {
	d := &captureDispatcher{}
	r := powerRule()
	r.DeviceKey = Wildcard
	e := NewEngine([]Rule{r}, d, time.UTC)

	for ts := int64(0); ts <= 10; ts++ {
		e.Evaluate(powerSample("a", ts, 2000))
		// b breaches only from t=5.
		w := 0.0
		if ts >= 5 {
			w = 2000
		}
		e.Evaluate(powerSample("b", ts, w))
	}

	if len(d.sent) != 1 || d.sent[0].DeviceKey != "a" {
		t.Fatalf("expected only device a to trigger, got %+v", d.sent)
	}

	states := e.States()
	if len(states) != 2 {
		t.Fatalf("expected 2 states, got %d", len(states))
	}
	if states[1].DeviceKey != "b" || states[1].Status() != StatusArming {
		t.Errorf("expected b arming, got %+v", states[1])
	}
}

func TestEngine_DisabledAndNonMatching(t *testing.T) {
	d := &captureDispatcher{}
	disabled := powerRule()
	disabled.ID = "off"
	disabled.Enabled = false
	other := powerRule()
	other.ID = "other"
	other.DeviceKey = "garage"
	e := NewEngine([]Rule{disabled, other}, d, time.UTC)

	feed(e, "main", 0, 30, 5000)
	if len(d.sent) != 0 {
		t.Errorf("expected no notifications, got %d", len(d.sent))
	}
}

func TestEngine_MessageAndChannels(t *testing.T) {
	d := &captureDispatcher{}
	r := powerRule()
	r.DurationSeconds = 0
	r.Message = "Check the heat pump"
	r.Channels = []string{"telegram", "missing", "mqtt"}
	e := NewEngine([]Rule{r}, d, time.UTC)

	events := e.Evaluate(powerSample("main", 1704067200, 1234.5))
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].ID == "" {
		t.Error("expected event id")
	}

	text := events[0].Text
	for _, want := range []string{"Check the heat pump", "Main meter", "W", ">", "1000", "1234.50", "2024-01-01 00:00:00"} {
		if !strings.Contains(text, want) {
			t.Errorf("message %q missing %q", text, want)
		}
	}
	if len(d.chs) != 2 || d.chs[0] != "telegram" || d.chs[1] != "mqtt" {
		t.Errorf("unexpected channels %v", d.chs)
	}
}

func TestValue_Aggregates(t *testing.T) {
	s := model.LiveSample{
		VoltageV:    model.PhaseValues{A: 230, B: 0, C: 232},
		CurrentA:    model.PhaseValues{A: 1, B: 2, C: 3},
		PowerW:      model.PhaseValues{A: 10, B: 20, C: 30, Total: 60},
		PowerFactor: model.PhaseValues{A: 0.9, Total: 0.95},
	}

	tests := []struct {
		metric Metric
		phase  Phase
		want   float64
	}{
		{MetricVoltage, PhaseTotal, 231},
		{MetricVoltage, PhaseL2, 0},
		{MetricCurrent, PhaseTotal, 6},
		{MetricCurrent, PhaseL3, 3},
		{MetricPower, PhaseTotal, 60},
		{MetricPower, PhaseL1, 10},
		{MetricPowerFactor, PhaseTotal, 0.95},
	}
	for _, tt := range tests {
		if got := Value(s, tt.metric, tt.phase); got != tt.want {
			t.Errorf("Value(%s, %s) = %v, want %v", tt.metric, tt.phase, got, tt.want)
		}
	}
}

func TestEngine_SetRulesDropsRemovedState(t *testing.T) {
	r := powerRule()
	e := NewEngine([]Rule{r}, nil, time.UTC)
	feed(e, "main", 0, 3, 5000)
	if len(e.States()) != 1 {
		t.Fatal("expected state for rule")
	}

	e.SetRules(nil)
	if len(e.States()) != 0 {
		t.Error("expected state of removed rule to be dropped")
	}
}
