package alert

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"shelly-monitor/internal/model"
	"shelly-monitor/internal/notify"
)

type Dispatcher interface {
	Send(channel string, msg notify.Message) error
}

// Status is the position of a rule in its Idle/Arming/Triggered cycle.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusArming    Status = "arming"
	StatusTriggered Status = "triggered"
)

// State is kept per rule and device.
type State struct {
	RuleID           string  `json:"rule_id"`
	DeviceKey        string  `json:"device_key"`
	ConditionSinceTS *int64  `json:"condition_since_ts,omitempty"`
	Triggered        bool    `json:"triggered"`
	LastTriggerTS    *int64  `json:"last_trigger_ts,omitempty"`
	LastValue        float64 `json:"last_value"`
}

func (s State) Status() Status {
	switch {
	case s.Triggered:
		return StatusTriggered
	case s.ConditionSinceTS != nil:
		return StatusArming
	}
	return StatusIdle
}

// Event describes one rule firing.
type Event struct {
	ID         string  `json:"id"`
	RuleID     string  `json:"rule_id"`
	DeviceKey  string  `json:"device_key"`
	DeviceName string  `json:"device_name"`
	Metric     string  `json:"metric"`
	Op         Op      `json:"op"`
	Threshold  float64 `json:"threshold"`
	Value      float64 `json:"value"`
	TS         int64   `json:"ts"`
	Text       string  `json:"text"`
}

// Engine evaluates rules against live samples. Transitions happen only when
// a sample arrives; there is no timer.
type Engine struct {
	mu         sync.Mutex
	rules      []Rule
	states     map[string]*State
	dispatcher Dispatcher
	loc        *time.Location
}

func NewEngine(rules []Rule, dispatcher Dispatcher, loc *time.Location) *Engine {
	if loc == nil {
		loc = time.Local
	}
	e := &Engine{
		states:     make(map[string]*State),
		dispatcher: dispatcher,
		loc:        loc,
	}
	e.SetRules(rules)
	return e
}

// SetRules replaces the rule set. State of rules that still exist is kept.
func (e *Engine) SetRules(rules []Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.rules = append([]Rule(nil), rules...)
	keep := make(map[string]bool, len(rules))
	for _, r := range rules {
		keep[r.ID] = true
	}
	for key, st := range e.states {
		if !keep[st.RuleID] {
			delete(e.states, key)
		}
	}
}

func (e *Engine) Rules() []Rule {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Rule(nil), e.rules...)
}

// Evaluate must be called for every sample, in per-device order.
func (e *Engine) Evaluate(s model.LiveSample) []Event {
	e.mu.Lock()
	var fired []Event
	var firedRules []Rule
	for _, r := range e.rules {
		if !r.Enabled || !r.Matches(s.DeviceKey) {
			continue
		}
		if ev, ok := e.step(r, s); ok {
			fired = append(fired, ev)
			firedRules = append(firedRules, r)
		}
	}
	e.mu.Unlock()

	for i, ev := range fired {
		e.dispatch(firedRules[i], ev)
	}
	return fired
}

func (e *Engine) step(r Rule, s model.LiveSample) (Event, bool) {
	key := r.ID + "|" + s.DeviceKey
	st, ok := e.states[key]
	if !ok {
		st = &State{RuleID: r.ID, DeviceKey: s.DeviceKey}
		e.states[key] = st
	}

	value := Value(s, r.Metric, r.Phase)
	st.LastValue = value
	now := s.TS

	if !r.Op.Compare(value, r.Threshold) {
		st.ConditionSinceTS = nil
		st.Triggered = false
		return Event{}, false
	}

	if st.ConditionSinceTS == nil {
		since := now
		st.ConditionSinceTS = &since
	}
	if st.Triggered {
		return Event{}, false
	}
	if now-*st.ConditionSinceTS < r.DurationSeconds {
		return Event{}, false
	}
	if st.LastTriggerTS != nil && now-*st.LastTriggerTS < r.CooldownSeconds {
		return Event{}, false
	}

	st.Triggered = true
	fired := now
	st.LastTriggerTS = &fired

	ev := Event{
		ID:         uuid.NewString(),
		RuleID:     r.ID,
		DeviceKey:  s.DeviceKey,
		DeviceName: s.DeviceName,
		Metric:     r.MetricName(),
		Op:         r.Op,
		Threshold:  r.Threshold,
		Value:      value,
		TS:         now,
	}
	if ev.DeviceName == "" {
		ev.DeviceName = s.DeviceKey
	}
	ev.Text = e.render(r, ev)
	return ev, true
}

func (e *Engine) render(r Rule, ev Event) string {
	var b strings.Builder
	if r.Message != "" {
		b.WriteString(r.Message)
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "%s: %s %s %g (value %.2f) at %s",
		ev.DeviceName, ev.Metric, ev.Op, ev.Threshold, ev.Value,
		time.Unix(ev.TS, 0).In(e.loc).Format("2006-01-02 15:04:05"))
	return b.String()
}

func (e *Engine) dispatch(r Rule, ev Event) {
	log.Info().Str("rule", r.ID).Str("device", ev.DeviceKey).Float64("value", ev.Value).Msg("alert triggered")
	if e.dispatcher == nil {
		return
	}

	msg := notify.Message{
		ID:         ev.ID,
		RuleID:     ev.RuleID,
		DeviceKey:  ev.DeviceKey,
		DeviceName: ev.DeviceName,
		Title:      fmt.Sprintf("Alert %s: %s", r.ID, ev.DeviceName),
		Text:       ev.Text,
		Value:      ev.Value,
		TS:         ev.TS,
	}
	for _, ch := range r.Channels {
		if err := e.dispatcher.Send(ch, msg); err != nil {
			log.Warn().Err(err).Str("rule", r.ID).Str("channel", ch).Msg("alert not dispatched")
		}
	}
}

// States returns a copy of every rule state, ordered by rule and device.
func (e *Engine) States() []State {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]State, 0, len(e.states))
	for _, st := range e.states {
		cp := *st
		if st.ConditionSinceTS != nil {
			v := *st.ConditionSinceTS
			cp.ConditionSinceTS = &v
		}
		if st.LastTriggerTS != nil {
			v := *st.LastTriggerTS
			cp.LastTriggerTS = &v
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RuleID != out[j].RuleID {
			return out[i].RuleID < out[j].RuleID
		}
		return out[i].DeviceKey < out[j].DeviceKey
	})
	return out
}
