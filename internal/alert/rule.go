package alert

import "shelly-monitor/internal/model"

type Metric int

const (
	MetricPower Metric = iota
	MetricVoltage
	MetricCurrent
	MetricReactive
	MetricPowerFactor
)

func (m Metric) String() string {
	switch m {
	case MetricPower:
		return "W"
	case MetricVoltage:
		return "V"
	case MetricCurrent:
		return "A"
	case MetricReactive:
		return "VAR"
	case MetricPowerFactor:
		return "COSPHI"
	}
	return "?"
}

type Phase int

const (
	PhaseTotal Phase = iota
	PhaseL1
	PhaseL2
	PhaseL3
)

func (p Phase) String() string {
	switch p {
	case PhaseL1:
		return "L1"
	case PhaseL2:
		return "L2"
	case PhaseL3:
		return "L3"
	}
	return "total"
}

type Op string

const (
	OpGT Op = ">"
	OpLT Op = "<"
	OpGE Op = ">="
	OpLE Op = "<="
	OpEQ Op = "=="
)

func (o Op) Valid() bool {
	switch o {
	case OpGT, OpLT, OpGE, OpLE, OpEQ:
		return true
	}
	return false
}

func (o Op) Compare(value, threshold float64) bool {
	switch o {
	case OpGT:
		return value > threshold
	case OpLT:
		return value < threshold
	case OpGE:
		return value >= threshold
	case OpLE:
		return value <= threshold
	case OpEQ:
		return value == threshold
	}
	return false
}

// Wildcard matches every device.
const Wildcard = "*"

type Rule struct {
	ID              string   `json:"rule_id"`
	Enabled         bool     `json:"enabled"`
	DeviceKey       string   `json:"device_key"`
	Metric          Metric   `json:"metric"`
	Phase           Phase    `json:"phase"`
	Op              Op       `json:"op"`
	Threshold       float64  `json:"threshold"`
	DurationSeconds int64    `json:"duration_seconds"`
	CooldownSeconds int64    `json:"cooldown_seconds"`
	Message         string   `json:"message"`
	Channels        []string `json:"channels"`
}

func (r Rule) Matches(deviceKey string) bool {
	return r.DeviceKey == "" || r.DeviceKey == Wildcard || r.DeviceKey == deviceKey
}

// MetricName is the compact label used in messages, e.g. "W" or "V_L2".
func (r Rule) MetricName() string {
	if r.Phase == PhaseTotal {
		return r.Metric.String()
	}
	return r.Metric.String() + "_" + r.Phase.String()
}

// Value extracts the rule's metric from a sample. Voltage totals are the mean
// of the phases that report a value; current totals are the phase sum.
func Value(s model.LiveSample, m Metric, p Phase) float64 {
	var pv model.PhaseValues
	switch m {
	case MetricPower:
		pv = s.PowerW
	case MetricVoltage:
		pv = s.VoltageV
	case MetricCurrent:
		pv = s.CurrentA
	case MetricReactive:
		pv = s.ReactiveVar
	case MetricPowerFactor:
		pv = s.PowerFactor
	}

	switch p {
	case PhaseL1:
		return pv.A
	case PhaseL2:
		return pv.B
	case PhaseL3:
		return pv.C
	}

	switch m {
	case MetricVoltage:
		sum, n := 0.0, 0
		for _, v := range []float64{pv.A, pv.B, pv.C} {
			if v != 0 {
				sum += v
				n++
			}
		}
		if n == 0 {
			return 0
		}
		return sum / float64(n)
	case MetricCurrent:
		return pv.A + pv.B + pv.C
	}
	return pv.Total
}

func (m Metric) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }
