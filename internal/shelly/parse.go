package shelly

import (
	"fmt"
	"math"
	"strconv"

	"shelly-monitor/internal/model"
)

// Fields is the normalised per-phase view of a status payload.
type Fields struct {
	PowerW      model.PhaseValues
	VoltageV    model.PhaseValues
	CurrentA    model.PhaseValues
	ReactiveVar model.PhaseValues
	PowerFactor model.PhaseValues
}

// ParseEMStatus normalises an EM.GetStatus payload. Instantaneous keys are
// preferred; *_avg_* keys are used as fallback.
func ParseEMStatus(data map[string]any) Fields {
	var f Fields

	phases := []string{"a", "b", "c"}
	p := make([]float64, 3)
	v := make([]float64, 3)
	i := make([]float64, 3)
	s := make([]float64, 3)
	q := make([]float64, 3)
	pf := make([]float64, 3)

	for idx, ph := range phases {
		p[idx] = pick(data, 0, ph+"_act_power", "act_power_"+ph)
		v[idx] = pick(data, 0, ph+"_voltage", ph+"_avg_voltage")
		i[idx] = pick(data, 0, ph+"_current", ph+"_avg_current")
		s[idx] = pick(data, v[idx]*i[idx], ph+"_aprt_power", ph+"_apparent_power", ph+"_apparent")

		react := pick(data, math.NaN(), ph+"_react_power", ph+"_reactive_power", ph+"_reactive")
		if isUsable(react) {
			q[idx] = react
		} else {
			// Sign is ambiguous without a dedicated field; follow active power.
			mag := math.Sqrt(math.Max(s[idx]*s[idx]-p[idx]*p[idx], 0))
			if p[idx] < 0 {
				mag = -mag
			}
			q[idx] = mag
		}

		factor := pick(data, math.NaN(), ph+"_pf", ph+"_power_factor", ph+"_cosphi")
		switch {
		case isUsable(factor):
			pf[idx] = factor
		case s[idx] != 0:
			pf[idx] = p[idx] / s[idx]
		}
	}

	pTotal := p[0] + p[1] + p[2]
	sTotal := s[0] + s[1] + s[2]
	pfTotal := 0.0
	if sTotal != 0 {
		pfTotal = pTotal / sTotal
	}

	f.PowerW = model.PhaseValues{A: p[0], B: p[1], C: p[2], Total: pTotal}
	f.VoltageV = model.PhaseValues{A: v[0], B: v[1], C: v[2]}
	f.CurrentA = model.PhaseValues{A: i[0], B: i[1], C: i[2]}
	f.ReactiveVar = model.PhaseValues{A: q[0], B: q[1], C: q[2], Total: q[0] + q[1] + q[2]}
	f.PowerFactor = model.PhaseValues{A: pf[0], B: pf[1], C: pf[2], Total: pfTotal}
	return f
}

// ParseSwitchStatus maps a single-phase switch meter onto phase a.
func ParseSwitchStatus(data map[string]any) Fields {
	p := pick(data, 0, "apower", "power")
	v := pick(data, 0, "voltage")
	i := pick(data, 0, "current")
	factor := pick(data, math.NaN(), "pf")

	var f Fields
	f.PowerW = model.PhaseValues{A: p, Total: p}
	f.VoltageV = model.PhaseValues{A: v}
	f.CurrentA = model.PhaseValues{A: i}
	if isUsable(factor) {
		f.PowerFactor = model.PhaseValues{A: factor, Total: factor}
	}
	return f
}

// Sample builds a LiveSample for dev from normalised fields.
func (f Fields) Sample(dev model.Device, ts int64, raw map[string]any) model.LiveSample {
	return model.LiveSample{
		DeviceKey:   dev.Key,
		DeviceName:  dev.DisplayName(),
		TS:          ts,
		PowerW:      f.PowerW,
		VoltageV:    f.VoltageV,
		CurrentA:    f.CurrentA,
		ReactiveVar: f.ReactiveVar,
		PowerFactor: f.PowerFactor,
		Raw:         raw,
	}
}

func isUsable(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v != 0
}

func pick(data map[string]any, def float64, keys ...string) float64 {
	for _, k := range keys {
		if v, ok := data[k]; ok {
			if f, ok := toFloat(v); ok {
				return f
			}
		}
	}
	return def
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	case bool:
		return 0, false
	case nil:
		return 0, false
	default:
		f, err := strconv.ParseFloat(fmt.Sprint(x), 64)
		return f, err == nil
	}
}
