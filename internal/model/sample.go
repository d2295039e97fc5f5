package model

import "math"

// PhaseValues holds per-phase readings and, where meaningful, the aggregate.
type PhaseValues struct {
	A     float64 `json:"a"`
	B     float64 `json:"b"`
	C     float64 `json:"c"`
	Total float64 `json:"total"`
}

// LiveSample is produced once per poll tick per device and never mutated afterwards.
type LiveSample struct {
	DeviceKey   string         `json:"device_key"`
	DeviceName  string         `json:"device_name"`
	TS          int64          `json:"ts"`
	PowerW      PhaseValues    `json:"power_w"`
	VoltageV    PhaseValues    `json:"voltage_v"`
	CurrentA    PhaseValues    `json:"current_a"`
	ReactiveVar PhaseValues    `json:"reactive_var"`
	PowerFactor PhaseValues    `json:"power_factor"`
	Raw         map[string]any `json:"-"`
}

// LivePoint is the simplified, JSON-safe point retained for the dashboard.
type LivePoint struct {
	TS          int64   `json:"ts"`
	PowerTotalW float64 `json:"power_total_w"`
	VA          float64 `json:"va"`
	VB          float64 `json:"vb"`
	VC          float64 `json:"vc"`
	IA          float64 `json:"ia"`
	IB          float64 `json:"ib"`
	IC          float64 `json:"ic"`
	QTotalVar   float64 `json:"q_total_var"`
	QA          float64 `json:"qa"`
	QB          float64 `json:"qb"`
	QC          float64 `json:"qc"`
	CosPhiTotal float64 `json:"cosphi_total"`
	PFA         float64 `json:"pfa"`
	PFB         float64 `json:"pfb"`
	PFC         float64 `json:"pfc"`
	KwhToday    float64 `json:"kwh_today"`
}

// PointFromSample derives a LivePoint, replacing NaN/Inf with 0 so it always marshals.
func PointFromSample(s LiveSample, kwhToday float64) LivePoint {
	return LivePoint{
		TS:          s.TS,
		PowerTotalW: Finite(s.PowerW.Total),
		VA:          Finite(s.VoltageV.A),
		VB:          Finite(s.VoltageV.B),
		VC:          Finite(s.VoltageV.C),
		IA:          Finite(s.CurrentA.A),
		IB:          Finite(s.CurrentA.B),
		IC:          Finite(s.CurrentA.C),
		QTotalVar:   Finite(s.ReactiveVar.Total),
		QA:          Finite(s.ReactiveVar.A),
		QB:          Finite(s.ReactiveVar.B),
		QC:          Finite(s.ReactiveVar.C),
		CosPhiTotal: Finite(s.PowerFactor.Total),
		PFA:         Finite(s.PowerFactor.A),
		PFB:         Finite(s.PowerFactor.B),
		PFC:         Finite(s.PowerFactor.C),
		KwhToday:    Finite(kwhToday),
	}
}

// Finite maps NaN and Inf to 0.
func Finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

// PollError is emitted on the poller error stream.
type PollError struct {
	DeviceKey  string `json:"device_key"`
	DeviceName string `json:"device_name"`
	TS         int64  `json:"ts"`
	Message    string `json:"error"`
}
