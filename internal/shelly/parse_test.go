package shelly

import (
	"context"
	"errors"
	"math"
	"testing"

	"shelly-monitor/internal/model"
	"shelly-monitor/internal/transport"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestParseEMStatus_Totals(t *testing.T) {
	f := ParseEMStatus(map[string]any{
		"a_act_power": 100.0, "a_aprt_power": 200.0, "a_voltage": 230.0, "a_current": 0.87, "a_pf": 0.5,
		"b_act_power": 50.0, "b_aprt_power": 50.0, "b_voltage": 231.0, "b_current": 0.22,
		"c_act_power": 0.0, "c_voltage": 0.0, "c_current": 0.0,
	})

	if !almostEqual(f.PowerW.Total, 150) {
		t.Errorf("expected total power 150, got %v", f.PowerW.Total)
	}
	if !almostEqual(f.PowerFactor.Total, 0.6) {
		t.Errorf("expected total pf 0.6, got %v", f.PowerFactor.Total)
	}
	if !almostEqual(f.PowerFactor.A, 0.5) {
		t.Errorf("expected pf a 0.5, got %v", f.PowerFactor.A)
	}
	// b has no pf field: falls back to P/S.
	if !almostEqual(f.PowerFactor.B, 1) {
		t.Errorf("expected pf b 1, got %v", f.PowerFactor.B)
	}
	// Q from sqrt(S^2 - P^2) when no reactive field is reported.
	if !almostEqual(f.ReactiveVar.A, math.Sqrt(200*200-100*100)) {
		t.Errorf("unexpected reactive a %v", f.ReactiveVar.A)
	}
	if f.VoltageV.A != 230 || f.VoltageV.B != 231 {
		t.Errorf("unexpected voltages %+v", f.VoltageV)
	}
}

func TestParseEMStatus_AverageFallbackAndNegativePower(t *testing.T) {
	f := ParseEMStatus(map[string]any{
		"a_act_power":   -300.0,
		"a_aprt_power":  500.0,
		"a_avg_voltage": 229.0,
		"a_avg_current": 2.1,
	})

	if f.VoltageV.A != 229 || f.CurrentA.A != 2.1 {
		t.Errorf("expected avg fallback, got V=%v I=%v", f.VoltageV.A, f.CurrentA.A)
	}
	if !almostEqual(f.ReactiveVar.A, -400) {
		t.Errorf("expected reactive -400 following active sign, got %v", f.ReactiveVar.A)
	}
}

func TestParseSwitchStatus(t *testing.T) {
	f := ParseSwitchStatus(map[string]any{"apower": 42.0, "voltage": 229.5, "current": 0.2, "output": true})

	if f.PowerW.A != 42 || f.PowerW.Total != 42 {
		t.Errorf("unexpected power %+v", f.PowerW)
	}
	if f.VoltageV.A != 229.5 || f.CurrentA.A != 0.2 {
		t.Errorf("unexpected V/I %+v %+v", f.VoltageV, f.CurrentA)
	}
	if f.PowerW.B != 0 || f.PowerW.C != 0 {
		t.Errorf("phases b/c must be zero, got %+v", f.PowerW)
	}
}

func TestHTTPSource_SwitchFallsBackToDeviceStatus(t *testing.T) {
	srv := fakeDevice(map[string]any{
		"/rpc/Switch.GetStatus": map[string]any{"code": -105, "message": "Argument 'id', value 0 not found!"},
		"/rpc/Shelly.GetStatus": map[string]any{
			"switch:0": map[string]any{"id": 0, "output": true, "apower": 75.0, "voltage": 230.0},
		},
	})
	defer srv.Close()

	api := NewAPI(transport.NewClient(transport.Config{MaxRetries: 0}))
	dev := model.Device{Key: "plug", Host: hostOf(srv), Kind: model.KindSwitchMeter}

	s, err := NewHTTPSource(api).Fetch(context.Background(), dev, 1700000000)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if s.PowerW.Total != 75 {
		t.Errorf("expected 75 W, got %v", s.PowerW.Total)
	}
	if s.TS != 1700000000 || s.DeviceKey != "plug" {
		t.Errorf("unexpected sample identity %s/%d", s.DeviceKey, s.TS)
	}
}

func TestHTTPSource_EnergyMeter(t *testing.T) {
	srv := fakeDevice(map[string]any{
		"/rpc/EM.GetStatus": map[string]any{"id": 0, "a_act_power": 1000.0, "b_act_power": 500.0, "c_act_power": 250.0},
	})
	defer srv.Close()

	api := NewAPI(transport.NewClient(transport.Config{MaxRetries: 0}))
	dev := model.Device{Key: "main", Host: hostOf(srv), Kind: model.KindEnergyMeter}

	s, err := NewHTTPSource(api).Fetch(context.Background(), dev, 1)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if s.PowerW.Total != 1750 {
		t.Errorf("expected 1750 W, got %v", s.PowerW.Total)
	}
}

type fakeFloats map[uint16][]float32

func (f fakeFloats) ReadFloat32s(address uint16, count uint16) ([]float32, error) {
	v, ok := f[address]
	if !ok {
		return nil, errors.New("illegal data address")
	}
	return v[:count], nil
}

func TestReadModbusFields(t *testing.T) {
	regs := fakeFloats{
		RegPhaseA: {230, 2, 400, 460, 0.87},
		RegPhaseB: {231, 1, 200, 231, 0.86},
		RegPhaseC: {229, 0, 0, 0, 0},
	}

	f, raw, err := readModbusFields(regs, 3)
	if err != nil {
		t.Fatalf("readModbusFields failed: %v", err)
	}
	if f.PowerW.Total != 600 {
		t.Errorf("expected 600 W, got %v", f.PowerW.Total)
	}
	if f.VoltageV.B != 231 {
		t.Errorf("expected Vb 231, got %v", f.VoltageV.B)
	}
	if raw["a_act_power"] != float64(400) {
		t.Errorf("raw a_act_power missing, got %v", raw["a_act_power"])
	}

	if _, _, err := readModbusFields(fakeFloats{}, 1); err == nil {
		t.Error("expected read error")
	}
}
