package influx

import (
	"math"
	"testing"
	"time"

	"shelly-monitor/internal/model"
)

func TestBuildPoint(t *testing.T) {
	s := model.LiveSample{
		DeviceKey:   "main",
		DeviceName:  "Main meter",
		TS:          1700000000,
		PowerW:      model.PhaseValues{A: 100, B: math.NaN(), Total: 100},
		PowerFactor: model.PhaseValues{Total: math.Inf(1)},
	}

	p := BuildPoint(s, 2.5)

	if p.Name() != measurement {
		t.Errorf("unexpected measurement %s", p.Name())
	}
	if !p.Time().Equal(time.Unix(1700000000, 0)) {
		t.Errorf("unexpected time %v", p.Time())
	}

	fields := map[string]interface{}{}
	for _, f := range p.FieldList() {
		fields[f.Key] = f.Value
	}
	if fields["power_w"] != 100.0 || fields["kwh_today"] != 2.5 {
		t.Errorf("unexpected fields %v", fields)
	}
	if fields["power_b_w"] != 0.0 || fields["cosphi"] != 0.0 {
		t.Errorf("non-finite values must be zeroed, got %v", fields)
	}

	tags := map[string]string{}
	for _, tag := range p.TagList() {
		tags[tag.Key] = tag.Value
	}
	if tags["device"] != "main" {
		t.Errorf("unexpected tags %v", tags)
	}
}
