package influx

import (
	"context"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"shelly-monitor/internal/model"
)

const measurement = "shelly_live"

// Writer stores live samples as time-series points.
type Writer struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
}

func NewWriter(url, token, org, bucket string) *Writer {
	client := influxdb2.NewClient(url, token)
	return &Writer{
		client:   client,
		writeAPI: client.WriteAPIBlocking(org, bucket),
	}
}

func (w *Writer) Name() string {
	return "influx"
}

func (w *Writer) Close() {
	if w != nil && w.client != nil {
		w.client.Close()
	}
}

func (w *Writer) WriteSample(ctx context.Context, s model.LiveSample, kwhToday float64) error {
	return w.writeAPI.WritePoint(ctx, BuildPoint(s, kwhToday))
}

func BuildPoint(s model.LiveSample, kwhToday float64) *write.Point {
	tags := map[string]string{
		"device":      s.DeviceKey,
		"device_name": s.DeviceName,
	}

	p := model.PointFromSample(s, kwhToday)
	fields := map[string]interface{}{
		"power_w":      p.PowerTotalW,
		"power_a_w":    model.Finite(s.PowerW.A),
		"power_b_w":    model.Finite(s.PowerW.B),
		"power_c_w":    model.Finite(s.PowerW.C),
		"voltage_a_v":  p.VA,
		"voltage_b_v":  p.VB,
		"voltage_c_v":  p.VC,
		"current_a_a":  p.IA,
		"current_b_a":  p.IB,
		"current_c_a":  p.IC,
		"reactive_var": p.QTotalVar,
		"cosphi":       p.CosPhiTotal,
		"kwh_today":    p.KwhToday,
	}

	return write.NewPoint(measurement, tags, fields, time.Unix(s.TS, 0))
}
