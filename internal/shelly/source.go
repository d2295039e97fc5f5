package shelly

import (
	"context"
	"fmt"
	"sync"
	"time"

	"shelly-monitor/internal/model"
	"shelly-monitor/internal/modbus"
)

// HTTPSource reads live status over the device RPC API.
type HTTPSource struct {
	api *API
}

func NewHTTPSource(api *API) *HTTPSource {
	return &HTTPSource{api: api}
}

func (s *HTTPSource) Fetch(ctx context.Context, dev model.Device, ts int64) (model.LiveSample, error) {
	if dev.Kind == model.KindSwitchMeter {
		data, err := s.api.SwitchStatus(ctx, dev.Host, dev.ComponentID)
		if err != nil {
			return model.LiveSample{}, err
		}
		return ParseSwitchStatus(data).Sample(dev, ts, data), nil
	}

	data, err := s.api.EMStatus(ctx, dev.Host, dev.ComponentID)
	if err != nil {
		return model.LiveSample{}, err
	}
	return ParseEMStatus(data).Sample(dev, ts, data), nil
}

// ModbusSource reads live values from the meter's Modbus TCP server.
// One connection is kept per device; a failed read reconnects and retries once.
type ModbusSource struct {
	timeout time.Duration

	mu      sync.Mutex
	clients map[string]*modbus.Client
}

func NewModbusSource(timeout time.Duration) *ModbusSource {
	return &ModbusSource{
		timeout: timeout,
		clients: make(map[string]*modbus.Client),
	}
}

func (s *ModbusSource) client(dev model.Device) *modbus.Client {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.clients[dev.Key]
	if !ok {
		c = modbus.NewClient(dev.Host, dev.ModbusPort, dev.ModbusUnitID, s.timeout)
		s.clients[dev.Key] = c
	}
	return c
}

func (s *ModbusSource) Fetch(ctx context.Context, dev model.Device, ts int64) (model.LiveSample, error) {
	if err := ctx.Err(); err != nil {
		return model.LiveSample{}, err
	}

	c := s.client(dev)
	if err := c.Connect(); err != nil {
		return model.LiveSample{}, err
	}

	fields, raw, err := readModbusFields(c, dev.PhaseCount)
	if err != nil {
		// Retry once on a fresh connection.
		if rerr := c.Reconnect(); rerr != nil {
			c.Close()
			return model.LiveSample{}, fmt.Errorf("modbus reconnect %s: %w", dev.Host, rerr)
		}
		fields, raw, err = readModbusFields(c, dev.PhaseCount)
		if err != nil {
			c.Close()
			return model.LiveSample{}, fmt.Errorf("modbus read %s: %w", dev.Host, err)
		}
	}
	return fields.Sample(dev, ts, raw), nil
}

func (s *ModbusSource) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, c := range s.clients {
		c.Close()
		delete(s.clients, key)
	}
}

type floatReader interface {
	ReadFloat32s(address uint16, count uint16) ([]float32, error)
}

func readModbusFields(r floatReader, phaseCount int) (Fields, map[string]any, error) {
	if phaseCount <= 0 || phaseCount > 3 {
		phaseCount = 3
	}

	data := make(map[string]any)
	names := []string{"a", "b", "c"}
	bases := []uint16{RegPhaseA, RegPhaseB, RegPhaseC}

	for idx := 0; idx < phaseCount; idx++ {
		block, err := r.ReadFloat32s(bases[idx], phaseBlockFloats)
		if err != nil {
			return Fields{}, nil, err
		}
		if len(block) < phaseBlockFloats {
			return Fields{}, nil, fmt.Errorf("short read at %d: %d values", bases[idx], len(block))
		}

		ph := names[idx]
		data[ph+"_voltage"] = float64(block[offVoltage/2])
		data[ph+"_current"] = float64(block[offCurrent/2])
		data[ph+"_act_power"] = float64(block[offActivePower/2])
		data[ph+"_aprt_power"] = float64(block[offApparentPower/2])
		data[ph+"_pf"] = float64(block[offPowerFactor/2])
	}

	return ParseEMStatus(data), data, nil
}

// Router picks the live source matching each device's transport.
type Router struct {
	HTTP   *HTTPSource
	Modbus *ModbusSource
}

func (r *Router) Fetch(ctx context.Context, dev model.Device, ts int64) (model.LiveSample, error) {
	if dev.Transport == model.TransportModbus {
		if r.Modbus == nil {
			return model.LiveSample{}, fmt.Errorf("modbus source not configured for %s", dev.Key)
		}
		return r.Modbus.Fetch(ctx, dev, ts)
	}
	return r.HTTP.Fetch(ctx, dev, ts)
}
