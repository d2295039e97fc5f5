package model

import "fmt"

type Kind string

const (
	KindEnergyMeter Kind = "em"
	KindSwitchMeter Kind = "switch"
	KindUnknown     Kind = "unknown"
)

func ParseKind(s string) Kind {
	switch s {
	case "em", "energy-meter", "energy_meter":
		return KindEnergyMeter
	case "switch", "switch-meter", "switch_meter", "plug":
		return KindSwitchMeter
	default:
		return KindUnknown
	}
}

// Transport selects how live status is read from a device.
type Transport string

const (
	TransportHTTP   Transport = "http"
	TransportModbus Transport = "modbus"
)

// Device is immutable for the duration of a sync or poll cycle.
type Device struct {
	Key                 string    `json:"key"`
	Name                string    `json:"name"`
	Host                string    `json:"host"`
	ComponentID         int       `json:"component_id"`
	Kind                Kind      `json:"kind"`
	PhaseCount          int       `json:"phase_count"`
	SupportsBulkHistory bool      `json:"supports_bulk_history"`
	Transport           Transport `json:"transport"`
	ModbusPort          int       `json:"modbus_port,omitempty"`
	ModbusUnitID        uint8     `json:"modbus_unit_id,omitempty"`
}

func (d Device) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	return d.Key
}

// Capabilities is what a probe learns about a host.
type Capabilities struct {
	Host                string `json:"host"`
	Generation          int    `json:"generation"`
	Model               string `json:"model"`
	Kind                Kind   `json:"kind"`
	ComponentID         int    `json:"component_id"`
	PhaseCount          int    `json:"phase_count"`
	SupportsBulkHistory bool   `json:"supports_bulk_history"`
	ProbedAt            int64  `json:"probed_at"`
}

func (c Capabilities) Label() string {
	base := c.Model
	if base == "" {
		base = "Shelly"
	}
	switch c.Kind {
	case KindEnergyMeter:
		return fmt.Sprintf("%s (EM)", base)
	case KindSwitchMeter:
		return fmt.Sprintf("%s (Switch)", base)
	}
	return base
}

// Apply copies the probed capabilities onto a configured device.
func (c Capabilities) Apply(d Device) Device {
	d.Host = c.Host
	d.Kind = c.Kind
	d.ComponentID = c.ComponentID
	d.PhaseCount = c.PhaseCount
	d.SupportsBulkHistory = c.SupportsBulkHistory
	return d
}
