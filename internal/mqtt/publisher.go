package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"shelly-monitor/internal/model"
	"shelly-monitor/internal/notify"
)

type Publisher struct {
	client      mqtt.Client
	topicPrefix string
	alertTopic  string
	enabled     bool
}

type PublisherConfig struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	AlertTopic  string
	Enabled     bool
}

func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	if !cfg.Enabled {
		return &Publisher{enabled: false}, nil
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetConnectionLostHandler(func(c mqtt.Client, err error) {
			log.Warn().Err(err).Msg("MQTT connection lost")
		}).
		SetOnConnectHandler(func(c mqtt.Client) {
			log.Info().Str("broker", cfg.Broker).Msg("MQTT connected")
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	alertTopic := cfg.AlertTopic
	if alertTopic == "" {
		alertTopic = cfg.TopicPrefix + "/alerts"
	}

	return &Publisher{
		client:      client,
		topicPrefix: cfg.TopicPrefix,
		alertTopic:  alertTopic,
		enabled:     true,
	}, nil
}

// StateValues maps the per-value topic suffixes of a device to their payloads.
func StateValues(s model.LiveSample, kwhToday float64) map[string]any {
	return map[string]any{
		"power":        round(s.PowerW.Total, 1),
		"power_l1":     round(s.PowerW.A, 1),
		"power_l2":     round(s.PowerW.B, 1),
		"power_l3":     round(s.PowerW.C, 1),
		"voltage_l1":   round(s.VoltageV.A, 1),
		"voltage_l2":   round(s.VoltageV.B, 1),
		"voltage_l3":   round(s.VoltageV.C, 1),
		"current_l1":   round(s.CurrentA.A, 3),
		"current_l2":   round(s.CurrentA.B, 3),
		"current_l3":   round(s.CurrentA.C, 3),
		"reactive":     round(s.ReactiveVar.Total, 1),
		"power_factor": round(s.PowerFactor.Total, 3),
		"energy_today": round(kwhToday, 3),
	}
}

func (p *Publisher) Name() string {
	return "mqtt"
}

// WriteSample lets the collector queue the publisher as a sample sink.
func (p *Publisher) WriteSample(_ context.Context, s model.LiveSample, kwhToday float64) error {
	return p.Publish(s, kwhToday)
}

func (p *Publisher) deviceTopic(deviceKey, name string) string {
	return fmt.Sprintf("%s/%s/%s", p.topicPrefix, deviceKey, name)
}

func (p *Publisher) Publish(s model.LiveSample, kwhToday float64) error {
	if !p.enabled {
		return nil
	}

	for name, value := range StateValues(s, kwhToday) {
		topic := p.deviceTopic(s.DeviceKey, name)
		payload := fmt.Sprintf("%v", value)
		token := p.client.Publish(topic, 0, false, payload)
		token.Wait()
		if token.Error() != nil {
			log.Warn().Err(token.Error()).Str("topic", topic).Msg("failed to publish")
		}
	}

	statusJSON, err := json.Marshal(model.PointFromSample(s, kwhToday))
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}

	token := p.client.Publish(p.deviceTopic(s.DeviceKey, "status"), 0, true, statusJSON)
	token.Wait()
	if token.Error() != nil {
		return fmt.Errorf("failed to publish status: %w", token.Error())
	}

	return nil
}

func (p *Publisher) PublishAlert(msg notify.Message) error {
	if !p.enabled {
		return fmt.Errorf("mqtt publisher disabled")
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	token := p.client.Publish(p.alertTopic, 1, false, payload)
	token.Wait()
	if token.Error() != nil {
		return fmt.Errorf("failed to publish alert: %w", token.Error())
	}
	return nil
}

type discoverySensor struct {
	Name        string
	ID          string
	Unit        string
	DeviceClass string
	StateClass  string
}

var discoverySensors = []discoverySensor{
	{"Power", "power", "W", "power", "measurement"},
	{"Power L1", "power_l1", "W", "power", "measurement"},
	{"Power L2", "power_l2", "W", "power", "measurement"},
	{"Power L3", "power_l3", "W", "power", "measurement"},
	{"Voltage L1", "voltage_l1", "V", "voltage", "measurement"},
	{"Voltage L2", "voltage_l2", "V", "voltage", "measurement"},
	{"Voltage L3", "voltage_l3", "V", "voltage", "measurement"},
	{"Current L1", "current_l1", "A", "current", "measurement"},
	{"Current L2", "current_l2", "A", "current", "measurement"},
	{"Current L3", "current_l3", "A", "current", "measurement"},
	{"Reactive Power", "reactive", "var", "reactive_power", "measurement"},
	{"Power Factor", "power_factor", "", "power_factor", "measurement"},
	{"Energy Today", "energy_today", "kWh", "energy", "total_increasing"},
}

// DiscoveryConfigs builds the Home Assistant discovery payloads of a device,
// keyed by config topic. Single-phase devices only get the L1 sensors.
func DiscoveryConfigs(topicPrefix string, dev model.Device) map[string]map[string]any {
	id := sanitizeID(dev.Key)
	out := make(map[string]map[string]any)
	for _, sensor := range discoverySensors {
		if dev.PhaseCount < 3 && (strings.HasSuffix(sensor.ID, "_l2") || strings.HasSuffix(sensor.ID, "_l3")) {
			continue
		}

		config := map[string]any{
			"name":                fmt.Sprintf("%s %s", dev.DisplayName(), sensor.Name),
			"unique_id":           fmt.Sprintf("shelly_%s_%s", id, sensor.ID),
			"state_topic":         fmt.Sprintf("%s/%s/%s", topicPrefix, dev.Key, sensor.ID),
			"unit_of_measurement": sensor.Unit,
			"state_class":         sensor.StateClass,
			"device": map[string]any{
				"identifiers":  []string{"shelly_" + id},
				"name":         dev.DisplayName(),
				"manufacturer": "Shelly",
				"model":        string(dev.Kind),
			},
		}
		if sensor.DeviceClass != "" {
			config["device_class"] = sensor.DeviceClass
		}

		topic := fmt.Sprintf("homeassistant/sensor/shelly_%s/%s/config", id, sensor.ID)
		out[topic] = config
	}
	return out
}

func (p *Publisher) PublishHomeAssistantDiscovery(devices []model.Device) error {
	if !p.enabled {
		return nil
	}

	for _, dev := range devices {
		for topic, config := range DiscoveryConfigs(p.topicPrefix, dev) {
			payload, _ := json.Marshal(config)
			token := p.client.Publish(topic, 0, true, payload)
			token.Wait()
			if token.Error() != nil {
				return fmt.Errorf("failed to publish discovery for %s: %w", dev.Key, token.Error())
			}
		}
	}

	return nil
}

func (p *Publisher) IsConnected() bool {
	if !p.enabled {
		return false
	}
	return p.client.IsConnected()
}

func (p *Publisher) Close() {
	if p.enabled && p.client != nil {
		p.client.Disconnect(1000)
	}
}

func sanitizeID(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

func round(v float64, digits int) float64 {
	pow := math.Pow(10, float64(digits))
	return math.Round(v*pow) / pow
}
