package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"shelly-monitor/internal/alert"
	"shelly-monitor/internal/model"
	"shelly-monitor/internal/syncer"
	"shelly-monitor/internal/transport"
)

type Config struct {
	Devices  []DeviceConfig `mapstructure:"devices"`
	Download DownloadConfig `mapstructure:"download"`
	Live     LiveConfig     `mapstructure:"live"`
	AutoSync AutoSyncConfig `mapstructure:"autosync"`
	Alerts   []AlertConfig  `mapstructure:"alerts"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	API      APIConfig      `mapstructure:"api"`
	MQTT     MQTTConfig     `mapstructure:"mqtt"`
	Database DatabaseConfig `mapstructure:"database"`
	Influx   InfluxConfig   `mapstructure:"influx"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

type DeviceConfig struct {
	Key                 string `mapstructure:"key"`
	Name                string `mapstructure:"name"`
	Host                string `mapstructure:"host"`
	ComponentID         int    `mapstructure:"component_id"`
	Kind                string `mapstructure:"kind"`
	Phases              int    `mapstructure:"phases"`
	SupportsBulkHistory *bool  `mapstructure:"supports_bulk_history"`
	Transport           string `mapstructure:"transport"`
	ModbusPort          int    `mapstructure:"modbus_port"`
	ModbusUnitID        uint8  `mapstructure:"modbus_unit_id"`
}

// AutoDetect reports whether the device's capabilities come from a probe.
func (d DeviceConfig) AutoDetect() bool {
	return strings.EqualFold(strings.TrimSpace(d.Kind), "auto")
}

type DownloadConfig struct {
	ChunkSeconds         int64         `mapstructure:"chunk_seconds"`
	OverlapSeconds       int64         `mapstructure:"overlap_seconds"`
	Timeout              time.Duration `mapstructure:"timeout"`
	Retries              int           `mapstructure:"retries"`
	BackoffBase          time.Duration `mapstructure:"backoff_base"`
	FallbackLookbackDays int           `mapstructure:"fallback_lookback_days"`
	Parallel             int           `mapstructure:"parallel"`
}

type LiveConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	WindowMinutes    int           `mapstructure:"window_minutes"`
	RetentionMinutes int           `mapstructure:"retention_minutes"`
	MaxBackoff       time.Duration `mapstructure:"max_backoff"`
	Timezone         string        `mapstructure:"timezone"`
}

type AutoSyncConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// AlertConfig fields left out of a rule take the rule defaults in ToRules.
type AlertConfig struct {
	RuleID          string   `mapstructure:"rule_id"`
	Enabled         *bool    `mapstructure:"enabled"`
	DeviceKey       string   `mapstructure:"device_key"`
	Metric          string   `mapstructure:"metric"`
	Op              string   `mapstructure:"op"`
	Threshold       float64  `mapstructure:"threshold"`
	DurationSeconds *int64   `mapstructure:"duration_seconds"`
	CooldownSeconds *int64   `mapstructure:"cooldown_seconds"`
	Message         string   `mapstructure:"message"`
	Channels        []string `mapstructure:"channels"`
}

const (
	defaultRuleDuration = 10
	defaultRuleCooldown = 120
)

var opAliases = map[string]alert.Op{
	"":   alert.OpGT,
	"=":  alert.OpEQ,
	"=>": alert.OpGE,
	"=<": alert.OpLE,
}

type NotifyConfig struct {
	QueueSize   int              `mapstructure:"queue_size"`
	Workers     int              `mapstructure:"workers"`
	SendTimeout time.Duration    `mapstructure:"send_timeout"`
	Telegram    TelegramConfig   `mapstructure:"telegram"`
	SNS         SNSConfig        `mapstructure:"sns"`
	MQTT        MQTTNotifyConfig `mapstructure:"mqtt"`
}

type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

type SNSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Region   string `mapstructure:"region"`
	TopicArn string `mapstructure:"topic_arn"`
}

type MQTTNotifyConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Topic   string `mapstructure:"topic"`
}

type APIConfig struct {
	Port    int  `mapstructure:"port"`
	Enabled bool `mapstructure:"enabled"`
}

type MQTTConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Broker      string `mapstructure:"broker"`
	TopicPrefix string `mapstructure:"topic_prefix"`
	ClientID    string `mapstructure:"client_id"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	Discovery   bool   `mapstructure:"discovery"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type InfluxConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Token   string `mapstructure:"token"`
	Org     string `mapstructure:"org"`
	Bucket  string `mapstructure:"bucket"`
}

type ArchiveConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseTLS    bool   `mapstructure:"use_tls"`
	Bucket    string `mapstructure:"bucket"`
	BasePath  string `mapstructure:"base_path"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/shelly-monitor")
	}

	v.SetEnvPrefix("SHELLY_MONITOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Set defaults
	v.SetDefault("download.chunk_seconds", 43200)
	v.SetDefault("download.overlap_seconds", 60)
	v.SetDefault("download.timeout", "8s")
	v.SetDefault("download.retries", 3)
	v.SetDefault("download.backoff_base", "1.5s")
	v.SetDefault("download.fallback_lookback_days", 7)
	v.SetDefault("download.parallel", 4)
	v.SetDefault("live.enabled", true)
	v.SetDefault("live.poll_interval", "1s")
	v.SetDefault("live.window_minutes", 10)
	v.SetDefault("live.retention_minutes", 120)
	v.SetDefault("live.max_backoff", "30s")
	v.SetDefault("live.timezone", "Local")
	v.SetDefault("autosync.enabled", false)
	v.SetDefault("autosync.interval", "12h")
	v.SetDefault("notify.queue_size", 100)
	v.SetDefault("notify.workers", 2)
	v.SetDefault("notify.send_timeout", "10s")
	v.SetDefault("notify.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("notify.sns.region", "us-east-1")
	v.SetDefault("api.port", 8045)
	v.SetDefault("api.enabled", true)
	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.topic_prefix", "shelly")
	v.SetDefault("mqtt.client_id", "shelly-monitor")
	v.SetDefault("mqtt.discovery", true)
	v.SetDefault("database.path", "./data/shelly.db")
	v.SetDefault("influx.enabled", false)
	v.SetDefault("influx.url", "http://localhost:8086")
	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.bucket", "shelly-history")
	v.SetDefault("archive.base_path", "emdata")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Transport() transport.Config {
	return transport.Config{
		Timeout:     c.Download.Timeout,
		MaxRetries:  c.Download.Retries,
		BackoffBase: c.Download.BackoffBase,
	}
}

func (c *Config) SyncOptions() syncer.Options {
	return syncer.Options{
		FallbackLookbackDays: c.Download.FallbackLookbackDays,
		ChunkSeconds:         c.Download.ChunkSeconds,
		OverlapSeconds:       c.Download.OverlapSeconds,
	}
}

func (c *Config) Location() (*time.Location, error) {
	if c.Live.Timezone == "" || c.Live.Timezone == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Live.Timezone)
}

// RetentionPoints is how many live points the store keeps per device.
func (c *Config) RetentionPoints() int {
	poll := c.Live.PollInterval
	if poll <= 0 {
		poll = time.Second
	}
	n := int(time.Duration(c.Live.RetentionMinutes) * time.Minute / poll)
	if n < 50 {
		n = 50
	}
	return n
}

// ToDevices validates the device list. Devices with kind "auto" come back
// with KindUnknown until probed.
func (c *Config) ToDevices() ([]model.Device, error) {
	seen := make(map[string]bool, len(c.Devices))
	out := make([]model.Device, 0, len(c.Devices))

	for i, d := range c.Devices {
		key := strings.TrimSpace(d.Key)
		if key == "" {
			return nil, fmt.Errorf("devices[%d]: key is required", i)
		}
		if seen[key] {
			return nil, fmt.Errorf("devices[%d]: duplicate key %q", i, key)
		}
		seen[key] = true
		if strings.TrimSpace(d.Host) == "" {
			return nil, fmt.Errorf("device %s: host is required", key)
		}

		dev := model.Device{
			Key:          key,
			Name:         d.Name,
			Host:         strings.TrimSpace(d.Host),
			ComponentID:  d.ComponentID,
			Kind:         model.ParseKind(strings.ToLower(strings.TrimSpace(d.Kind))),
			PhaseCount:   d.Phases,
			Transport:    model.TransportHTTP,
			ModbusPort:   d.ModbusPort,
			ModbusUnitID: d.ModbusUnitID,
		}
		if d.Kind == "" {
			dev.Kind = model.KindEnergyMeter
		}

		switch strings.ToLower(d.Transport) {
		case "", "http":
		case "modbus":
			dev.Transport = model.TransportModbus
		default:
			return nil, fmt.Errorf("device %s: unknown transport %q", key, d.Transport)
		}

		if dev.PhaseCount <= 0 {
			dev.PhaseCount = 1
			if dev.Kind == model.KindEnergyMeter {
				dev.PhaseCount = 3
			}
		}
		if d.SupportsBulkHistory != nil {
			dev.SupportsBulkHistory = *d.SupportsBulkHistory
		} else {
			dev.SupportsBulkHistory = dev.Kind == model.KindEnergyMeter
		}

		out = append(out, dev)
	}
	return out, nil
}

// ParseMetric turns a metric label such as "W", "V_L2" or "COSPHI" into
// the engine's metric and phase.
func ParseMetric(s string) (alert.Metric, alert.Phase, error) {
	name, phase, hasPhase := strings.Cut(strings.ToUpper(strings.TrimSpace(s)), "_")

	var m alert.Metric
	switch name {
	case "W", "P", "POWER":
		m = alert.MetricPower
	case "V", "U", "VOLTAGE":
		m = alert.MetricVoltage
	case "A", "I", "CURRENT":
		m = alert.MetricCurrent
	case "VAR", "Q":
		m = alert.MetricReactive
	case "COSPHI", "PF":
		m = alert.MetricPowerFactor
	default:
		return 0, 0, fmt.Errorf("unknown metric %q", s)
	}

	switch {
	case !hasPhase:
		return m, alert.PhaseTotal, nil
	case phase == "L1":
		return m, alert.PhaseL1, nil
	case phase == "L2":
		return m, alert.PhaseL2, nil
	case phase == "L3":
		return m, alert.PhaseL3, nil
	}
	return 0, 0, fmt.Errorf("unknown phase in metric %q", s)
}

func (c *Config) ToRules() ([]alert.Rule, error) {
	out := make([]alert.Rule, 0, len(c.Alerts))
	seen := make(map[string]bool, len(c.Alerts))

	for i, a := range c.Alerts {
		id := strings.TrimSpace(a.RuleID)
		if id == "" {
			id = fmt.Sprintf("rule%d", i+1)
		}
		if seen[id] {
			return nil, fmt.Errorf("alerts[%d]: duplicate rule_id %q", i, id)
		}
		seen[id] = true

		metric, phase, err := ParseMetric(a.Metric)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", id, err)
		}
		op := alert.Op(strings.TrimSpace(a.Op))
		if alias, ok := opAliases[string(op)]; ok {
			op = alias
		}
		if !op.Valid() {
			return nil, fmt.Errorf("rule %s: unknown operator %q", id, a.Op)
		}

		deviceKey := strings.TrimSpace(a.DeviceKey)
		if deviceKey == "" {
			deviceKey = alert.Wildcard
		}
		channels := a.Channels
		if len(channels) == 0 {
			channels = []string{"log"}
		}

		enabled := true
		if a.Enabled != nil {
			enabled = *a.Enabled
		}
		duration := int64(defaultRuleDuration)
		if a.DurationSeconds != nil {
			duration = *a.DurationSeconds
		}
		cooldown := int64(defaultRuleCooldown)
		if a.CooldownSeconds != nil {
			cooldown = *a.CooldownSeconds
		}

		out = append(out, alert.Rule{
			ID:              id,
			Enabled:         enabled,
			DeviceKey:       deviceKey,
			Metric:          metric,
			Phase:           phase,
			Op:              op,
			Threshold:       a.Threshold,
			DurationSeconds: max(0, duration),
			CooldownSeconds: max(0, cooldown),
			Message:         a.Message,
			Channels:        channels,
		})
	}
	return out, nil
}
