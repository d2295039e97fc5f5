package shelly

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"shelly-monitor/internal/model"
	"shelly-monitor/internal/transport"
)

// NotRecognizedError means the host answered but is definitively not a
// supported device, or did not answer any probe call.
type NotRecognizedError struct {
	Host   string
	Reason string
}

func (e *NotRecognizedError) Error() string {
	return fmt.Sprintf("%s: not a recognized device: %s", e.Host, e.Reason)
}

// Probe inspects host and reports its capabilities. Every call is capped by
// timeout and is not retried.
func Probe(ctx context.Context, host string, timeout time.Duration) (model.Capabilities, error) {
	client := transport.NewClient(transport.Config{Timeout: timeout, MaxRetries: 0})
	return NewAPI(client).Probe(ctx, host)
}

func (a *API) Probe(ctx context.Context, host string) (model.Capabilities, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		return model.Capabilities{}, &NotRecognizedError{Host: host, Reason: "empty host"}
	}

	caps := model.Capabilities{
		Host:       host,
		Kind:       model.KindUnknown,
		PhaseCount: 1,
		ProbedAt:   time.Now().Unix(),
	}

	info, err := a.DeviceInfo(ctx, host)
	if err == nil {
		return a.probeRPC(ctx, caps, info)
	}
	var rpcErr *transport.RPCError
	if errors.As(err, &rpcErr) {
		return caps, &NotRecognizedError{Host: host, Reason: rpcErr.Error()}
	}
	log.Debug().Str("host", host).Err(err).Msg("device info unavailable, trying legacy endpoints")

	return a.probeLegacy(ctx, caps)
}

func (a *API) probeRPC(ctx context.Context, caps model.Capabilities, info map[string]any) (model.Capabilities, error) {
	if !hasAnyKey(info, "id", "mac", "model", "app") {
		return caps, &NotRecognizedError{Host: caps.Host, Reason: "device info missing identifiers"}
	}
	caps.Generation = 2
	if g, ok := toFloat(info["gen"]); ok && g >= 2 {
		caps.Generation = int(g)
	}
	caps.Model = firstString(info, "model", "app")
	if caps.Model == "" {
		caps.Model = "Shelly"
	}

	status, err := a.DeviceStatus(ctx, caps.Host)
	if err != nil {
		log.Warn().Str("host", caps.Host).Err(err).Msg("status unavailable during probe")
		return caps, nil
	}

	detectComponents(&caps, status)
	return caps, nil
}

func detectComponents(caps *model.Capabilities, status map[string]any) {
	for k, v := range status {
		if !strings.HasPrefix(k, "em:") {
			continue
		}
		caps.Kind = model.KindEnergyMeter
		caps.ComponentID = componentIndex(k)
		if block, ok := v.(map[string]any); ok && hasAnyKey(block,
			"b_voltage", "c_voltage", "b_current", "c_current", "b_act_power", "c_act_power") {
			caps.PhaseCount = 3
		}
		ml := strings.ToLower(caps.Model)
		if strings.HasPrefix(ml, "spem-003") || strings.Contains(ml, "3em") {
			caps.PhaseCount = 3
		}
		_, caps.SupportsBulkHistory = status[fmt.Sprintf("emdata:%d", caps.ComponentID)]
		return
	}

	for k := range status {
		if strings.HasPrefix(k, "switch:") || strings.HasPrefix(k, "relay:") || strings.HasPrefix(k, "light:") {
			caps.Kind = model.KindSwitchMeter
			caps.ComponentID = componentIndex(k)
			return
		}
	}
}

func (a *API) probeLegacy(ctx context.Context, caps model.Capabilities) (model.Capabilities, error) {
	info, err := a.LegacyInfo(ctx, caps.Host)
	if err != nil {
		return caps, &NotRecognizedError{Host: caps.Host, Reason: err.Error()}
	}
	if !hasAnyKey(info, "type", "mac") {
		return caps, &NotRecognizedError{Host: caps.Host, Reason: "legacy info missing identifiers"}
	}
	caps.Generation = 1
	caps.Model = firstString(info, "type", "model")
	if caps.Model == "" {
		caps.Model = "Shelly"
	}

	status, err := a.LegacyStatus(ctx, caps.Host)
	if err != nil {
		// /shelly answered, so the device is still accepted.
		log.Warn().Str("host", caps.Host).Err(err).Msg("legacy status unavailable during probe")
		return caps, nil
	}

	switch {
	case nonEmptyList(status, "emeters"):
		caps.Kind = model.KindEnergyMeter
		if n := len(status["emeters"].([]any)); n >= 3 {
			caps.PhaseCount = 3
		}
		caps.SupportsBulkHistory = true
	case nonEmptyList(status, "meters"), nonEmptyList(status, "relays"):
		caps.Kind = model.KindSwitchMeter
	}
	return caps, nil
}

func componentIndex(key string) int {
	_, idx, _ := strings.Cut(key, ":")
	n, err := strconv.Atoi(idx)
	if err != nil {
		return 0
	}
	return n
}

func hasAnyKey(m map[string]any, keys ...string) bool {
	for _, k := range keys {
		if _, ok := m[k]; ok {
			return true
		}
	}
	return false
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func nonEmptyList(m map[string]any, key string) bool {
	arr, ok := m[key].([]any)
	return ok && len(arr) > 0
}
