package shelly

import (
	"context"
	"fmt"
	"strings"

	"shelly-monitor/internal/transport"
)

// API wraps the device endpoints used by sync, probe and live polling.
type API struct {
	client *transport.Client
}

func NewAPI(client *transport.Client) *API {
	return &API{client: client}
}

func CSVURL(host string, componentID int, start, end int64) string {
	return fmt.Sprintf("http://%s/emdata/%d/data.csv?add_keys=true&ts=%d&end_ts=%d",
		strings.TrimSuffix(host, "/"), componentID, start, end)
}

// DownloadCSV fetches interval history for [start, end).
func (a *API) DownloadCSV(ctx context.Context, host string, componentID int, start, end int64) ([]byte, error) {
	return a.client.Get(ctx, CSVURL(host, componentID, start, end))
}

// EarliestRecord returns the oldest history timestamp the device still retains.
func (a *API) EarliestRecord(ctx context.Context, host string, componentID int) (int64, bool, error) {
	data, err := a.client.Call(ctx, host, "EMData.GetRecords", map[string]any{"id": componentID, "ts": 0})
	if err != nil {
		return 0, false, err
	}
	ts, ok := earliestBlockTS(data)
	return ts, ok, nil
}

// Block timestamps below this are placeholders, not unix times.
const minEpoch = 1_000_000_000

func earliestBlockTS(data map[string]any) (int64, bool) {
	blocks, _ := data["data_blocks"].([]any)
	var earliest int64
	found := false
	for _, b := range blocks {
		block, ok := b.(map[string]any)
		if !ok {
			continue
		}
		f, ok := block["ts"].(float64)
		if !ok {
			continue
		}
		ts := int64(f)
		if ts < minEpoch {
			continue
		}
		if !found || ts < earliest {
			earliest = ts
			found = true
		}
	}
	return earliest, found
}

func (a *API) EMStatus(ctx context.Context, host string, componentID int) (map[string]any, error) {
	return a.client.Call(ctx, host, "EM.GetStatus", map[string]any{"id": componentID})
}

func (a *API) DeviceStatus(ctx context.Context, host string) (map[string]any, error) {
	return a.client.Call(ctx, host, "Shelly.GetStatus", nil)
}

func (a *API) DeviceInfo(ctx context.Context, host string) (map[string]any, error) {
	return a.client.Call(ctx, host, "Shelly.GetDeviceInfo", nil)
}

func (a *API) LegacyInfo(ctx context.Context, host string) (map[string]any, error) {
	return a.client.GetJSON(ctx, fmt.Sprintf("http://%s/shelly", host))
}

func (a *API) LegacyStatus(ctx context.Context, host string) (map[string]any, error) {
	return a.client.GetJSON(ctx, fmt.Sprintf("http://%s/status", host))
}

// SwitchStatus reads Switch.GetStatus, falling back to Shelly.GetStatus and
// then the legacy /status relays list when the component call is unusable.
func (a *API) SwitchStatus(ctx context.Context, host string, id int) (map[string]any, error) {
	data, err := a.client.Call(ctx, host, "Switch.GetStatus", map[string]any{"id": id})
	if err == nil && hasSwitchState(data) {
		return data, nil
	}
	firstErr := err
	if ctx.Err() != nil {
		return nil, firstErr
	}

	if full, ferr := a.DeviceStatus(ctx, host); ferr == nil {
		if block := switchBlock(full, id); block != nil {
			block["_source"] = "Shelly.GetStatus"
			return block, nil
		}
	}

	if legacy, lerr := a.LegacyStatus(ctx, host); lerr == nil {
		if relays, ok := legacy["relays"].([]any); ok {
			if block := pickIndexed(relays, id); block != nil {
				block["_source"] = "/status"
				return block, nil
			}
		}
	}

	if firstErr != nil {
		return nil, firstErr
	}
	return data, nil
}

// SetSwitch turns a switch output on or off with Switch.Set, falling back to
// the legacy /relay/<id>?turn= endpoint of gen1 devices.
func (a *API) SetSwitch(ctx context.Context, host string, id int, on bool) (map[string]any, error) {
	data, err := a.client.Call(ctx, host, "Switch.Set", map[string]any{"id": id, "on": on})
	if err == nil {
		return data, nil
	}
	if ctx.Err() != nil {
		return nil, err
	}

	turn := "off"
	if on {
		turn = "on"
	}
	legacy, lerr := a.client.GetJSON(ctx, fmt.Sprintf("http://%s/relay/%d?turn=%s", host, id, turn))
	if lerr != nil {
		return nil, fmt.Errorf("switch set: %w (legacy: %v)", err, lerr)
	}
	return legacy, nil
}

// SwitchOutput reports the output state of a switch status block.
func SwitchOutput(data map[string]any) (on, ok bool) {
	for _, k := range []string{"output", "ison", "on"} {
		if v, found := data[k].(bool); found {
			return v, true
		}
	}
	if v, found := data["state"].(string); found {
		return strings.EqualFold(v, "on"), true
	}
	return false, false
}

func hasSwitchState(data map[string]any) bool {
	for _, k := range []string{"output", "ison", "on", "state"} {
		if _, ok := data[k]; ok {
			return true
		}
	}
	return false
}

func switchBlock(full map[string]any, id int) map[string]any {
	for _, key := range []string{fmt.Sprintf("switch:%d", id), fmt.Sprintf("relay:%d", id)} {
		if block, ok := full[key].(map[string]any); ok {
			return copyMap(block)
		}
	}

	// A wrong id is common on mixed setups; accept a single switch component.
	var only map[string]any
	count := 0
	for k, v := range full {
		block, ok := v.(map[string]any)
		if !ok || !(strings.HasPrefix(k, "switch:") || strings.HasPrefix(k, "relay:")) {
			continue
		}
		only = block
		count++
	}
	if count == 1 {
		return copyMap(only)
	}

	for _, key := range []string{"switches", "relays"} {
		if arr, ok := full[key].([]any); ok {
			if block := pickIndexed(arr, id); block != nil {
				return block
			}
		}
	}
	return nil
}

func pickIndexed(arr []any, id int) map[string]any {
	if id >= 0 && id < len(arr) {
		if block, ok := arr[id].(map[string]any); ok {
			return copyMap(block)
		}
	}
	if len(arr) == 1 {
		if block, ok := arr[0].(map[string]any); ok {
			return copyMap(block)
		}
	}
	return nil
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}
