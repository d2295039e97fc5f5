package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const userAgent = "shelly-monitor/1.0"

type Config struct {
	Timeout     time.Duration
	MaxRetries  int
	BackoffBase time.Duration
}

func DefaultConfig() Config {
	return Config{
		Timeout:     8 * time.Second,
		MaxRetries:  3,
		BackoffBase: 1500 * time.Millisecond,
	}
}

// Client is safe for concurrent use by several pollers.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

func (c *Client) Config() Config { return c.cfg }

// Get returns the response body of a GET request.
func (c *Client) Get(ctx context.Context, url string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, url, nil)
}

// PostJSON posts body as JSON and decodes the JSON object in the response.
func (c *Client) PostJSON(ctx context.Context, url string, body any) (map[string]any, error) {
	if body == nil {
		body = map[string]any{}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	raw, err := c.do(ctx, http.MethodPost, url, payload)
	if err != nil {
		return nil, err
	}
	return decodeObject(raw)
}

// GetJSON is Get followed by decoding a JSON object.
func (c *Client) GetJSON(ctx context.Context, url string) (map[string]any, error) {
	raw, err := c.Get(ctx, url)
	if err != nil {
		return nil, err
	}
	return decodeObject(raw)
}

// Call invokes a device RPC method via POST /rpc/<method>.
func (c *Client) Call(ctx context.Context, host, method string, params map[string]any) (map[string]any, error) {
	data, err := c.PostJSON(ctx, RPCURL(host, method), params)
	if err != nil {
		return nil, err
	}
	if rpcErr := rpcErrorFrom(method, data); rpcErr != nil {
		return nil, rpcErr
	}
	return data, nil
}

func RPCURL(host, method string) string {
	return fmt.Sprintf("http://%s/rpc/%s", strings.TrimSuffix(host, "/"), method)
}

func (c *Client) do(ctx context.Context, method, url string, payload []byte) ([]byte, error) {
	attempts := c.cfg.MaxRetries + 1
	var lastErr error
	lastStatus := 0

	for attempt := 1; attempt <= attempts; attempt++ {
		body, status, err := c.once(ctx, method, url, payload)
		if err == nil {
			return body, nil
		}
		lastErr = err
		lastStatus = status

		// Client errors and cancellation are final.
		if (status >= 400 && status < 500) || ctx.Err() != nil {
			return nil, &TransportError{URL: url, Attempts: attempt, StatusCode: status, Err: err}
		}
		if attempt == attempts {
			break
		}

		delay := c.cfg.BackoffBase * time.Duration(1<<(attempt-1))
		log.Debug().Str("url", url).Int("attempt", attempt).Dur("delay", delay).Err(err).Msg("request failed, retrying")
		if err := sleep(ctx, delay); err != nil {
			return nil, &TransportError{URL: url, Attempts: attempt, StatusCode: status, Err: err}
		}
	}

	return nil, &TransportError{URL: url, Attempts: attempts, StatusCode: lastStatus, Err: lastErr}
}

func (c *Client) once(ctx context.Context, method, url string, payload []byte) ([]byte, int, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, resp.StatusCode, fmt.Errorf("bad status: %s (%s)", resp.Status, strings.TrimSpace(string(body)))
	}

	return body, resp.StatusCode, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func decodeObject(raw []byte) (map[string]any, error) {
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	if data == nil {
		return nil, errors.New("decode json: expected object")
	}
	return data, nil
}

// rpcErrorFrom recognises {"code":N,"message":"..."} and {"error":{...}} bodies.
func rpcErrorFrom(method string, data map[string]any) *RPCError {
	if e, ok := data["error"].(map[string]any); ok {
		return &RPCError{Method: method, Code: toInt(e["code"]), Message: toString(e["message"])}
	}
	code, hasCode := data["code"]
	msg, hasMsg := data["message"]
	if hasCode && hasMsg && len(data) <= 3 {
		return &RPCError{Method: method, Code: toInt(code), Message: toString(msg)}
	}
	return nil
}

func toInt(v any) int {
	if f, ok := v.(float64); ok {
		return int(f)
	}
	return 0
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
