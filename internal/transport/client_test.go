package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func fastConfig(retries int) Config {
	return Config{Timeout: 2 * time.Second, MaxRetries: retries, BackoffBase: time.Millisecond}
}

func TestGet_RetriesThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	body, err := NewClient(fastConfig(3)).Get(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(body) != "ok" {
		t.Errorf("expected body ok, got %q", body)
	}
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Errorf("expected 3 calls, got %d", n)
	}
}

func TestGet_ExhaustsAttempts(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewClient(fastConfig(2)).Get(context.Background(), srv.URL)

	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if terr.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", terr.Attempts)
	}
	if terr.StatusCode != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", terr.StatusCode)
	}
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Errorf("expected 3 calls, got %d", n)
	}
}

func TestGet_ClientErrorNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewClient(fastConfig(3)).Get(context.Background(), srv.URL)

	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("expected a single call, got %d", n)
	}
}

func TestCall_RPCErrorNotRetried(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"flat", `{"code":-105,"message":"Argument 'id', value 5 not found!"}`},
		{"nested", `{"id":1,"error":{"code":404,"message":"No handler for Foo.Bar"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&calls, 1)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			host := strings.TrimPrefix(srv.URL, "http://")
			_, err := NewClient(fastConfig(3)).Call(context.Background(), host, "EM.GetStatus", map[string]any{"id": 5})

			var rerr *RPCError
			if !errors.As(err, &rerr) {
				t.Fatalf("expected RPCError, got %v", err)
			}
			if rerr.Method != "EM.GetStatus" {
				t.Errorf("expected method EM.GetStatus, got %s", rerr.Method)
			}
			if n := atomic.LoadInt32(&calls); n != 1 {
				t.Errorf("expected a single call, got %d", n)
			}
		})
	}
}

func TestCall_PostsJSONToRPCPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.URL.Path != "/rpc/Shelly.GetDeviceInfo" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("expected json content type, got %q", ct)
		}
		w.Write([]byte(`{"id":"shellypro3em-abc","gen":2}`))
	}))
	defer srv.Close()

	host := strings.TrimPrefix(srv.URL, "http://")
	data, err := NewClient(fastConfig(0)).Call(context.Background(), host, "Shelly.GetDeviceInfo", nil)
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if data["id"] != "shellypro3em-abc" {
		t.Errorf("unexpected id %v", data["id"])
	}
}

func TestGet_CancelledContextStops(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := Config{Timeout: time.Second, MaxRetries: 5, BackoffBase: time.Hour}
	_, err := NewClient(cfg).Get(ctx, srv.URL)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
