package admin

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/shimaore/esl/internal/observability"
	"github.com/shimaore/esl/internal/testutil/testlog"
)

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("Origin", "http://localhost:3000")
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndReadiness(t *testing.T) {
	testlog.Start(t)
	s := New(DefaultConfig(), nil, log.Logger)

	rec := get(t, s.Handler(), "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("health status %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if body["status"] != "ok" || body["service"] != "eslctl" || body["version"] != Version {
		t.Fatalf("unexpected health body %v", body)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "http://localhost:3000" {
		t.Fatalf("cors header missing: %v", rec.Header())
	}

	if rec := get(t, s.Handler(), "/ready"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected not ready, got %d", rec.Code)
	}
	s.SetReady(true)
	if rec := get(t, s.Handler(), "/ready"); rec.Code != http.StatusOK {
		t.Fatalf("expected ready, got %d", rec.Code)
	}
}

func TestStatsProviders(t *testing.T) {
	testlog.Start(t)
	s := New(DefaultConfig(), nil, log.Logger)
	s.RegisterStats("server", func() any { return map[string]uint64{"connection": 3} })
	s.RegisterStats("client", func() any { return map[string]uint64{"attempts": 1} })

	rec := get(t, s.Handler(), "/stats")
	if rec.Code != http.StatusOK {
		t.Fatalf("stats status %d", rec.Code)
	}
	var all map[string]map[string]uint64
	if err := json.Unmarshal(rec.Body.Bytes(), &all); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if all["server"]["connection"] != 3 || all["client"]["attempts"] != 1 {
		t.Fatalf("unexpected stats %v", all)
	}

	if rec := get(t, s.Handler(), "/stats/server"); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"connection":3`) {
		t.Fatalf("unexpected single stats %d %s", rec.Code, rec.Body.String())
	}
	if rec := get(t, s.Handler(), "/stats/nope"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestMetricsEndpointExposesSessionCollectors(t *testing.T) {
	testlog.Start(t)
	s := New(DefaultConfig(), nil, log.Logger)
	observability.RecordClientReconnect()

	rec := get(t, s.Handler(), "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "esl_client_reconnects_total") {
		t.Fatalf("metrics missing client reconnects")
	}
}

func TestRelayMountedOnWS(t *testing.T) {
	testlog.Start(t)
	relay := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	s := New(DefaultConfig(), relay, log.Logger)
	if rec := get(t, s.Handler(), "/ws"); rec.Code != http.StatusTeapot {
		t.Fatalf("relay not mounted, got %d", rec.Code)
	}

	bare := New(DefaultConfig(), nil, log.Logger)
	if rec := get(t, bare.Handler(), "/ws"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without relay, got %d", rec.Code)
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	testlog.Start(t)
	s := New(DefaultConfig(), nil, log.Logger)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	url := "http://" + ln.Addr().String() + "/health"
	var resp *http.Response
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err = http.Get(url)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("admin never answered: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	_ = resp.Body.Close()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("serve did not stop")
	}
}

func TestRunRequiresAddr(t *testing.T) {
	testlog.Start(t)
	s := New(Config{}, nil, log.Logger)
	if err := s.Run(context.Background()); err != ErrAddrRequired {
		t.Fatalf("expected ErrAddrRequired, got %v", err)
	}
}

func TestTokenGuardsStatsAndRelay(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.Token = "s3cret"
	relay := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	s := New(cfg, relay, log.Logger)
	s.RegisterStats("server", func() any { return map[string]int{"connection": 1} })

	if rec := get(t, s.Handler(), "/health"); rec.Code != http.StatusOK {
		t.Fatalf("health must stay open, got %d", rec.Code)
	}
	for _, path := range []string{"/stats", "/stats/server", "/ws"} {
		if rec := get(t, s.Handler(), path); rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s without token: got %d", path, rec.Code)
		}
	}
	if rec := get(t, s.Handler(), "/ws?token=s3cret"); rec.Code != http.StatusTeapot {
		t.Fatalf("relay with query token: got %d", rec.Code)
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("stats with bearer token: got %d", rec.Code)
	}
}
