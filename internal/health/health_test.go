package health

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	tlspkg "github.com/szibis/profile-governor/internal/tls"
)

func running(st EngineState) func() EngineState {
	st.Running = true
	return func() EngineState { return st }
}

func get(t *testing.T, h http.Handler, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
	return rec, body
}

func TestHealthStatus(t *testing.T) {
	lastCheck := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name      string
		engine    func() EngineState
		failCheck bool
		shutdown  bool
		want      Status
		code      int
	}{
		{"healthy", running(EngineState{CurrentProfile: "balanced", LastCheck: lastCheck}), false, false, StatusHealthy, http.StatusOK},
		{"degraded", running(EngineState{Degraded: true, ConsecutiveFailures: 3}), false, false, StatusDegraded, http.StatusOK},
		{"not running", func() EngineState { return EngineState{} }, false, false, StatusUnhealthy, http.StatusServiceUnavailable},
		{"no engine", nil, false, false, StatusUnhealthy, http.StatusServiceUnavailable},
		{"check fails", running(EngineState{}), true, false, StatusUnhealthy, http.StatusServiceUnavailable},
		{"unhealthy beats degraded", running(EngineState{Degraded: true}), true, false, StatusUnhealthy, http.StatusServiceUnavailable},
		{"shutting down", running(EngineState{}), false, true, StatusUnhealthy, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(tt.engine)
			c.RegisterReadiness("store", func() error {
				if tt.failCheck {
					return errors.New("store closed")
				}
				return nil
			})
			if tt.shutdown {
				c.SetShuttingDown()
			}
			rec, body := get(t, c.HealthHandler(), "/health")
			if rec.Code != tt.code {
				t.Errorf("code = %d, want %d", rec.Code, tt.code)
			}
			if body["status"] != string(tt.want) {
				t.Errorf("status = %v, want %s", body["status"], tt.want)
			}
			if _, ok := body["metrics"].(map[string]any); !ok {
				t.Errorf("metrics missing: %v", body)
			}
		})
	}
}

func TestHealthReportFields(t *testing.T) {
	lastCheck := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	c := New(running(EngineState{
		CurrentProfile: "aggressive",
		LastCheck:      lastCheck,
		Metrics:        map[string]float64{"cost": 2500, "coverage": 0.95},
	}))
	rep := c.Report()
	if rep.Status != StatusHealthy || rep.CurrentProfile != "aggressive" {
		t.Errorf("report %+v", rep)
	}
	if rep.LastCheck == nil || !rep.LastCheck.Equal(lastCheck) {
		t.Errorf("LastCheck = %v", rep.LastCheck)
	}
	if rep.Metrics["cost"] != 2500 {
		t.Errorf("Metrics = %v", rep.Metrics)
	}

	_, body := get(t, c.HealthHandler(), "/health")
	if body["currentProfile"] != "aggressive" || body["lastCheck"] != "2026-06-01T12:00:00Z" {
		t.Errorf("body %v", body)
	}
}

func TestHealthNeverCheckedHasNullLastCheck(t *testing.T) {
	c := New(running(EngineState{CurrentProfile: "balanced"}))
	_, body := get(t, c.HealthHandler(), "/health")
	if v, ok := body["lastCheck"]; !ok || v != nil {
		t.Errorf("lastCheck = %v (present %v)", v, ok)
	}
}

func TestLiveHandler(t *testing.T) {
	c := New(nil)
	rec, body := get(t, c.LiveHandler(), "/live")
	if rec.Code != http.StatusOK || body["status"] != ProbeUp {
		t.Fatalf("live = %d %v", rec.Code, body)
	}
	c.SetShuttingDown()
	rec, body = get(t, c.LiveHandler(), "/live")
	if rec.Code != http.StatusServiceUnavailable || body["status"] != ProbeDown {
		t.Fatalf("live after shutdown = %d %v", rec.Code, body)
	}
}

func TestReadyHandler(t *testing.T) {
	c := New(nil)
	c.RegisterReadiness("store", func() error { return nil })
	rec, body := get(t, c.ReadyHandler(), "/ready")
	if rec.Code != http.StatusOK || body["status"] != ProbeUp {
		t.Fatalf("ready = %d %v", rec.Code, body)
	}

	c.RegisterReadiness("gateway", func() error { return errors.New("circuit open") })
	rec, body = get(t, c.ReadyHandler(), "/ready")
	if rec.Code != http.StatusServiceUnavailable || body["status"] != ProbeDown {
		t.Fatalf("ready = %d %v", rec.Code, body)
	}
	comps := body["components"].(map[string]any)
	gw := comps["gateway"].(map[string]any)
	if gw["message"] != "circuit open" {
		t.Errorf("gateway component = %v", gw)
	}
	if comps["store"].(map[string]any)["status"] != ProbeUp {
		t.Errorf("store component = %v", comps["store"])
	}
}

func TestHandlerRoutes(t *testing.T) {
	reg := prometheus.NewRegistry()
	probe := prometheus.NewCounter(prometheus.CounterOpts{Name: "profile_governor_test_total", Help: "test"})
	reg.MustRegister(probe)
	probe.Inc()

	c := New(running(EngineState{CurrentProfile: "balanced"}))
	h := Handler(c, Routes{
		Status:    func() any { return map[string]string{"currentProfile": "balanced"} },
		Decisions: func() any { return []string{} },
		Gatherer:  reg,
	})

	for _, path := range []string{"/health", "/live", "/ready", "/status", "/decisions"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("%s = %d", path, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/events", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("/events without a source = %d, want 404", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /health = %d, want 405", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("/metrics = %d", rec.Code)
	}
	if body, _ := io.ReadAll(rec.Body); !strings.Contains(string(body), "profile_governor_test_total 1") {
		t.Errorf("/metrics body missing counter:\n%s", body)
	}
}

func TestServerLifecycle(t *testing.T) {
	c := New(running(EngineState{CurrentProfile: "balanced"}))
	srv, err := NewServer("127.0.0.1:0", Handler(c, Routes{}), tlspkg.ServerConfig{})
	if err != nil {
		t.Fatal(err)
	}
	srv.Start()

	resp, err := http.Get(srv.URL() + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET /health = %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if _, err := http.Get(srv.URL() + "/health"); err == nil {
		t.Error("server still answering after Shutdown")
	}
}

func TestServerBadTLS(t *testing.T) {
	_, err := NewServer("127.0.0.1:0", http.NotFoundHandler(), tlspkg.ServerConfig{
		Enabled:  true,
		CertFile: "/nonexistent/cert.pem",
		KeyFile:  "/nonexistent/key.pem",
	})
	if err == nil {
		t.Fatal("expected TLS error")
	}
}

func TestHandlerProtect(t *testing.T) {
	deny := func(http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		})
	}
	c := New(running(EngineState{CurrentProfile: "balanced"}))
	h := Handler(c, Routes{
		Status:   func() any { return struct{}{} },
		Gatherer: prometheus.NewRegistry(),
		Protect:  deny,
	})

	tests := []struct {
		path string
		want int
	}{
		{"/health", http.StatusOK},
		{"/live", http.StatusOK},
		{"/ready", http.StatusOK},
		{"/status", http.StatusUnauthorized},
		{"/metrics", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
		if rec.Code != tt.want {
			t.Errorf("%s = %d, want %d", tt.path, rec.Code, tt.want)
		}
	}
}
