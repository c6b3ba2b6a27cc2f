package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	gorilla "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap/zaptest"

	"github.com/satriahrh/voxloop/adapters/memory"
	"github.com/satriahrh/voxloop/domain"
	"github.com/satriahrh/voxloop/domain/entities"
	"github.com/satriahrh/voxloop/domain/repositories"
	"github.com/satriahrh/voxloop/internal/assets"
	"github.com/satriahrh/voxloop/internal/auth"
	"github.com/satriahrh/voxloop/internal/latency"
	"github.com/satriahrh/voxloop/internal/metrics"
	"github.com/satriahrh/voxloop/internal/observe"
	"github.com/satriahrh/voxloop/internal/websocket"
	"github.com/satriahrh/voxloop/usecase"
)

type idlePipeline struct {
	bus *observe.Bus
}

func (p *idlePipeline) Start(ctx context.Context) (uuid.UUID, error) { return uuid.New(), nil }
func (p *idlePipeline) Finalize(ctx context.Context) error         { return nil }
func (p *idlePipeline) Cancel(ctx context.Context) error           { return nil }
func (p *idlePipeline) Reports() <-chan usecase.Report             { return nil }
func (p *idlePipeline) Subscribe(buffer int) (<-chan observe.Event, func()) {
	return p.bus.Subscribe(buffer)
}
func (p *idlePipeline) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

type idleFactory struct {
	t *testing.T
}

func (f *idleFactory) NewPipeline(string, repositories.CaptureDevice, repositories.PlaybackSink) (websocket.Pipeline, error) {
	return &idlePipeline{bus: observe.NewBus(zaptest.NewLogger(f.t))}, nil
}

type testServer struct {
	server  *httptest.Server
	origin  *httptest.Server
	issuer  *auth.Issuer
	hub     *websocket.Hub
	cache   *assets.Cache
	tracker *latency.Tracker
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := zaptest.NewLogger(t)

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/stt":
			w.Write([]byte("stt weights"))
		case "/cue":
			w.Write([]byte("cue pcm"))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(origin.Close)

	cache, err := assets.NewCache(assets.CacheConfig{
		Store:   memory.NewAssetStore(),
		Fetcher: assets.NewHTTPFetcher(origin.Client(), logger),
		Probe:   assets.StaticProbe(false),
		Manifest: assets.Manifest{
			Version: "1",
			Assets: []assets.Asset{
				{ID: "stt-model", Version: "1", URL: origin.URL + "/stt", Required: true},
				{ID: "failure-cue", Version: "1", URL: origin.URL + "/cue", ContentType: "audio/L16"},
			},
		},
	}, logger)
	if err != nil {
		t.Fatalf("NewCache failed: %v", err)
	}

	devices := memory.NewDeviceRepository()
	if err := devices.Create(context.Background(), &entities.Device{ID: "device-1", SerialNumber: "SN-1", Model: "test"}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := devices.RegisterDeviceSecret("SN-1", "secret"); err != nil {
		t.Fatalf("RegisterDeviceSecret failed: %v", err)
	}

	issuer, err := auth.NewIssuer(auth.Config{Secret: "0123456789abcdef0123"})
	if err != nil {
		t.Fatalf("NewIssuer failed: %v", err)
	}

	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)

	hub := websocket.NewHub(&idleFactory{t: t}, websocket.HubConfig{}, clock.New(), logger)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)

	tracker := latency.NewTracker(clock.New(), 10, logger)

	e := echo.New()
	InitRoutes(e, Dependencies{
		Hub:      hub,
		Devices:  devices,
		Issuer:   issuer,
		Assets:   cache,
		Tracker:  tracker,
		Gatherer: reg,
		Observer: m,
	}, logger)
	server := httptest.NewServer(e)
	t.Cleanup(server.Close)

	return &testServer{server: server, origin: origin, issuer: issuer, hub: hub, cache: cache, tracker: tracker}
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
}

func TestRoutes_Health(t *testing.T) {
	ts := setupTestServer(t)

	resp, err := http.Get(ts.server.URL + "/health")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	var health HealthResponse
	decode(t, resp, &health)

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}
	if health.Status != "degraded" || health.Assets != "not_ready" {
		t.Errorf("Expected degraded health before population, got %+v", health)
	}
}

func TestRoutes_DeviceAuth(t *testing.T) {
	ts := setupTestServer(t)

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantError  string
	}{
		{name: "valid", body: `{"serial_number": "SN-1", "secret_key": "secret"}`, wantStatus: http.StatusOK},
		{name: "wrong secret", body: `{"serial_number": "SN-1", "secret_key": "nope"}`, wantStatus: http.StatusUnauthorized, wantError: "authentication_failed"},
		{name: "unknown device", body: `{"serial_number": "SN-2", "secret_key": "secret"}`, wantStatus: http.StatusUnauthorized, wantError: "authentication_failed"},
		{name: "missing fields", body: `{"serial_number": "SN-1"}`, wantStatus: http.StatusBadRequest, wantError: "missing_fields"},
		{name: "invalid json", body: `{"serial_number":`, wantStatus: http.StatusBadRequest, wantError: "invalid_request"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(ts.server.URL+"/api/v1/device/auth", echo.MIMEApplicationJSON, strings.NewReader(tt.body))
			if err != nil {
				t.Fatalf("POST failed: %v", err)
			}
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("Expected %d, got %d", tt.wantStatus, resp.StatusCode)
			}

			if tt.wantError != "" {
				var errResp ErrorResponse
				decode(t, resp, &errResp)
				if errResp.Error != tt.wantError {
					t.Errorf("Expected error %s, got %s", tt.wantError, errResp.Error)
				}
				return
			}

			var authResp DeviceAuthResponse
			decode(t, resp, &authResp)
			claims, err := ts.issuer.ValidateToken(authResp.Token)
			if err != nil {
				t.Fatalf("Issued token invalid: %v", err)
			}
			if claims.DeviceID != "device-1" || authResp.DeviceID != "device-1" {
				t.Errorf("Unexpected device id in %+v", authResp)
			}
			if time.Until(authResp.ExpiresAt) <= 0 {
				t.Errorf("Expected future expiry, got %v", authResp.ExpiresAt)
			}
		})
	}
}

func TestRoutes_WebSocketAuth(t *testing.T) {
	ts := setupTestServer(t)
	url := "ws" + strings.TrimPrefix(ts.server.URL, "http") + "/ws"

	token, _, err := ts.issuer.GenerateDeviceToken("device-1")
	if err != nil {
		t.Fatalf("GenerateDeviceToken failed: %v", err)
	}

	tests := []struct {
		name       string
		header     string
		wantStatus int
	}{
		{name: "missing token", header: "", wantStatus: http.StatusUnauthorized},
		{name: "not bearer", header: "Basic abc", wantStatus: http.StatusUnauthorized},
		{name: "invalid token", header: "Bearer not-a-token", wantStatus: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := http.Header{}
			if tt.header != "" {
				header.Set("Authorization", tt.header)
			}
			_, resp, err := gorilla.DefaultDialer.Dial(url, header)
			if err == nil {
				t.Fatal("Expected handshake to fail")
			}
			if resp == nil || resp.StatusCode != tt.wantStatus {
				t.Fatalf("Expected status %d, got %v", tt.wantStatus, resp)
			}
		})
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, _, err := gorilla.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("Authenticated dial failed: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for ts.hub.Count() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("Expected connected device, got %d", ts.hub.Count())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRoutes_Assets(t *testing.T) {
	ts := setupTestServer(t)

	resp, err := http.Get(ts.server.URL + "/assets/stt-model")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 before population, got %d", resp.StatusCode)
	}

	resp, err = http.Post(ts.server.URL+"/api/v1/assets/populate", echo.MIMEApplicationJSON, nil)
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	var result assets.PopulateResult
	decode(t, resp, &result)
	if resp.StatusCode != http.StatusOK || result.Fetched != 2 {
		t.Fatalf("Expected 2 fetched assets, got %d %+v", resp.StatusCode, result)
	}

	resp, err = http.Get(ts.server.URL + "/api/v1/assets")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	var status AssetStatusResponse
	decode(t, resp, &status)
	if !status.Ready || status.ManifestVersion != "1" || len(status.Assets) != 2 {
		t.Errorf("Unexpected asset status %+v", status)
	}
	for _, a := range status.Assets {
		if !a.Cached {
			t.Errorf("Expected %s cached", a.Key)
		}
	}

	resp, err = http.Get(ts.server.URL + "/assets/failure-cue")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "cue pcm" || resp.Header.Get(echo.HeaderContentType) != "audio/L16" {
		t.Errorf("Unexpected asset response %q (%s)", body, resp.Header.Get(echo.HeaderContentType))
	}

	resp, err = http.Get(ts.server.URL + "/assets/unknown")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown asset, got %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.server.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), `voxloop_asset_populations_total{result="populated"} 1`) {
		t.Errorf("Expected populate metric in exposition, got:\n%s", body)
	}
}

func TestRoutes_Latency(t *testing.T) {
	ts := setupTestServer(t)

	id := uuid.New()
	if err := ts.tracker.Begin(id); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	for _, stage := range domain.Stages {
		if err := ts.tracker.Mark(id, stage, latency.Start); err != nil {
			t.Fatalf("Mark start failed: %v", err)
		}
		if err := ts.tracker.Mark(id, stage, latency.End); err != nil {
			t.Fatalf("Mark end failed: %v", err)
		}
	}
	if _, err := ts.tracker.Complete(id, latency.OutcomeCompleted); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	resp, err := http.Get(ts.server.URL + "/api/v1/latency")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	var snap latency.Snapshot
	decode(t, resp, &snap)
	if snap.Total.Count != 1 || snap.Outcomes[latency.OutcomeCompleted] != 1 || len(snap.Stages) != len(domain.Stages) {
		t.Errorf("Unexpected snapshot %+v", snap)
	}

	resp, err = http.Get(ts.server.URL + "/api/v1/latency/recent")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	var recent []latency.Summary
	decode(t, resp, &recent)
	if len(recent) != 1 || recent[0].UtteranceID != id {
		t.Errorf("Unexpected recent summaries %+v", recent)
	}
}
