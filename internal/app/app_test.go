package app_test

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/hostline/internal/app"
	"github.com/MrWong99/hostline/internal/config"
	"github.com/MrWong99/hostline/internal/observe"
	"github.com/MrWong99/hostline/internal/store"
	"github.com/MrWong99/hostline/internal/telephony"
	"github.com/MrWong99/hostline/internal/tenant"
	llmmock "github.com/MrWong99/hostline/pkg/provider/llm/mock"
	sttmock "github.com/MrWong99/hostline/pkg/provider/stt/mock"
	ttsmock "github.com/MrWong99/hostline/pkg/provider/tts/mock"
)

type nopControl struct{}

func (nopControl) Transfer(context.Context, string, string) error { return nil }
func (nopControl) Hangup(context.Context, string) error           { return nil }

// testConfig returns a config that needs no external services.
func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Server.ListenAddr = "127.0.0.1:0"
	cfg.Server.PublicURL = "https://voice.example.com"
	cfg.Server.DefaultTimeZone = "UTC"
	cfg.Providers.LLM.Name = "openai"
	cfg.Providers.STT.Name = "deepgram"
	cfg.Providers.TTS.Name = "elevenlabs"
	cfg.Telephony.ValidateSignature = false
	cfg.Telephony.StreamTokenSecret = "test-secret"
	return cfg
}

func testProviders() *app.Providers {
	return &app.Providers{
		LLM: &llmmock.Provider{},
		STT: &sttmock.Provider{},
		TTS: &ttsmock.Provider{Audio: []byte{0xff}},
	}
}

func newApp(t *testing.T, cfg *config.Config, opts ...app.Option) (*app.App, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	st.PutTenant(store.TenantSettings{
		ID:                 "t1",
		Name:               "Zur Linde",
		SubscriptionStatus: store.SubscriptionActive,
		BotNumber:          "+49 30 1111",
		HandoffNumbers:     []string{"+49 30 2222"},
	})
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	opts = append([]app.Option{
		app.WithStore(st),
		app.WithTenantCache(tenant.NewMemoryCache(time.Minute)),
		app.WithCallControl(nopControl{}),
		app.WithMetrics(m),
	}, opts...)
	a, err := app.New(t.Context(), cfg, testProviders(), opts...)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	return a, st
}

func postInbound(h http.Handler, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/voice/inbound", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestNewRequiresProviders(t *testing.T) {
	t.Parallel()

	_, err := app.New(t.Context(), testConfig(), &app.Providers{LLM: &llmmock.Provider{}})
	if err == nil {
		t.Fatal("expected error for missing providers")
	}
}

func TestInboundConnectsActiveTenant(t *testing.T) {
	t.Parallel()

	a, _ := newApp(t, testConfig())
	rec := postInbound(a.Handler(), url.Values{
		"CallSid": {"CA1"},
		"From":    {"+49 171 5555"},
		"To":      {"+49 30 1111"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "<Connect>") {
		t.Errorf("body = %q, want <Connect>", body)
	}
	if !strings.Contains(body, "wss://voice.example.com/media-stream") {
		t.Errorf("body = %q, want stream url from public url", body)
	}
}

func TestInboundRejectsUnknownNumber(t *testing.T) {
	t.Parallel()

	a, _ := newApp(t, testConfig())
	rec := postInbound(a.Handler(), url.Values{
		"CallSid": {"CA2"},
		"From":    {"+49 171 5555"},
		"To":      {"+49 30 9999"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if strings.Contains(rec.Body.String(), "<Connect>") {
		t.Errorf("unknown number must not connect, got %q", rec.Body.String())
	}
}

func TestInboundValidatesSignature(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Telephony.ValidateSignature = true
	cfg.Telephony.AuthToken = "auth-token"
	a, _ := newApp(t, cfg)

	rec := postInbound(a.Handler(), url.Values{"CallSid": {"CA3"}, "To": {"+49 30 1111"}})
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusForbidden)
	}
}

func TestMediaStreamUpgradesThroughRouter(t *testing.T) {
	t.Parallel()

	a, _ := newApp(t, testConfig())
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/media-stream", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer conn.CloseNow()

	start := telephony.StreamMessage{
		Event:     telephony.EventStart,
		StreamSid: "MZ1",
		Start: &telephony.StreamStart{
			StreamSid:        "MZ1",
			CallSid:          "CA1",
			CustomParameters: map[string]string{telephony.ParamTenantID: "t1", telephony.ParamToken: "forged"},
		},
	}
	if err := wsjson.Write(ctx, conn, start); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var msg telephony.StreamMessage
	err = wsjson.Read(ctx, conn, &msg)
	if websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
		t.Errorf("expected policy violation close frame, got %v", err)
	}
}

func TestHealthAndMetricsRoutes(t *testing.T) {
	t.Parallel()

	a, _ := newApp(t, testConfig())
	for _, path := range []string{"/healthz", "/readyz", "/metrics", "/sessions"} {
		rec := httptest.NewRecorder()
		a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("GET %s status = %d, want %d", path, rec.Code, http.StatusOK)
		}
	}
}

func TestShutdownDrainsReadiness(t *testing.T) {
	t.Parallel()

	a, _ := newApp(t, testConfig())
	if err := a.Shutdown(t.Context()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	// A second call returns the same result.
	if err := a.Shutdown(t.Context()); err != nil {
		t.Errorf("second Shutdown: unexpected error: %v", err)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	a, _ := newApp(t, testConfig())
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestApplyConfigChangesLogLevel(t *testing.T) {
	t.Parallel()

	var level slog.LevelVar
	cfg := testConfig()
	a, _ := newApp(t, cfg, app.WithLogLevel(&level))

	next := testConfig()
	next.Server.LogLevel = config.LogDebug
	next.Session.GreetingDelay = 3 * time.Second
	a.ApplyConfig(cfg, next)

	if level.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want %v", level.Level(), slog.LevelDebug)
	}
}

func TestSessionConfig(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Recognition.Keyterms = []string{"Zur Linde"}
	cfg.Session.Coalesce.MaxWait = 4 * time.Second
	got := app.SessionConfig(cfg)

	if got.Recognition.Encoding != "mulaw" || got.Recognition.SampleRate != 8000 {
		t.Errorf("recognition audio = %s/%d, want mulaw/8000", got.Recognition.Encoding, got.Recognition.SampleRate)
	}
	if got.Recognition.Language != "de" {
		t.Errorf("language = %q, want %q", got.Recognition.Language, "de")
	}
	if len(got.Recognition.Keyterms) != 1 {
		t.Errorf("keyterms = %v, want one entry", got.Recognition.Keyterms)
	}
	if got.Coalesce.MaxWait != 4*time.Second {
		t.Errorf("coalesce max wait = %v, want 4s", got.Coalesce.MaxWait)
	}
	if !got.Dialogue.ForceAvailabilityTool {
		t.Error("force availability tool should default to true")
	}
}

func TestSlogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := app.SlogLevel(tt.in); got != tt.want {
			t.Errorf("SlogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
