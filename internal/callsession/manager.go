// Package callsession runs one live phone call per media-stream websocket.
//
// A [Manager] accepts the stream, enforces one session per stream id and
// tracks running sessions for shutdown. Each [Session] owns three goroutines
// joined by an errgroup: the socket reader, the recognition event pump and
// the single turn consumer feeding the dialogue orchestrator.
package callsession

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"

	"github.com/MrWong99/hostline/internal/dialogue"
	"github.com/MrWong99/hostline/internal/handoff"
	"github.com/MrWong99/hostline/internal/observe"
	"github.com/MrWong99/hostline/internal/speech"
	"github.com/MrWong99/hostline/internal/store"
	"github.com/MrWong99/hostline/internal/telephony"
	"github.com/MrWong99/hostline/internal/turn"
	"github.com/MrWong99/hostline/internal/worker"
	"github.com/MrWong99/hostline/pkg/provider/llm"
	"github.com/MrWong99/hostline/pkg/provider/stt"
)

// ErrDuplicateSession is returned when a stream id already has an active
// session.
var ErrDuplicateSession = errors.New("callsession: duplicate session")

// ── Collaborators ───────────────────────────────────────────────────────────

// Tenants loads tenant settings for a call.
type Tenants interface {
	Settings(ctx context.Context, tenantID string) (*store.TenantSettings, error)
	Location(t *store.TenantSettings) *time.Location
}

// CallLog records call start and outcome.
type CallLog interface {
	StartCall(ctx context.Context, c store.CallLog) error
	FinishCall(ctx context.Context, callID, outcome string, endedAt time.Time) error
}

// Bookings is the datastore used by the dialogue tools.
type Bookings = dialogue.Bookings

// CallControl redirects and ends live calls.
type CallControl interface {
	handoff.Transferer
	dialogue.Hanger
}

// Deps are shared by all sessions. Tenants, Calls, Bookings, STT, LLM, Synth
// and Control are required.
type Deps struct {
	Tenants  Tenants
	Calls    CallLog
	Bookings Bookings
	STT      stt.Provider
	LLM      llm.Provider
	Synth    *speech.Synthesizer
	Control  CallControl
	Signer   *telephony.TokenSigner
	Notifier dialogue.Notifier
	Metrics  *observe.Metrics

	// Transcripts is used by tenants on the legacy path, QueuedTranscripts
	// by low-latency tenants. Either falls back to the other.
	Transcripts       worker.TranscriptWriter
	QueuedTranscripts worker.TranscriptWriter
}

// ── Configuration ───────────────────────────────────────────────────────────

// Config tunes every session.
type Config struct {
	// GreetingDelay is how long the agent waits for the caller to speak
	// first before greeting.
	GreetingDelay time.Duration `yaml:"greeting_delay"`

	// DefaultGreeting is used when the tenant has none. %s is replaced by
	// the restaurant name.
	DefaultGreeting string `yaml:"default_greeting"`

	QueueSize int                  `yaml:"queue_size"`
	Coalesce  turn.CoalescerConfig `yaml:"coalesce"`
	ChunkSize int                  `yaml:"chunk_size"`

	// LowLatencyPercent is the rollout share of tenants on the low-latency
	// path.
	LowLatencyPercent int `yaml:"low_latency_percent"`

	Recognition stt.StreamConfig `yaml:"-"`
	Dialogue    dialogue.Config  `yaml:"-"`
	Handoff     handoff.Policy   `yaml:"-"`
	Phrases     handoff.Phrases  `yaml:"-"`

	// PlaybackPerWord, PlaybackMin and PlaybackMax estimate how long the
	// handoff phrase plays before the call is redirected.
	PlaybackPerWord time.Duration `yaml:"playback_per_word"`
	PlaybackMin     time.Duration `yaml:"playback_min"`
	PlaybackMax     time.Duration `yaml:"playback_max"`
}

// DefaultConfig returns the defaults used for zero fields.
func DefaultConfig() Config {
	return Config{
		GreetingDelay:   1500 * time.Millisecond,
		DefaultGreeting: "Guten Tag, hier ist %s. Wie kann ich Ihnen helfen?",
		QueueSize:       turn.DefaultQueueSize,
		ChunkSize:       speech.DefaultChunkSize,
		Recognition: stt.StreamConfig{
			Encoding:     "mulaw",
			SampleRate:   8000,
			Channels:     1,
			Language:     "de",
			Endpointing:  300 * time.Millisecond,
			UtteranceEnd: time.Second,
		},
		Handoff:         handoff.DefaultPolicy(),
		Phrases:         handoff.DefaultPhrases(),
		PlaybackPerWord: 350 * time.Millisecond,
		PlaybackMin:     time.Second,
		PlaybackMax:     8 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.GreetingDelay <= 0 {
		c.GreetingDelay = d.GreetingDelay
	}
	if c.DefaultGreeting == "" {
		c.DefaultGreeting = d.DefaultGreeting
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = d.ChunkSize
	}
	if c.Recognition.Encoding == "" {
		c.Recognition = d.Recognition
	}
	if c.PlaybackPerWord <= 0 {
		c.PlaybackPerWord = d.PlaybackPerWord
	}
	if c.PlaybackMin <= 0 {
		c.PlaybackMin = d.PlaybackMin
	}
	if c.PlaybackMax <= 0 {
		c.PlaybackMax = d.PlaybackMax
	}
	return c
}

// ── Manager ─────────────────────────────────────────────────────────────────

// Manager owns the registry of live sessions. All methods are safe for
// concurrent use.
type Manager struct {
	deps Deps
	now  func() time.Time

	mu       sync.Mutex
	cfg      Config
	sessions map[string]*Session
	closing  bool
	wg       sync.WaitGroup
}

// ManagerOption configures a [Manager].
type ManagerOption func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a Manager.
func NewManager(cfg Config, deps Deps, opts ...ManagerOption) *Manager {
	m := &Manager{
		cfg:      cfg.withDefaults(),
		deps:     deps,
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
	if m.deps.Transcripts == nil {
		m.deps.Transcripts = m.deps.QueuedTranscripts
	}
	if m.deps.QueuedTranscripts == nil {
		m.deps.QueuedTranscripts = m.deps.Transcripts
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Handle upgrades GET /media-stream and runs the session until the stream
// ends.
func (m *Manager) Handle(c *gin.Context) {
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		c.AbortWithStatus(http.StatusServiceUnavailable)
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()
	defer m.wg.Done()

	conn, err := websocket.Accept(upgradeWriter(c.Writer), c.Request, nil)
	if err != nil {
		slog.Warn("callsession: websocket accept failed", "err", err)
		return
	}
	s := newSession(m, conn)
	if err := s.Run(c.Request.Context()); err != nil {
		slog.Warn("callsession: session ended with error", "stream_id", s.info.StreamID, "err", err)
	}
}

// upgradeWriter returns the writer underneath gin's. Gin refuses to hijack a
// connection once the 101 status line has been written through it.
func upgradeWriter(w gin.ResponseWriter) http.ResponseWriter {
	if u, ok := w.(interface{ Unwrap() http.ResponseWriter }); ok {
		return u.Unwrap()
	}
	return w
}

// Reconfigure replaces the session configuration. Running sessions keep the
// configuration they started with.
func (m *Manager) Reconfigure(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg.withDefaults()
}

func (m *Manager) config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// Len returns the number of active sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Sessions returns a snapshot of the active sessions.
func (m *Manager) Sessions() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Info())
	}
	return out
}

// Shutdown stops accepting streams, ends every active session and waits for
// them to finish or ctx to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closing = true
	for _, s := range m.sessions {
		s.stop()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("callsession: shutdown: %w", ctx.Err())
	}
}

func (m *Manager) register(s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closing {
		return errors.New("callsession: manager is shutting down")
	}
	if _, ok := m.sessions[s.info.StreamID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateSession, s.info.StreamID)
	}
	m.sessions[s.info.StreamID] = s
	return nil
}

func (m *Manager) unregister(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[s.info.StreamID] == s {
		delete(m.sessions, s.info.StreamID)
	}
}
