package callsession

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/hostline/internal/dialogue"
	"github.com/MrWong99/hostline/internal/handoff"
	"github.com/MrWong99/hostline/internal/observe"
	"github.com/MrWong99/hostline/internal/recognition"
	"github.com/MrWong99/hostline/internal/speech"
	"github.com/MrWong99/hostline/internal/store"
	"github.com/MrWong99/hostline/internal/telephony"
	"github.com/MrWong99/hostline/internal/turn"
	"github.com/MrWong99/hostline/internal/worker"
	"github.com/MrWong99/hostline/pkg/provider/tts"
)

// Info describes a live session.
type Info struct {
	StreamID      string    `json:"stream_id"`
	CallID        string    `json:"call_id"`
	TenantID      string    `json:"tenant_id"`
	Caller        string    `json:"caller"`
	BotNumber     string    `json:"bot_number"`
	ForwardedFrom string    `json:"forwarded_from,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	LowLatency    bool      `json:"low_latency"`
}

// Session is one connected media stream.
type Session struct {
	m    *Manager
	cfg  Config
	conn *websocket.Conn
	info Info
	log  *slog.Logger

	cancel context.CancelFunc

	sink      *streamSink
	orch      *dialogue.Orchestrator
	machine   *handoff.Machine
	bridge    *recognition.Bridge
	queue     *turn.Queue
	coalescer *turn.Coalescer

	mu            sync.Mutex
	active        bool
	greetingTimer *time.Timer
	handoffResult *handoff.Outcome
	recogFailed   bool
}

func newSession(m *Manager, conn *websocket.Conn) *Session {
	return &Session{m: m, cfg: m.config(), conn: conn, log: slog.Default(), active: true}
}

// Info returns the session metadata.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// Active reports whether the session still handles dialogue.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Run serves the stream until stop, socket close or ctx cancellation.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	defer cancel()

	start, err := s.awaitStart(ctx)
	if err != nil {
		s.conn.Close(websocket.StatusNormalClosure, "")
		return err
	}
	params, err := s.authorize(start)
	if err != nil {
		s.conn.Close(websocket.StatusPolicyViolation, "invalid stream token")
		return err
	}

	settings, err := s.m.deps.Tenants.Settings(ctx, params.TenantID)
	if err != nil {
		s.conn.Close(websocket.StatusInternalError, "tenant unavailable")
		return fmt.Errorf("callsession: load tenant %q: %w", params.TenantID, err)
	}

	s.info = Info{
		StreamID:      start.StreamSid,
		CallID:        params.CallID,
		TenantID:      params.TenantID,
		Caller:        params.Caller,
		BotNumber:     params.BotNumber,
		ForwardedFrom: params.ForwardedFrom,
		CreatedAt:     s.m.now(),
		LowLatency:    worker.LowLatency(params.TenantID, settings.LowLatency, s.cfg.LowLatencyPercent),
	}
	if s.info.BotNumber == "" {
		s.info.BotNumber = settings.BotNumber
	}
	ctx = observe.WithCall(ctx, observe.Call{StreamID: s.info.StreamID, CallID: s.info.CallID, TenantID: s.info.TenantID})
	s.log = observe.Logger(ctx)

	if err := s.m.register(s); err != nil {
		s.conn.Close(websocket.StatusPolicyViolation, "duplicate stream")
		return err
	}
	defer s.m.unregister(s)

	if mt := s.m.deps.Metrics; mt != nil {
		mt.ActiveSessions.Add(ctx, 1)
		defer mt.ActiveSessions.Add(context.WithoutCancel(ctx), -1)
	}

	s.build(ctx, settings)
	s.startCallLog(ctx)
	s.log.Info("callsession: started", "low_latency", s.info.LowLatency)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.bridge.Run(gctx) })
	g.Go(func() error { return s.pumpRecognition(gctx) })
	g.Go(func() error { return s.queue.Run(gctx, s.orch.HandleTurn) })
	s.armGreeting(gctx, settings)

	readErr := s.readLoop(gctx)

	s.teardown()
	cancel()
	waitErr := g.Wait()
	s.finishCallLog(context.WithoutCancel(ctx))
	s.conn.Close(websocket.StatusNormalClosure, "")
	s.log.Info("callsession: ended")

	return errors.Join(readErr, waitErr)
}

// awaitStart reads until the start event. connected is skipped.
func (s *Session) awaitStart(ctx context.Context) (*telephony.StreamMessage, error) {
	for {
		var msg telephony.StreamMessage
		if err := wsjson.Read(ctx, s.conn, &msg); err != nil {
			return nil, fmt.Errorf("callsession: await start: %w", err)
		}
		switch msg.Event {
		case telephony.EventStart:
			if msg.Start == nil {
				return nil, errors.New("callsession: start event without payload")
			}
			if msg.Start.StreamSid == "" {
				msg.Start.StreamSid = msg.StreamSid
			}
			return &msg, nil
		case telephony.EventStop:
			return nil, errors.New("callsession: stream stopped before start")
		}
	}
}

// authorize returns the call parameters, taken from the signed token when
// tokens are enabled.
func (s *Session) authorize(msg *telephony.StreamMessage) (telephony.StreamParams, error) {
	params := msg.Start.Params()
	signer := s.m.deps.Signer
	if !signer.Enabled() {
		if params.TenantID == "" {
			return params, errors.New("callsession: start event without tenant_id")
		}
		return params, nil
	}
	signed, err := signer.Verify(msg.Start.Token(), s.m.now())
	if err != nil {
		return params, fmt.Errorf("callsession: %w", err)
	}
	if signed.CallID != "" && params.CallID != "" && signed.CallID != params.CallID {
		return params, fmt.Errorf("callsession: %w: call id mismatch", telephony.ErrInvalidToken)
	}
	if signed.CallID == "" {
		signed.CallID = params.CallID
	}
	return signed, nil
}

// build wires the per-call components.
func (s *Session) build(ctx context.Context, settings *store.TenantSettings) {
	cfg := s.cfg
	deps := s.m.deps

	voice := tts.VoiceProfile{ID: settings.VoiceID}
	s.sink = &streamSink{conn: s.conn, streamSid: s.info.StreamID}
	speaker := speech.NewSpeaker(deps.Synth, voice, s.sink, cfg.ChunkSize)
	dcfg := cfg.Dialogue.WithDefaults()
	if s.info.LowLatency {
		go speaker.Prewarm(context.WithoutCancel(ctx), dcfg.Fillers)
	}

	s.machine = handoff.New(handoff.Call{
		CallID:        s.info.CallID,
		BotNumber:     s.info.BotNumber,
		ForwardedFrom: s.info.ForwardedFrom,
		Targets:       settings.HandoffNumbers,
	}, cfg.Handoff, cfg.Phrases, speaker, deps.Control,
		handoff.WithOnInactive(s.onHandoffStarted),
		handoff.WithOnEnd(s.onHandoffEnded),
		handoff.WithPlaybackEstimate(func(text string) time.Duration {
			return speech.EstimateDuration(text, cfg.PlaybackPerWord, cfg.PlaybackMin, cfg.PlaybackMax)
		}),
		handoff.WithLogger(s.log),
	)

	transcripts := deps.Transcripts
	if s.info.LowLatency {
		transcripts = deps.QueuedTranscripts
	}
	s.orch = dialogue.New(dialogue.Call{
		CallID:     s.info.CallID,
		TenantID:   s.info.TenantID,
		Caller:     s.info.Caller,
		Settings:   settings,
		Location:   deps.Tenants.Location(settings),
		LowLatency: s.info.LowLatency,
	}, cfg.Dialogue, dialogue.Deps{
		LLM:         deps.LLM,
		Store:       deps.Bookings,
		Speaker:     speaker,
		Handoff:     s.machine,
		Hanger:      deps.Control,
		Transcripts: transcripts,
		Notifier:    deps.Notifier,
		Metrics:     deps.Metrics,
	}, dialogue.WithClock(s.m.now), dialogue.WithLogger(s.log))

	s.queue = turn.NewQueue(cfg.QueueSize, turn.WithLogger(s.log), turn.WithDropHook(func(turn.Pending) {
		if deps.Metrics != nil {
			deps.Metrics.DroppedTurns.Add(context.WithoutCancel(ctx), 1)
		}
	}))
	s.coalescer = turn.NewCoalescer(cfg.Coalesce, s.queue)

	rcfg := cfg.Recognition
	if settings.Language != "" {
		rcfg.Language = settings.Language
	}
	if settings.Name != "" {
		rcfg.Keyterms = append(append([]string(nil), rcfg.Keyterms...), settings.Name)
	}
	s.bridge = recognition.New(deps.STT, rcfg, recognition.WithLogger(s.log))
}

// readLoop is the socket owner. It returns nil on stop or a normal close.
func (s *Session) readLoop(ctx context.Context) error {
	for {
		var msg telephony.StreamMessage
		if err := wsjson.Read(ctx, s.conn, &msg); err != nil {
			if ctx.Err() != nil || websocket.CloseStatus(err) != -1 {
				return nil
			}
			return fmt.Errorf("callsession: read: %w", err)
		}
		switch msg.Event {
		case telephony.EventMedia:
			if msg.Media == nil {
				continue
			}
			audio, err := msg.Media.Audio()
			if err != nil {
				s.log.Debug("callsession: bad media frame", "err", err)
				continue
			}
			s.bridge.SendAudio(audio)
		case telephony.EventMark:
			if msg.Mark != nil {
				s.sink.played()
				s.log.Debug("callsession: playback mark", "name", msg.Mark.Name)
			}
		case telephony.EventStop:
			return nil
		}
	}
}

// pumpRecognition turns bridge events into user turns.
func (s *Session) pumpRecognition(ctx context.Context) error {
	for ev := range s.bridge.Events() {
		switch ev.Kind {
		case recognition.EventInterim:
			s.cancelGreeting()
		case recognition.EventFinal:
			s.cancelGreeting()
			if s.Active() {
				s.bargeIn(ctx)
				s.coalescer.Add(ev.Text)
			}
		case recognition.EventFailed:
			s.mu.Lock()
			s.recogFailed = true
			s.mu.Unlock()
			s.log.Error("callsession: recognition unavailable, handing off", "err", ev.Err)
			s.machine.Escalate(ctx, handoff.ReasonRecognitionUnavailable)
		}
	}
	return nil
}

// bargeIn drops buffered playback when the caller talks over the agent.
func (s *Session) bargeIn(ctx context.Context) {
	if !s.sink.playing() {
		return
	}
	if err := s.sink.clear(ctx); err != nil {
		s.log.Debug("callsession: clear playback", "err", err)
		return
	}
	s.log.Debug("callsession: caller barged in, playback cleared")
}

func (s *Session) armGreeting(ctx context.Context, settings *store.TenantSettings) {
	text := strings.TrimSpace(settings.Greeting)
	if text == "" {
		text = s.cfg.DefaultGreeting
		if strings.Contains(text, "%s") {
			text = fmt.Sprintf(text, settings.Name)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.greetingTimer = time.AfterFunc(s.cfg.GreetingDelay, func() {
		s.mu.Lock()
		fire := s.greetingTimer != nil && s.active
		s.greetingTimer = nil
		s.mu.Unlock()
		if fire {
			s.orch.Say(ctx, text)
		}
	})
}

func (s *Session) cancelGreeting() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.greetingTimer != nil {
		s.greetingTimer.Stop()
		s.greetingTimer = nil
	}
}

// deactivate stops dialogue processing: timers are cancelled and queued turns
// dropped.
func (s *Session) deactivate() {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
	s.cancelGreeting()
	s.coalescer.Stop()
	if n := s.queue.Clear(); n > 0 {
		s.log.Debug("callsession: dropped queued turns", "count", n)
	}
	s.orch.Deactivate()
}

func (s *Session) teardown() {
	s.deactivate()
	s.queue.Close()
	s.bridge.Close()
}

// stop ends the session from outside, e.g. on shutdown.
func (s *Session) stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Session) onHandoffStarted(reason handoff.Reason) {
	s.log.Info("callsession: handoff started", "reason", reason)
	s.deactivate()
}

func (s *Session) onHandoffEnded(o handoff.Outcome) {
	s.mu.Lock()
	s.handoffResult = &o
	s.mu.Unlock()
	if s.m.deps.Metrics != nil {
		s.m.deps.Metrics.RecordHandoff(context.Background(), string(o.Reason), o.Transferred)
	}
}

func (s *Session) startCallLog(ctx context.Context) {
	err := s.m.deps.Calls.StartCall(ctx, store.CallLog{
		CallID:    s.info.CallID,
		TenantID:  s.info.TenantID,
		Caller:    s.info.Caller,
		BotNumber: s.info.BotNumber,
		StartedAt: s.info.CreatedAt,
		Outcome:   store.OutcomeInProgress,
	})
	if err != nil {
		s.log.Warn("callsession: start call log", "err", err)
	}
}

func (s *Session) finishCallLog(ctx context.Context) {
	outcome := s.outcome()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.m.deps.Calls.FinishCall(ctx, s.info.CallID, outcome, s.m.now()); err != nil {
		s.log.Warn("callsession: finish call log", "outcome", outcome, "err", err)
	}
}

// Outcome returns the call outcome as it would be logged now.
func (s *Session) outcome() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.handoffResult != nil && s.handoffResult.Transferred:
		return store.OutcomeHandoff
	case s.orch != nil && s.orch.Reserved():
		return store.OutcomeReservation
	case s.recogFailed:
		return store.OutcomeFailed
	default:
		return store.OutcomeCompleted
	}
}

// ── Outbound audio ──────────────────────────────────────────────────────────

// streamSink writes synthesized audio back onto the media stream.
type streamSink struct {
	conn      *websocket.Conn
	streamSid string

	// pending counts marks Twilio has not echoed yet, i.e. utterances still
	// buffered for playback.
	mu      sync.Mutex
	pending int
}

var _ speech.Sink = (*streamSink)(nil)

func (k *streamSink) SendMedia(ctx context.Context, payload []byte) error {
	return wsjson.Write(ctx, k.conn, telephony.MediaMessage(k.streamSid, payload))
}

func (k *streamSink) SendMark(ctx context.Context, name string) error {
	if err := wsjson.Write(ctx, k.conn, telephony.MarkMessage(k.streamSid, name)); err != nil {
		return err
	}
	k.mu.Lock()
	k.pending++
	k.mu.Unlock()
	return nil
}

func (k *streamSink) played() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.pending > 0 {
		k.pending--
	}
}

func (k *streamSink) playing() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.pending > 0
}

// clear drops everything Twilio still has buffered. Cleared marks are echoed
// back afterwards and find the counter at zero.
func (k *streamSink) clear(ctx context.Context) error {
	k.mu.Lock()
	k.pending = 0
	k.mu.Unlock()
	return wsjson.Write(ctx, k.conn, telephony.ClearMessage(k.streamSid))
}
