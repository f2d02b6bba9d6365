// Package recognition owns the streaming speech-to-text connection of one
// call.
//
// The [Bridge] moves through Connecting → Open → Closed. A failed connect is
// retried once with the conservative stream configuration, and an unexpected
// end of an open stream gets one reconnect. When both are used up the bridge
// is Failed and emits [EventFailed] so the call can be handed to a human
// instead of leaving the caller in silence.
package recognition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/hostline/pkg/provider/stt"
)

// State is the connection state of a [Bridge].
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
	StateFailed
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// EventKind distinguishes bridge events.
type EventKind int

const (
	// EventInterim carries unstable text. Downstream only uses it to notice
	// that the caller started speaking.
	EventInterim EventKind = iota

	// EventFinal carries a finalized fragment.
	EventFinal

	// EventFailed reports that recognition is unavailable for the rest of
	// the call.
	EventFailed
)

// Event is emitted on [Bridge.Events].
type Event struct {
	Kind EventKind
	Text string
	Err  error
}

// ErrAlreadyStarted is returned when Run is called twice.
var ErrAlreadyStarted = errors.New("recognition: bridge already started")

// eventBuffer absorbs short bursts while the consumer is busy.
const eventBuffer = 32

// ConservativeConfig derives the fallback stream configuration from primary:
// longer endpointing and utterance-end windows and no keyterm boosting.
func ConservativeConfig(primary stt.StreamConfig) stt.StreamConfig {
	c := primary
	c.Endpointing = max(primary.Endpointing*2, 500*time.Millisecond)
	c.UtteranceEnd = max(primary.UtteranceEnd, 1500*time.Millisecond)
	c.Keyterms = nil
	return c
}

// Option configures a [Bridge].
type Option func(*Bridge)

// WithConservativeConfig overrides the fallback configuration.
func WithConservativeConfig(cfg stt.StreamConfig) Option {
	return func(b *Bridge) {
		b.conservative = cfg
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) {
		b.log = l
	}
}

// Bridge is the per-call recognition channel.
type Bridge struct {
	provider     stt.Provider
	primary      stt.StreamConfig
	conservative stt.StreamConfig
	log          *slog.Logger
	events       chan Event

	mu         sync.Mutex
	state      State
	handle     stt.SessionHandle
	started    bool
	closing    bool
	reconnects int
	dropped    int
}

// New creates a Bridge in StateConnecting. Nothing is dialed until
// [Bridge.Run].
func New(provider stt.Provider, primary stt.StreamConfig, opts ...Option) *Bridge {
	b := &Bridge{
		provider:     provider,
		primary:      primary,
		conservative: ConservativeConfig(primary),
		log:          slog.Default(),
		events:       make(chan Event, eventBuffer),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Events returns the event stream. It is closed when Run returns.
func (b *Bridge) Events() <-chan Event {
	return b.events
}

// State returns the current state.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// DroppedFrames returns the number of audio frames dropped because the
// stream was not open.
func (b *Bridge) DroppedFrames() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// SendAudio forwards one frame while the stream is open. Frames arriving in
// any other state are dropped, never buffered.
func (b *Bridge) SendAudio(frame []byte) {
	b.mu.Lock()
	if b.state != StateOpen || b.handle == nil {
		b.dropped++
		b.mu.Unlock()
		return
	}
	h := b.handle
	b.mu.Unlock()

	if err := h.SendAudio(frame); err != nil {
		b.log.Debug("recognition: send audio failed", "err", err)
	}
}

// Close ends the stream. Run then returns with the bridge Closed.
func (b *Bridge) Close() {
	b.mu.Lock()
	b.closing = true
	h := b.handle
	if b.state != StateFailed {
		b.state = StateClosed
	}
	b.mu.Unlock()

	if h != nil {
		if err := h.Close(); err != nil {
			b.log.Debug("recognition: close stream", "err", err)
		}
	}
}

// Run connects and pumps transcripts into [Bridge.Events] until ctx is done,
// Close is called or recognition fails. Failure is reported as an event, not
// as an error, so the call can continue into a handoff.
func (b *Bridge) Run(ctx context.Context) error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return ErrAlreadyStarted
	}
	b.started = true
	b.mu.Unlock()
	defer close(b.events)

	h, err := b.connect(ctx)
	if err != nil {
		b.fail(ctx, err)
		return nil
	}

	for {
		if !b.attach(h) {
			_ = h.Close()
			return nil
		}
		b.pump(ctx, h)

		if b.stopping(ctx) {
			b.setState(StateClosed)
			_ = h.Close()
			return nil
		}

		_ = h.Close()
		b.mu.Lock()
		b.handle = nil
		b.reconnects++
		exhausted := b.reconnects > 1
		b.mu.Unlock()
		if exhausted {
			b.fail(ctx, errors.New("stream ended again after reconnect"))
			return nil
		}

		b.log.Warn("recognition: stream ended unexpectedly, reconnecting")
		b.setState(StateConnecting)
		h, err = b.provider.StartStream(ctx, b.conservative)
		if err != nil {
			b.fail(ctx, fmt.Errorf("reconnect: %w", err))
			return nil
		}
	}
}

// connect dials the primary configuration and falls back to the conservative
// one once.
func (b *Bridge) connect(ctx context.Context) (stt.SessionHandle, error) {
	h, err := b.provider.StartStream(ctx, b.primary)
	if err == nil {
		return h, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	b.log.Warn("recognition: connect failed, retrying with conservative config", "err", err)
	h, err2 := b.provider.StartStream(ctx, b.conservative)
	if err2 != nil {
		return nil, fmt.Errorf("connect: %w", errors.Join(err, err2))
	}
	return h, nil
}

// attach publishes h as the open stream. It reports false when the bridge was
// closed while connecting.
func (b *Bridge) attach(h stt.SessionHandle) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closing {
		return false
	}
	b.handle = h
	b.state = StateOpen
	return true
}

func (b *Bridge) pump(ctx context.Context, h stt.SessionHandle) {
	partials, finals := h.Partials(), h.Finals()
	for partials != nil || finals != nil {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			if strings.TrimSpace(t.Text) != "" {
				b.emit(ctx, Event{Kind: EventInterim, Text: t.Text})
			}
		case t, ok := <-finals:
			if !ok {
				finals = nil
				continue
			}
			if strings.TrimSpace(t.Text) != "" {
				b.emit(ctx, Event{Kind: EventFinal, Text: t.Text})
			}
		}
	}
}

func (b *Bridge) stopping(ctx context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closing || ctx.Err() != nil
}

func (b *Bridge) fail(ctx context.Context, err error) {
	b.mu.Lock()
	if b.closing || ctx.Err() != nil {
		b.state = StateClosed
		b.mu.Unlock()
		return
	}
	b.state = StateFailed
	b.handle = nil
	b.mu.Unlock()

	b.log.Error("recognition: unavailable", "err", err)
	b.emit(ctx, Event{Kind: EventFailed, Err: err})
}

func (b *Bridge) emit(ctx context.Context, ev Event) {
	select {
	case b.events <- ev:
	case <-ctx.Done():
	}
}

func (b *Bridge) setState(s State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = s
}
