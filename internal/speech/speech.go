// Package speech turns reply text into outbound call audio.
//
// A process-wide [Synthesizer] caches audio per voice and exact text and
// collapses concurrent misses for the same utterance into one provider
// request. A per-call [Speaker] chunks that audio onto the media stream.
package speech

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/MrWong99/hostline/internal/observe"
	"github.com/MrWong99/hostline/pkg/provider/tts"
)

const (
	// DefaultChunkSize is the outbound media payload size in bytes: 20 ms of
	// 8 kHz mu-law audio.
	DefaultChunkSize = 160

	// defaultTimeout bounds one synthesis request.
	defaultTimeout = 15 * time.Second

	// prewarmConcurrency bounds parallel provider requests during Prewarm.
	prewarmConcurrency = 4
)

// Option configures a [Synthesizer].
type Option func(*Synthesizer)

// WithMetrics records cache lookups and synthesis latency.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Synthesizer) {
		s.metrics = m
	}
}

// WithProviderName sets the provider label used in metrics.
func WithProviderName(name string) Option {
	return func(s *Synthesizer) {
		s.providerName = name
	}
}

// WithTimeout bounds a single synthesis request.
func WithTimeout(d time.Duration) Option {
	return func(s *Synthesizer) {
		s.timeout = d
	}
}

// Synthesizer is a caching front for a [tts.Provider]. It is safe for
// concurrent use and shared by all calls.
type Synthesizer struct {
	provider     tts.Provider
	cache        Cache
	group        singleflight.Group
	metrics      *observe.Metrics
	providerName string
	timeout      time.Duration
}

// NewSynthesizer creates a Synthesizer. A nil cache disables caching but
// still collapses concurrent identical requests.
func NewSynthesizer(provider tts.Provider, cache Cache, opts ...Option) *Synthesizer {
	s := &Synthesizer{
		provider:     provider,
		cache:        cache,
		providerName: "tts",
		timeout:      defaultTimeout,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Audio returns the audio for text spoken with voice, from the cache when
// possible. A synthesis started for one call is not cancelled when that call
// ends, since other callers may be waiting for the same utterance.
func (s *Synthesizer) Audio(ctx context.Context, text string, voice tts.VoiceProfile) ([]byte, error) {
	key := cacheKey(voice.ID, text)
	if s.cache != nil {
		if audio, ok := s.cache.Get(key); ok {
			s.recordLookup(ctx, true)
			return audio, nil
		}
	}
	s.recordLookup(ctx, false)

	v, err, _ := s.group.Do(key, func() (any, error) {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()

		start := time.Now()
		audio, err := s.provider.Synthesize(sctx, text, voice)
		if s.metrics != nil {
			s.metrics.TTSDuration.Record(ctx, time.Since(start).Seconds())
		}
		if err != nil {
			if s.metrics != nil {
				s.metrics.RecordProviderError(ctx, s.providerName, "tts")
			}
			return nil, err
		}
		if s.metrics != nil {
			s.metrics.RecordProviderRequest(ctx, s.providerName, "tts", "ok")
		}
		if s.cache != nil && len(audio) > 0 {
			s.cache.Put(key, audio)
		}
		return audio, nil
	})
	if err != nil {
		return nil, fmt.Errorf("speech: synthesize: %w", err)
	}
	return v.([]byte), nil
}

// Prewarm synthesizes texts in the background so later calls hit the cache.
// Failures are logged; Prewarm never returns an error for a single phrase.
func (s *Synthesizer) Prewarm(ctx context.Context, voice tts.VoiceProfile, texts []string) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(prewarmConcurrency)
	for _, text := range texts {
		if strings.TrimSpace(text) == "" {
			continue
		}
		g.Go(func() error {
			if _, err := s.Audio(gctx, text, voice); err != nil {
				slog.Warn("speech: prewarm failed", "voice", voice.ID, "text", text, "err", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Synthesizer) recordLookup(ctx context.Context, hit bool) {
	if s.metrics != nil {
		s.metrics.RecordCacheLookup(ctx, hit)
	}
}

// Sink receives outbound audio for one call.
type Sink interface {
	// SendMedia sends one raw audio chunk.
	SendMedia(ctx context.Context, payload []byte) error

	// SendMark sends a named marker after the audio of an utterance.
	SendMark(ctx context.Context, name string) error
}

// Speaker speaks utterances on one call with a fixed voice.
type Speaker struct {
	synth     *Synthesizer
	voice     tts.VoiceProfile
	sink      Sink
	chunkSize int

	// mu keeps the chunks of concurrent utterances from interleaving.
	mu    sync.Mutex
	marks int
}

// NewSpeaker creates a Speaker. A non-positive chunkSize uses
// [DefaultChunkSize].
func NewSpeaker(synth *Synthesizer, voice tts.VoiceProfile, sink Sink, chunkSize int) *Speaker {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Speaker{synth: synth, voice: voice, sink: sink, chunkSize: chunkSize}
}

// Speak synthesizes text and streams it to the sink in fixed-size chunks,
// followed by a mark. Empty text is a no-op.
func (sp *Speaker) Speak(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	audio, err := sp.synth.Audio(ctx, text, sp.voice)
	if err != nil {
		return err
	}

	sp.mu.Lock()
	defer sp.mu.Unlock()
	for off := 0; off < len(audio); off += sp.chunkSize {
		end := min(off+sp.chunkSize, len(audio))
		if err := sp.sink.SendMedia(ctx, audio[off:end]); err != nil {
			return fmt.Errorf("speech: send media: %w", err)
		}
	}
	sp.marks++
	mark := fmt.Sprintf("utterance-%d", sp.marks)
	if err := sp.sink.SendMark(ctx, mark); err != nil {
		return fmt.Errorf("speech: send mark: %w", err)
	}
	return nil
}

// Prewarm fills the cache for texts in this speaker's voice.
func (sp *Speaker) Prewarm(ctx context.Context, texts []string) {
	sp.synth.Prewarm(ctx, sp.voice, texts)
}

// EstimateDuration approximates how long text takes to speak: perWord per
// word, clamped to [minDur, maxDur]. A zero maxDur disables the upper bound.
func EstimateDuration(text string, perWord, minDur, maxDur time.Duration) time.Duration {
	d := time.Duration(len(strings.Fields(text))) * perWord
	if d < minDur {
		d = minDur
	}
	if maxDur > 0 && d > maxDur {
		d = maxDur
	}
	return d
}
