// Package mock provides a test double for the tts.Provider interface.
//
// Example:
//
//	p := &mock.Provider{Audio: []byte{0xff, 0x7f}}
//	audio, _ := p.Synthesize(ctx, "Hallo", voice)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/hostline/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	Text  string
	Voice tts.VoiceProfile
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// Audio is returned by every successful call. When nil, the bytes of the
	// text itself are returned so tests can tell utterances apart.
	Audio []byte

	// Err, if non-nil, is returned by every call.
	Err error

	// Hook, if set, runs before returning; used to block or observe calls.
	Hook func(text string)

	calls []SynthesizeCall
}

// Synthesize records the call and returns Audio, Err.
func (p *Provider) Synthesize(_ context.Context, text string, voice tts.VoiceProfile) ([]byte, error) {
	p.mu.Lock()
	p.calls = append(p.calls, SynthesizeCall{Text: text, Voice: voice})
	audio, err, hook := p.Audio, p.Err, p.Hook
	p.mu.Unlock()

	if hook != nil {
		hook(text)
	}
	if err != nil {
		return nil, err
	}
	if audio == nil {
		return []byte(text), nil
	}
	return audio, nil
}

// Calls returns a snapshot of recorded calls. Thread-safe.
func (p *Provider) Calls() []SynthesizeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SynthesizeCall, len(p.calls))
	copy(out, p.calls)
	return out
}

var _ tts.Provider = (*Provider)(nil)
