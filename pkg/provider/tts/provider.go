// Package tts defines the Provider interface for speech synthesis.
//
// A phone agent speaks whole replies, so synthesis is request/response: the
// caller hands over a complete utterance and receives the full audio payload
// in the call's encoding (mu-law 8 kHz for telephony), ready to be chunked onto
// the media stream and cached.
package tts

import "context"

// VoiceProfile selects and tunes a provider voice.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Stability and SimilarityBoost are in [0, 1]. Zero uses provider defaults.
	Stability       float64
	SimilarityBoost float64

	// Speed is a playback rate multiplier. Zero means 1.0.
	Speed float64
}

// Provider synthesizes text into audio.
type Provider interface {
	// Synthesize returns the complete audio for text spoken with voice.
	Synthesize(ctx context.Context, text string, voice VoiceProfile) ([]byte, error)
}
