// Package stt defines the Provider interface for streaming speech-to-text.
//
// A provider opens one long-lived recognition session per call. Narrowband
// telephony audio is pushed in with SendAudio and transcripts come back on two
// channels: Partials for interim hypotheses and Finals for endpointed,
// finalized text.
package stt

import (
	"context"
	"time"
)

// Transcript is one recognition result.
type Transcript struct {
	Text string

	// IsFinal is true when the recognizer will not revise this text any more.
	IsFinal bool

	Confidence float64
}

// StreamConfig describes the audio format and endpointing behaviour of a
// recognition session.
type StreamConfig struct {
	// Encoding is the audio encoding, e.g. "mulaw" for telephony streams.
	Encoding string

	// SampleRate in Hz. Telephony audio is 8000.
	SampleRate int

	Channels int

	// Language is a BCP-47 code such as "de" or "en-US".
	Language string

	// Endpointing is the trailing silence after which the recognizer finalizes
	// an utterance. Zero uses the provider default.
	Endpointing time.Duration

	// UtteranceEnd is the gap between words that ends an utterance even when
	// background noise prevents silence detection. Zero disables it.
	UtteranceEnd time.Duration

	// Keyterms boosts recognition of domain words such as the restaurant name.
	Keyterms []string
}

// SessionHandle is a live recognition session.
//
// Partials and Finals are closed by the implementation when the session ends,
// either through Close or because the remote side terminated the stream.
type SessionHandle interface {
	// SendAudio queues an audio chunk. It returns an error once the session is
	// closed.
	SendAudio(chunk []byte) error

	Partials() <-chan Transcript
	Finals() <-chan Transcript

	Close() error
}

// Provider opens recognition sessions.
type Provider interface {
	// StartStream connects a new session. The session lives until Close is
	// called or ctx is cancelled.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
