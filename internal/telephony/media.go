package telephony

import (
	"encoding/base64"
	"fmt"
)

// Media stream event names.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventMark      = "mark"
	EventStop      = "stop"
	EventClear     = "clear"
)

// Custom stream parameter names set by the inbound webhook.
const (
	ParamTenantID      = "tenant_id"
	ParamCaller        = "caller"
	ParamBotNumber     = "bot_number"
	ParamForwardedFrom = "forwarded_from"
	ParamToken         = "token"
)

// StreamMessage is one JSON frame on the media stream websocket, in either
// direction.
type StreamMessage struct {
	Event          string       `json:"event"`
	StreamSid      string       `json:"streamSid,omitempty"`
	SequenceNumber string       `json:"sequenceNumber,omitempty"`
	Start          *StreamStart `json:"start,omitempty"`
	Media          *StreamMedia `json:"media,omitempty"`
	Mark           *StreamMark  `json:"mark,omitempty"`
	Stop           *StreamStop  `json:"stop,omitempty"`
}

// StreamStart is the payload of the start event.
type StreamStart struct {
	StreamSid        string            `json:"streamSid"`
	AccountSid       string            `json:"accountSid"`
	CallSid          string            `json:"callSid"`
	Tracks           []string          `json:"tracks"`
	CustomParameters map[string]string `json:"customParameters"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
}

// MediaFormat describes the audio encoding of the stream.
type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// StreamMedia carries one base64 encoded audio frame.
type StreamMedia struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

// StreamMark names a playback position.
type StreamMark struct {
	Name string `json:"name"`
}

// StreamStop is the payload of the stop event.
type StreamStop struct {
	AccountSid string `json:"accountSid"`
	CallSid    string `json:"callSid"`
}

// Audio decodes the media payload.
func (m *StreamMedia) Audio() ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(m.Payload)
	if err != nil {
		return nil, fmt.Errorf("telephony: decode media payload: %w", err)
	}
	return b, nil
}

// MediaMessage builds an outbound media event.
func MediaMessage(streamSid string, audio []byte) StreamMessage {
	return StreamMessage{
		Event:     EventMedia,
		StreamSid: streamSid,
		Media:     &StreamMedia{Payload: base64.StdEncoding.EncodeToString(audio)},
	}
}

// MarkMessage builds an outbound mark event.
func MarkMessage(streamSid, name string) StreamMessage {
	return StreamMessage{Event: EventMark, StreamSid: streamSid, Mark: &StreamMark{Name: name}}
}

// ClearMessage builds an outbound clear event that drops buffered playback.
func ClearMessage(streamSid string) StreamMessage {
	return StreamMessage{Event: EventClear, StreamSid: streamSid}
}

// Params returns the stream parameters carried by the start event. CallID is
// taken from the event itself.
func (s *StreamStart) Params() StreamParams {
	return StreamParams{
		CallID:        s.CallSid,
		TenantID:      s.CustomParameters[ParamTenantID],
		Caller:        s.CustomParameters[ParamCaller],
		BotNumber:     s.CustomParameters[ParamBotNumber],
		ForwardedFrom: s.CustomParameters[ParamForwardedFrom],
	}
}

// Token returns the stream token parameter.
func (s *StreamStart) Token() string {
	return s.CustomParameters[ParamToken]
}
