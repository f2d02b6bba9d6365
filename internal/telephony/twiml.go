// Package telephony is the Twilio boundary: the inbound voice webhook, TwiML
// rendering, media-stream message types, stream tokens and live call control.
package telephony

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"strings"
)

type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any    `xml:",any"`
}

type twimlReject struct {
	XMLName xml.Name `xml:"Reject"`
	Reason  string   `xml:"reason,attr,omitempty"`
}

type twimlHangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

type twimlDial struct {
	XMLName  xml.Name `xml:"Dial"`
	CallerID string   `xml:"callerId,attr,omitempty"`
	Number   string   `xml:",chardata"`
}

type twimlConnect struct {
	XMLName xml.Name    `xml:"Connect"`
	Stream  twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL        string           `xml:"url,attr"`
	Parameters []twimlParameter `xml:"Parameter"`
}

type twimlParameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// Parameter is a custom stream parameter handed to the media stream in its
// start event.
type Parameter struct {
	Name  string
	Value string
}

// RenderConnect returns TwiML that connects the call to the media stream at
// streamURL. Empty parameter values are omitted.
func RenderConnect(streamURL string, params []Parameter) (string, error) {
	if strings.TrimSpace(streamURL) == "" {
		return "", errors.New("telephony: render connect: stream url required")
	}
	s := twimlStream{URL: streamURL}
	for _, p := range params {
		if p.Value == "" {
			continue
		}
		s.Parameters = append(s.Parameters, twimlParameter{Name: p.Name, Value: p.Value})
	}
	return render(twimlConnect{Stream: s})
}

// RenderDial returns TwiML that forwards the call to number.
func RenderDial(number string) (string, error) {
	if strings.TrimSpace(number) == "" {
		return "", errors.New("telephony: render dial: number required")
	}
	return render(twimlDial{Number: number})
}

// RenderReject returns TwiML that rejects the call with a busy signal.
func RenderReject() (string, error) {
	return render(twimlReject{Reason: "busy"})
}

// RenderHangup returns TwiML that ends the call.
func RenderHangup() (string, error) {
	return render(twimlHangup{})
}

func render(verbs ...any) (string, error) {
	r := twimlResponse{Verbs: verbs}
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	if err := enc.Encode(r); err != nil {
		return "", fmt.Errorf("telephony: render twiml: %w", err)
	}
	if err := enc.Flush(); err != nil {
		return "", fmt.Errorf("telephony: render twiml: %w", err)
	}
	return buf.String(), nil
}
