// Package handoff implements the escalation state machine that decides when a
// caller is handed over to a human and performs the transfer.
//
// States move Normal → AwaitingConfirmation → Transferring → Ended, with a
// direct path from Normal or AwaitingConfirmation to Transferring for explicit
// user requests and unrecoverable technical failures. A declined confirmation
// returns to Normal. Transferring and Ended are terminal for the call.
package handoff

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// State is a handoff state.
type State int

const (
	StateNormal State = iota
	StateAwaitingConfirmation
	StateTransferring
	StateEnded
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateNormal:
		return "normal"
	case StateAwaitingConfirmation:
		return "awaiting_confirmation"
	case StateTransferring:
		return "transferring"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Reason explains why a handoff was started.
type Reason string

const (
	ReasonUserRequest            Reason = "user_request"
	ReasonMisunderstanding       Reason = "misunderstanding"
	ReasonModelRequest           Reason = "model_request"
	ReasonToolErrors             Reason = "tool_errors"
	ReasonRecognitionUnavailable Reason = "recognition_unavailable"
)

// Phrases are the fixed utterances spoken by the state machine.
type Phrases struct {
	Confirm     string `yaml:"confirm"`
	Reprompt    string `yaml:"reprompt"`
	Declined    string `yaml:"declined"`
	Handoff     string `yaml:"handoff"`
	Unavailable string `yaml:"unavailable"`
}

// DefaultPhrases returns the German phrase set.
func DefaultPhrases() Phrases {
	return Phrases{
		Confirm:     "Es tut mir leid, ich habe Sie mehrmals nicht verstanden. Möchten Sie mit einem Mitarbeiter verbunden werden? Bitte sagen Sie ja oder nein.",
		Reprompt:    "Bitte antworten Sie mit ja oder nein: Soll ich Sie mit einem Mitarbeiter verbinden?",
		Declined:    "Alles klar, dann versuchen wir es gemeinsam weiter. Was kann ich für Sie tun?",
		Handoff:     "Einen Moment bitte, ich verbinde Sie mit einem Mitarbeiter.",
		Unavailable: "Es tut mir leid, im Moment kann ich Sie leider mit niemandem verbinden. Bitte rufen Sie später noch einmal an.",
	}
}

func (p Phrases) withDefaults() Phrases {
	d := DefaultPhrases()
	if p.Confirm == "" {
		p.Confirm = d.Confirm
	}
	if p.Reprompt == "" {
		p.Reprompt = d.Reprompt
	}
	if p.Declined == "" {
		p.Declined = d.Declined
	}
	if p.Handoff == "" {
		p.Handoff = d.Handoff
	}
	if p.Unavailable == "" {
		p.Unavailable = d.Unavailable
	}
	return p
}

// Speaker plays an utterance to the caller.
type Speaker interface {
	Speak(ctx context.Context, text string) error
}

// Transferer redirects a live call to another phone number.
type Transferer interface {
	Transfer(ctx context.Context, callID, target string) error
}

// Call identifies the call and its transfer options.
type Call struct {
	CallID        string
	BotNumber     string
	ForwardedFrom string

	// Targets are the tenant's handoff numbers in order of preference.
	Targets []string
}

// Outcome reports how a started handoff ended.
type Outcome struct {
	Reason      Reason
	Target      string
	Transferred bool
}

// Option configures a [Machine].
type Option func(*Machine)

// WithOnInactive registers fn, called once when the machine enters
// Transferring. The session uses it to stop processing dialogue.
func WithOnInactive(fn func(Reason)) Option {
	return func(m *Machine) {
		m.onInactive = fn
	}
}

// WithOnEnd registers fn, called once when the handoff finished.
func WithOnEnd(fn func(Outcome)) Option {
	return func(m *Machine) {
		m.onEnd = fn
	}
}

// WithPlaybackEstimate sets how long the machine waits after speaking the
// handoff phrase before redirecting the call, so the caller hears it.
func WithPlaybackEstimate(fn func(text string) time.Duration) Option {
	return func(m *Machine) {
		m.playback = fn
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) {
		m.log = l
	}
}

// Machine is the per-call handoff state machine. All methods are safe for
// concurrent use; speaking and transferring happen outside the lock.
type Machine struct {
	call       Call
	policy     Policy
	phrases    Phrases
	speaker    Speaker
	transferer Transferer
	onInactive func(Reason)
	onEnd      func(Outcome)
	playback   func(string) time.Duration
	log        *slog.Logger

	mu                sync.Mutex
	state             State
	misunderstandings int
	toolErrors        int
}

// New creates a Machine in StateNormal.
func New(call Call, policy Policy, phrases Phrases, speaker Speaker, transferer Transferer, opts ...Option) *Machine {
	m := &Machine{
		call:       call,
		policy:     policy.withDefaults(),
		phrases:    phrases.withDefaults(),
		speaker:    speaker,
		transferer: transferer,
		log:        slog.Default(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// InProgress reports whether a transfer has started. No further dialogue
// turns may be processed once this is true.
func (m *Machine) InProgress() bool {
	s := m.State()
	return s == StateTransferring || s == StateEnded
}

// AwaitingConfirmation reports whether the next user turn answers the
// transfer question.
func (m *Machine) AwaitingConfirmation() bool {
	return m.State() == StateAwaitingConfirmation
}

// Counters returns the misunderstanding and tool-error counters.
func (m *Machine) Counters() (misunderstandings, toolErrors int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.misunderstandings, m.toolErrors
}

// HandleUserTurn gives the machine the first look at a user turn. It reports
// true when the turn was consumed and must not reach the language model.
func (m *Machine) HandleUserTurn(ctx context.Context, text string) bool {
	m.mu.Lock()
	switch m.state {
	case StateTransferring, StateEnded:
		m.mu.Unlock()
		return true

	case StateAwaitingConfirmation:
		if containsAny(text, m.policy.RequestPhrases) {
			m.mu.Unlock()
			m.transfer(ctx, ReasonUserRequest)
			return true
		}
		switch m.policy.Classify(text) {
		case AnswerYes:
			m.mu.Unlock()
			m.transfer(ctx, ReasonMisunderstanding)
		case AnswerNo:
			m.state = StateNormal
			m.misunderstandings = 0
			m.toolErrors = 0
			m.mu.Unlock()
			m.log.Info("handoff: transfer declined", "call_id", m.call.CallID)
			m.say(ctx, m.phrases.Declined)
		default:
			m.mu.Unlock()
			m.say(ctx, m.phrases.Reprompt)
		}
		return true
	}
	m.mu.Unlock()

	if containsAny(text, m.policy.RequestPhrases) {
		m.transfer(ctx, ReasonUserRequest)
		return true
	}
	return false
}

// ObserveAssistantReply inspects spoken assistant content. It reports true
// when the machine took over the call, either by asking for confirmation or
// by starting a transfer.
func (m *Machine) ObserveAssistantReply(ctx context.Context, text string) bool {
	if text == "" {
		return m.InProgress()
	}

	m.mu.Lock()
	if m.state == StateTransferring || m.state == StateEnded {
		m.mu.Unlock()
		return true
	}
	if containsAny(text, m.policy.TransferPhrases) {
		m.mu.Unlock()
		m.transfer(ctx, ReasonModelRequest)
		return true
	}
	if !containsAny(text, m.policy.MisunderstandingMarkers) {
		m.misunderstandings = 0
		m.mu.Unlock()
		return false
	}

	m.misunderstandings++
	if m.misunderstandings < m.policy.MisunderstandingThreshold || m.state != StateNormal {
		m.mu.Unlock()
		return false
	}
	m.state = StateAwaitingConfirmation
	count := m.misunderstandings
	m.mu.Unlock()

	m.log.Info("handoff: asking caller to confirm transfer", "call_id", m.call.CallID, "misunderstandings", count)
	m.say(ctx, m.phrases.Confirm)
	return true
}

// RecordToolError counts a failed tool execution and transfers the call once
// the threshold is reached. It reports true when a transfer was started.
func (m *Machine) RecordToolError(ctx context.Context) bool {
	m.mu.Lock()
	if m.state == StateTransferring || m.state == StateEnded {
		m.mu.Unlock()
		return true
	}
	m.toolErrors++
	reached := m.toolErrors >= m.policy.ToolErrorThreshold
	m.mu.Unlock()

	if !reached {
		return false
	}
	m.transfer(ctx, ReasonToolErrors)
	return true
}

// RecordToolSuccess resets the tool-error counter.
func (m *Machine) RecordToolSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.toolErrors = 0
}

// Escalate starts a transfer immediately, e.g. when speech recognition is no
// longer available. It is a no-op once a transfer is in progress.
func (m *Machine) Escalate(ctx context.Context, reason Reason) {
	m.transfer(ctx, reason)
}

// transfer runs the Transferring state. It returns after the telephony
// request finished or failed.
func (m *Machine) transfer(ctx context.Context, reason Reason) {
	m.mu.Lock()
	if m.state == StateTransferring || m.state == StateEnded {
		m.mu.Unlock()
		return
	}
	m.state = StateTransferring
	m.mu.Unlock()

	m.log.Info("handoff: transferring call", "call_id", m.call.CallID, "reason", reason)
	if m.onInactive != nil {
		m.onInactive(reason)
	}

	out := Outcome{Reason: reason}
	defer func() {
		m.mu.Lock()
		m.state = StateEnded
		m.mu.Unlock()
		if m.onEnd != nil {
			m.onEnd(out)
		}
	}()

	target := SelectTarget(m.call.Targets, m.call.BotNumber, m.call.ForwardedFrom)
	if target == "" {
		m.log.Warn("handoff: no valid transfer target", "call_id", m.call.CallID, "targets", len(m.call.Targets))
		m.say(ctx, m.phrases.Unavailable)
		return
	}
	out.Target = target

	m.say(ctx, m.phrases.Handoff)
	if m.playback != nil {
		select {
		case <-time.After(m.playback(m.phrases.Handoff)):
		case <-ctx.Done():
		}
	}

	// The transfer must not be cut short by a call context that is winding down.
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := m.transferer.Transfer(tctx, m.call.CallID, target); err != nil {
		m.log.Error("handoff: transfer failed", "call_id", m.call.CallID, "target", target, "err", err)
		m.say(ctx, m.phrases.Unavailable)
		return
	}
	out.Transferred = true
}

func (m *Machine) say(ctx context.Context, text string) {
	if err := m.speaker.Speak(ctx, text); err != nil {
		m.log.Warn("handoff: speak failed", "call_id", m.call.CallID, "err", err)
	}
}
