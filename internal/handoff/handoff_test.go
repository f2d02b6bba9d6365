package handoff

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type recordingSpeaker struct {
	mu    sync.Mutex
	texts []string
}

func (s *recordingSpeaker) Speak(_ context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, text)
	return nil
}

func (s *recordingSpeaker) spoken() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

type recordingTransferer struct {
	mu      sync.Mutex
	targets []string
	err     error
}

func (t *recordingTransferer) Transfer(_ context.Context, _ string, target string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.targets = append(t.targets, target)
	return t.err
}

func newTestMachine(t *testing.T, call Call, opts ...Option) (*Machine, *recordingSpeaker, *recordingTransferer) {
	t.Helper()
	sp := &recordingSpeaker{}
	tr := &recordingTransferer{}
	return New(call, DefaultPolicy(), DefaultPhrases(), sp, tr, opts...), sp, tr
}

var testCall = Call{
	CallID:        "CA123",
	BotNumber:     "+49 30 1111",
	ForwardedFrom: "+49301112",
	Targets:       []string{"+49 30 1111", "0049301112", "+49 30 2222"},
}

func TestMisunderstandingRunPromptsConfirmation(t *testing.T) {
	t.Parallel()

	m, sp, _ := newTestMachine(t, testCall)
	ctx := t.Context()

	reply := "Entschuldigung, das habe ich leider nicht verstanden."
	if m.ObserveAssistantReply(ctx, reply) {
		t.Fatal("first marker reply must not take over")
	}
	if m.ObserveAssistantReply(ctx, reply) {
		t.Fatal("second marker reply must not take over")
	}
	if !m.ObserveAssistantReply(ctx, reply) {
		t.Fatal("third marker reply must prompt confirmation")
	}
	if got := m.State(); got != StateAwaitingConfirmation {
		t.Fatalf("State() = %v, want %v", got, StateAwaitingConfirmation)
	}
	if got := sp.spoken(); len(got) != 1 || got[0] != DefaultPhrases().Confirm {
		t.Errorf("spoken = %q, want confirm phrase", got)
	}
}

func TestMisunderstandingRunResetsOnNormalReply(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestMachine(t, testCall)
	ctx := t.Context()

	m.ObserveAssistantReply(ctx, "Das habe ich nicht verstanden.")
	m.ObserveAssistantReply(ctx, "Das habe ich nicht verstanden.")
	m.ObserveAssistantReply(ctx, "Für wie viele Personen?")
	if m.ObserveAssistantReply(ctx, "Das habe ich nicht verstanden.") {
		t.Fatal("run was interrupted, no confirmation expected")
	}
	if n, _ := m.Counters(); n != 1 {
		t.Errorf("misunderstandings = %d, want 1", n)
	}
}

func TestConfirmationAnswers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		answer       string
		wantState    State
		wantTarget   string
		wantLastSaid string
	}{
		{name: "yes transfers", answer: "Ja, bitte.", wantState: StateEnded, wantTarget: "+49 30 2222", wantLastSaid: DefaultPhrases().Handoff},
		{name: "no returns to normal", answer: "Nein, danke.", wantState: StateNormal, wantLastSaid: DefaultPhrases().Declined},
		{name: "unclear reprompts", answer: "Wie bitte?", wantState: StateAwaitingConfirmation, wantLastSaid: DefaultPhrases().Reprompt},
		{name: "negative wins", answer: "Ja, nein, lieber doch nicht.", wantState: StateNormal, wantLastSaid: DefaultPhrases().Declined},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			m, sp, tr := newTestMachine(t, testCall)
			ctx := t.Context()
			for range 3 {
				m.ObserveAssistantReply(ctx, "Ich habe Sie nicht verstanden.")
			}

			if !m.HandleUserTurn(ctx, tt.answer) {
				t.Fatal("confirmation answer must be consumed")
			}
			if got := m.State(); got != tt.wantState {
				t.Errorf("State() = %v, want %v", got, tt.wantState)
			}
			said := sp.spoken()
			if got := said[len(said)-1]; got != tt.wantLastSaid {
				t.Errorf("last spoken = %q, want %q", got, tt.wantLastSaid)
			}
			if tt.wantTarget == "" {
				if len(tr.targets) != 0 {
					t.Errorf("unexpected transfer to %v", tr.targets)
				}
			} else if len(tr.targets) != 1 || tr.targets[0] != tt.wantTarget {
				t.Errorf("transfer targets = %v, want [%s]", tr.targets, tt.wantTarget)
			}
			if tt.wantState == StateNormal {
				if n, e := m.Counters(); n != 0 || e != 0 {
					t.Errorf("counters = %d/%d, want reset", n, e)
				}
			}
		})
	}
}

func TestExplicitRequestTransfersDirectly(t *testing.T) {
	t.Parallel()

	var inactive []Reason
	var outcome Outcome
	m, _, tr := newTestMachine(t, testCall,
		WithOnInactive(func(r Reason) { inactive = append(inactive, r) }),
		WithOnEnd(func(o Outcome) { outcome = o }),
	)

	if !m.HandleUserTurn(t.Context(), "Kann ich bitte mit einem Mitarbeiter sprechen?") {
		t.Fatal("request must be consumed")
	}
	if len(tr.targets) != 1 {
		t.Fatalf("transfers = %v, want one", tr.targets)
	}
	if len(inactive) != 1 || inactive[0] != ReasonUserRequest {
		t.Errorf("inactive reasons = %v", inactive)
	}
	if !outcome.Transferred || outcome.Target != "+49 30 2222" {
		t.Errorf("outcome = %+v", outcome)
	}
	if !m.InProgress() {
		t.Error("InProgress() = false after transfer")
	}
	if !m.HandleUserTurn(t.Context(), "Hallo?") {
		t.Error("turns after transfer must be consumed")
	}
}

func TestOrdinaryTurnPassesThrough(t *testing.T) {
	t.Parallel()

	m, sp, _ := newTestMachine(t, testCall)
	if m.HandleUserTurn(t.Context(), "Einen Tisch für vier Personen morgen um 19 Uhr.") {
		t.Error("ordinary turn must reach the dialogue")
	}
	if len(sp.spoken()) != 0 {
		t.Errorf("unexpected speech: %q", sp.spoken())
	}
}

func TestTransferWithoutValidTarget(t *testing.T) {
	t.Parallel()

	call := testCall
	call.Targets = []string{"+49301111", "+49 30 1112"}
	m, sp, tr := newTestMachine(t, call)

	m.Escalate(t.Context(), ReasonRecognitionUnavailable)

	if len(tr.targets) != 0 {
		t.Errorf("unexpected transfer to %v", tr.targets)
	}
	if got := sp.spoken(); len(got) != 1 || got[0] != DefaultPhrases().Unavailable {
		t.Errorf("spoken = %q, want unavailable apology", got)
	}
	if got := m.State(); got != StateEnded {
		t.Errorf("State() = %v, want %v", got, StateEnded)
	}
}

func TestTransferFailureSpeaksApology(t *testing.T) {
	t.Parallel()

	sp := &recordingSpeaker{}
	tr := &recordingTransferer{err: errors.New("twilio down")}
	var outcome Outcome
	m := New(testCall, DefaultPolicy(), DefaultPhrases(), sp, tr, WithOnEnd(func(o Outcome) { outcome = o }))

	m.Escalate(t.Context(), ReasonModelRequest)
	m.Escalate(t.Context(), ReasonModelRequest)

	if len(tr.targets) != 1 {
		t.Errorf("transfers = %d, want exactly one attempt", len(tr.targets))
	}
	said := sp.spoken()
	if len(said) != 2 || said[1] != DefaultPhrases().Unavailable {
		t.Errorf("spoken = %q", said)
	}
	if outcome.Transferred {
		t.Error("outcome reports a transfer that failed")
	}
}

func TestToolErrorThreshold(t *testing.T) {
	t.Parallel()

	m, _, tr := newTestMachine(t, testCall)
	ctx := t.Context()

	if m.RecordToolError(ctx) {
		t.Fatal("first tool error must not transfer")
	}
	m.RecordToolSuccess()
	if m.RecordToolError(ctx) {
		t.Fatal("counter must reset after success")
	}
	if !m.RecordToolError(ctx) {
		t.Fatal("second consecutive tool error must transfer")
	}
	if len(tr.targets) != 1 {
		t.Errorf("transfers = %v", tr.targets)
	}
}

func TestModelTransferPhrase(t *testing.T) {
	t.Parallel()

	m, _, tr := newTestMachine(t, testCall)
	if !m.ObserveAssistantReply(t.Context(), "Einen Moment, ich verbinde Sie mit dem Team.") {
		t.Fatal("transfer phrase must take over")
	}
	if len(tr.targets) != 1 {
		t.Errorf("transfers = %v", tr.targets)
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	p := DefaultPolicy()
	tests := []struct {
		text string
		want Answer
	}{
		{"ja", AnswerYes},
		{"Genau so", AnswerYes},
		{"Yes please", AnswerYes},
		{"nein", AnswerNo},
		{"No thanks", AnswerNo},
		{"ein Tisch", AnswerUnclear},
		{"", AnswerUnclear},
	}
	for _, tt := range tests {
		if got := p.Classify(tt.text); got != tt.want {
			t.Errorf("Classify(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestSelectTarget(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		targets []string
		want    string
	}{
		{name: "skips bot and forwarder", targets: []string{"+4930 1111", "0049 30 1112", "+49302222"}, want: "+49302222"},
		{name: "none left", targets: []string{"+49301111"}, want: ""},
		{name: "empty entries", targets: []string{"", "  ", "+49303333"}, want: "+49303333"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := SelectTarget(tt.targets, "+49301111", "+49301112"); got != tt.want {
				t.Errorf("SelectTarget() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExplicitRequestWhileAwaitingConfirmation(t *testing.T) {
	t.Parallel()

	var outcome Outcome
	m, sp, tr := newTestMachine(t, testCall, WithOnEnd(func(o Outcome) { outcome = o }))
	ctx := t.Context()
	for range 3 {
		m.ObserveAssistantReply(ctx, "Ich habe Sie nicht verstanden.")
	}
	if got := m.State(); got != StateAwaitingConfirmation {
		t.Fatalf("State() = %v, want %v", got, StateAwaitingConfirmation)
	}

	if !m.HandleUserTurn(ctx, "Verbinden Sie mich bitte mit einem Mitarbeiter.") {
		t.Fatal("request must be consumed")
	}
	if len(tr.targets) != 1 || tr.targets[0] != "+49 30 2222" {
		t.Fatalf("transfer targets = %v, want [+49 30 2222]", tr.targets)
	}
	if outcome.Reason != ReasonUserRequest {
		t.Errorf("outcome reason = %v, want %v", outcome.Reason, ReasonUserRequest)
	}
	for _, said := range sp.spoken() {
		if said == DefaultPhrases().Reprompt {
			t.Error("explicit request must not be reprompted")
		}
	}
}

func TestMarkersMatchTypographicApostrophes(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestMachine(t, testCall)
	ctx := t.Context()
	for range 3 {
		m.ObserveAssistantReply(ctx, "Sorry, I didn’t understand that.")
	}
	if got := m.State(); got != StateAwaitingConfirmation {
		t.Errorf("State() = %v, want %v", got, StateAwaitingConfirmation)
	}
}
