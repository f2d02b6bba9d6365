// Package dialogue runs the tool-calling conversation loop of a call.
//
// For every user turn the [Orchestrator] asks the language model for a
// reply, speaks it, executes requested tools against the capacity rules and
// the datastore, and repeats until the model answers without tool calls or
// the round limit is reached. The handoff state machine gets the first look
// at every user turn and every spoken reply and may take the call over.
package dialogue

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/hostline/internal/capacity"
	"github.com/MrWong99/hostline/internal/conversation"
	"github.com/MrWong99/hostline/internal/observe"
	"github.com/MrWong99/hostline/internal/speech"
	"github.com/MrWong99/hostline/internal/store"
	"github.com/MrWong99/hostline/internal/turn"
	"github.com/MrWong99/hostline/internal/worker"
	"github.com/MrWong99/hostline/pkg/provider/llm"
)

// ── Collaborators ───────────────────────────────────────────────────────────

// Speaker plays text to the caller.
type Speaker interface {
	Speak(ctx context.Context, text string) error
}

// Handoff is the part of the handoff state machine the dialogue drives.
type Handoff interface {
	HandleUserTurn(ctx context.Context, text string) bool
	ObserveAssistantReply(ctx context.Context, text string) bool
	RecordToolError(ctx context.Context) bool
	RecordToolSuccess()
	InProgress() bool
}

// Hanger ends a live call.
type Hanger interface {
	Hangup(ctx context.Context, callID string) error
}

// Bookings is the datastore subset the tools need.
type Bookings interface {
	Bookings(ctx context.Context, tenantID string, date time.Time) ([]capacity.Booking, error)
	CreateReservation(ctx context.Context, r *store.Reservation) error
}

// Notifier dispatches booking notifications in the background.
type Notifier interface {
	Dispatch(n worker.Notification)
}

// Deps are the collaborators of an [Orchestrator]. LLM, Store, Speaker and
// Handoff are required.
type Deps struct {
	LLM         llm.Provider
	Store       Bookings
	Speaker     Speaker
	Handoff     Handoff
	Hanger      Hanger
	Transcripts worker.TranscriptWriter
	Notifier    Notifier
	Metrics     *observe.Metrics
}

// ── Configuration ───────────────────────────────────────────────────────────

// Config tunes the dialogue loop.
type Config struct {
	MaxToolRounds       int           `yaml:"max_tool_rounds"`
	MaxDialogueMessages int           `yaml:"max_dialogue_messages"`
	MaxToolMessages     int           `yaml:"max_tool_messages"`
	Temperature         float64       `yaml:"temperature"`
	MaxTokens           int           `yaml:"max_tokens"`
	LLMTimeout          time.Duration `yaml:"llm_timeout"`

	// ForceAvailabilityTool repeats a completion with check_availability
	// pinned when the caller clearly asked for a slot but the model answered
	// without looking it up.
	ForceAvailabilityTool bool `yaml:"force_availability_tool"`

	Apology          string   `yaml:"apology"`
	ToolErrorApology string   `yaml:"tool_error_apology"`
	Fillers          []string `yaml:"fillers"`

	HangupPerWord time.Duration `yaml:"hangup_per_word"`
	HangupMin     time.Duration `yaml:"hangup_min"`
	HangupMax     time.Duration `yaml:"hangup_max"`
}

// DefaultConfig returns the defaults used for zero fields.
func DefaultConfig() Config {
	return Config{
		MaxToolRounds:         5,
		MaxDialogueMessages:   20,
		MaxToolMessages:       6,
		Temperature:           0.3,
		MaxTokens:             300,
		LLMTimeout:            15 * time.Second,
		ForceAvailabilityTool: true,
		Apology:               "Entschuldigung, da ist gerade etwas schiefgelaufen. Könnten Sie das bitte noch einmal sagen?",
		ToolErrorApology:      "Entschuldigung, ich kann unser Reservierungsbuch gerade nicht erreichen. Kann ich Ihnen anders weiterhelfen?",
		Fillers:               []string{"Einen Moment bitte, ich schaue kurz nach."},
		HangupPerWord:         400 * time.Millisecond,
		HangupMin:             3 * time.Second,
		HangupMax:             20 * time.Second,
	}
}

// WithDefaults fills zero fields from [DefaultConfig]. ForceAvailabilityTool
// is taken as given.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.MaxToolRounds <= 0 {
		c.MaxToolRounds = d.MaxToolRounds
	}
	if c.MaxDialogueMessages <= 0 {
		c.MaxDialogueMessages = d.MaxDialogueMessages
	}
	if c.MaxToolMessages <= 0 {
		c.MaxToolMessages = d.MaxToolMessages
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = d.MaxTokens
	}
	if c.LLMTimeout <= 0 {
		c.LLMTimeout = d.LLMTimeout
	}
	if c.Apology == "" {
		c.Apology = d.Apology
	}
	if c.ToolErrorApology == "" {
		c.ToolErrorApology = d.ToolErrorApology
	}
	if len(c.Fillers) == 0 {
		c.Fillers = d.Fillers
	}
	if c.HangupPerWord <= 0 {
		c.HangupPerWord = d.HangupPerWord
	}
	if c.HangupMin <= 0 {
		c.HangupMin = d.HangupMin
	}
	if c.HangupMax <= 0 {
		c.HangupMax = d.HangupMax
	}
	return c
}

// Call identifies the call the orchestrator serves.
type Call struct {
	CallID     string
	TenantID   string
	Caller     string
	Settings   *store.TenantSettings
	Location   *time.Location
	LowLatency bool
}

// Option configures an [Orchestrator].
type Option func(*Orchestrator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.log = l
	}
}

// ── Orchestrator ────────────────────────────────────────────────────────────

// Orchestrator runs the dialogue of one call. [Orchestrator.HandleTurn] is
// called by a single consumer; the remaining methods are safe to call from
// any goroutine.
type Orchestrator struct {
	call Call
	cfg  Config
	deps Deps
	conv *conversation.State
	loc  *time.Location
	now  func() time.Time
	log  *slog.Logger

	mu          sync.Mutex
	active      bool
	reserved    bool
	hangupTimer *time.Timer
	fillerIdx   int
	availIDs    map[string]bool
}

// New creates an Orchestrator with a fresh conversation whose system prompt
// is built from the tenant settings and today's date.
func New(call Call, cfg Config, deps Deps, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		call:     call,
		cfg:      cfg.WithDefaults(),
		deps:     deps,
		loc:      call.Location,
		now:      time.Now,
		log:      slog.Default(),
		active:   true,
		availIDs: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.loc == nil {
		o.loc = call.Settings.Location(time.UTC)
	}
	o.log = o.log.With("call_id", call.CallID, "tenant_id", call.TenantID)
	o.conv = conversation.New(SystemPrompt(call.Settings, o.now().In(o.loc)))
	return o
}

// Conversation returns the dialogue history.
func (o *Orchestrator) Conversation() *conversation.State {
	return o.conv
}

// Active reports whether the orchestrator still processes turns.
func (o *Orchestrator) Active() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active
}

// Reserved reports whether a reservation was created during the call.
func (o *Orchestrator) Reserved() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.reserved
}

// Deactivate stops turn processing and cancels a pending auto-hangup. Results
// of in-flight requests are discarded.
func (o *Orchestrator) Deactivate() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.active = false
	if o.hangupTimer != nil {
		o.hangupTimer.Stop()
		o.hangupTimer = nil
	}
}

// Say speaks text outside of a user turn, e.g. the greeting, and records it
// as an assistant message.
func (o *Orchestrator) Say(ctx context.Context, text string) {
	if !o.live(ctx) || strings.TrimSpace(text) == "" {
		return
	}
	o.conv.Append(llm.Message{Role: llm.RoleAssistant, Content: text})
	o.transcript(ctx, llm.RoleAssistant, text)
	o.speak(ctx, text)
}

// HandleTurn processes one user turn to completion.
func (o *Orchestrator) HandleTurn(ctx context.Context, p turn.Pending) {
	text := normalizeSpace(p.Text)
	if text == "" || !o.live(ctx) {
		return
	}
	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "dialogue.turn")
	defer span.End()
	defer func() {
		if o.deps.Metrics != nil {
			o.deps.Metrics.TurnDuration.Record(ctx, time.Since(start).Seconds())
		}
	}()

	o.conv.Append(llm.Message{Role: llm.RoleUser, Content: text})
	o.transcript(ctx, llm.RoleUser, text)

	if o.deps.Handoff.HandleUserTurn(ctx, text) {
		return
	}

	toolChoice := ""
	forced := false
	lastReply := ""
	limit := o.cfg.MaxToolRounds
	for round := 0; round < limit; round++ {
		resp, err := o.complete(ctx, toolChoice)
		toolChoice = ""
		if !o.live(ctx) {
			return
		}
		if err != nil {
			o.log.Error("dialogue: completion failed", "round", round, "err", err)
			o.Say(ctx, o.cfg.Apology)
			return
		}

		content := strings.TrimSpace(resp.Content)
		o.conv.Append(llm.Message{Role: llm.RoleAssistant, Content: content, ToolCalls: resp.ToolCalls})
		if content != "" {
			lastReply = content
			o.transcript(ctx, llm.RoleAssistant, content)
			o.speak(ctx, content)
		}
		if o.deps.Handoff.ObserveAssistantReply(ctx, content) || !o.live(ctx) {
			return
		}

		if len(resp.ToolCalls) > 0 {
			if content == "" && o.call.LowLatency {
				o.speak(ctx, o.nextFiller())
			}
			if !o.runTools(ctx, resp.ToolCalls) {
				return
			}
			continue
		}

		if o.cfg.ForceAvailabilityTool && !forced && shouldForceAvailability(o.sinceAvailability(), content) {
			forced = true
			toolChoice = ToolCheckAvailability
			// The forced check needs one round for the tool call and one to
			// speak its result.
			if limit < round+3 {
				limit = round + 3
			}
			o.log.Debug("dialogue: forcing availability check", "round", round)
			continue
		}
		break
	}

	if o.Reserved() && lastReply != "" {
		o.scheduleHangup(lastReply)
	}
}

// runTools executes calls in order and appends their results. It reports
// false when the turn must end because of a datastore failure.
func (o *Orchestrator) runTools(ctx context.Context, calls []llm.ToolCall) bool {
	for i, call := range calls {
		start := time.Now()
		out, err := o.executeTool(ctx, call)
		status := "ok"
		if err != nil {
			status = "error"
		}
		if o.deps.Metrics != nil {
			o.deps.Metrics.RecordToolCall(ctx, call.Name, status, time.Since(start))
		}

		if err != nil {
			o.log.Error("dialogue: tool failed", "tool", call.Name, "err", err)
			for _, rest := range calls[i:] {
				o.conv.Append(llm.Message{Role: llm.RoleTool, ToolCallID: rest.ID, Content: `{"error":"system_unavailable"}`})
			}
			if !isSystemError(err) {
				return false
			}
			o.Say(ctx, o.cfg.ToolErrorApology)
			if o.live(ctx) {
				o.deps.Handoff.RecordToolError(ctx)
			}
			return false
		}

		o.deps.Handoff.RecordToolSuccess()
		o.conv.Append(llm.Message{Role: llm.RoleTool, ToolCallID: call.ID, Content: out.content})
		if call.Name == ToolCheckAvailability || call.Name == ToolCreateReservation {
			o.mu.Lock()
			o.availIDs[call.ID] = true
			o.mu.Unlock()
		}
		if out.reservation != nil {
			o.onReservation(ctx, out.reservation)
		}
	}
	return true
}

func (o *Orchestrator) onReservation(ctx context.Context, r *store.Reservation) {
	o.mu.Lock()
	o.reserved = true
	o.mu.Unlock()

	o.log.Info("dialogue: reservation created", "reservation_id", r.ID, "date", r.Date.Format(capacity.DateLayout),
		"time", capacity.FormatClock(r.StartMinute), "party_size", r.PartySize)
	if o.deps.Metrics != nil {
		o.deps.Metrics.Reservations.Add(ctx, 1)
	}
	if o.deps.Notifier != nil {
		o.deps.Notifier.Dispatch(worker.Notification{
			Event:         worker.EventReservationCreated,
			TenantID:      r.TenantID,
			CallID:        r.CallID,
			ReservationID: r.ID.String(),
			Date:          r.Date.Format(capacity.DateLayout),
			Time:          capacity.FormatClock(r.StartMinute),
			PartySize:     r.PartySize,
			Name:          r.Name,
			Phone:         r.Phone,
			CreatedAt:     r.CreatedAt,
		})
	}
}

func (o *Orchestrator) complete(ctx context.Context, toolChoice string) (*llm.CompletionResponse, error) {
	cctx, cancel := context.WithTimeout(ctx, o.cfg.LLMTimeout)
	defer cancel()

	req := llm.CompletionRequest{
		Messages:    o.conv.WindowForModel(o.cfg.MaxDialogueMessages, o.cfg.MaxToolMessages),
		Tools:       Tools(),
		ToolChoice:  toolChoice,
		Temperature: o.cfg.Temperature,
		MaxTokens:   o.cfg.MaxTokens,
	}
	start := time.Now()
	resp, err := o.deps.LLM.Complete(cctx, req)
	if o.deps.Metrics != nil {
		o.deps.Metrics.LLMDuration.Record(ctx, time.Since(start).Seconds())
		if err != nil {
			o.deps.Metrics.RecordProviderError(ctx, "llm", "llm")
		} else {
			o.deps.Metrics.RecordProviderRequest(ctx, "llm", "llm", "ok")
		}
	}
	if err != nil {
		return nil, fmt.Errorf("dialogue: complete: %w", err)
	}
	if resp == nil {
		return nil, fmt.Errorf("dialogue: complete: empty response")
	}
	return resp, nil
}

// sinceAvailability returns the messages after the last availability or
// reservation result.
func (o *Orchestrator) sinceAvailability() []llm.Message {
	o.mu.Lock()
	ids := make(map[string]bool, len(o.availIDs))
	for id := range o.availIDs {
		ids[id] = true
	}
	o.mu.Unlock()
	return o.conv.Since(func(m llm.Message) bool {
		return m.Role == llm.RoleTool && ids[m.ToolCallID]
	})
}

// scheduleHangup ends the call once the closing reply has been spoken.
func (o *Orchestrator) scheduleHangup(reply string) {
	if o.deps.Hanger == nil {
		return
	}
	delay := speech.EstimateDuration(reply, o.cfg.HangupPerWord, o.cfg.HangupMin, o.cfg.HangupMax)

	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.active {
		return
	}
	if o.hangupTimer != nil {
		o.hangupTimer.Stop()
	}
	o.log.Info("dialogue: scheduling hangup", "delay", delay)
	o.hangupTimer = time.AfterFunc(delay, o.hangup)
}

func (o *Orchestrator) hangup() {
	o.mu.Lock()
	if !o.active {
		o.mu.Unlock()
		return
	}
	o.hangupTimer = nil
	o.mu.Unlock()

	if o.deps.Handoff.InProgress() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.deps.Hanger.Hangup(ctx, o.call.CallID); err != nil {
		o.log.Error("dialogue: hangup failed", "err", err)
	}
}

// HangupPending reports whether an auto-hangup is scheduled.
func (o *Orchestrator) HangupPending() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hangupTimer != nil
}

func (o *Orchestrator) live(ctx context.Context) bool {
	return ctx.Err() == nil && o.Active() && !o.deps.Handoff.InProgress()
}

func (o *Orchestrator) speak(ctx context.Context, text string) {
	if err := o.deps.Speaker.Speak(ctx, text); err != nil {
		o.log.Warn("dialogue: speak failed", "err", err)
	}
}

func (o *Orchestrator) nextFiller() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	f := o.cfg.Fillers[o.fillerIdx%len(o.cfg.Fillers)]
	o.fillerIdx++
	return f
}

func (o *Orchestrator) transcript(ctx context.Context, role, text string) {
	if o.deps.Transcripts == nil {
		return
	}
	o.deps.Transcripts.Write(ctx, store.TranscriptEntry{
		CallID:   o.call.CallID,
		TenantID: o.call.TenantID,
		Role:     role,
		Text:     text,
		At:       o.now(),
	})
}
