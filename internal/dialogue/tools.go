package dialogue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/hostline/internal/capacity"
	"github.com/MrWong99/hostline/internal/store"
	"github.com/MrWong99/hostline/pkg/provider/llm"
)

// Tool names offered to the language model.
const (
	ToolCheckAvailability = "check_availability"
	ToolCreateReservation = "create_reservation"
)

// Tools returns the tool definitions offered on every completion.
func Tools() []llm.ToolDefinition {
	slot := map[string]any{
		"date": map[string]any{
			"type":        "string",
			"description": "Calendar date in YYYY-MM-DD format.",
		},
		"time": map[string]any{
			"type":        "string",
			"description": "Start time in 24h HH:MM format.",
		},
		"party_size": map[string]any{
			"type":        "integer",
			"minimum":     1,
			"description": "Number of guests.",
		},
	}
	reservation := map[string]any{
		"name": map[string]any{
			"type":        "string",
			"description": "Name the table is booked under.",
		},
		"phone": map[string]any{
			"type":        "string",
			"description": "Callback number, if the guest gave a different one.",
		},
	}
	for k, v := range slot {
		reservation[k] = v
	}

	return []llm.ToolDefinition{
		{
			Name:        ToolCheckAvailability,
			Description: "Check whether a table for the party is free at the given date and time.",
			Parameters: map[string]any{
				"type":       "object",
				"properties": slot,
				"required":   []string{"date", "time", "party_size"},
			},
		},
		{
			Name:        ToolCreateReservation,
			Description: "Book a table. Only call after the guest confirmed date, time, party size and name.",
			Parameters: map[string]any{
				"type":       "object",
				"properties": reservation,
				"required":   []string{"date", "time", "party_size", "name"},
			},
		},
	}
}

// slotArgs are the arguments shared by both tools.
type slotArgs struct {
	Date      string `json:"date"`
	Time      string `json:"time"`
	PartySize int    `json:"party_size"`
	Name      string `json:"name"`
	Phone     string `json:"phone"`
}

// systemError marks a tool failure caused by infrastructure rather than by
// the caller's request.
type systemError struct {
	tool string
	err  error
}

func (e *systemError) Error() string { return fmt.Sprintf("dialogue: tool %s: %v", e.tool, e.err) }
func (e *systemError) Unwrap() error { return e.err }

// isSystemError reports whether err came from the datastore.
func isSystemError(err error) bool {
	var se *systemError
	return errors.As(err, &se)
}

// invalidArguments is returned to the model when it produced unusable
// arguments. It is a domain result, not an error.
type invalidArguments struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// reservationResult is returned by create_reservation.
type reservationResult struct {
	capacity.Availability
	Reserved      bool   `json:"reserved"`
	ReservationID string `json:"reservation_id,omitempty"`
	Name          string `json:"name,omitempty"`
}

// toolOutcome is the result of one tool execution.
type toolOutcome struct {
	content     string
	reservation *store.Reservation
}

// executeTool runs call. Domain rejections and bad arguments come back as
// content for the model; only datastore failures return an error.
func (o *Orchestrator) executeTool(ctx context.Context, call llm.ToolCall) (toolOutcome, error) {
	switch call.Name {
	case ToolCheckAvailability, ToolCreateReservation:
	default:
		return encode(invalidArguments{Error: "unknown_tool", Message: "unknown tool " + call.Name})
	}

	var args slotArgs
	if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
		return encode(invalidArguments{Error: "invalid_arguments", Message: "arguments are not valid JSON"})
	}

	today := o.now().In(o.loc)
	q, bad := o.parseQuery(args, today)
	if bad != nil {
		return encode(bad)
	}

	existing, err := o.deps.Store.Bookings(ctx, o.call.TenantID, q.Date)
	if err != nil {
		return toolOutcome{}, &systemError{tool: call.Name, err: err}
	}
	avail := capacity.Check(q, o.call.Settings.Rules(), existing, today)

	if call.Name == ToolCheckAvailability {
		return encode(avail)
	}

	res := reservationResult{Availability: avail}
	if !avail.Available {
		return encode(res)
	}
	if strings.TrimSpace(args.Name) == "" {
		return encode(invalidArguments{Error: "missing_name", Message: "ask the guest for the name before booking"})
	}

	phone := strings.TrimSpace(args.Phone)
	if phone == "" {
		phone = o.call.Caller
	}
	r := &store.Reservation{
		TenantID:    o.call.TenantID,
		CallID:      o.call.CallID,
		Date:        q.Date,
		StartMinute: q.Minute,
		PartySize:   q.PartySize,
		Name:        strings.TrimSpace(args.Name),
		Phone:       phone,
	}
	if err := o.deps.Store.CreateReservation(ctx, r); err != nil {
		return toolOutcome{}, &systemError{tool: call.Name, err: err}
	}
	res.Reserved = true
	res.ReservationID = r.ID.String()
	res.Name = r.Name

	out, err := encode(res)
	out.reservation = r
	return out, err
}

// parseQuery validates arguments and resolves relative weekdays against the
// caller's last utterance.
func (o *Orchestrator) parseQuery(args slotArgs, today time.Time) (capacity.Query, *invalidArguments) {
	utterance := ""
	if m, ok := o.conv.LastUserMessage(); ok {
		utterance = m.Content
	}
	dateStr := capacity.ResolveDate(args.Date, utterance, today)
	date, err := capacity.ParseDate(dateStr, o.loc)
	if err != nil {
		return capacity.Query{}, &invalidArguments{Error: "invalid_date", Message: "date must be YYYY-MM-DD"}
	}
	minute, err := capacity.ParseClock(args.Time)
	if err != nil {
		return capacity.Query{}, &invalidArguments{Error: "invalid_time", Message: "time must be HH:MM"}
	}
	return capacity.Query{Date: date, Minute: minute, PartySize: args.PartySize}, nil
}

func encode(v any) (toolOutcome, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return toolOutcome{}, fmt.Errorf("dialogue: encode tool result: %w", err)
	}
	return toolOutcome{content: string(b)}, nil
}
