package telephony

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	twilioclient "github.com/twilio/twilio-go/client"

	"github.com/MrWong99/hostline/internal/handoff"
	"github.com/MrWong99/hostline/internal/observe"
	"github.com/MrWong99/hostline/internal/store"
	"github.com/MrWong99/hostline/internal/tenant"
)

// Action is what the webhook tells Twilio to do with an inbound call.
type Action int

const (
	ActionReject Action = iota
	ActionConnect
	ActionForward
)

// String implements fmt.Stringer.
func (a Action) String() string {
	switch a {
	case ActionConnect:
		return "connect"
	case ActionForward:
		return "forward"
	default:
		return "reject"
	}
}

// InboundCall holds the webhook form fields the decision depends on.
type InboundCall struct {
	CallSid       string
	From          string
	To            string
	ForwardedFrom string

	// TenantID is the optional explicit tenant from the webhook query.
	TenantID string
}

// Decision is the outcome of [Decide].
type Decision struct {
	Action   Action
	TenantID string
	Target   string
	Access   tenant.Access
	Settings *store.TenantSettings
}

// Tenants resolves and authorizes tenants.
type Tenants interface {
	Resolve(ctx context.Context, explicitID, dialed string) (string, error)
	CheckAccess(ctx context.Context, tenantID string, now time.Time) (*store.TenantSettings, tenant.Access, error)
}

// Decide chooses between connecting the agent, forwarding to staff and
// rejecting. Unknown tenants are rejected without error; datastore failures
// return an error.
func Decide(ctx context.Context, tenants Tenants, call InboundCall, now time.Time) (Decision, error) {
	id, err := tenants.Resolve(ctx, call.TenantID, call.To)
	if errors.Is(err, store.ErrNotFound) {
		return Decision{Action: ActionReject}, nil
	}
	if err != nil {
		return Decision{Action: ActionReject}, fmt.Errorf("telephony: decide: %w", err)
	}

	settings, access, err := tenants.CheckAccess(ctx, id, now)
	if errors.Is(err, store.ErrNotFound) {
		return Decision{Action: ActionReject, TenantID: id}, nil
	}
	if err != nil {
		return Decision{Action: ActionReject, TenantID: id}, fmt.Errorf("telephony: decide: %w", err)
	}

	d := Decision{TenantID: id, Access: access, Settings: settings}
	if access == tenant.AccessAllowed {
		d.Action = ActionConnect
		return d, nil
	}

	bot := settings.BotNumber
	if bot == "" {
		bot = call.To
	}
	d.Target = handoff.SelectTarget(settings.HandoffNumbers, bot, call.ForwardedFrom)
	if d.Target == "" {
		d.Action = ActionReject
		return d, nil
	}
	d.Action = ActionForward
	return d, nil
}

// Routes served by the telephony boundary.
const (
	InboundPath     = "/voice/inbound"
	MediaStreamPath = "/media-stream"
)

// SignatureValidator checks the X-Twilio-Signature header.
type SignatureValidator interface {
	Validate(url string, params map[string]string, expectedSignature string) bool
}

// NewSignatureValidator returns Twilio's HMAC validator for authToken.
func NewSignatureValidator(authToken string) SignatureValidator {
	v := twilioclient.NewRequestValidator(authToken)
	return &v
}

// InboundOption configures an [InboundHandler].
type InboundOption func(*InboundHandler)

// WithSignatureValidation enables request signature checks. publicURL is the
// externally visible base URL Twilio signs against.
func WithSignatureValidation(v SignatureValidator, publicURL string) InboundOption {
	return func(h *InboundHandler) {
		h.validator = v
		h.publicURL = publicURL
	}
}

// WithInboundMetrics records decisions.
func WithInboundMetrics(m *observe.Metrics) InboundOption {
	return func(h *InboundHandler) {
		h.metrics = m
	}
}

// CallLog records calls that never reach the agent.
type CallLog interface {
	StartCall(ctx context.Context, c store.CallLog) error
	FinishCall(ctx context.Context, callID, outcome string, endedAt time.Time) error
}

// WithCallLog records rejected calls of known tenants.
func WithCallLog(calls CallLog) InboundOption {
	return func(h *InboundHandler) {
		h.calls = calls
	}
}

// WithInboundClock overrides the time source.
func WithInboundClock(now func() time.Time) InboundOption {
	return func(h *InboundHandler) {
		h.now = now
	}
}

// InboundHandler serves POST /voice/inbound.
type InboundHandler struct {
	tenants   Tenants
	signer    *TokenSigner
	streamURL string
	validator SignatureValidator
	publicURL string
	metrics   *observe.Metrics
	calls     CallLog
	now       func() time.Time
}

// NewInboundHandler creates an InboundHandler that connects allowed calls to
// the media stream at streamURL.
func NewInboundHandler(tenants Tenants, signer *TokenSigner, streamURL string, opts ...InboundOption) *InboundHandler {
	h := &InboundHandler{
		tenants:   tenants,
		signer:    signer,
		streamURL: streamURL,
		now:       time.Now,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Handle is the gin handler.
func (h *InboundHandler) Handle(c *gin.Context) {
	ctx := c.Request.Context()
	log := observe.Logger(ctx)

	if err := c.Request.ParseForm(); err != nil {
		log.Warn("telephony: parse webhook form", "err", err)
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}
	if h.validator != nil && !h.validSignature(c) {
		log.Warn("telephony: webhook signature rejected", "path", c.Request.URL.Path)
		c.AbortWithStatus(http.StatusForbidden)
		return
	}

	call := InboundCall{
		CallSid:       c.Request.PostFormValue("CallSid"),
		From:          c.Request.PostFormValue("From"),
		To:            c.Request.PostFormValue("To"),
		ForwardedFrom: c.Request.PostFormValue("ForwardedFrom"),
		TenantID:      c.Query("tenant_id"),
	}
	log = log.With("call_id", call.CallSid)

	d, err := Decide(ctx, h.tenants, call, h.now())
	if err != nil {
		log.Error("telephony: inbound decision failed", "to", call.To, "err", err)
	}
	if h.metrics != nil {
		h.metrics.RecordInboundCall(ctx, d.Action.String())
	}
	log.Info("telephony: inbound call", "tenant_id", d.TenantID, "action", d.Action.String(), "access", d.Access.String())
	if d.Action == ActionReject && d.TenantID != "" && h.calls != nil {
		h.logRejected(ctx, call, d)
	}

	twiml, err := h.render(call, d, h.streamURLFor(c.Request))
	if err != nil {
		log.Error("telephony: render twiml", "err", err)
		twiml, err = RenderReject()
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
	}
	c.Data(http.StatusOK, "application/xml", []byte(twiml))
}

func (h *InboundHandler) logRejected(ctx context.Context, call InboundCall, d Decision) {
	now := h.now()
	err := h.calls.StartCall(ctx, store.CallLog{
		CallID:    call.CallSid,
		TenantID:  d.TenantID,
		Caller:    call.From,
		BotNumber: call.To,
		StartedAt: now,
		Outcome:   store.OutcomeRejected,
	})
	if err == nil {
		err = h.calls.FinishCall(ctx, call.CallSid, store.OutcomeRejected, now)
	}
	if err != nil {
		observe.Logger(ctx).Warn("telephony: log rejected call", "call_id", call.CallSid, "err", err)
	}
}

func (h *InboundHandler) render(call InboundCall, d Decision, streamURL string) (string, error) {
	switch d.Action {
	case ActionForward:
		return RenderDial(d.Target)
	case ActionConnect:
		bot := d.Settings.BotNumber
		if bot == "" {
			bot = call.To
		}
		p := StreamParams{
			CallID:        call.CallSid,
			TenantID:      d.TenantID,
			Caller:        call.From,
			BotNumber:     bot,
			ForwardedFrom: call.ForwardedFrom,
		}
		token, err := h.signer.Sign(p, h.now())
		if err != nil {
			return "", err
		}
		return RenderConnect(streamURL, []Parameter{
			{Name: ParamTenantID, Value: p.TenantID},
			{Name: ParamCaller, Value: p.Caller},
			{Name: ParamBotNumber, Value: p.BotNumber},
			{Name: ParamForwardedFrom, Value: p.ForwardedFrom},
			{Name: ParamToken, Value: token},
		})
	default:
		return RenderReject()
	}
}

// streamURLFor returns the configured stream URL or derives one from the
// request host.
func (h *InboundHandler) streamURLFor(r *http.Request) string {
	if h.streamURL != "" {
		return h.streamURL
	}
	scheme := "ws"
	if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		scheme = "wss"
	}
	return scheme + "://" + r.Host + MediaStreamPath
}

// StreamURL converts the public base URL into the media stream websocket
// URL. An empty publicURL yields "".
func StreamURL(publicURL string) string {
	if publicURL == "" {
		return ""
	}
	base := strings.TrimSuffix(publicURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + MediaStreamPath
}

func (h *InboundHandler) validSignature(c *gin.Context) bool {
	sig := c.GetHeader("X-Twilio-Signature")
	if sig == "" {
		return false
	}
	params := make(map[string]string, len(c.Request.PostForm))
	for k, v := range c.Request.PostForm {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	url := strings.TrimSuffix(h.publicURL, "/") + c.Request.URL.RequestURI()
	ok := h.validator.Validate(url, params, sig)
	if !ok {
		slog.Debug("telephony: signature mismatch", "url", url)
	}
	return ok
}
