package telephony

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/MrWong99/hostline/internal/store"
	"github.com/MrWong99/hostline/internal/tenant"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var testNow = time.Date(2026, 10, 15, 18, 0, 0, 0, time.UTC)

// ── TwiML ───────────────────────────────────────────────────────────────────

func TestRenderConnect(t *testing.T) {
	t.Parallel()

	xml, err := RenderConnect("wss://agent.example.com/media-stream", []Parameter{
		{Name: ParamTenantID, Value: "t1"},
		{Name: ParamForwardedFrom, Value: ""},
		{Name: ParamCaller, Value: "+49170"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, want := range []string{
		`<Connect><Stream url="wss://agent.example.com/media-stream">`,
		`<Parameter name="tenant_id" value="t1"></Parameter>`,
		`<Parameter name="caller" value="+49170"></Parameter>`,
	} {
		if !strings.Contains(xml, want) {
			t.Errorf("expected %q in %s", want, xml)
		}
	}
	if strings.Contains(xml, ParamForwardedFrom) {
		t.Errorf("empty parameter should be omitted: %s", xml)
	}
}

func TestRenderDialAndReject(t *testing.T) {
	t.Parallel()

	dial, err := RenderDial("+49302222")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(dial, "<Dial>+49302222</Dial>") {
		t.Errorf("unexpected dial twiml: %s", dial)
	}
	if _, err := RenderDial(" "); err == nil {
		t.Error("expected error for empty number")
	}

	reject, err := RenderReject()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(reject, `<Reject reason="busy">`) {
		t.Errorf("unexpected reject twiml: %s", reject)
	}
}

// ── Tokens ──────────────────────────────────────────────────────────────────

func TestTokenRoundTrip(t *testing.T) {
	t.Parallel()

	s := NewTokenSigner("secret", time.Minute)
	in := StreamParams{CallID: "CA1", TenantID: "t1", Caller: "+49170", BotNumber: "+4930", ForwardedFrom: "+4931"}
	tok, err := s.Sign(in, testNow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out, err := s.Verify(tok, testNow.Add(30*time.Second))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != in {
		t.Errorf("got %+v, want %+v", out, in)
	}
}

func TestTokenRejected(t *testing.T) {
	t.Parallel()

	s := NewTokenSigner("secret", time.Minute)
	tok, err := s.Sign(StreamParams{CallID: "CA1", TenantID: "t1"}, testNow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tests := []struct {
		name   string
		signer *TokenSigner
		token  string
		at     time.Time
	}{
		{name: "missing", signer: s, token: "", at: testNow},
		{name: "expired", signer: s, token: tok, at: testNow.Add(5 * time.Minute)},
		{name: "other secret", signer: NewTokenSigner("other", time.Minute), token: tok, at: testNow},
		{name: "garbage", signer: s, token: "a.b.c", at: testNow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := tt.signer.Verify(tt.token, tt.at); !errors.Is(err, ErrInvalidToken) {
				t.Errorf("expected ErrInvalidToken, got %v", err)
			}
		})
	}
}

func TestDisabledSignerIssuesNoToken(t *testing.T) {
	t.Parallel()

	s := NewTokenSigner("", 0)
	if s.Enabled() {
		t.Fatal("expected signer to be disabled")
	}
	tok, err := s.Sign(StreamParams{TenantID: "t1"}, testNow)
	if err != nil || tok != "" {
		t.Errorf("Sign() = %q, %v; want empty token", tok, err)
	}
}

// ── Media messages ──────────────────────────────────────────────────────────

func TestStartEventParams(t *testing.T) {
	t.Parallel()

	raw := `{"event":"start","sequenceNumber":"1","start":{"streamSid":"MZ1","accountSid":"AC1","callSid":"CA1",
		"tracks":["inbound"],"customParameters":{"tenant_id":"t1","caller":"+49170","token":"tok"},
		"mediaFormat":{"encoding":"audio/x-mulaw","sampleRate":8000,"channels":1}},"streamSid":"MZ1"}`
	var msg StreamMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Event != EventStart || msg.Start == nil {
		t.Fatalf("unexpected message %+v", msg)
	}
	p := msg.Start.Params()
	if p.CallID != "CA1" || p.TenantID != "t1" || p.Caller != "+49170" {
		t.Errorf("unexpected params %+v", p)
	}
	if msg.Start.Token() != "tok" {
		t.Errorf("Token() = %q, want tok", msg.Start.Token())
	}
}

func TestMediaMessageEncodesAudio(t *testing.T) {
	t.Parallel()

	msg := MediaMessage("MZ1", []byte{0xff, 0x7f, 0x00})
	b, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var back StreamMessage
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	audio, err := back.Media.Audio()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(audio) != string([]byte{0xff, 0x7f, 0x00}) {
		t.Errorf("audio = %v", audio)
	}
	if back.StreamSid != "MZ1" || back.Event != EventMedia {
		t.Errorf("unexpected message %+v", back)
	}
}

// ── Inbound decision ────────────────────────────────────────────────────────

func newTenants(t *testing.T, settings ...store.TenantSettings) (*tenant.Service, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	for _, s := range settings {
		st.PutTenant(s)
	}
	return tenant.NewService(st, tenant.NewMemoryCache(time.Minute), time.UTC), st
}

func activeTenant() store.TenantSettings {
	return store.TenantSettings{
		ID:                 "t1",
		Name:               "Zur Linde",
		SubscriptionStatus: store.SubscriptionActive,
		BotNumber:          "+49 30 1111",
		HandoffNumbers:     []string{"+49 30 1111", "+49 30 2222"},
		MonthlyCallQuota:   2,
	}
}

func TestDecide(t *testing.T) {
	t.Parallel()

	inactive := activeTenant()
	inactive.ID = "t2"
	inactive.BotNumber = "+49 30 3333"
	inactive.SubscriptionStatus = "canceled"

	noTarget := inactive
	noTarget.ID = "t3"
	noTarget.BotNumber = "+49 30 4444"
	noTarget.HandoffNumbers = []string{"+49 30 4444"}

	tests := []struct {
		name       string
		call       InboundCall
		wantAction Action
		wantTarget string
	}{
		{name: "allowed by number", call: InboundCall{To: "+49301111"}, wantAction: ActionConnect},
		{name: "allowed by explicit id", call: InboundCall{To: "+4999", TenantID: "t1"}, wantAction: ActionConnect},
		{name: "unknown number", call: InboundCall{To: "+4999"}, wantAction: ActionReject},
		{name: "unknown explicit id", call: InboundCall{TenantID: "nope"}, wantAction: ActionReject},
		{name: "inactive forwards", call: InboundCall{To: "+49303333"}, wantAction: ActionForward, wantTarget: "+49 30 1111"},
		{name: "inactive without target", call: InboundCall{To: "+49304444"}, wantAction: ActionReject},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			svc, _ := newTenants(t, activeTenant(), inactive, noTarget)
			d, err := Decide(t.Context(), svc, tt.call, testNow)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if d.Action != tt.wantAction {
				t.Errorf("action = %s, want %s", d.Action, tt.wantAction)
			}
			if d.Target != tt.wantTarget {
				t.Errorf("target = %q, want %q", d.Target, tt.wantTarget)
			}
		})
	}
}

func TestDecideQuotaExceeded(t *testing.T) {
	t.Parallel()

	svc, st := newTenants(t, activeTenant())
	for _, id := range []string{"CA1", "CA2"} {
		if err := st.StartCall(t.Context(), store.CallLog{CallID: id, TenantID: "t1", StartedAt: testNow.Add(-time.Hour)}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	d, err := Decide(t.Context(), svc, InboundCall{To: "+49301111"}, testNow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Action != ActionForward || d.Access != tenant.AccessQuotaExceeded {
		t.Errorf("got %s/%s, want forward/quota_exceeded", d.Action, d.Access)
	}
}

func TestDecideDatastoreError(t *testing.T) {
	t.Parallel()

	svc, st := newTenants(t, activeTenant())
	st.SetError(store.OpTenantSettings, errors.New("connection refused"))
	d, err := Decide(t.Context(), svc, InboundCall{To: "+49301111"}, testNow)
	if err == nil {
		t.Fatal("expected error")
	}
	if d.Action != ActionReject {
		t.Errorf("action = %s, want reject", d.Action)
	}
}

// ── Webhook handler ─────────────────────────────────────────────────────────

func postInbound(h *InboundHandler, target string, form url.Values, header http.Header) *httptest.ResponseRecorder {
	r := gin.New()
	r.POST("/voice/inbound", h.Handle)
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func inboundForm() url.Values {
	return url.Values{
		"CallSid": {"CA1"},
		"From":    {"+49170555"},
		"To":      {"+49301111"},
	}
}

func TestInboundHandlerConnects(t *testing.T) {
	t.Parallel()

	svc, _ := newTenants(t, activeTenant())
	signer := NewTokenSigner("secret", time.Minute)
	h := NewInboundHandler(svc, signer, "wss://agent.example.com/media-stream", WithInboundClock(func() time.Time { return testNow }))

	w := postInbound(h, "/voice/inbound", inboundForm(), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, "<Connect>") || !strings.Contains(body, `name="token"`) {
		t.Errorf("expected connect with token, got %s", body)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/xml") {
		t.Errorf("content type = %q", ct)
	}
}

func TestInboundHandlerRejectsUnknown(t *testing.T) {
	t.Parallel()

	svc, _ := newTenants(t)
	h := NewInboundHandler(svc, NewTokenSigner("", 0), "wss://agent.example.com/media-stream")

	w := postInbound(h, "/voice/inbound", inboundForm(), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "<Reject") {
		t.Errorf("expected reject, got %s", w.Body.String())
	}
}

func TestInboundHandlerLogsRejectedCall(t *testing.T) {
	t.Parallel()

	settings := activeTenant()
	settings.SubscriptionStatus = "canceled"
	settings.HandoffNumbers = []string{settings.BotNumber}
	svc, st := newTenants(t, settings)
	h := NewInboundHandler(svc, NewTokenSigner("", 0), "wss://agent.example.com/media-stream",
		WithCallLog(st), WithInboundClock(func() time.Time { return testNow }))

	w := postInbound(h, "/voice/inbound", inboundForm(), nil)
	if !strings.Contains(w.Body.String(), "<Reject") {
		t.Fatalf("expected reject, got %s", w.Body.String())
	}
	c, ok := st.Call("CA1")
	if !ok {
		t.Fatal("expected a call log row")
	}
	if c.Outcome != store.OutcomeRejected || c.TenantID != "t1" || !c.EndedAt.Equal(testNow) {
		t.Errorf("unexpected call log %+v", c)
	}
	n, err := st.CountCalls(t.Context(), "t1", testNow.Add(-time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 0 {
		t.Errorf("rejected calls must not count toward the quota, got %d", n)
	}
}

func TestInboundHandlerDerivesStreamURL(t *testing.T) {
	t.Parallel()

	svc, _ := newTenants(t, activeTenant())
	h := NewInboundHandler(svc, NewTokenSigner("", 0), "", WithInboundClock(func() time.Time { return testNow }))

	w := postInbound(h, "/voice/inbound", inboundForm(), http.Header{"X-Forwarded-Proto": {"https"}})
	if !strings.Contains(w.Body.String(), `url="wss://example.com/media-stream"`) {
		t.Errorf("expected derived stream url, got %s", w.Body.String())
	}
}

func TestStreamURL(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"":                           "",
		"https://agent.example.com":  "wss://agent.example.com/media-stream",
		"https://agent.example.com/": "wss://agent.example.com/media-stream",
		"http://localhost:8080":      "ws://localhost:8080/media-stream",
	}
	for in, want := range tests {
		if got := StreamURL(in); got != want {
			t.Errorf("StreamURL(%q) = %q, want %q", in, got, want)
		}
	}
}

// twilioSignature computes the X-Twilio-Signature for a form POST.
func twilioSignature(token, fullURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(form.Get(k))
	}
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestInboundHandlerSignature(t *testing.T) {
	t.Parallel()

	const authToken = "twilio-token"
	svc, _ := newTenants(t, activeTenant())
	h := NewInboundHandler(svc, NewTokenSigner("", 0), "wss://agent.example.com/media-stream",
		WithSignatureValidation(NewSignatureValidator(authToken), "https://agent.example.com"))

	form := inboundForm()
	good := twilioSignature(authToken, "https://agent.example.com/voice/inbound?tenant_id=t1", form)

	w := postInbound(h, "/voice/inbound?tenant_id=t1", form, http.Header{"X-Twilio-Signature": {good}})
	if w.Code != http.StatusOK {
		t.Errorf("valid signature: status = %d, want 200", w.Code)
	}

	w = postInbound(h, "/voice/inbound?tenant_id=t1", form, http.Header{"X-Twilio-Signature": {"bogus"}})
	if w.Code != http.StatusForbidden {
		t.Errorf("invalid signature: status = %d, want 403", w.Code)
	}

	w = postInbound(h, "/voice/inbound?tenant_id=t1", form, nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("missing signature: status = %d, want 403", w.Code)
	}
}

// ── Call control ────────────────────────────────────────────────────────────

type fakeUpdater struct {
	mu     sync.Mutex
	sids   []string
	params []*openapi.UpdateCallParams
	err    error
	block  chan struct{}
}

func (f *fakeUpdater) UpdateCall(sid string, params *openapi.UpdateCallParams) (*openapi.ApiV2010Call, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sids = append(f.sids, sid)
	f.params = append(f.params, params)
	return &openapi.ApiV2010Call{}, f.err
}

func TestControllerTransfer(t *testing.T) {
	t.Parallel()

	api := &fakeUpdater{}
	c := &Controller{api: api}
	if err := c.Transfer(t.Context(), "CA1", "+49302222"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(api.sids) != 1 || api.sids[0] != "CA1" {
		t.Fatalf("unexpected updates %v", api.sids)
	}
	tw := api.params[0].Twiml
	if tw == nil || !strings.Contains(*tw, "<Dial>+49302222</Dial>") {
		t.Errorf("unexpected twiml %v", tw)
	}
}

func TestControllerHangup(t *testing.T) {
	t.Parallel()

	api := &fakeUpdater{}
	c := &Controller{api: api}
	if err := c.Hangup(t.Context(), "CA1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st := api.params[0].Status; st == nil || *st != "completed" {
		t.Errorf("unexpected status %v", st)
	}
}

func TestControllerErrors(t *testing.T) {
	t.Parallel()

	api := &fakeUpdater{err: errors.New("20404 not found")}
	c := &Controller{api: api}
	if err := c.Hangup(t.Context(), "CA1"); err == nil {
		t.Error("expected error")
	}

	blocked := &fakeUpdater{block: make(chan struct{})}
	defer close(blocked.block)
	c = &Controller{api: blocked}
	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	if err := c.Transfer(ctx, "CA1", "+49302222"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}
