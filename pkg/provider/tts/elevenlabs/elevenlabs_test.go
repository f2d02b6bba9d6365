package elevenlabs

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/coder/websocket"

	"github.com/MrWong99/hostline/pkg/provider/tts"
)

func TestBuildURL(t *testing.T) {
	p, err := New("key", WithModel("eleven_turbo_v2_5"), WithOutputFormat("pcm_16000"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	raw, err := p.buildURL("voice-123")
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	u, _ := url.Parse(raw)
	if !strings.HasSuffix(u.Path, "/voice-123/stream-input") {
		t.Errorf("unexpected path %q", u.Path)
	}
	if got := u.Query().Get("model_id"); got != "eleven_turbo_v2_5" {
		t.Errorf("model_id = %q", got)
	}
	if got := u.Query().Get("output_format"); got != "pcm_16000" {
		t.Errorf("output_format = %q", got)
	}
}

func TestParseAudioResponse(t *testing.T) {
	enc := base64.StdEncoding.EncodeToString([]byte{1, 2, 3})

	audio, final, err := parseAudioResponse([]byte(`{"audio":"` + enc + `","isFinal":false}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if final || len(audio) != 3 {
		t.Errorf("got final=%v len=%d", final, len(audio))
	}

	_, final, err = parseAudioResponse([]byte(`{"isFinal":true}`))
	if err != nil || !final {
		t.Errorf("expected final without error, got final=%v err=%v", final, err)
	}

	if _, _, err := parseAudioResponse([]byte(`{"error":"quota_exceeded","message":"no credits"}`)); err == nil {
		t.Error("expected error for server error message")
	}
	if _, _, err := parseAudioResponse([]byte(`{oops`)); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestSynthesize_RoundTrip(t *testing.T) {
	var gotKey string
	var gotTexts []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("xi-api-key")
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()

		for i := 0; i < 3; i++ {
			_, data, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			var m textMessage
			_ = json.Unmarshal(data, &m)
			gotTexts = append(gotTexts, m.Text)
		}
		for _, chunk := range [][]byte{{0xff, 0xfe}, {0x7f}} {
			msg, _ := json.Marshal(audioResponse{Audio: base64.StdEncoding.EncodeToString(chunk)})
			_ = conn.Write(r.Context(), websocket.MessageText, msg)
		}
		_ = conn.Write(r.Context(), websocket.MessageText, []byte(`{"isFinal":true}`))
		_, _, _ = conn.Read(r.Context())
	}))
	defer srv.Close()

	p, err := New("xi-secret", WithEndpoint("ws"+strings.TrimPrefix(srv.URL, "http")))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	audio, err := p.Synthesize(t.Context(), "Guten Abend!", tts.VoiceProfile{ID: "v1"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if len(audio) != 3 {
		t.Errorf("expected 3 audio bytes, got %d", len(audio))
	}
	if gotKey != "xi-secret" {
		t.Errorf("xi-api-key = %q", gotKey)
	}
	if len(gotTexts) != 3 || gotTexts[0] != " " || gotTexts[1] != "Guten Abend! " || gotTexts[2] != "" {
		t.Errorf("unexpected text sequence %q", gotTexts)
	}
}

func TestSynthesize_Validation(t *testing.T) {
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.Synthesize(t.Context(), "Hallo", tts.VoiceProfile{}); err == nil {
		t.Error("expected error for empty voice ID")
	}
	if _, err := p.Synthesize(t.Context(), "", tts.VoiceProfile{ID: "v"}); err == nil {
		t.Error("expected error for empty text")
	}
}

func TestNew_EmptyAPIKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Error("expected error for empty API key")
	}
}

func TestNew_Defaults(t *testing.T) {
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.model != defaultModel || p.outputFormat != "ulaw_8000" {
		t.Errorf("unexpected defaults: model=%q format=%q", p.model, p.outputFormat)
	}
}
