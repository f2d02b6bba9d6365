package resilience

import (
	"errors"
	"testing"

	"github.com/MrWong99/hostline/pkg/provider/stt"
	sttmock "github.com/MrWong99/hostline/pkg/provider/stt/mock"
)

func TestSTTFallback_PrimarySuccess(t *testing.T) {
	t.Parallel()
	primary, secondary := &sttmock.Provider{}, &sttmock.Provider{}
	fb := NewSTTFallback(primary, "deepgram", FallbackConfig{})
	fb.AddFallback("backup", secondary)

	cfg := stt.StreamConfig{Encoding: "mulaw", SampleRate: 8000, Language: "de"}
	h, err := fb.StartStream(t.Context(), cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h != primary.LastSession() {
		t.Fatal("handle is not the primary's session")
	}
	if calls := primary.Calls(); len(calls) != 1 || calls[0].Cfg.Language != "de" {
		t.Fatalf("primary calls = %+v", calls)
	}
	if len(secondary.Calls()) != 0 {
		t.Fatal("secondary should not be called")
	}
}

func TestSTTFallback_Failover(t *testing.T) {
	t.Parallel()
	primary := &sttmock.Provider{StartStreamErrs: []error{errors.New("handshake failed")}}
	secondary := &sttmock.Provider{}
	fb := NewSTTFallback(primary, "deepgram", FallbackConfig{})
	fb.AddFallback("backup", secondary)

	h, err := fb.StartStream(t.Context(), stt.StreamConfig{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h != secondary.LastSession() {
		t.Fatal("handle is not the secondary's session")
	}
}
