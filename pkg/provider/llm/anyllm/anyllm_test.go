package anyllm

import (
	"testing"

	"github.com/MrWong99/hostline/pkg/provider/llm"
)

func TestConvertMessage_AssistantWithToolCalls(t *testing.T) {
	t.Parallel()
	m := llm.Message{
		Role: llm.RoleAssistant,
		ToolCalls: []llm.ToolCall{
			{ID: "call_1", Name: "create_reservation", Arguments: `{"name":"Müller"}`},
		},
	}
	got := convertMessage(m)
	if got.Role != llm.RoleAssistant {
		t.Errorf("role = %q, want assistant", got.Role)
	}
	if len(got.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(got.ToolCalls))
	}
	tc := got.ToolCalls[0]
	if tc.ID != "call_1" || tc.Function.Name != "create_reservation" || tc.Type != "function" {
		t.Errorf("unexpected tool call: %+v", tc)
	}
	if tc.Function.Arguments != `{"name":"Müller"}` {
		t.Errorf("arguments = %q", tc.Function.Arguments)
	}
}

func TestConvertMessage_Tool(t *testing.T) {
	t.Parallel()
	got := convertMessage(llm.Message{Role: llm.RoleTool, Content: `{"available":false}`, ToolCallID: "call_9"})
	if got.ToolCallID != "call_9" {
		t.Errorf("ToolCallID = %q, want call_9", got.ToolCallID)
	}
	if got.ContentString() != `{"available":false}` {
		t.Errorf("content = %q", got.ContentString())
	}
}

func TestBuildParams_PinnedToolRestrictsTools(t *testing.T) {
	t.Parallel()
	p := &Provider{model: "claude-3-5-haiku-latest"}
	params := p.buildParams(llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "Freitag 19 Uhr, vier Personen"}},
		Tools: []llm.ToolDefinition{
			{Name: "check_availability"},
			{Name: "create_reservation"},
		},
		ToolChoice: "check_availability",
		MaxTokens:  200,
	})
	if len(params.Tools) != 1 || params.Tools[0].Function.Name != "check_availability" {
		t.Fatalf("expected only check_availability, got %+v", params.Tools)
	}
	if params.MaxTokens == nil || *params.MaxTokens != 200 {
		t.Errorf("MaxTokens not propagated")
	}
	if params.Temperature != nil {
		t.Errorf("expected nil Temperature for zero value")
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	if _, err := New("", "gpt-4o"); err == nil {
		t.Error("expected error for empty provider name")
	}
	if _, err := New("openai", ""); err == nil {
		t.Error("expected error for empty model")
	}
	if _, err := New("carrier-pigeon", "v1"); err == nil {
		t.Error("expected error for unsupported provider")
	}
}
