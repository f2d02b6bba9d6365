package conversation

import (
	"testing"

	"github.com/MrWong99/hostline/pkg/provider/llm"
)

func user(text string) llm.Message      { return llm.Message{Role: llm.RoleUser, Content: text} }
func assistant(text string) llm.Message { return llm.Message{Role: llm.RoleAssistant, Content: text} }

func toolCall(id string) llm.Message {
	return llm.Message{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: id, Name: "check_availability"}}}
}

func toolResult(id string) llm.Message {
	return llm.Message{Role: llm.RoleTool, ToolCallID: id, Content: `{"available":true}`}
}

func contents(msgs []llm.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Role + ":" + m.Content + m.ToolCallID
	}
	return out
}

func TestState_SystemMessageStaysFirst(t *testing.T) {
	t.Parallel()
	s := New("Du bist die Telefonassistenz der Trattoria.")
	s.Append(user("Hallo"))
	s.Append(llm.Message{Role: llm.RoleSystem, Content: "injected"})
	s.Append(assistant("Guten Tag!"))

	msgs := s.Messages()
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d: %v", len(msgs), contents(msgs))
	}
	if msgs[0].Role != llm.RoleSystem || msgs[0].Content != "Du bist die Telefonassistenz der Trattoria." {
		t.Errorf("unexpected first message %+v", msgs[0])
	}
	if s.SystemMessage().Content != msgs[0].Content {
		t.Error("SystemMessage disagrees with Messages()[0]")
	}
	if s.Len() != 2 {
		t.Errorf("Len = %d, want 2", s.Len())
	}
}

func TestState_LastUserMessage(t *testing.T) {
	t.Parallel()
	s := New("sys")
	if _, ok := s.LastUserMessage(); ok {
		t.Fatal("expected no user message on empty state")
	}
	s.Append(user("erste"))
	s.Append(assistant("antwort"))
	s.Append(user("zweite"))
	s.Append(toolCall("c1"))
	m, ok := s.LastUserMessage()
	if !ok || m.Content != "zweite" {
		t.Errorf("LastUserMessage = %+v, %v", m, ok)
	}
}

func TestState_Since(t *testing.T) {
	t.Parallel()
	s := New("sys")
	s.Append(user("a"))
	s.Append(toolCall("c1"))
	s.Append(toolResult("c1"))
	s.Append(user("b"))
	s.Append(assistant("c"))

	isTool := func(m llm.Message) bool { return m.Role == llm.RoleTool }
	got := s.Since(isTool)
	if len(got) != 2 || got[0].Content != "b" || got[1].Content != "c" {
		t.Errorf("Since = %v", contents(got))
	}
	never := func(llm.Message) bool { return false }
	if got := s.Since(never); len(got) != 5 {
		t.Errorf("Since(never) returned %d messages, want 5", len(got))
	}
}

func TestWindowForModel_Limits(t *testing.T) {
	t.Parallel()
	s := New("sys")
	for _, m := range []llm.Message{
		user("u1"), assistant("a1"),
		user("u2"), assistant("a2"),
		user("u3"), assistant("a3"),
	} {
		s.Append(m)
	}

	got := s.WindowForModel(3, 2)
	want := []string{"system:sys", "assistant:a2", "user:u3", "assistant:a3"}
	if len(got) != len(want) {
		t.Fatalf("window = %v, want %v", contents(got), want)
	}
	for i := range want {
		if contents(got)[i] != want[i] {
			t.Errorf("window[%d] = %q, want %q", i, contents(got)[i], want[i])
		}
	}
}

func TestWindowForModel_KeepsRecentToolResultsInOrder(t *testing.T) {
	t.Parallel()
	s := New("sys")
	s.Append(user("Freitag 19 Uhr, vier Personen"))
	s.Append(toolCall("c1"))
	s.Append(toolResult("c1"))
	s.Append(assistant("Ja, frei."))
	s.Append(user("Auf Müller bitte"))

	got := s.WindowForModel(10, 10)
	want := []string{
		"system:sys",
		"user:Freitag 19 Uhr, vier Personen",
		"assistant:",
		"tool:" + `{"available":true}` + "c1",
		"assistant:Ja, frei.",
		"user:Auf Müller bitte",
	}
	if len(got) != len(want) {
		t.Fatalf("window = %v", contents(got))
	}
	for i := range want {
		if contents(got)[i] != want[i] {
			t.Errorf("window[%d] = %q, want %q", i, contents(got)[i], want[i])
		}
	}
}

func TestWindowForModel_DropsOrphanedToolPairs(t *testing.T) {
	t.Parallel()
	s := New("sys")
	s.Append(toolCall("old"))
	s.Append(toolResult("old"))
	s.Append(user("u1"))
	s.Append(assistant("a1"))
	s.Append(toolCall("new"))
	s.Append(toolResult("new"))
	s.Append(toolResult("old-2"))

	// Two dialogue slots: the "new" tool call and a1. Tool slots: old-2, new.
	got := s.WindowForModel(2, 2)
	for _, m := range got {
		if m.Role == llm.RoleTool && m.ToolCallID != "new" {
			t.Errorf("orphaned tool result kept: %+v", m)
		}
		for _, tc := range m.ToolCalls {
			if tc.ID == "old" {
				t.Errorf("tool call without result kept: %+v", m)
			}
		}
	}

	// With no tool slots the assistant tool call loses its only content.
	got = s.WindowForModel(1, 0)
	if len(got) != 1 {
		t.Errorf("expected only the system message, got %v", contents(got))
	}
}
