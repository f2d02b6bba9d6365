// Package conversation keeps the ordered dialogue history of one call and
// produces bounded windows of it for language-model requests.
package conversation

import (
	"sync"

	"github.com/MrWong99/hostline/pkg/provider/llm"
)

// State is the dialogue history of a single call. The system message is fixed
// at construction and always stays first. State is safe for concurrent use.
type State struct {
	mu       sync.Mutex
	system   llm.Message
	messages []llm.Message
}

// New creates a State whose system message carries prompt.
func New(prompt string) *State {
	return &State{system: llm.Message{Role: llm.RoleSystem, Content: prompt}}
}

// Append adds m to the history. System messages are ignored; there is only
// ever the one passed to [New].
func (s *State) Append(m llm.Message) {
	if m.Role == llm.RoleSystem {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, m)
}

// SystemMessage returns the system message.
func (s *State) SystemMessage() llm.Message {
	return s.system
}

// Messages returns a copy of the full history including the system message.
func (s *State) Messages() []llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]llm.Message, 0, len(s.messages)+1)
	out = append(out, s.system)
	return append(out, s.messages...)
}

// Len returns the number of non-system messages.
func (s *State) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// LastUserMessage returns the most recent user message.
func (s *State) LastUserMessage() (llm.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].Role == llm.RoleUser {
			return s.messages[i], true
		}
	}
	return llm.Message{}, false
}

// Since returns copies of the messages appended after the last message for
// which stop returns true, oldest first. With no such message the whole
// history is returned.
func (s *State) Since(stop func(llm.Message) bool) []llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := len(s.messages) - 1
	for ; i >= 0; i-- {
		if stop(s.messages[i]) {
			break
		}
	}
	out := make([]llm.Message, len(s.messages)-(i+1))
	copy(out, s.messages[i+1:])
	return out
}

// WindowForModel returns the system message, the most recent maxDialogue
// user/assistant messages and the most recent maxTool tool messages, in their
// original order.
//
// The result is then made consistent for tool-calling APIs: a tool message
// whose assistant tool call fell outside the window is dropped, and tool calls
// whose results fell outside the window are stripped from their assistant
// message, which is dropped entirely when nothing else remains in it.
func (s *State) WindowForModel(maxDialogue, maxTool int) []llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	keep := make([]bool, len(s.messages))
	dialogue, tool := 0, 0
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].Role == llm.RoleTool {
			if tool < maxTool {
				keep[i] = true
				tool++
			}
			continue
		}
		if dialogue < maxDialogue {
			keep[i] = true
			dialogue++
		}
	}

	calls := make(map[string]bool)
	results := make(map[string]bool)
	for i, m := range s.messages {
		if !keep[i] {
			continue
		}
		for _, tc := range m.ToolCalls {
			calls[tc.ID] = true
		}
		if m.Role == llm.RoleTool {
			results[m.ToolCallID] = true
		}
	}

	out := make([]llm.Message, 0, dialogue+tool+1)
	out = append(out, s.system)
	for i, m := range s.messages {
		if !keep[i] {
			continue
		}
		if m.Role == llm.RoleTool {
			if calls[m.ToolCallID] {
				out = append(out, m)
			}
			continue
		}
		if len(m.ToolCalls) > 0 {
			kept := make([]llm.ToolCall, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				if results[tc.ID] {
					kept = append(kept, tc)
				}
			}
			m.ToolCalls = kept
			if len(kept) == 0 && m.Content == "" {
				continue
			}
		}
		out = append(out, m)
	}
	return out
}
