// Package mock provides a test double for the llm.Provider interface.
//
// Responses are served in order from Responses; once exhausted, Complete
// falls back to CompleteResponse/CompleteErr. This lets a test script the
// individual steps of a tool-calling loop.
//
// Example:
//
//	p := &mock.Provider{
//	    Responses: []mock.Response{
//	        {Resp: &llm.CompletionResponse{ToolCalls: []llm.ToolCall{...}}},
//	        {Resp: &llm.CompletionResponse{Content: "Ja, ein Tisch ist frei."}},
//	    },
//	}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/hostline/pkg/provider/llm"
)

// Response is one scripted result of Complete.
type Response struct {
	Resp *llm.CompletionResponse
	Err  error
}

// CompleteCall records a single invocation of Complete.
type CompleteCall struct {
	Ctx context.Context
	Req llm.CompletionRequest
}

// Provider is a mock implementation of llm.Provider.
type Provider struct {
	mu sync.Mutex

	// Responses are consumed one per Complete call.
	Responses []Response

	// CompleteResponse and CompleteErr are returned once Responses is empty.
	CompleteResponse *llm.CompletionResponse
	CompleteErr      error

	// CompleteCalls records every invocation of Complete in order.
	CompleteCalls []CompleteCall
}

// Complete records the call and returns the next scripted response.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	msgs := make([]llm.Message, len(req.Messages))
	copy(msgs, req.Messages)
	req.Messages = msgs
	p.CompleteCalls = append(p.CompleteCalls, CompleteCall{Ctx: ctx, Req: req})

	if len(p.Responses) > 0 {
		r := p.Responses[0]
		p.Responses = p.Responses[1:]
		return r.Resp, r.Err
	}
	return p.CompleteResponse, p.CompleteErr
}

// Calls returns a snapshot of the recorded calls. Thread-safe.
func (p *Provider) Calls() []CompleteCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]CompleteCall, len(p.CompleteCalls))
	copy(out, p.CompleteCalls)
	return out
}

var _ llm.Provider = (*Provider)(nil)
