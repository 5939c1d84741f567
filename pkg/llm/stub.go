package llm

import (
	"context"
	"sync"
)

// Stub is a scripted Provider for tests. Each call pops the next response or
// error; when the script runs out, Default is returned.
type Stub struct {
	mu       sync.Mutex
	script   []StubTurn
	requests []Request
	// Default answers calls past the end of the script.
	Default Response
}

// StubTurn is one scripted exchange.
type StubTurn struct {
	Response Response
	Err      error
}

// NewStub creates a stub with an optional script.
func NewStub(turns ...StubTurn) *Stub {
	return &Stub{
		script:  turns,
		Default: Response{Content: "ok"},
	}
}

func (s *Stub) Complete(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if len(s.script) == 0 {
		resp := s.Default
		return &resp, nil
	}
	turn := s.script[0]
	s.script = s.script[1:]
	if turn.Err != nil {
		return nil, turn.Err
	}
	resp := turn.Response
	return &resp, nil
}

// Requests returns every request seen so far.
func (s *Stub) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// Calls returns the number of completions served.
func (s *Stub) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}
