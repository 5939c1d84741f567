package exec

import (
	"context"
	"sync"
)

// Stub is a scripted CodeExecutor for tests.
type Stub struct {
	mu       sync.Mutex
	script   []StubRun
	requests []Request
	// Default answers executions past the end of the script.
	Default Result
}

// StubRun is one scripted execution.
type StubRun struct {
	Result Result
	Err    error
}

// NewStubExecutor creates a stub with an optional script.
func NewStubExecutor(runs ...StubRun) *Stub {
	return &Stub{script: runs, Default: Result{Stdout: "ok"}}
}

func (s *Stub) Execute(ctx context.Context, req Request) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if len(s.script) == 0 {
		res := s.Default
		return &res, nil
	}
	run := s.script[0]
	s.script = s.script[1:]
	if run.Err != nil {
		return nil, run.Err
	}
	res := run.Result
	return &res, nil
}

// Requests returns every execution request seen so far.
func (s *Stub) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}
