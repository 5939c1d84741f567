// Package agent holds a conversation with one LLM persona, executing the
// tool and code directives its responses contain. The session reports what
// happened through synchronous hooks; it never decides node transitions.
package agent

import "context"

// AgentMessage is one completed LLM round.
type AgentMessage struct {
	Agent    string
	Model    string
	Prompt   string
	Response string
	CostUSD  float64
}

// ToolCall is one completed tool invocation.
type ToolCall struct {
	Agent  string
	Tool   string
	Args   map[string]any
	Result string
	Err    error
}

// CodeExec is one completed code execution.
type CodeExec struct {
	Agent    string
	Language string
	Code     string
	Stdout   string
	Stderr   string
	ExitCode int
}

// Handoff is a delegation from one persona to another.
type Handoff struct {
	FromAgent string
	ToAgent   string
	Reason    string
}

// Hooks receives session activity in call order, synchronously with the
// underlying action. Implementations feed the capture pipeline.
type Hooks interface {
	OnAgentMessage(ctx context.Context, msg AgentMessage)
	OnToolCall(ctx context.Context, call ToolCall)
	OnCodeExec(ctx context.Context, execn CodeExec)
	OnHandoff(ctx context.Context, h Handoff)
}

// NopHooks discards all activity.
type NopHooks struct{}

func (NopHooks) OnAgentMessage(context.Context, AgentMessage) {}
func (NopHooks) OnToolCall(context.Context, ToolCall)        {}
func (NopHooks) OnCodeExec(context.Context, CodeExec)        {}
func (NopHooks) OnHandoff(context.Context, Handoff)          {}

// Tool is a capability a persona may invoke by directive.
type Tool interface {
	Name() string
	Description() string
	Invoke(ctx context.Context, args map[string]any) (string, error)
}
