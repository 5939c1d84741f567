package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/loomworks/loom/pkg/exec"
	"github.com/loomworks/loom/pkg/llm"
)

// Persona configures one agent identity.
type Persona struct {
	Name         string
	SystemPrompt string
	Model        string
	MaxTokens    int64
	Temperature  float64
}

// StepResult is the outcome of one conversation step.
type StepResult struct {
	// Output is the persona's final message for this step.
	Output string
	// CostUSD sums the LLM cost of every round in this step.
	CostUSD float64
	// Handoff is set when the persona delegated instead of answering.
	Handoff *Handoff
	// Texts collects everything produced this step (responses, tool results,
	// code output) for downstream file capture.
	Texts []string
}

// Session is a conversation with one persona. Not safe for concurrent Steps;
// Abort may be called from any goroutine.
type Session struct {
	provider  llm.Provider
	executor  exec.CodeExecutor
	hooks     Hooks
	tools     map[string]Tool
	maxRounds int

	persona  Persona
	messages []llm.Message

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewSession creates a session. hooks may be nil; maxRounds <= 0 defaults
// to 8 directive rounds per step.
func NewSession(provider llm.Provider, executor exec.CodeExecutor, hooks Hooks, tools []Tool, maxRounds int) *Session {
	if hooks == nil {
		hooks = NopHooks{}
	}
	if maxRounds <= 0 {
		maxRounds = 8
	}
	byName := make(map[string]Tool, len(tools))
	for _, t := range tools {
		byName[t.Name()] = t
	}
	return &Session{
		provider:  provider,
		executor:  executor,
		hooks:     hooks,
		tools:     byName,
		maxRounds: maxRounds,
	}
}

// Start initializes the conversation for a persona. contextText carries
// whatever the caller wants the persona to know about the task.
func (s *Session) Start(persona Persona, contextText string) {
	s.persona = persona
	s.messages = nil
	if persona.SystemPrompt != "" {
		s.messages = append(s.messages, llm.Message{Role: llm.RoleSystem, Content: persona.SystemPrompt})
	}
	if contextText != "" {
		s.messages = append(s.messages, llm.Message{Role: llm.RoleUser, Content: contextText})
	}
}

// Abort best-effort cancels the in-flight Step.
func (s *Session) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

// Step advances the conversation by one input. The persona may respond with
// tool directives or code blocks; those are executed and their results fed
// back until the persona produces a plain answer, hands off, or the round
// budget runs out. Hooks fire in action order.
func (s *Session) Step(ctx context.Context, input string) (*StepResult, error) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	defer func() {
		cancel()
		s.mu.Lock()
		s.cancel = nil
		s.mu.Unlock()
	}()

	if input != "" {
		s.messages = append(s.messages, llm.Message{Role: llm.RoleUser, Content: input})
	}

	result := &StepResult{}
	for round := 0; round < s.maxRounds; round++ {
		resp, err := s.provider.Complete(ctx, llm.Request{
			Model:       s.persona.Model,
			Messages:    s.messages,
			MaxTokens:   s.persona.MaxTokens,
			Temperature: s.persona.Temperature,
		})
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", s.persona.Name, err)
		}
		result.CostUSD += resp.CostUSD
		result.Texts = append(result.Texts, resp.Content)
		s.messages = append(s.messages, llm.Message{Role: llm.RoleAssistant, Content: resp.Content})

		s.hooks.OnAgentMessage(ctx, AgentMessage{
			Agent:    s.persona.Name,
			Model:    s.persona.Model,
			Prompt:   lastUserContent(s.messages),
			Response: resp.Content,
			CostUSD:  resp.CostUSD,
		})

		if h, ok := parseHandoff(resp.Content); ok {
			h.FromAgent = s.persona.Name
			s.hooks.OnHandoff(ctx, h)
			result.Handoff = &h
			result.Output = resp.Content
			return result, nil
		}

		acted, err := s.runDirectives(ctx, resp.Content, result)
		if err != nil {
			return nil, err
		}
		if !acted {
			result.Output = resp.Content
			return result, nil
		}
	}
	return nil, fmt.Errorf("agent %s: exceeded %d directive rounds", s.persona.Name, s.maxRounds)
}

// runDirectives executes tool calls and code blocks found in a response and
// appends their results to the conversation. Returns whether anything ran.
func (s *Session) runDirectives(ctx context.Context, response string, result *StepResult) (bool, error) {
	acted := false

	for _, call := range parseToolCalls(response) {
		tool, ok := s.tools[call.name]
		var output string
		var invokeErr error
		if !ok {
			invokeErr = fmt.Errorf("unknown tool %q", call.name)
		} else {
			output, invokeErr = tool.Invoke(ctx, call.args)
		}
		s.hooks.OnToolCall(ctx, ToolCall{
			Agent:  s.persona.Name,
			Tool:   call.name,
			Args:   call.args,
			Result: output,
			Err:    invokeErr,
		})
		feedback := output
		if invokeErr != nil {
			feedback = "tool error: " + invokeErr.Error()
		}
		result.Texts = append(result.Texts, feedback)
		s.messages = append(s.messages, llm.Message{
			Role:    llm.RoleUser,
			Content: fmt.Sprintf("Tool %s returned:\n%s", call.name, feedback),
		})
		acted = true
	}

	for _, block := range parseCodeBlocks(response) {
		res, err := s.executor.Execute(ctx, exec.Request{Language: block.language, Code: block.code})
		if err != nil {
			return false, fmt.Errorf("agent %s code exec: %w", s.persona.Name, err)
		}
		s.hooks.OnCodeExec(ctx, CodeExec{
			Agent:    s.persona.Name,
			Language: block.language,
			Code:     block.code,
			Stdout:   res.Stdout,
			Stderr:   res.Stderr,
			ExitCode: res.ExitCode,
		})
		result.Texts = append(result.Texts, block.code, res.Stdout, res.Stderr)
		s.messages = append(s.messages, llm.Message{
			Role: llm.RoleUser,
			Content: fmt.Sprintf("Execution finished with exit code %d.\nstdout:\n%s\nstderr:\n%s",
				res.ExitCode, res.Stdout, res.Stderr),
		})
		acted = true
	}

	return acted, nil
}

func lastUserContent(msgs []llm.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == llm.RoleUser {
			return msgs[i].Content
		}
	}
	return ""
}

// --- Response directive parsing ---

var (
	handoffRe   = regexp.MustCompile(`(?m)^HANDOFF\(([\w-]+)\):\s*(.*)$`)
	toolCallRe  = regexp.MustCompile(`(?m)^TOOL\(([\w-]+)\):\s*(\{.*\})\s*$`)
	codeBlockRe = regexp.MustCompile("(?s)```([a-zA-Z0-9]*)\n(.*?)```")
)

func parseHandoff(response string) (Handoff, bool) {
	m := handoffRe.FindStringSubmatch(response)
	if m == nil {
		return Handoff{}, false
	}
	return Handoff{ToAgent: m[1], Reason: strings.TrimSpace(m[2])}, true
}

type toolDirective struct {
	name string
	args map[string]any
}

func parseToolCalls(response string) []toolDirective {
	var out []toolDirective
	for _, m := range toolCallRe.FindAllStringSubmatch(response, -1) {
		args := map[string]any{}
		if err := json.Unmarshal([]byte(m[2]), &args); err != nil {
			args = map[string]any{"raw": m[2]}
		}
		out = append(out, toolDirective{name: m[1], args: args})
	}
	return out
}

type codeBlock struct {
	language string
	code     string
}

func parseCodeBlocks(response string) []codeBlock {
	var out []codeBlock
	for _, m := range codeBlockRe.FindAllStringSubmatch(response, -1) {
		lang := m[1]
		if lang == "" {
			lang = "python"
		}
		out = append(out, codeBlock{language: lang, code: m[2]})
	}
	return out
}
