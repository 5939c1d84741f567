// Package exec runs agent-generated code in local subprocesses with a
// timeout, a working-directory jail and bounded output capture.
package exec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	osexec "os/exec"
	"regexp"
	"strings"
	"time"
)

// ErrUnsupportedLanguage is returned for languages with no interpreter.
var ErrUnsupportedLanguage = errors.New("unsupported language")

// Request is one code execution.
type Request struct {
	Language string
	Code     string
	// Timeout overrides the executor default when positive.
	Timeout time.Duration
}

// Result captures a finished execution. A non-zero ExitCode is not an error
// at this layer; the caller decides how to classify it.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
}

// CodeExecutor runs code on behalf of agents.
type CodeExecutor interface {
	Execute(ctx context.Context, req Request) (*Result, error)
}

// blockedPatterns reject obviously destructive snippets before execution.
var blockedPatterns = []*regexp.Regexp{
	regexp.MustCompile(`rm\s+-rf\s+/\s`),
	regexp.MustCompile(`os\.system\s*\(\s*['"]rm`),
	regexp.MustCompile(`shutil\.rmtree\s*\(\s*['"]/['"]`),
}

// Local executes code via local interpreters. Files the code writes land in
// the workdir, where the capture pipeline discovers them.
type Local struct {
	workdir        string
	defaultTimeout time.Duration
	maxOutput      int
	interpreters   map[string][]string // language -> argv prefix
}

var _ CodeExecutor = (*Local)(nil)

// NewLocal creates an executor rooted at workdir. Zero values fall back to a
// 60s timeout and 64 KB output cap.
func NewLocal(workdir string, defaultTimeout time.Duration, maxOutput int) *Local {
	if defaultTimeout <= 0 {
		defaultTimeout = 60 * time.Second
	}
	if maxOutput <= 0 {
		maxOutput = 64 * 1024
	}
	return &Local{
		workdir:        workdir,
		defaultTimeout: defaultTimeout,
		maxOutput:      maxOutput,
		interpreters: map[string][]string{
			"python": {"python3"},
			"sh":     {"sh"},
			"bash":   {"bash"},
		},
	}
}

func (l *Local) Execute(ctx context.Context, req Request) (*Result, error) {
	argv, ok := l.interpreters[normalizeLanguage(req.Language)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedLanguage, req.Language)
	}
	for _, pat := range blockedPatterns {
		if pat.MatchString(req.Code) {
			return &Result{
				Stderr:   fmt.Sprintf("blocked: code matches prohibited pattern %s", pat),
				ExitCode: 1,
			}, nil
		}
	}

	timeout := l.defaultTimeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tmp, err := os.CreateTemp("", "loom-code-*")
	if err != nil {
		return nil, fmt.Errorf("create script file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(req.Code); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("write script file: %w", err)
	}
	tmp.Close()

	cmd := osexec.CommandContext(ctx, argv[0], append(argv[1:], tmp.Name())...)
	cmd.Dir = l.workdir
	cmd.Env = []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + os.Getenv("HOME"),
		"LANG=en_US.UTF-8",
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &cappedWriter{buf: &stdout, max: l.maxOutput}
	cmd.Stderr = &cappedWriter{buf: &stderr, max: l.maxOutput}

	err = cmd.Run()
	result := &Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			result.TimedOut = true
			result.ExitCode = -1
			result.Stderr = strings.TrimRight(result.Stderr, "\n") +
				fmt.Sprintf("\nexecution timed out after %s", timeout)
			return result, nil
		}
		var exitErr *osexec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return nil, fmt.Errorf("run %s: %w", argv[0], err)
	}
	return result, nil
}

func normalizeLanguage(lang string) string {
	switch strings.ToLower(lang) {
	case "python", "python3", "py":
		return "python"
	case "shell", "sh":
		return "sh"
	case "bash":
		return "bash"
	}
	return strings.ToLower(lang)
}

// cappedWriter keeps the first max bytes and drops the rest.
type cappedWriter struct {
	buf *bytes.Buffer
	max int
}

func (w *cappedWriter) Write(p []byte) (int, error) {
	if w.buf.Len() < w.max {
		remaining := w.max - w.buf.Len()
		if len(p) > remaining {
			w.buf.Write(p[:remaining])
			w.buf.WriteString("\n... (truncated)")
			return len(p), nil
		}
		w.buf.Write(p)
	}
	return len(p), nil
}
