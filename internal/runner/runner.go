// Package runner invokes the language-model subprocess (`claude -p`
// shape) with a prompt, tool allow-list, and turn cap, streaming its
// NDJSON event output. Kill-and-reap is guaranteed on every exit path.
package runner

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/noory-code/evonest/internal/core"
	"github.com/noory-code/evonest/internal/logging"
)

// Options configures a Runner.
type Options struct {
	// Path is the LM binary (default "claude").
	Path string
	// Model is the model hint passed via --model.
	Model string
	// Timeout is the default wall-clock limit per invocation.
	Timeout time.Duration
	// MaxRetries bounds rate-limit retries.
	MaxRetries int
	// BackoffBase is the first retry delay (default 2s).
	BackoffBase time.Duration
}

// Runner launches LM subprocesses.
type Runner struct {
	opts   Options
	logger *logging.Logger
}

// New creates a runner.
func New(opts Options, logger *logging.Logger) *Runner {
	if opts.Path == "" {
		opts.Path = "claude"
	}
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Minute
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.BackoffBase == 0 {
		opts.BackoffBase = 2 * time.Second
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Runner{opts: opts, logger: logger}
}

// Request describes one LM invocation.
type Request struct {
	Prompt       string
	AllowedTools []string
	// DisallowedTools are tool specs denied outright (e.g. scoped
	// "Edit(vendor/**)" entries derived from identity boundaries).
	DisallowedTools []string
	Model           string // overrides Options.Model when set
	MaxTurns        int
	Timeout         time.Duration // overrides Options.Timeout when set
	WorkDir         string
}

// ExitReason explains how an invocation ended.
type ExitReason string

const (
	ExitCompleted ExitReason = "completed"
	ExitTimeout   ExitReason = "timeout"
	ExitCancelled ExitReason = "cancelled"
	ExitError     ExitReason = "error"
)

// Result is the invocation outcome.
type Result struct {
	// Output is the final textual output (the result event's text, or
	// the concatenated assistant text when no result event arrived).
	Output string
	// Turns is the number of assistant turns observed.
	Turns int
	// Reason records how the run ended.
	Reason ExitReason
	// Duration is wall-clock time spent.
	Duration time.Duration
}

// Ping verifies the LM binary is available.
func (r *Runner) Ping() error {
	if _, err := exec.LookPath(r.opts.Path); err != nil {
		return core.ErrLM(core.CodeSpawnFailed, "LM binary not found: "+r.opts.Path).WithCause(err)
	}
	return nil
}

// Invoke runs the LM once, retrying with exponential backoff when the
// failure classifies as rate limiting.
func (r *Runner) Invoke(ctx context.Context, req Request) (*Result, error) {
	delay := r.opts.BackoffBase
	var lastErr error
	for attempt := 0; attempt <= r.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			r.logger.Warn("lm: rate limited, backing off",
				"attempt", attempt, "delay", delay.String())
			select {
			case <-ctx.Done():
				return nil, core.ErrLM("CANCELLED", "cancelled during backoff").WithCause(ctx.Err())
			case <-time.After(delay):
			}
			delay *= 2
		}
		result, err := r.invokeOnce(ctx, req)
		if err == nil {
			return result, nil
		}
		if !core.IsCategory(err, core.ErrCatRateLimit) {
			return result, err
		}
		lastErr = err
	}
	return nil, core.ErrLM(core.CodeRetriesExhausted,
		fmt.Sprintf("rate limited after %d retries", r.opts.MaxRetries)).WithCause(lastErr)
}

// buildArgs constructs the CLI argument list. Arguments are passed as a
// vector to exec; nothing is interpolated into a shell.
func (r *Runner) buildArgs(req Request) []string {
	args := []string{"--print", "--output-format", "stream-json", "--verbose"}

	model := req.Model
	if model == "" {
		model = r.opts.Model
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	if req.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(req.MaxTurns))
	}
	if len(req.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(req.AllowedTools, ","))
	}
	if len(req.DisallowedTools) > 0 {
		args = append(args, "--disallowedTools", strings.Join(req.DisallowedTools, ","))
	}
	return args
}

func (r *Runner) invokeOnce(ctx context.Context, req Request) (*Result, error) {
	timeout := req.Timeout
	if timeout == 0 {
		timeout = r.opts.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	path, err := exec.LookPath(r.opts.Path)
	if err != nil {
		return nil, core.ErrLM(core.CodeSpawnFailed, "locating LM binary").WithCause(err)
	}

	args := r.buildArgs(req)
	// #nosec G204 -- binary path comes from validated config and args are a fixed vector
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Dir = req.WorkDir
	cmd.Stdin = strings.NewReader(req.Prompt)
	cmd.Env = append(os.Environ(), "EVONEST_MANAGED=true")

	configureProcAttr(cmd)
	// On context cancellation, terminate the whole process group; if the
	// child still has not exited after WaitDelay, it is killed and reaped.
	cmd.Cancel = func() error { return terminateGroup(cmd) }
	cmd.WaitDelay = 10 * time.Second

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, core.ErrLM(core.CodeSpawnFailed, "creating stdout pipe").WithCause(err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		_ = stdoutPipe.Close()
		return nil, core.ErrLM(core.CodeSpawnFailed, "creating stderr pipe").WithCause(err)
	}

	r.logger.Info("lm: invoking",
		"path", path,
		"model", req.Model,
		"max_turns", req.MaxTurns,
		"tools", strings.Join(req.AllowedTools, ","),
		"timeout", timeout.String(),
		"prompt_length", len(req.Prompt),
	)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		_ = stdoutPipe.Close()
		_ = stderrPipe.Close()
		return nil, core.ErrLM(core.CodeSpawnFailed, "starting LM subprocess").WithCause(err)
	}
	r.logger.Debug("lm: process started", "pid", cmd.Process.Pid)

	// Both pipes are drained concurrently so neither can fill and
	// deadlock the child.
	stream := newStreamCollector(r.logger)
	var stderrBuf bytes.Buffer
	var g errgroup.Group
	g.Go(func() error {
		scanner := bufio.NewScanner(stdoutPipe)
		scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			stream.ConsumeLine(scanner.Text())
		}
		return nil
	})
	g.Go(func() error {
		scanner := bufio.NewScanner(stderrPipe)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			stderrBuf.WriteString(line)
			stderrBuf.WriteString("\n")
			r.logger.Debug("lm: stderr", "line", line)
		}
		return nil
	})

	// The readers finish before cmd.Wait, which closes the pipes once the
	// child exits; waiting first could discard unread output.
	_ = g.Wait()
	waitErr := cmd.Wait()
	duration := time.Since(start)

	result := &Result{
		Output:   stream.FinalOutput(),
		Turns:    stream.Turns(),
		Duration: duration,
	}

	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		result.Reason = ExitTimeout
		r.logger.Error("lm: timed out", "duration", duration.String(), "turns", result.Turns)
		// A timed-out LM is an LM failure, not a generic timeout: the
		// run must exit 5 (LM unavailable).
		return result, core.ErrLM(core.CodeLMTimeout,
			fmt.Sprintf("LM invocation timed out after %v", timeout))
	case errors.Is(ctx.Err(), context.Canceled):
		result.Reason = ExitCancelled
		r.logger.Info("lm: cancelled", "duration", duration.String())
		return result, core.ErrLM("CANCELLED", "LM invocation cancelled")
	}

	if waitErr != nil {
		result.Reason = ExitError
		return result, r.classifyFailure(waitErr, stream, stderrBuf.String())
	}
	if streamErr := stream.Error(); streamErr != "" {
		result.Reason = ExitError
		return result, r.classify(streamErr)
	}

	result.Reason = ExitCompleted
	r.logger.Info("lm: completed",
		"duration", duration.String(),
		"turns", result.Turns,
		"output_length", len(result.Output),
	)
	return result, nil
}

// classifyFailure converts a non-zero exit into a domain error using the
// stream's error event and stderr text.
func (r *Runner) classifyFailure(waitErr error, stream *streamCollector, stderr string) error {
	msg := stream.Error()
	if msg == "" {
		msg = strings.TrimSpace(stderr)
	}
	if msg == "" {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			msg = fmt.Sprintf("LM exited with code %d", exitErr.ExitCode())
		} else {
			msg = waitErr.Error()
		}
	}
	r.logger.Error("lm: failed", "error", msg)
	return r.classify(msg)
}

func (r *Runner) classify(msg string) error {
	lower := strings.ToLower(msg)
	for _, marker := range []string{"rate limit", "too many requests", "429", "quota", "overloaded"} {
		if strings.Contains(lower, marker) {
			return core.ErrRateLimit(msg)
		}
	}
	return core.ErrLM("LM_FAILED", msg)
}
