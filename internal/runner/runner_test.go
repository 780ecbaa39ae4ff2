//go:build !windows

package runner

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/noory-code/evonest/internal/core"
	"github.com/noory-code/evonest/internal/logging"
)

func TestMain(m *testing.M) {
	// The runner must never leak pipe-reader goroutines or zombie
	// children, including on timeout paths.
	goleak.VerifyTestMain(m)
}

// fakeLM writes an executable shell script that stands in for the LM
// binary and returns its path.
func fakeLM(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-lm")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	return path
}

func newTestRunner(t *testing.T, script string, opts Options) *Runner {
	t.Helper()
	opts.Path = fakeLM(t, script)
	return New(opts, logging.NewNop())
}

const successScript = `
cat > /dev/null
echo '{"type":"system","subtype":"init","tools":["Read","Edit"]}'
echo '{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Read","input":{"path":"x"}}]}}'
echo '{"type":"assistant","message":{"content":[{"type":"text","text":"working on it"}]}}'
echo '{"type":"result","subtype":"success","result":"{\"done\":true}"}'
`

func TestInvoke_Success(t *testing.T) {
	r := newTestRunner(t, successScript, Options{})

	result, err := r.Invoke(context.Background(), Request{
		Prompt:       "do the thing",
		AllowedTools: []string{"Read", "Edit"},
		MaxTurns:     10,
	})
	require.NoError(t, err)
	assert.Equal(t, ExitCompleted, result.Reason)
	assert.Equal(t, `{"done":true}`, result.Output)
	assert.Equal(t, 2, result.Turns)
}

func TestInvoke_FallsBackToAssistantText(t *testing.T) {
	script := `
cat > /dev/null
echo '{"type":"assistant","message":{"content":[{"type":"text","text":"partial answer"}]}}'
`
	r := newTestRunner(t, script, Options{})
	result, err := r.Invoke(context.Background(), Request{Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, "partial answer", result.Output)
}

func TestInvoke_ErrorEvent(t *testing.T) {
	script := `
cat > /dev/null
echo '{"type":"result","subtype":"error","error":"model exploded"}'
`
	r := newTestRunner(t, script, Options{})
	_, err := r.Invoke(context.Background(), Request{Prompt: "p"})
	require.Error(t, err)
	assert.True(t, core.IsCategory(err, core.ErrCatLM))
	assert.Contains(t, err.Error(), "model exploded")
}

func TestInvoke_NonZeroExit(t *testing.T) {
	script := `
cat > /dev/null
echo "something broke" >&2
exit 1
`
	r := newTestRunner(t, script, Options{})
	_, err := r.Invoke(context.Background(), Request{Prompt: "p"})
	require.Error(t, err)
	assert.True(t, core.IsCategory(err, core.ErrCatLM))
}

func TestInvoke_RateLimitRetriesThenSucceeds(t *testing.T) {
	// The script fails with a rate-limit message until the marker file
	// exists, which it creates on its first run.
	dir := t.TempDir()
	marker := filepath.Join(dir, "ran-once")
	script := `
cat > /dev/null
if [ ! -f "` + marker + `" ]; then
  touch "` + marker + `"
  echo "429 too many requests" >&2
  exit 1
fi
echo '{"type":"result","subtype":"success","result":"ok"}'
`
	r := newTestRunner(t, script, Options{
		MaxRetries:  2,
		BackoffBase: 10 * time.Millisecond,
	})
	result, err := r.Invoke(context.Background(), Request{Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Output)
}

func TestInvoke_RateLimitExhausted(t *testing.T) {
	script := `
cat > /dev/null
echo "rate limit exceeded" >&2
exit 1
`
	r := newTestRunner(t, script, Options{
		MaxRetries:  1,
		BackoffBase: 5 * time.Millisecond,
	})
	_, err := r.Invoke(context.Background(), Request{Prompt: "p"})
	require.Error(t, err)

	var domErr *core.DomainError
	require.ErrorAs(t, err, &domErr)
	assert.Equal(t, core.CodeRetriesExhausted, domErr.Code)
}

func TestInvoke_TimeoutKillsChild(t *testing.T) {
	script := `
cat > /dev/null
sleep 30
`
	r := newTestRunner(t, script, Options{})
	start := time.Now()
	_, err := r.Invoke(context.Background(), Request{
		Prompt:  "p",
		Timeout: 200 * time.Millisecond,
	})
	require.Error(t, err)
	assert.True(t, core.IsCategory(err, core.ErrCatLM), "timeout is an LM failure")

	var domErr *core.DomainError
	require.ErrorAs(t, err, &domErr)
	assert.Equal(t, core.CodeLMTimeout, domErr.Code)
	assert.Equal(t, 5, core.ExitCode(err), "LM timeout exits 5")
	assert.Less(t, time.Since(start), 15*time.Second, "child must be reaped promptly")
}

func TestInvoke_Cancelled(t *testing.T) {
	script := `
cat > /dev/null
sleep 30
`
	r := newTestRunner(t, script, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	_, err := r.Invoke(ctx, Request{Prompt: "p"})
	require.Error(t, err)
	assert.True(t, core.IsCategory(err, core.ErrCatLM))
}

func TestInvoke_SpawnFailure(t *testing.T) {
	r := New(Options{Path: "definitely-not-a-binary-xyz"}, logging.NewNop())
	_, err := r.Invoke(context.Background(), Request{Prompt: "p"})
	require.Error(t, err)
	assert.True(t, core.IsCategory(err, core.ErrCatLM))
}

func TestPing(t *testing.T) {
	ok := newTestRunner(t, "exit 0\n", Options{})
	assert.NoError(t, ok.Ping())

	missing := New(Options{Path: "definitely-not-a-binary-xyz"}, logging.NewNop())
	assert.Error(t, missing.Ping())
}

func TestBuildArgs(t *testing.T) {
	r := New(Options{Model: "sonnet"}, logging.NewNop())
	args := r.buildArgs(Request{
		AllowedTools:    []string{"Read", "Edit"},
		DisallowedTools: []string{"Edit(vendor/**)"},
		MaxTurns:        12,
	})

	assert.Contains(t, args, "--print")
	assert.Contains(t, args, "stream-json")
	assert.Contains(t, args, "--verbose")
	assert.Contains(t, args, "Read,Edit")
	assert.Contains(t, args, "Edit(vendor/**)")
	assert.Contains(t, args, "12")
	assert.Contains(t, args, "sonnet")
}
