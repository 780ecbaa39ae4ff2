package phases

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/noory-code/evonest/internal/core"
)

// VerifyResult is the cycle's final disposition.
type VerifyResult struct {
	Outcome      core.CycleOutcome
	CommitSHA    string
	PRURL        string
	FilesTouched []string
	// Reason explains failure or skip in the cycle's status line.
	Reason string
	// Err carries the gate failure for run-level exit code accounting.
	Err error
}

// verifyCommandTimeout bounds each build/test command.
const verifyCommandTimeout = 20 * time.Minute

// Verify gates the cycle's changes: boundary check, build, test, then
// commit or revert. A design-only proposal is archived regardless of the
// gate outcome so it cannot jam the queue.
func Verify(ctx context.Context, deps Deps, cc CycleContext, plan *PlanEnvelope, execResult *ExecuteResult) (*VerifyResult, error) {
	logger := deps.Logger.WithPhase(string(core.PhaseVerify)).WithCycle(cc.CycleNumber)

	changed, err := deps.Git.ChangedFiles(ctx)
	if err != nil {
		return nil, err
	}

	// Nothing to gate: drop the checkpoint. A cycle that wrote a
	// proposal instead of source succeeds on this path (the proposal is
	// its artifact); anything else is a skip. The orchestrator archives
	// consumed proposals regardless of this outcome.
	if len(changed) == 0 {
		if execResult.StashLabel != "" {
			if err := deps.Git.StashDrop(ctx, execResult.StashLabel); err != nil {
				return nil, err
			}
		}
		if execResult.ProposalFile != "" {
			logger.Info("verify: proposal cycle, no source changes", "file", execResult.ProposalFile)
			return &VerifyResult{
				Outcome: core.OutcomeSuccess,
				Reason:  "proposal written: " + execResult.ProposalFile,
			}, nil
		}
		return &VerifyResult{
			Outcome: core.OutcomeSkipped,
			Reason:  "no changes produced",
		}, nil
	}

	// Post-execution boundary enforcement. Advisory tool denials are not
	// trusted; a touched protected path reverts the cycle as a failure.
	for _, file := range changed {
		if hit, pattern := cc.Identity.MatchesBoundary(deps.State.Root(), file); hit {
			boundaryErr := core.ErrBoundary(file, pattern)
			logger.Error("verify: boundary violation", "file", file, "pattern", pattern)
			return failCycle(ctx, deps, execResult, changed, boundaryErr)
		}
	}

	if cmd := deps.Config.Verify.Build; cmd != nil && strings.TrimSpace(*cmd) != "" {
		if out, err := runGate(ctx, deps.State.Root(), *cmd); err != nil {
			gateErr := core.ErrVerifyFail("build", gateFailureMessage(*cmd, out, err))
			logger.Error("verify: build failed", "command", *cmd)
			return failCycle(ctx, deps, execResult, changed, gateErr)
		}
		logger.Info("verify: build passed", "command", *cmd)
	}
	if cmd := deps.Config.Verify.Test; cmd != nil && strings.TrimSpace(*cmd) != "" {
		if out, err := runGate(ctx, deps.State.Root(), *cmd); err != nil {
			gateErr := core.ErrVerifyFail("test", gateFailureMessage(*cmd, out, err))
			logger.Error("verify: tests failed", "command", *cmd)
			return failCycle(ctx, deps, execResult, changed, gateErr)
		}
		logger.Info("verify: tests passed", "command", *cmd)
	}

	// Gate passed with changes: deliver.
	message := plan.CommitMessage
	if strings.TrimSpace(message) == "" {
		message = "evonest: cycle " + fmt.Sprint(cc.CycleNumber)
	}

	result := &VerifyResult{
		Outcome:      core.OutcomeSuccess,
		FilesTouched: changed,
	}
	if deps.Config.CodeOutput == "pr" {
		branch := fmt.Sprintf("evonest/%d-%s", cc.CycleNumber, branchSlug(message))
		url, err := deps.Git.OpenPR(ctx, branch, message)
		if err != nil {
			return failCycle(ctx, deps, execResult, changed, err)
		}
		result.PRURL = url
	} else {
		sha, err := deps.Git.Commit(ctx, message)
		if err != nil {
			return failCycle(ctx, deps, execResult, changed, err)
		}
		result.CommitSHA = sha
	}

	// The checkpoint stash is no longer needed once the change landed.
	if execResult.StashLabel != "" {
		if err := deps.Git.StashDrop(ctx, execResult.StashLabel); err != nil {
			return nil, err
		}
	}
	logger.Info("verify: cycle delivered", "commit", result.CommitSHA, "pr", result.PRURL)
	return result, nil
}

// failCycle reverts the working tree and records the failure. A revert
// that itself fails is returned as an error, aborting the run.
func failCycle(ctx context.Context, deps Deps, execResult *ExecuteResult, changed []string, cause error) (*VerifyResult, error) {
	if err := deps.Git.Revert(ctx, execResult.StashLabel); err != nil {
		return nil, err
	}
	return &VerifyResult{
		Outcome:      core.OutcomeFailure,
		FilesTouched: changed,
		Reason:       cause.Error(),
		Err:          cause,
	}, nil
}

// runGate executes a verify command in the project root. The schema
// types verify.build/verify.test as shell commands, so the string goes
// through the shell to handle pipes, quoting, and chaining.
func runGate(ctx context.Context, dir, command string) (string, error) {
	if strings.TrimSpace(command) == "" {
		return "", nil
	}
	ctx, cancel := context.WithTimeout(ctx, verifyCommandTimeout)
	defer cancel()

	// #nosec G204 -- the command is the operator's own configured shell command
	cmd := shellCommand(ctx, command)
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.String(), err
}

// shellCommand wraps a user-configured command string in the platform
// shell.
func shellCommand(ctx context.Context, command string) *exec.Cmd {
	if runtime.GOOS == "windows" {
		return exec.CommandContext(ctx, "cmd.exe", "/C", command)
	}
	return exec.CommandContext(ctx, "sh", "-c", command)
}

func gateFailureMessage(command, output string, err error) string {
	msg := command + ": " + err.Error()
	tail := strings.TrimSpace(output)
	if len(tail) > 500 {
		tail = tail[len(tail)-500:]
	}
	if tail != "" {
		msg += "\n" + tail
	}
	return msg
}

// branchSlug derives the PR branch suffix from the commit message.
func branchSlug(message string) string {
	first := message
	if idx := strings.IndexByte(first, '\n'); idx >= 0 {
		first = first[:idx]
	}
	slug := strings.ToLower(first)
	var sb strings.Builder
	dash := false
	for _, r := range slug {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			sb.WriteRune(r)
			dash = false
		} else if !dash && sb.Len() > 0 {
			sb.WriteByte('-')
			dash = true
		}
	}
	out := strings.Trim(sb.String(), "-")
	if len(out) > 40 {
		out = strings.Trim(out[:40], "-")
	}
	if out == "" {
		out = "change"
	}
	return out
}
