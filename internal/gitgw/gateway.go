// Package gitgw wraps the git operations the engine performs on a
// project's working tree. Every command runs with the project root as
// working directory and pathspecs constrained to "." so a monorepo
// sub-package never leaks changes from siblings.
package gitgw

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/noory-code/evonest/internal/core"
	"github.com/noory-code/evonest/internal/logging"
)

// Gateway executes git against one project.
type Gateway struct {
	projectRoot string
	gitPath     string
	timeout     time.Duration
	prCommand   string
	author      string
	logger      *logging.Logger
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// WithPRCommand sets the command invoked to open a pull request after a
// branch is pushed.
func WithPRCommand(cmd string) Option {
	return func(g *Gateway) { g.prCommand = cmd }
}

// WithAuthor sets the commit author ("Name <email>").
func WithAuthor(author string) Option {
	return func(g *Gateway) { g.author = author }
}

// New creates a gateway rooted at projectRoot and verifies it is a git
// repository.
func New(projectRoot string, opts ...Option) (*Gateway, error) {
	abs, err := filepath.Abs(projectRoot)
	if err != nil {
		return nil, fmt.Errorf("resolving project root: %w", err)
	}
	gitPath, err := exec.LookPath("git")
	if err != nil {
		return nil, core.ErrGit("GIT_NOT_FOUND", "git binary not found").WithCause(err)
	}
	g := &Gateway{
		projectRoot: abs,
		gitPath:     gitPath,
		timeout:     60 * time.Second,
		logger:      logging.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	if _, err := g.run(context.Background(), "rev-parse", "--git-dir"); err != nil {
		return nil, core.ErrGit("NOT_GIT_REPO", abs+" is not a git repository")
	}
	return g, nil
}

// run executes a git command in the project root. exec passes arguments
// as a vector; nothing is interpolated into a shell.
func (g *Gateway) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, g.gitPath, args...)
	cmd.Dir = g.projectRoot

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", core.ErrTimeout("git command timed out: git " + strings.Join(args, " "))
		}
		return "", core.ErrGit("GIT_FAILED",
			fmt.Sprintf("git %s: %s", strings.Join(args, " "), strings.TrimSpace(stderr.String()))).WithCause(err)
	}
	// Only trailing newlines are trimmed: porcelain status lines carry a
	// significant leading space in their status column.
	return strings.TrimRight(stdout.String(), "\r\n"), nil
}

// Stash saves the working tree (including untracked files) under a
// labeled stash. Returns false when there was nothing to stash.
func (g *Gateway) Stash(ctx context.Context, label string) (bool, error) {
	out, err := g.run(ctx, "stash", "push", "-u", "-m", label, "--", ".")
	if err != nil {
		return false, err
	}
	stashed := !strings.Contains(out, "No local changes")
	g.logger.Debug("git: stash", "label", label, "stashed", stashed)
	return stashed, nil
}

// StashDrop discards the newest stash carrying the label; it is a no-op
// when no stash carries it.
func (g *Gateway) StashDrop(ctx context.Context, label string) error {
	ref, err := g.findStash(ctx, label)
	if err != nil || ref == "" {
		return err
	}
	_, err = g.run(ctx, "stash", "drop", ref)
	return err
}

// findStash locates the stash ref carrying a label, empty when absent.
func (g *Gateway) findStash(ctx context.Context, label string) (string, error) {
	out, err := g.run(ctx, "stash", "list")
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(out, "\n") {
		if line == "" {
			continue
		}
		if strings.Contains(line, label) {
			return strings.SplitN(line, ":", 2)[0], nil
		}
	}
	return "", nil
}

// HasChanges reports whether the working tree has any staged, unstaged,
// or untracked changes within the project.
func (g *Gateway) HasChanges(ctx context.Context) (bool, error) {
	out, err := g.run(ctx, "status", "--porcelain", "--", ".")
	if err != nil {
		return false, err
	}
	return out != "", nil
}

// ChangedFiles lists paths with changes, relative to the project root.
func (g *Gateway) ChangedFiles(ctx context.Context) ([]string, error) {
	out, err := g.run(ctx, "status", "--porcelain", "--", ".")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		path := strings.TrimSpace(line[3:])
		// Renames report "old -> new"; the new path is what was touched.
		if idx := strings.Index(path, " -> "); idx >= 0 {
			path = path[idx+4:]
		}
		path = strings.Trim(path, `"`)
		if path != "" {
			files = append(files, path)
		}
	}
	return files, nil
}

// Diff returns the working-tree diff scoped to the project.
func (g *Gateway) Diff(ctx context.Context) (string, error) {
	return g.run(ctx, "diff", "--", ".")
}

// Commit stages everything under the project and commits. Returns the
// new commit SHA.
func (g *Gateway) Commit(ctx context.Context, message string) (string, error) {
	if strings.TrimSpace(message) == "" {
		return "", core.ErrGit("EMPTY_MESSAGE", "commit message must not be empty")
	}
	if _, err := g.run(ctx, "add", "-A", "--", "."); err != nil {
		return "", err
	}
	args := []string{"commit", "-m", message}
	if g.author != "" {
		args = append(args, "--author", g.author)
	}
	if _, err := g.run(ctx, args...); err != nil {
		return "", err
	}
	sha, err := g.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	g.logger.Info("git: committed", "sha", sha)
	return sha, nil
}

// CurrentBranch returns the checked-out branch name.
func (g *Gateway) CurrentBranch(ctx context.Context) (string, error) {
	return g.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
}

// OpenPR creates a branch from the current changes, commits, pushes, and
// invokes the configured PR command. Returns the PR command's output
// (typically the PR URL).
func (g *Gateway) OpenPR(ctx context.Context, branch, message string) (string, error) {
	if err := validateBranchName(branch); err != nil {
		return "", err
	}
	prev, err := g.CurrentBranch(ctx)
	if err != nil {
		return "", err
	}
	if _, err := g.run(ctx, "checkout", "-b", branch); err != nil {
		return "", err
	}
	if _, err := g.Commit(ctx, message); err != nil {
		return "", err
	}
	if _, err := g.run(ctx, "push", "-u", "origin", branch); err != nil {
		return "", err
	}

	url, err := g.runPRCommand(ctx)
	if err != nil {
		return "", err
	}
	// Return to the original branch; the change lives on the PR branch.
	if _, err := g.run(ctx, "checkout", prev); err != nil {
		return "", err
	}
	return url, nil
}

// runPRCommand executes the configured PR command with the project root
// as working directory. The command is a shell command, so it goes
// through the shell to handle quoting and chaining.
func (g *Gateway) runPRCommand(ctx context.Context) (string, error) {
	if strings.TrimSpace(g.prCommand) == "" {
		return "", core.ErrGit("NO_PR_COMMAND", "code_output=pr requires git.pr_command")
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	// #nosec G204 -- the PR command is the operator's own configured shell command
	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.CommandContext(ctx, "cmd.exe", "/C", g.prCommand)
	} else {
		cmd = exec.CommandContext(ctx, "sh", "-c", g.prCommand)
	}
	cmd.Dir = g.projectRoot
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", core.ErrGit("PR_FAILED", strings.TrimSpace(stderr.String())).WithCause(err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// Revert discards every change in the project and restores the
// pre-Execute state: checkout, clean, then stash pop when a labeled
// stash exists. A revert that itself fails aborts the run.
func (g *Gateway) Revert(ctx context.Context, stashLabel string) error {
	if _, err := g.run(ctx, "checkout", "--", "."); err != nil {
		return core.ErrGit(core.CodeRevertFailed, "checkout during revert failed").WithCause(err)
	}
	if _, err := g.run(ctx, "clean", "-fd", "--", "."); err != nil {
		return core.ErrGit(core.CodeRevertFailed, "clean during revert failed").WithCause(err)
	}
	if stashLabel != "" {
		ref, err := g.findStash(ctx, stashLabel)
		if err != nil {
			return core.ErrGit(core.CodeRevertFailed, "listing stashes during revert failed").WithCause(err)
		}
		if ref != "" {
			if _, err := g.run(ctx, "stash", "pop", ref); err != nil {
				return core.ErrGit(core.CodeRevertFailed, "stash pop during revert failed").WithCause(err)
			}
		}
	}
	g.logger.Info("git: reverted", "stash", stashLabel)
	return nil
}

// validateBranchName rejects names git would refuse or that could be
// parsed as options.
func validateBranchName(name string) error {
	if name == "" || strings.HasPrefix(name, "-") ||
		strings.ContainsAny(name, " ~^:?*[\\") || strings.Contains(name, "..") {
		return core.ErrGit("BAD_BRANCH", "invalid branch name: "+name)
	}
	return nil
}
