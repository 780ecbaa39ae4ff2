package gitgw

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// initRepo creates a git repository with one committed file.
func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}
	run("init", "-q")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "Test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n"), 0o644))
	run("add", "-A")
	run("commit", "-q", "-m", "initial")
	return dir
}

func write(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestNew_RejectsNonRepo(t *testing.T) {
	_, err := New(t.TempDir())
	require.Error(t, err)
}

func TestHasChangesAndChangedFiles(t *testing.T) {
	dir := initRepo(t)
	g, err := New(dir)
	require.NoError(t, err)
	ctx := context.Background()

	dirty, err := g.HasChanges(ctx)
	require.NoError(t, err)
	assert.False(t, dirty)

	write(t, dir, "new.go", "package main\n")
	write(t, dir, "main.go", "package main // edited\n")

	dirty, err = g.HasChanges(ctx)
	require.NoError(t, err)
	assert.True(t, dirty)

	files, err := g.ChangedFiles(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"main.go", "new.go"}, files)
}

func TestCommit(t *testing.T) {
	dir := initRepo(t)
	g, err := New(dir, WithAuthor("bot <bot@example.com>"))
	require.NoError(t, err)
	ctx := context.Background()

	write(t, dir, "feature.go", "package main\n")
	sha, err := g.Commit(ctx, "add feature")
	require.NoError(t, err)
	assert.Len(t, sha, 40)

	dirty, err := g.HasChanges(ctx)
	require.NoError(t, err)
	assert.False(t, dirty)
}

func TestCommit_EmptyMessageRejected(t *testing.T) {
	dir := initRepo(t)
	g, err := New(dir)
	require.NoError(t, err)

	_, err = g.Commit(context.Background(), "   ")
	require.Error(t, err)
}

func TestStashAndRevert_RestoresPriorState(t *testing.T) {
	dir := initRepo(t)
	g, err := New(dir)
	require.NoError(t, err)
	ctx := context.Background()

	// Pre-existing uncommitted work that must survive the cycle.
	write(t, dir, "wip.go", "package main // wip\n")

	stashed, err := g.Stash(ctx, "evonest-cycle-0001")
	require.NoError(t, err)
	assert.True(t, stashed)

	dirty, err := g.HasChanges(ctx)
	require.NoError(t, err)
	assert.False(t, dirty, "stash leaves a clean tree")

	// The cycle mutates the tree, then fails verification.
	write(t, dir, "bad.go", "package main // broken\n")
	write(t, dir, "main.go", "package main // clobbered\n")

	require.NoError(t, g.Revert(ctx, "evonest-cycle-0001"))

	// The diff is empty relative to pre-Execute: bad.go gone, main.go
	// restored, wip.go back.
	files, err := g.ChangedFiles(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"wip.go"}, files)

	data, err := os.ReadFile(filepath.Join(dir, "main.go"))
	require.NoError(t, err)
	assert.Equal(t, "package main\n", string(data))

	_, err = os.Stat(filepath.Join(dir, "bad.go"))
	assert.True(t, os.IsNotExist(err))
}

func TestStash_NothingToStash(t *testing.T) {
	dir := initRepo(t)
	g, err := New(dir)
	require.NoError(t, err)

	stashed, err := g.Stash(context.Background(), "evonest-cycle-0002")
	require.NoError(t, err)
	assert.False(t, stashed)
}

func TestStashDrop(t *testing.T) {
	dir := initRepo(t)
	g, err := New(dir)
	require.NoError(t, err)
	ctx := context.Background()

	write(t, dir, "tmp.go", "package main\n")
	stashed, err := g.Stash(ctx, "evonest-cycle-0003")
	require.NoError(t, err)
	require.True(t, stashed)

	require.NoError(t, g.StashDrop(ctx, "evonest-cycle-0003"))

	ref, err := g.findStash(ctx, "evonest-cycle-0003")
	require.NoError(t, err)
	assert.Empty(t, ref)

	// Dropping an absent label is a no-op.
	require.NoError(t, g.StashDrop(ctx, "evonest-cycle-0003"))
}

func TestRevert_NoStash(t *testing.T) {
	dir := initRepo(t)
	g, err := New(dir)
	require.NoError(t, err)
	ctx := context.Background()

	write(t, dir, "junk.go", "package main\n")
	require.NoError(t, g.Revert(ctx, ""))

	dirty, err := g.HasChanges(ctx)
	require.NoError(t, err)
	assert.False(t, dirty)
}

func TestValidateBranchName(t *testing.T) {
	assert.NoError(t, validateBranchName("evonest/12-fix-parser"))
	for _, bad := range []string{"", "-flag", "has space", "dots..dots", "star*"} {
		assert.Error(t, validateBranchName(bad), bad)
	}
}

func TestDiffScopedToProject(t *testing.T) {
	dir := initRepo(t)
	g, err := New(dir)
	require.NoError(t, err)
	ctx := context.Background()

	diff, err := g.Diff(ctx)
	require.NoError(t, err)
	assert.Empty(t, diff)

	write(t, dir, "main.go", "package main // changed\n")
	diff, err = g.Diff(ctx)
	require.NoError(t, err)
	assert.Contains(t, diff, "main.go")
}
