package worktree

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// initRepo creates a git repository with one commit and returns its root.
func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}

	run("init", "-b", "main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644))
	run("add", ".")
	run("commit", "-m", "initial")

	return dir
}

func newTestManager(t *testing.T, repo string) *Manager {
	t.Helper()
	m, err := NewManager(repo, filepath.Join(repo, ".council", "worktrees"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.DestroyAll() })
	return m
}

func TestNewManagerRejectsNonRepo(t *testing.T) {
	dir := t.TempDir()
	_, err := NewManager(dir, filepath.Join(dir, "wt"), nil)
	require.Error(t, err)
}

func TestFindGitRootFromSubdir(t *testing.T) {
	repo := initRepo(t)
	sub := filepath.Join(repo, "a", "b")
	require.NoError(t, os.MkdirAll(sub, 0o755))

	root, err := FindGitRoot(sub)
	require.NoError(t, err)
	// TempDir may sit behind a symlink; compare resolved paths.
	wantRoot, _ := filepath.EvalSymlinks(repo)
	gotRoot, _ := filepath.EvalSymlinks(root)
	assert.Equal(t, wantRoot, gotRoot)
}

func TestCreateAndDiff(t *testing.T) {
	repo := initRepo(t)
	m := newTestManager(t, repo)

	ws, err := m.Create("member_0_alpha")
	require.NoError(t, err)
	assert.Equal(t, "council/member_0_alpha", ws.Branch)
	assert.DirExists(t, ws.Path)

	// Fresh worktree has no changes.
	diff, err := m.Diff("member_0_alpha")
	require.NoError(t, err)
	assert.Empty(t, diff)

	// New untracked files show up in the diff without staging.
	require.NoError(t, os.WriteFile(filepath.Join(ws.Path, "new.txt"), []byte("added line\n"), 0o644))
	diff, err = m.Diff("member_0_alpha")
	require.NoError(t, err)
	assert.Contains(t, diff, "new.txt")
	assert.Contains(t, diff, "added line")
}

func TestDiffUnknownWorkspace(t *testing.T) {
	repo := initRepo(t)
	m := newTestManager(t, repo)

	_, err := m.Diff("member_9_ghost")
	require.ErrorIs(t, err, ErrWorkspaceNotFound)
}

func TestCommitNothingToCommit(t *testing.T) {
	repo := initRepo(t)
	m := newTestManager(t, repo)

	_, err := m.Create("member_0_alpha")
	require.NoError(t, err)

	committed, err := m.Commit("member_0_alpha", "empty")
	require.NoError(t, err)
	assert.False(t, committed)
}

func TestCommitAndIntegrateMerge(t *testing.T) {
	repo := initRepo(t)
	m := newTestManager(t, repo)

	ws, err := m.Create("member_0_alpha")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(ws.Path, "feature.txt"), []byte("feature\n"), 0o644))

	committed, err := m.Commit("member_0_alpha", "Council proposal from alpha")
	require.NoError(t, err)
	assert.True(t, committed)

	require.NoError(t, m.Integrate("member_0_alpha", StrategyMerge))

	// The file landed on main via a merge commit.
	assert.FileExists(t, filepath.Join(repo, "feature.txt"))
	out, err := exec.Command("git", "-C", repo, "log", "--oneline", "-n", "2").Output()
	require.NoError(t, err)
	assert.Contains(t, string(out), "Merge council member member_0_alpha")
}

func TestApplyUnstaged(t *testing.T) {
	repo := initRepo(t)
	m := newTestManager(t, repo)

	ws, err := m.Create("member_0_alpha")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(ws.Path, "patch.txt"), []byte("patched\n"), 0o644))

	applied, err := m.ApplyUnstaged("member_0_alpha")
	require.NoError(t, err)
	assert.True(t, applied)

	// Changes are present but unstaged in the main copy.
	data, err := os.ReadFile(filepath.Join(repo, "patch.txt"))
	require.NoError(t, err)
	assert.Equal(t, "patched\n", string(data))

	out, err := exec.Command("git", "-C", repo, "status", "--porcelain").Output()
	require.NoError(t, err)
	assert.NotEmpty(t, strings.TrimSpace(string(out)))
}

func TestApplyUnstagedNoChanges(t *testing.T) {
	repo := initRepo(t)
	m := newTestManager(t, repo)

	_, err := m.Create("member_0_alpha")
	require.NoError(t, err)

	applied, err := m.ApplyUnstaged("member_0_alpha")
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestDestroyAll(t *testing.T) {
	repo := initRepo(t)
	m := newTestManager(t, repo)

	for _, id := range []string{"member_0_alpha", "member_1_beta"} {
		_, err := m.Create(id)
		require.NoError(t, err)
	}

	require.NoError(t, m.DestroyAll())

	entries, err := os.ReadDir(filepath.Join(repo, ".council", "worktrees"))
	require.NoError(t, err)
	assert.Empty(t, entries)

	out, err := exec.Command("git", "-C", repo, "branch", "--list", "council/*").Output()
	require.NoError(t, err)
	assert.Empty(t, strings.TrimSpace(string(out)))

	// Running it again is a no-op.
	require.NoError(t, m.DestroyAll())
}

func TestCreateReplacesStaleWorkspace(t *testing.T) {
	repo := initRepo(t)
	m := newTestManager(t, repo)

	ws1, err := m.Create("member_0_alpha")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(ws1.Path, "stale.txt"), []byte("old\n"), 0o644))

	ws2, err := m.Create("member_0_alpha")
	require.NoError(t, err)
	assert.NoFileExists(t, filepath.Join(ws2.Path, "stale.txt"))
}

func TestBranchForSanitizes(t *testing.T) {
	assert.Equal(t, "council/member_0_anthropic_claude-sonnet-4", BranchFor("member_0_anthropic_claude-sonnet-4"))
	assert.Equal(t, "council/weird_id_", BranchFor("weird id!"))
}
