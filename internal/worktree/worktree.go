// Package worktree manages isolated git working copies for council members.
// Each member gets a dedicated worktree checked out on its own
// "council/<id>" branch; the manager extracts diffs against the baseline,
// commits, integrates a chosen change-set into the main line, and tears
// everything down at session end.
package worktree

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/opencouncil/council/internal/logging"
)

// branchPrefix namespaces all session branches so cleanup can enumerate
// them without touching anything else in the repository.
const branchPrefix = "council/"

// ErrWorkspaceNotFound indicates an operation referenced a member id with
// no live worktree.
var ErrWorkspaceNotFound = fmt.Errorf("workspace not found")

var unsafeBranchChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// Workspace is a handle to one member's isolated working copy.
type Workspace struct {
	MemberID string
	Path     string
	Branch   string
}

// Manager handles git worktree operations for a single session. The
// registry of live workspaces is mutated only by the orchestrating
// goroutine, never by member invocations themselves.
type Manager struct {
	repoRoot     string
	worktreesDir string
	logger       *logging.Logger

	mu         sync.Mutex
	workspaces map[string]*Workspace
}

// FindGitRoot finds the root of the git repository by traversing up from
// startDir. It returns the directory containing .git (either a directory or
// a file for worktrees).
func FindGitRoot(startDir string) (string, error) {
	dir := startDir
	for {
		gitPath := filepath.Join(dir, ".git")
		if info, err := os.Stat(gitPath); err == nil {
			if info.IsDir() || info.Mode().IsRegular() {
				return dir, nil
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("not a git repository (or any parent up to mount point)")
		}
		dir = parent
	}
}

// NewManager creates a worktree Manager rooted at repoRoot. worktreesDir is
// created if it does not exist.
func NewManager(repoRoot, worktreesDir string, logger *logging.Logger) (*Manager, error) {
	gitRoot, err := FindGitRoot(repoRoot)
	if err != nil {
		return nil, fmt.Errorf("not a git repository: %s", repoRoot)
	}

	if err := os.MkdirAll(worktreesDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create worktrees directory: %w", err)
	}

	if logger == nil {
		logger = logging.NopLogger()
	}

	return &Manager{
		repoRoot:     gitRoot,
		worktreesDir: worktreesDir,
		logger:       logger,
		workspaces:   make(map[string]*Workspace),
	}, nil
}

// RepoRoot returns the repository root the manager operates on.
func (m *Manager) RepoRoot() string {
	return m.repoRoot
}

// BranchFor returns the session branch name for a member id.
func BranchFor(memberID string) string {
	return branchPrefix + unsafeBranchChars.ReplaceAllString(memberID, "_")
}

// Create creates a fresh worktree and branch for the member, removing any
// pre-existing workspace with the same id first (no stacking).
func (m *Manager) Create(memberID string) (*Workspace, error) {
	path := filepath.Join(m.worktreesDir, memberID)
	branch := BranchFor(memberID)

	if _, err := os.Stat(path); err == nil {
		if err := m.Remove(memberID); err != nil {
			m.logger.Warn("failed to remove stale workspace", "member_id", memberID, "error", err)
		}
	}

	// Create branch and worktree in one step, from the current baseline.
	if output, err := m.git(m.repoRoot, "worktree", "add", "-b", branch, path, "HEAD"); err != nil {
		// The branch may survive a previous interrupted session; reuse it.
		if output2, err2 := m.git(m.repoRoot, "worktree", "add", path, branch); err2 != nil {
			return nil, fmt.Errorf("failed to create worktree: %w\n%s\n%s", err, output, output2)
		}
	}

	ws := &Workspace{MemberID: memberID, Path: path, Branch: branch}

	m.mu.Lock()
	m.workspaces[memberID] = ws
	m.mu.Unlock()

	return ws, nil
}

// Get returns the live workspace for a member id, if any.
func (m *Manager) Get(memberID string) (*Workspace, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws, ok := m.workspaces[memberID]
	return ws, ok
}

// Diff returns the member's changes relative to the baseline, including
// newly created untracked files. An empty string means no changes.
func (m *Manager) Diff(memberID string) (string, error) {
	path := filepath.Join(m.worktreesDir, memberID)
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("%w: %s", ErrWorkspaceNotFound, memberID)
	}

	// Intent-to-add makes untracked files visible to diff without staging
	// their content. Failure here only narrows the diff, so it is logged
	// and ignored.
	if out, err := m.git(path, "add", "-N", "."); err != nil {
		m.logger.Debug("git add -N failed", "member_id", memberID, "output", out)
	}

	out, err := m.gitOut(path, "diff", "HEAD")
	if err != nil {
		// A repository with no commits has no HEAD; fall back to the
		// unstaged diff.
		out, err = m.gitOut(path, "diff")
		if err != nil {
			return "", fmt.Errorf("failed to get diff: %w", err)
		}
	}

	return out, nil
}

// Commit stages and commits all changes in the member's worktree. It
// returns false (and no error) when there is nothing to commit.
func (m *Manager) Commit(memberID, message string) (bool, error) {
	path := filepath.Join(m.worktreesDir, memberID)
	if _, err := os.Stat(path); err != nil {
		return false, fmt.Errorf("%w: %s", ErrWorkspaceNotFound, memberID)
	}

	if output, err := m.git(path, "add", "-A"); err != nil {
		return false, fmt.Errorf("failed to stage changes: %w\n%s", err, output)
	}

	output, err := m.git(path, "commit", "-m", message)
	if err != nil {
		if strings.Contains(output, "nothing to commit") {
			return false, nil
		}
		return false, fmt.Errorf("failed to commit: %w\n%s", err, output)
	}

	return true, nil
}

// Strategy selects how a member's commit reaches the main line.
type Strategy string

const (
	// StrategyMerge merges the member branch with a merge commit.
	StrategyMerge Strategy = "merge"
	// StrategyCherryPick applies the branch head commit directly.
	StrategyCherryPick Strategy = "cherry-pick"
)

// Integrate switches the primary working copy to the main line and applies
// the member's committed changes using the given strategy.
func (m *Manager) Integrate(memberID string, strategy Strategy) error {
	path := filepath.Join(m.worktreesDir, memberID)
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("%w: %s", ErrWorkspaceNotFound, memberID)
	}

	branch, err := m.gitOut(path, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return fmt.Errorf("failed to get branch name: %w", err)
	}
	branch = strings.TrimSpace(branch)

	if err := m.checkoutMainLine(); err != nil {
		return err
	}

	switch strategy {
	case StrategyMerge:
		message := fmt.Sprintf("Merge council member %s", memberID)
		if output, err := m.git(m.repoRoot, "merge", "--no-ff", branch, "-m", message); err != nil {
			return fmt.Errorf("failed to merge %s: %w\n%s", branch, err, output)
		}
	case StrategyCherryPick:
		hash, err := m.gitOut(m.repoRoot, "rev-parse", branch)
		if err != nil {
			return fmt.Errorf("failed to resolve %s: %w", branch, err)
		}
		hash = strings.TrimSpace(hash)
		if output, err := m.git(m.repoRoot, "cherry-pick", hash); err != nil {
			return fmt.Errorf("failed to cherry-pick %s: %w\n%s", hash, err, output)
		}
	default:
		return fmt.Errorf("unknown integration strategy: %q", strategy)
	}

	return nil
}

// ApplyUnstaged applies the member's diff onto the main working copy
// without committing, leaving the result as unstaged local changes. It
// tries a three-way apply, then a plain apply, then copies changed files
// directly. Returns false when the workspace has no changes.
func (m *Manager) ApplyUnstaged(memberID string) (bool, error) {
	diff, err := m.Diff(memberID)
	if err != nil {
		return false, err
	}
	if diff == "" {
		m.logger.Info("no changes to apply", "member_id", memberID)
		return false, nil
	}

	if output, err := m.gitStdin(m.repoRoot, diff, "apply", "--3way"); err != nil {
		m.logger.Debug("three-way apply failed", "member_id", memberID, "output", output)

		if output, err := m.gitStdin(m.repoRoot, diff, "apply"); err != nil {
			m.logger.Warn("git apply failed, copying files directly",
				"member_id", memberID, "output", output)
			return m.copyChangedFiles(memberID)
		}
	}

	m.logger.Info("applied changes (unstaged)", "member_id", memberID)
	return true, nil
}

// copyChangedFiles is the last-resort apply path: each changed file is
// copied from the worktree by path, and files deleted there are deleted
// from the main copy.
func (m *Manager) copyChangedFiles(memberID string) (bool, error) {
	path := filepath.Join(m.worktreesDir, memberID)

	out, err := m.gitOut(path, "diff", "--name-only", "HEAD")
	if err != nil {
		return false, fmt.Errorf("failed to get changed files: %w", err)
	}

	var files []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			files = append(files, line)
		}
	}
	if len(files) == 0 {
		return false, nil
	}

	for _, rel := range files {
		src := filepath.Join(path, rel)
		dst := filepath.Join(m.repoRoot, rel)

		if _, err := os.Stat(src); err == nil {
			if err := copyFile(src, dst); err != nil {
				return false, fmt.Errorf("failed to copy %s: %w", rel, err)
			}
			m.logger.Debug("copied file", "path", rel)
		} else if _, err := os.Stat(dst); err == nil {
			if err := os.Remove(dst); err != nil {
				return false, fmt.Errorf("failed to delete %s: %w", rel, err)
			}
			m.logger.Debug("deleted file", "path", rel)
		}
	}

	m.logger.Info("copied changed files", "member_id", memberID, "count", len(files))
	return true, nil
}

// Remove removes the member's worktree. Failures degrade to force-removing
// the directory and pruning worktree records; removal is best-effort.
func (m *Manager) Remove(memberID string) error {
	path := filepath.Join(m.worktreesDir, memberID)

	m.mu.Lock()
	delete(m.workspaces, memberID)
	m.mu.Unlock()

	if _, err := os.Stat(path); err != nil {
		return nil
	}

	if output, err := m.git(m.repoRoot, "worktree", "remove", "--force", path); err != nil {
		_ = os.RemoveAll(path)
		_, _ = m.git(m.repoRoot, "worktree", "prune")
		m.logger.Warn("worktree remove failed, force-removed directory",
			"member_id", memberID, "output", output)
	}

	return nil
}

// DestroyAll removes every session worktree and every council/* branch.
// It enumerates git's own records rather than the in-memory registry so it
// also cleans up after interrupted prior sessions. Idempotent.
func (m *Manager) DestroyAll() error {
	if out, err := m.gitOut(m.repoRoot, "worktree", "list", "--porcelain"); err == nil {
		for _, line := range strings.Split(out, "\n") {
			if !strings.HasPrefix(line, "worktree ") {
				continue
			}
			path := strings.TrimPrefix(line, "worktree ")
			if !strings.HasPrefix(path, m.worktreesDir+string(os.PathSeparator)) {
				continue
			}
			if err := m.Remove(filepath.Base(path)); err != nil {
				m.logger.Warn("failed to remove worktree", "path", path, "error", err)
			}
		}
	}

	// Sweep directories left behind by failed removals.
	if entries, err := os.ReadDir(m.worktreesDir); err == nil {
		for _, entry := range entries {
			if entry.IsDir() {
				_ = os.RemoveAll(filepath.Join(m.worktreesDir, entry.Name()))
			}
		}
	}

	_, _ = m.git(m.repoRoot, "worktree", "prune")

	if out, err := m.gitOut(m.repoRoot, "branch", "--list", branchPrefix+"*"); err == nil {
		for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
			branch := strings.TrimSpace(strings.TrimLeft(line, "*+ "))
			if branch == "" {
				continue
			}
			if output, err := m.git(m.repoRoot, "branch", "-D", branch); err != nil {
				m.logger.Warn("failed to delete branch", "branch", branch, "output", output)
			}
		}
	}

	m.mu.Lock()
	m.workspaces = make(map[string]*Workspace)
	m.mu.Unlock()

	return nil
}

// checkoutMainLine switches the primary working copy to main, falling back
// to master when main does not exist.
func (m *Manager) checkoutMainLine() error {
	if _, err := m.git(m.repoRoot, "checkout", "main"); err == nil {
		return nil
	}
	if output, err := m.git(m.repoRoot, "checkout", "master"); err != nil {
		return fmt.Errorf("failed to checkout main/master: %w\n%s", err, output)
	}
	return nil
}

// git runs a mutating git command and returns its combined output.
func (m *Manager) git(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	return string(output), err
}

// gitOut runs a read-only git command and returns its stdout.
func (m *Manager) gitOut(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	output, err := cmd.Output()
	return string(output), err
}

// gitStdin runs a git command with input piped to stdin.
func (m *Manager) gitStdin(dir, input string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Stdin = strings.NewReader(input)
	output, err := cmd.CombinedOutput()
	return string(output), err
}
