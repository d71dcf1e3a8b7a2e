// Package merge decides which council member's change-set, if any, becomes
// authoritative and integrates it into the shared main line. Selection runs
// in one of three modes: dry-run (preview only), manual (explicit 1-based
// member index), or auto (best aggregate-ranked member that produced a
// diff). All outcomes, including failures, are reported as a Decision;
// nothing here aborts the session.
package merge

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/opencouncil/council/internal/logging"
	"github.com/opencouncil/council/internal/worktree"
)

// Mode selects the merge strategy.
type Mode string

const (
	// ModeNone disables merging.
	ModeNone Mode = ""
	// ModeAuto merges the top-ranked member that produced a diff.
	ModeAuto Mode = "auto"
	// ModeManual merges the member at an explicit 1-based index.
	ModeManual Mode = "manual"
	// ModeDryRun previews diffs without mutating anything.
	ModeDryRun Mode = "dry-run"
)

// Status is the outcome class of a merge decision.
type Status string

const (
	StatusMerged    Status = "merged"
	StatusApplied   Status = "applied"
	StatusDryRun    Status = "dry_run"
	StatusNoChanges Status = "no_changes"
	StatusCancelled Status = "cancelled"
	StatusError     Status = "error"
)

// Options carries the caller's merge request.
type Options struct {
	Mode Mode
	// MemberIndex is the 1-based member index for ModeManual.
	MemberIndex int
	// Confirm requires an explicit affirmative acknowledgment before
	// mutating the main line.
	Confirm bool
	// NoCommit applies the selected diff as unstaged changes instead of
	// committing and merging.
	NoCommit bool
}

// Candidate is one Stage-1 entry that produced a non-empty diff.
type Candidate struct {
	// MemberIndex is the member's stable 0-based session index.
	MemberIndex int
	// MemberID is the workspace identifier.
	MemberID string
	// Display is the member's display name.
	Display string
	// Diff is the workspace diff observed after Stage 1.
	Diff string
}

// RankedLabel is one aggregate-ranking row, best first.
type RankedLabel struct {
	Label string
	Score float64
}

// Decision is the result of a merge attempt.
type Decision struct {
	Status Status `json:"status"`
	// Member is the selected member's display name, when one was selected.
	Member string `json:"member,omitempty"`
	// MemberID is the selected member's workspace id.
	MemberID string `json:"member_id,omitempty"`
	// Message carries detail for error, cancelled, and no-changes outcomes.
	Message string `json:"message,omitempty"`
	// MembersWithDiffs is populated for dry runs.
	MembersWithDiffs int `json:"members_with_diffs,omitempty"`
}

// Trees is the slice of the workspace manager the engine needs.
type Trees interface {
	Commit(memberID, message string) (bool, error)
	Integrate(memberID string, strategy worktree.Strategy) error
	ApplyUnstaged(memberID string) (bool, error)
}

// Engine selects and integrates one candidate change-set.
type Engine struct {
	trees  Trees
	logger *logging.Logger
	in     io.Reader
	out    io.Writer

	headerStyle lipgloss.Style
}

// NewEngine creates a merge engine. in and out are used only for the
// confirmation prompt and diff previews.
func NewEngine(trees Trees, logger *logging.Logger, in io.Reader, out io.Writer) *Engine {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Engine{
		trees:       trees,
		logger:      logger,
		in:          in,
		out:         out,
		headerStyle: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
	}
}

// Decide runs the full selection and integration flow.
// letterToIndex maps bare anonymized letters to 0-based member indexes.
func (e *Engine) Decide(candidates []Candidate, ranking []RankedLabel, letterToIndex map[string]int, opts Options) Decision {
	if len(candidates) == 0 {
		e.logger.Info("no code changes to merge")
		return Decision{Status: StatusNoChanges, Message: "No code changes to merge"}
	}

	if opts.Mode == ModeDryRun {
		return e.dryRun(candidates)
	}

	target, errDecision := e.selectTarget(candidates, ranking, letterToIndex, opts)
	if errDecision != nil {
		return *errDecision
	}

	e.preview(target)

	if opts.Confirm && !e.confirm() {
		e.logger.Info("merge cancelled by user")
		return Decision{Status: StatusCancelled, Message: "Merge cancelled by user"}
	}

	return e.integrate(target, opts)
}

// selectTarget picks the candidate the mode calls for.
func (e *Engine) selectTarget(candidates []Candidate, ranking []RankedLabel, letterToIndex map[string]int, opts Options) (Candidate, *Decision) {
	switch opts.Mode {
	case ModeManual:
		idx := opts.MemberIndex - 1
		for _, c := range candidates {
			if c.MemberIndex == idx {
				return c, nil
			}
		}
		return Candidate{}, &Decision{
			Status:  StatusError,
			Message: fmt.Sprintf("Member %d not found or has no changes", opts.MemberIndex),
		}

	case ModeAuto:
		if len(ranking) == 0 {
			e.logger.Error("auto-merge failed: no valid rankings")
			return Candidate{}, &Decision{
				Status:  StatusError,
				Message: "Auto-merge requires valid rankings from Stage 2. All ranking parsers failed.",
			}
		}

		byIndex := make(map[int]Candidate, len(candidates))
		for _, c := range candidates {
			byIndex[c.MemberIndex] = c
		}

		// Walk the aggregate ranking best-first until a ranked member
		// with a diff is found.
		for pos, row := range ranking {
			letter := letterOf(row.Label)
			idx, ok := letterToIndex[letter]
			if !ok {
				continue
			}
			c, ok := byIndex[idx]
			if !ok {
				if pos == 0 {
					e.logger.Warn("top-ranked member has no code changes", "label", row.Label)
				}
				continue
			}
			if pos > 0 {
				e.logger.Info("using next ranked member with changes", "member", c.Display)
			}
			return c, nil
		}

		e.logger.Error("no ranked member has code changes")
		return Candidate{}, &Decision{
			Status:  StatusError,
			Message: "None of the ranked members produced code changes",
		}

	default:
		return Candidate{}, &Decision{
			Status:  StatusError,
			Message: fmt.Sprintf("unknown merge mode: %q", opts.Mode),
		}
	}
}

// integrate commits the selected workspace and merges it, or applies its
// diff unstaged when NoCommit is set. NoCommit skips the commit step: the
// unstaged apply works from the workspace's live diff against the
// baseline, and committing first would empty it.
func (e *Engine) integrate(target Candidate, opts Options) Decision {
	if opts.NoCommit {
		e.logger.Info("applying changes without commit", "member_id", target.MemberID)
		ok, err := e.trees.ApplyUnstaged(target.MemberID)
		if err != nil {
			e.logger.Error("apply failed", "member_id", target.MemberID, "error", err)
			return Decision{Status: StatusError, Member: target.Display, Message: err.Error()}
		}
		if !ok {
			// A diff was observed in Stage 1; an empty apply now is a
			// contract violation, not a benign no-op.
			return Decision{Status: StatusError, Member: target.Display, Message: "Nothing to apply"}
		}
		return Decision{Status: StatusApplied, Member: target.Display, MemberID: target.MemberID}
	}

	e.logger.Info("committing changes in worktree", "member_id", target.MemberID)
	committed, err := e.trees.Commit(target.MemberID, fmt.Sprintf("Council proposal from %s", target.Display))
	if err != nil {
		e.logger.Error("commit failed", "member_id", target.MemberID, "error", err)
		return Decision{Status: StatusError, Member: target.Display, Message: err.Error()}
	}
	if !committed {
		// Same contract violation as above: the diff existed moments ago.
		return Decision{Status: StatusError, Member: target.Display, Message: "Nothing to commit"}
	}

	e.logger.Info("applying changes to main branch", "member_id", target.MemberID)
	if err := e.trees.Integrate(target.MemberID, worktree.StrategyMerge); err != nil {
		e.logger.Error("merge failed", "member_id", target.MemberID, "error", err)
		return Decision{Status: StatusError, Member: target.Display, Message: err.Error()}
	}

	e.logger.Info("merged changes", "member", target.Display)
	return Decision{Status: StatusMerged, Member: target.Display, MemberID: target.MemberID}
}

// dryRun prints every candidate diff without mutating anything.
func (e *Engine) dryRun(candidates []Candidate) Decision {
	e.printf("%s\n", e.headerStyle.Render("DRY RUN - Showing diffs without merging"))
	for _, c := range candidates {
		e.printf("\n--- %s (member_index: %d) ---\n", c.Display, c.MemberIndex)
		e.printf("%s\n", truncate(c.Diff, 2000))
	}
	return Decision{Status: StatusDryRun, MembersWithDiffs: len(candidates)}
}

// preview shows the selected diff before integration.
func (e *Engine) preview(target Candidate) {
	e.printf("%s\n", e.headerStyle.Render(fmt.Sprintf("MERGE TARGET: %s", target.Display)))
	e.printf("%s\n", truncate(target.Diff, 3000))
}

// confirm reads one line and accepts only an explicit "y".
func (e *Engine) confirm() bool {
	if e.in == nil {
		return false
	}
	e.printf("\nMerge these changes? [y/N]: ")
	scanner := bufio.NewScanner(e.in)
	if !scanner.Scan() {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(scanner.Text()), "y")
}

func (e *Engine) printf(format string, args ...any) {
	if e.out != nil {
		fmt.Fprintf(e.out, format, args...)
	}
}

// letterOf extracts the bare letter from a ranking token such as
// "Response A" or "Proposal B".
func letterOf(token string) string {
	if i := strings.LastIndexByte(token, ' '); i >= 0 {
		return token[i+1:]
	}
	return token
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
