package council

import (
	"errors"

	"github.com/opencouncil/council/internal/member"
	"github.com/opencouncil/council/internal/merge"
)

// ErrNoResponses is returned when every member fails Stage 1. It is the
// only session-fatal condition: with zero responses there is nothing to
// rank, synthesize, or merge.
var ErrNoResponses = errors.New("all council members failed to respond")

// StageOneResult is one member's individual response.
type StageOneResult struct {
	// MemberIndex is the member's position in the configured roster.
	MemberIndex int           `json:"member_index"`
	Member      member.Member `json:"member"`
	Response    string        `json:"response"`
	// WorkspaceID is set when the member worked in an isolated worktree.
	WorkspaceID string `json:"workspace_id,omitempty"`
	// Diff is the workspace diff captured after the member finished.
	Diff string `json:"diff,omitempty"`
}

// StageTwoResult is one member's ranking of the anonymized Stage-1 set.
type StageTwoResult struct {
	MemberIndex int           `json:"member_index"`
	Member      member.Member `json:"member"`
	// Ranking is the rater's full free-text reply.
	Ranking string `json:"ranking"`
	// Parsed is the ordered token sequence extracted from Ranking. Empty
	// when the rater ignored the format contract.
	Parsed []string `json:"parsed,omitempty"`
}

// StageThreeResult is the chairman's synthesis.
type StageThreeResult struct {
	Member   member.Member `json:"member"`
	Response string        `json:"response"`
}

// SessionResult is the complete outcome of one council session.
type SessionResult struct {
	Query  string            `json:"query"`
	Stage1 []StageOneResult  `json:"stage1"`
	Stage2 []StageTwoResult  `json:"stage2"`
	Stage3 *StageThreeResult `json:"stage3,omitempty"`
	// Aggregate is the combined ranking table, best first.
	Aggregate []AggregateEntry `json:"aggregate,omitempty"`
	// LabelToMember reveals which member hid behind each letter.
	LabelToMember map[string]string `json:"label_to_member,omitempty"`
	// Merge is set when a merge mode was requested.
	Merge *merge.Decision `json:"merge,omitempty"`
}

// MemberState tracks one member's progress through the current stage.
type MemberState string

const (
	StatePending MemberState = "pending"
	StateRunning MemberState = "running"
	StateDone    MemberState = "done"
	StateFailed  MemberState = "failed"
)

// ProgressEvent reports a stage transition or a per-member state change.
// Stage is 1..3; MemberIndex is -1 for stage-level events.
type ProgressEvent struct {
	Stage       int
	MemberIndex int
	Member      string
	State       MemberState
	Err         error
}

// ProgressFunc receives progress events as the session advances. It is
// called from multiple goroutines and must be safe for concurrent use.
type ProgressFunc func(ProgressEvent)
