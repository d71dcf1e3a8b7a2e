package council

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencouncil/council/internal/invoke"
	"github.com/opencouncil/council/internal/member"
	"github.com/opencouncil/council/internal/merge"
	"github.com/opencouncil/council/internal/worktree"
)

// fakeInvoker scripts responses per model and stage. The stage is inferred
// from the prompt text.
type fakeInvoker struct {
	mu       sync.Mutex
	stage1   map[string]string
	stage2   map[string]string
	stage3   string
	fail     map[string]bool
	failRank map[string]bool
	failSyn  bool
	prompts  []string
}

func (f *fakeInvoker) Invoke(ctx context.Context, m member.Member, prompt, workDir string) (invoke.Result, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	f.mu.Unlock()

	switch {
	case strings.Contains(prompt, "Chairman"):
		if f.failSyn {
			return invoke.Result{}, errors.New("chairman unavailable")
		}
		return invoke.Result{Content: f.stage3}, nil
	case strings.Contains(prompt, "FINAL RANKING"):
		if f.failRank[m.Model] {
			return invoke.Result{}, errors.New("rater unavailable")
		}
		return invoke.Result{Content: f.stage2[m.Model]}, nil
	default:
		if f.fail[m.Model] {
			return invoke.Result{}, errors.New("model unavailable")
		}
		return invoke.Result{Content: f.stage1[m.Model]}, nil
	}
}

func members(t *testing.T, specs ...string) []member.Member {
	t.Helper()
	ms, err := member.ParseAll(specs)
	require.NoError(t, err)
	return ms
}

func newTestSession(t *testing.T, inv invoke.Invoker, ms []member.Member) *Session {
	t.Helper()
	chair, err := member.Parse("chairman-model")
	require.NoError(t, err)
	s, err := NewSession(Params{Members: ms, Chairman: chair, Invoker: inv})
	require.NoError(t, err)
	return s
}

func TestRunTextSession(t *testing.T) {
	inv := &fakeInvoker{
		stage1: map[string]string{
			"alpha": "answer from alpha",
			"beta":  "answer from beta",
		},
		stage2: map[string]string{
			"alpha": "FINAL RANKING:\n1. Response B\n2. Response A",
			"beta":  "FINAL RANKING:\n1. Response B\n2. Response A",
		},
		stage3: "the synthesized answer",
	}
	s := newTestSession(t, inv, members(t, "alpha", "beta"))

	result, err := s.Run(context.Background(), "what is truth", Options{})
	require.NoError(t, err)

	require.Len(t, result.Stage1, 2)
	assert.Equal(t, "answer from alpha", result.Stage1[0].Response)
	require.Len(t, result.Stage2, 2)
	assert.Equal(t, []string{"Response B", "Response A"}, result.Stage2[0].Parsed)

	require.Len(t, result.Aggregate, 2)
	assert.Equal(t, "Response B", result.Aggregate[0].Label)

	require.NotNil(t, result.Stage3)
	assert.Equal(t, "the synthesized answer", result.Stage3.Response)

	assert.Equal(t, "alpha", result.LabelToMember["A"])
	assert.Equal(t, "beta", result.LabelToMember["B"])
}

func TestRunAllMembersFail(t *testing.T) {
	inv := &fakeInvoker{fail: map[string]bool{"alpha": true, "beta": true}}
	s := newTestSession(t, inv, members(t, "alpha", "beta"))

	result, err := s.Run(context.Background(), "q", Options{})
	require.ErrorIs(t, err, ErrNoResponses)
	assert.Empty(t, result.Stage1)
	assert.Empty(t, result.Stage2)
	assert.Nil(t, result.Stage3)
}

func TestRunPartialFailureShiftsLabels(t *testing.T) {
	// beta fails Stage 1, so gamma's response becomes "Response B":
	// labels are positional over the survivors, not the roster.
	inv := &fakeInvoker{
		stage1: map[string]string{
			"alpha": "from alpha",
			"gamma": "from gamma",
		},
		fail: map[string]bool{"beta": true},
		stage2: map[string]string{
			"alpha": "FINAL RANKING:\n1. Response A\n2. Response B",
			"beta":  "FINAL RANKING:\n1. Response A\n2. Response B",
			"gamma": "FINAL RANKING:\n1. Response A\n2. Response B",
		},
		stage3: "done",
	}
	s := newTestSession(t, inv, members(t, "alpha", "beta", "gamma"))

	result, err := s.Run(context.Background(), "q", Options{})
	require.NoError(t, err)

	require.Len(t, result.Stage1, 2)
	assert.Equal(t, 0, result.Stage1[0].MemberIndex)
	assert.Equal(t, 2, result.Stage1[1].MemberIndex)

	assert.Equal(t, "alpha", result.LabelToMember["A"])
	assert.Equal(t, "gamma", result.LabelToMember["B"])

	// The failed member still rates in Stage 2.
	assert.Len(t, result.Stage2, 3)
}

func TestRunDuplicateModels(t *testing.T) {
	// Two members with identical specs stay distinguishable by position.
	inv := &fakeInvoker{
		stage1: map[string]string{"alpha": "same model twice"},
		stage2: map[string]string{"alpha": "FINAL RANKING:\n1. Response A\n2. Response B"},
		stage3: "done",
	}
	s := newTestSession(t, inv, members(t, "alpha", "alpha"))

	result, err := s.Run(context.Background(), "q", Options{})
	require.NoError(t, err)

	require.Len(t, result.Stage1, 2)
	assert.Equal(t, 0, result.Stage1[0].MemberIndex)
	assert.Equal(t, 1, result.Stage1[1].MemberIndex)
	assert.Equal(t, "alpha", result.LabelToMember["A"])
	assert.Equal(t, "alpha", result.LabelToMember["B"])
}

func TestRunChairmanFallback(t *testing.T) {
	inv := &fakeInvoker{
		stage1:  map[string]string{"alpha": "answer"},
		stage2:  map[string]string{"alpha": "FINAL RANKING:\n1. Response A"},
		failSyn: true,
	}
	s := newTestSession(t, inv, members(t, "alpha"))

	result, err := s.Run(context.Background(), "q", Options{})
	require.NoError(t, err)
	require.NotNil(t, result.Stage3)
	assert.Equal(t, fallbackSynthesis, result.Stage3.Response)
}

func TestRunUnparseableRankingsTolerated(t *testing.T) {
	inv := &fakeInvoker{
		stage1: map[string]string{"alpha": "a", "beta": "b"},
		stage2: map[string]string{
			"alpha": "I decline to use the format.",
			"beta":  "also no ranking here",
		},
		stage3: "done",
	}
	s := newTestSession(t, inv, members(t, "alpha", "beta"))

	result, err := s.Run(context.Background(), "q", Options{})
	require.NoError(t, err)
	assert.Len(t, result.Stage2, 2)
	assert.Empty(t, result.Aggregate)
	require.NotNil(t, result.Stage3)
}

func TestStage2PromptSharedAndAnonymized(t *testing.T) {
	inv := &fakeInvoker{
		stage1: map[string]string{"alpha": "alpha says hi", "beta": "beta says hi"},
		stage2: map[string]string{
			"alpha": "FINAL RANKING:\n1. Response A\n2. Response B",
			"beta":  "FINAL RANKING:\n1. Response A\n2. Response B",
		},
		stage3: "done",
	}
	s := newTestSession(t, inv, members(t, "alpha", "beta"))

	_, err := s.Run(context.Background(), "q", Options{})
	require.NoError(t, err)

	var rankingPrompts []string
	for _, p := range inv.prompts {
		if strings.Contains(p, "FINAL RANKING") && strings.Contains(p, "alpha says hi") && !strings.Contains(p, "Chairman") {
			rankingPrompts = append(rankingPrompts, p)
		}
	}
	require.Len(t, rankingPrompts, 2)
	assert.Equal(t, rankingPrompts[0], rankingPrompts[1])
	assert.NotContains(t, rankingPrompts[0], "alpha:")
	assert.Contains(t, rankingPrompts[0], "Response A:")
}

// fakeTrees implements Trees in memory; diffs are scripted per member id.
type fakeTrees struct {
	mu        sync.Mutex
	diffs     map[string]string
	created   []string
	destroyed bool
	failAll   bool
}

func (f *fakeTrees) Create(memberID string) (*worktree.Workspace, error) {
	if f.failAll {
		return nil, errors.New("worktree add failed")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, memberID)
	return &worktree.Workspace{
		MemberID: memberID,
		Path:     "/tmp/trees/" + memberID,
		Branch:   "council/" + memberID,
	}, nil
}

func (f *fakeTrees) Diff(memberID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.diffs[memberID], nil
}

func (f *fakeTrees) DestroyAll() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = true
	return nil
}

// recordingMerger captures what the session hands to the merge engine.
type recordingMerger struct {
	candidates []merge.Candidate
	ranking    []merge.RankedLabel
	letters    map[string]int
	decision   merge.Decision
}

func (r *recordingMerger) Decide(candidates []merge.Candidate, ranking []merge.RankedLabel, letterToIndex map[string]int, opts merge.Options) merge.Decision {
	r.candidates = candidates
	r.ranking = ranking
	r.letters = letterToIndex
	return r.decision
}

func TestRunCodeModeRanksDiffs(t *testing.T) {
	trees := &fakeTrees{diffs: map[string]string{
		"member_0_alpha": "diff --git a/x b/x\n+change by alpha",
		"member_1_beta":  "",
	}}
	inv := &fakeInvoker{
		stage1: map[string]string{"alpha": "changed x", "beta": "did nothing"},
		stage2: map[string]string{
			"alpha": "FINAL RANKING:\n1. Proposal A\n2. Proposal B",
			"beta":  "FINAL RANKING:\n1. Proposal A\n2. Proposal B",
		},
		stage3: "final",
	}
	chair, err := member.Parse("chairman-model")
	require.NoError(t, err)
	s, err := NewSession(Params{
		Members:  members(t, "alpha", "beta"),
		Chairman: chair,
		Invoker:  inv,
		Trees:    trees,
	})
	require.NoError(t, err)

	result, err := s.Run(context.Background(), "fix x", Options{UseWorktrees: true})
	require.NoError(t, err)

	assert.Equal(t, []string{"member_0_alpha", "member_1_beta"}, trees.created)
	assert.True(t, trees.destroyed)

	require.Len(t, result.Stage1, 2)
	assert.Contains(t, result.Stage1[0].Diff, "change by alpha")
	assert.Equal(t, "Proposal A", result.Aggregate[0].Label)

	// Raters saw the diff, not the response text, with the member with no
	// changes shown as such.
	var sawRankingPrompt bool
	for _, p := range inv.prompts {
		if strings.Contains(p, "Proposal A:") {
			sawRankingPrompt = true
			assert.Contains(t, p, "change by alpha")
			assert.Contains(t, p, "(no code changes)")
			assert.NotContains(t, p, "changed x")
		}
	}
	assert.True(t, sawRankingPrompt)
}

func TestStage3PromptUsesResponsesInCodeMode(t *testing.T) {
	// The chairman sees Stage-1 response text verbatim even when the
	// session ranked diffs; only the template switches in code mode.
	trees := &fakeTrees{diffs: map[string]string{
		"member_0_alpha": "+the diff for member_0_alpha",
	}}
	inv := &fakeInvoker{
		stage1: map[string]string{"alpha": "I changed x and here is why"},
		stage2: map[string]string{"alpha": "FINAL RANKING:\n1. Proposal A"},
		stage3: "final",
	}
	chair, err := member.Parse("chairman-model")
	require.NoError(t, err)
	s, err := NewSession(Params{
		Members:  members(t, "alpha"),
		Chairman: chair,
		Invoker:  inv,
		Trees:    trees,
	})
	require.NoError(t, err)

	_, err = s.Run(context.Background(), "fix x", Options{UseWorktrees: true})
	require.NoError(t, err)

	var chairmanPrompt string
	for _, p := range inv.prompts {
		if strings.Contains(p, "Chairman") {
			chairmanPrompt = p
		}
	}
	require.NotEmpty(t, chairmanPrompt)
	assert.Contains(t, chairmanPrompt, "Response: I changed x and here is why")
	assert.NotContains(t, chairmanPrompt, "+the diff for member_0_alpha")
	// Code-mode session still gets the code-review template.
	assert.Contains(t, chairmanPrompt, "Individual Proposals")
}

// eventLog records cross-fake call ordering.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

// loggingTrees records workspace creations in call order.
type loggingTrees struct {
	fakeTrees
	log *eventLog
}

func (l *loggingTrees) Create(memberID string) (*worktree.Workspace, error) {
	l.log.add("create " + memberID)
	return l.fakeTrees.Create(memberID)
}

// loggingInvoker records Stage-1 invocations.
type loggingInvoker struct {
	inner *fakeInvoker
	log   *eventLog
}

func (l *loggingInvoker) Invoke(ctx context.Context, m member.Member, prompt, workDir string) (invoke.Result, error) {
	if !strings.Contains(prompt, "Chairman") && !strings.Contains(prompt, "FINAL RANKING") {
		l.log.add("invoke " + m.Model)
	}
	return l.inner.Invoke(ctx, m, prompt, workDir)
}

func TestStage1WorkspaceCreationPrecedesFanOut(t *testing.T) {
	// All worktrees are created serially before any member invocation
	// starts; git cannot take concurrent worktree locks.
	log := &eventLog{}
	trees := &loggingTrees{log: log, fakeTrees: fakeTrees{diffs: map[string]string{}}}
	inv := &loggingInvoker{log: log, inner: &fakeInvoker{
		stage1: map[string]string{"alpha": "a", "beta": "b"},
		stage2: map[string]string{
			"alpha": "FINAL RANKING:\n1. Response A\n2. Response B",
			"beta":  "FINAL RANKING:\n1. Response A\n2. Response B",
		},
		stage3: "final",
	}}
	chair, err := member.Parse("chairman-model")
	require.NoError(t, err)
	s, err := NewSession(Params{
		Members:  members(t, "alpha", "beta"),
		Chairman: chair,
		Invoker:  inv,
		Trees:    trees,
	})
	require.NoError(t, err)

	_, err = s.Run(context.Background(), "q", Options{UseWorktrees: true})
	require.NoError(t, err)

	events := log.snapshot()
	require.GreaterOrEqual(t, len(events), 4)
	assert.Equal(t, []string{"create member_0_alpha", "create member_1_beta"}, events[:2])
	for _, e := range events[2:] {
		assert.True(t, strings.HasPrefix(e, "invoke "), "event %q after creations", e)
	}
}

func TestCodeModeKeepsConversationHistory(t *testing.T) {
	trees := &fakeTrees{diffs: map[string]string{}}
	inv := &fakeInvoker{
		stage1: map[string]string{"alpha": "a"},
		stage2: map[string]string{"alpha": "FINAL RANKING:\n1. Response A"},
		stage3: "final",
	}
	chair, err := member.Parse("chairman-model")
	require.NoError(t, err)
	s, err := NewSession(Params{
		Members:  members(t, "alpha"),
		Chairman: chair,
		Invoker:  inv,
		Trees:    trees,
	})
	require.NoError(t, err)

	_, err = s.Run(context.Background(), "follow-up", Options{
		UseWorktrees: true,
		Context: []invoke.Message{
			{Role: invoke.RoleUser, Content: "earlier question"},
			{Role: invoke.RoleAssistant, Content: "earlier answer"},
		},
	})
	require.NoError(t, err)

	var stage1Prompt string
	for _, p := range inv.prompts {
		if strings.Contains(p, "Current working directory") {
			stage1Prompt = p
		}
	}
	require.NotEmpty(t, stage1Prompt)
	assert.Contains(t, stage1Prompt, "earlier question")
	assert.Contains(t, stage1Prompt, "[Assistant]: earlier answer")
	assert.Contains(t, stage1Prompt, "follow-up")
}

func TestRunMergeDispatch(t *testing.T) {
	trees := &fakeTrees{diffs: map[string]string{
		"member_0_alpha": "+alpha diff",
		"member_1_beta":  "+beta diff",
	}}
	merger := &recordingMerger{decision: merge.Decision{Status: merge.StatusMerged, Member: "beta"}}
	inv := &fakeInvoker{
		stage1: map[string]string{"alpha": "a", "beta": "b"},
		stage2: map[string]string{
			"alpha": "FINAL RANKING:\n1. Proposal B\n2. Proposal A",
			"beta":  "FINAL RANKING:\n1. Proposal B\n2. Proposal A",
		},
		stage3: "final",
	}
	chair, err := member.Parse("chairman-model")
	require.NoError(t, err)
	s, err := NewSession(Params{
		Members:  members(t, "alpha", "beta"),
		Chairman: chair,
		Invoker:  inv,
		Trees:    trees,
		Merger:   merger,
	})
	require.NoError(t, err)

	result, err := s.Run(context.Background(), "q", Options{
		UseWorktrees: true,
		Merge:        merge.Options{Mode: merge.ModeAuto},
	})
	require.NoError(t, err)

	require.NotNil(t, result.Merge)
	assert.Equal(t, merge.StatusMerged, result.Merge.Status)

	require.Len(t, merger.candidates, 2)
	assert.Equal(t, "member_0_alpha", merger.candidates[0].MemberID)
	require.NotEmpty(t, merger.ranking)
	assert.Equal(t, "Proposal B", merger.ranking[0].Label)
	assert.Equal(t, map[string]int{"A": 0, "B": 1}, merger.letters)
}

func TestRunWorkspaceCreationFailureDowngrades(t *testing.T) {
	trees := &fakeTrees{failAll: true}
	inv := &fakeInvoker{
		stage1: map[string]string{"alpha": "ran without isolation"},
		stage2: map[string]string{"alpha": "FINAL RANKING:\n1. Response A"},
		stage3: "final",
	}
	chair, err := member.Parse("chairman-model")
	require.NoError(t, err)
	s, err := NewSession(Params{
		Members:  members(t, "alpha"),
		Chairman: chair,
		Invoker:  inv,
		Trees:    trees,
	})
	require.NoError(t, err)

	result, err := s.Run(context.Background(), "q", Options{UseWorktrees: true})
	require.NoError(t, err)

	require.Len(t, result.Stage1, 1)
	assert.Empty(t, result.Stage1[0].WorkspaceID)
	assert.Empty(t, result.Stage1[0].Diff)
	// No diffs anywhere, so the session ranks responses, not proposals.
	assert.Equal(t, "Response A", result.Aggregate[0].Label)
	assert.True(t, trees.destroyed)
}

func TestProgressEvents(t *testing.T) {
	var mu sync.Mutex
	var events []ProgressEvent
	inv := &fakeInvoker{
		stage1: map[string]string{"alpha": "a"},
		stage2: map[string]string{"alpha": "FINAL RANKING:\n1. Response A"},
		stage3: "final",
	}
	chair, err := member.Parse("chairman-model")
	require.NoError(t, err)
	s, err := NewSession(Params{
		Members:  members(t, "alpha"),
		Chairman: chair,
		Invoker:  inv,
		Progress: func(ev ProgressEvent) {
			mu.Lock()
			events = append(events, ev)
			mu.Unlock()
		},
	})
	require.NoError(t, err)

	_, err = s.Run(context.Background(), "q", Options{})
	require.NoError(t, err)

	stages := make(map[int]bool)
	for _, ev := range events {
		stages[ev.Stage] = true
		assert.NotEqual(t, StateFailed, ev.State, fmt.Sprintf("unexpected failure event: %+v", ev))
	}
	assert.True(t, stages[1] && stages[2] && stages[3])
}

func TestGenerateTitleFallback(t *testing.T) {
	inv := &fakeInvoker{failSyn: false, stage3: ""}
	s := newTestSession(t, inv, members(t, "alpha"))

	// Chairman prompt path returns empty content, so the query wins.
	long := strings.Repeat("x", 100)
	title := s.GenerateTitle(context.Background(), long)
	assert.Len(t, title, 60)
	assert.True(t, strings.HasSuffix(title, "..."))
}
