// Package council orchestrates the three-stage deliberation protocol:
// members answer a query independently, rank each other's anonymized
// answers, and a chairman synthesizes the final response. In code mode
// each member works inside an isolated git worktree and the session can
// end with one member's change-set merged into the main line.
package council

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/opencouncil/council/internal/invoke"
	"github.com/opencouncil/council/internal/logging"
	"github.com/opencouncil/council/internal/member"
	"github.com/opencouncil/council/internal/merge"
	"github.com/opencouncil/council/internal/worktree"
)

// Trees is the workspace surface the session needs. A nil Trees disables
// worktree isolation even when the caller asks for it.
type Trees interface {
	Create(memberID string) (*worktree.Workspace, error)
	Diff(memberID string) (string, error)
	DestroyAll() error
}

// Merger decides and performs the post-synthesis merge.
type Merger interface {
	Decide(candidates []merge.Candidate, ranking []merge.RankedLabel, letterToIndex map[string]int, opts merge.Options) merge.Decision
}

// Session runs council deliberations for a fixed roster.
type Session struct {
	members  []member.Member
	chairman member.Member
	invoker  invoke.Invoker
	trees    Trees
	merger   Merger
	logger   *logging.Logger
	registry *logging.Registry
	progress ProgressFunc
}

// Params configures a Session. Invoker and at least one member are
// required; everything else is optional.
type Params struct {
	Members  []member.Member
	Chairman member.Member
	Invoker  invoke.Invoker
	Trees    Trees
	Merger   Merger
	Logger   *logging.Logger
	Registry *logging.Registry
	Progress ProgressFunc
}

// NewSession validates params and builds a Session.
func NewSession(p Params) (*Session, error) {
	if len(p.Members) == 0 {
		return nil, fmt.Errorf("council requires at least one member")
	}
	if p.Invoker == nil {
		return nil, fmt.Errorf("council requires an invoker")
	}
	if p.Logger == nil {
		p.Logger = logging.NopLogger()
	}
	return &Session{
		members:  p.Members,
		chairman: p.Chairman,
		invoker:  p.Invoker,
		trees:    p.Trees,
		merger:   p.Merger,
		logger:   p.Logger,
		registry: p.Registry,
		progress: p.Progress,
	}, nil
}

// Options controls a single Run.
type Options struct {
	// UseWorktrees runs each member in an isolated git worktree and
	// collects diffs. Requires a Trees on the session.
	UseWorktrees bool
	// Merge selects post-synthesis merge behavior. A non-empty mode
	// implies UseWorktrees.
	Merge merge.Options
	// Context is prior conversation history prepended to the Stage-1
	// prompt for text sessions.
	Context []invoke.Message
}

// Run executes one full council session. The returned SessionResult is
// populated as far as the session got even on error; ErrNoResponses is
// the only error that aborts before Stage 2.
func (s *Session) Run(ctx context.Context, query string, opts Options) (*SessionResult, error) {
	result := &SessionResult{Query: query}

	codeMode := opts.UseWorktrees && s.trees != nil
	if codeMode {
		// Worktrees from this or any interrupted prior session are torn
		// down no matter how the session ends.
		defer func() {
			if err := s.trees.DestroyAll(); err != nil {
				s.logger.Warn("workspace cleanup failed", "error", err)
			}
		}()
	}

	s.logger.Info("session started",
		"members", len(s.members), "code_mode", codeMode)

	result.Stage1 = s.runStage1(ctx, query, codeMode, opts.Context)
	if len(result.Stage1) == 0 {
		s.logger.Error("all members failed in stage 1")
		return result, ErrNoResponses
	}

	// Diffs replace response text in Stages 2 and 3 only when at least one
	// member actually changed something.
	useDiffs := false
	if codeMode {
		for _, r := range result.Stage1 {
			if r.Diff != "" {
				useDiffs = true
				break
			}
		}
	}

	kind := KindResponse
	if useDiffs {
		kind = KindProposal
	}

	// Labels are positional over the Stage-1 survivors; the letter is the
	// stable key, never the full token.
	letterToIndex := make(map[string]int, len(result.Stage1))
	result.LabelToMember = make(map[string]string, len(result.Stage1))
	for i, r := range result.Stage1 {
		letter := Letter(i)
		letterToIndex[letter] = r.MemberIndex
		result.LabelToMember[letter] = r.Member.DisplayName
	}

	result.Stage2 = s.runStage2(ctx, query, result.Stage1, kind, useDiffs)

	parsed := make([][]string, 0, len(result.Stage2))
	for _, r := range result.Stage2 {
		if len(r.Parsed) > 0 {
			parsed = append(parsed, r.Parsed)
		}
	}
	result.Aggregate = AggregateRankings(parsed)

	result.Stage3 = s.runStage3(ctx, query, result.Stage1, result.Stage2, useDiffs)

	if codeMode && opts.Merge.Mode != merge.ModeNone && s.merger != nil {
		decision := s.runMerge(result, letterToIndex, opts.Merge)
		result.Merge = &decision
	}

	s.logger.Info("session finished",
		"stage1_results", len(result.Stage1),
		"stage2_results", len(result.Stage2),
		"synthesized", result.Stage3 != nil)

	return result, nil
}

// runStage1 fans the query out to every member concurrently. Failures are
// logged and excluded; each member lands in its own indexed slot so output
// order matches roster order.
func (s *Session) runStage1(ctx context.Context, query string, codeMode bool, history []invoke.Message) []StageOneResult {
	s.emit(ProgressEvent{Stage: 1, MemberIndex: -1, State: StateRunning})

	// Workspaces are created serially before the fan-out: git worktree
	// commands take repository-wide locks, and the workspace registry is
	// only ever mutated here, never from member goroutines. A member whose
	// workspace cannot be created runs without isolation.
	workspaces := make([]*worktree.Workspace, len(s.members))
	if codeMode {
		for i, m := range s.members {
			ws, err := s.trees.Create(m.SafeID(i))
			if err != nil {
				s.memberLogger(i, m).Warn("workspace creation failed, running without isolation", "error", err)
				continue
			}
			workspaces[i] = ws
		}
	}

	slots := make([]*StageOneResult, len(s.members))

	var wg sync.WaitGroup
	for i, m := range s.members {
		wg.Add(1)
		go func(i int, m member.Member) {
			defer wg.Done()
			slots[i] = s.invokeMember(ctx, i, m, query, workspaces[i], history)
		}(i, m)
	}
	wg.Wait()

	results := make([]StageOneResult, 0, len(slots))
	for _, slot := range slots {
		if slot != nil {
			results = append(results, *slot)
		}
	}

	s.emit(ProgressEvent{Stage: 1, MemberIndex: -1, State: StateDone})
	return results
}

// invokeMember runs one member's Stage-1 invocation and extracts its
// workspace diff afterward. ws is nil when the member runs without
// isolation.
func (s *Session) invokeMember(ctx context.Context, i int, m member.Member, query string, ws *worktree.Workspace, history []invoke.Message) *StageOneResult {
	log := s.memberLogger(i, m)
	s.emit(ProgressEvent{Stage: 1, MemberIndex: i, Member: m.DisplayName, State: StateRunning})

	var workDir, workspaceID string
	if ws != nil {
		workDir = ws.Path
		workspaceID = ws.MemberID
	}

	// Conversation history is prepended in both modes, so a continued
	// conversation keeps its context in isolated runs too.
	turn := stage1Prompt(query)
	if ws != nil {
		turn = codeStage1Prompt(query, workDir)
	}
	messages := append(append([]invoke.Message{}, history...), invoke.Message{
		Role:    invoke.RoleUser,
		Content: turn,
	})
	prompt := invoke.FlattenMessages(messages)

	log.Info("stage 1 invocation started", "model", m.Model)
	res, err := s.invoker.Invoke(ctx, m, prompt, workDir)
	if err != nil {
		log.Error("stage 1 invocation failed", "error", err)
		s.emit(ProgressEvent{Stage: 1, MemberIndex: i, Member: m.DisplayName, State: StateFailed, Err: err})
		return nil
	}

	out := &StageOneResult{
		MemberIndex: i,
		Member:      m,
		Response:    res.Content,
		WorkspaceID: workspaceID,
	}

	if workspaceID != "" {
		diff, err := s.trees.Diff(workspaceID)
		if err != nil {
			log.Warn("diff extraction failed", "error", err)
		} else {
			out.Diff = diff
		}
	}

	log.Info("stage 1 invocation finished",
		"response_bytes", len(res.Content), "diff_bytes", len(out.Diff))
	s.emit(ProgressEvent{Stage: 1, MemberIndex: i, Member: m.DisplayName, State: StateDone})
	return out
}

// runStage2 builds one shared anonymized prompt and has every configured
// member rank it concurrently. Raters see diffs when useDiffs is set,
// response text otherwise.
func (s *Session) runStage2(ctx context.Context, query string, stage1 []StageOneResult, kind string, useDiffs bool) []StageTwoResult {
	s.emit(ProgressEvent{Stage: 2, MemberIndex: -1, State: StateRunning})

	var b strings.Builder
	for i, r := range stage1 {
		content := r.Response
		if useDiffs {
			content = r.Diff
			if content == "" {
				content = "(no code changes)"
			}
		}
		fmt.Fprintf(&b, "%s:\n%s\n\n", Token(kind, i), content)
	}
	prompt := stage2Prompt(query, b.String(), useDiffs)

	slots := make([]*StageTwoResult, len(s.members))

	var wg sync.WaitGroup
	for i, m := range s.members {
		wg.Add(1)
		go func(i int, m member.Member) {
			defer wg.Done()
			log := s.memberLogger(i, m)
			s.emit(ProgressEvent{Stage: 2, MemberIndex: i, Member: m.DisplayName, State: StateRunning})

			res, err := s.invoker.Invoke(ctx, m, prompt, "")
			if err != nil {
				log.Error("stage 2 invocation failed", "error", err)
				s.emit(ProgressEvent{Stage: 2, MemberIndex: i, Member: m.DisplayName, State: StateFailed, Err: err})
				return
			}

			parsed := ParseRanking(res.Content)
			if len(parsed) == 0 {
				log.Warn("ranking reply had no parseable ranking")
			}
			slots[i] = &StageTwoResult{
				MemberIndex: i,
				Member:      m,
				Ranking:     res.Content,
				Parsed:      parsed,
			}
			s.emit(ProgressEvent{Stage: 2, MemberIndex: i, Member: m.DisplayName, State: StateDone})
		}(i, m)
	}
	wg.Wait()

	results := make([]StageTwoResult, 0, len(slots))
	for _, slot := range slots {
		if slot != nil {
			results = append(results, *slot)
		}
	}

	s.emit(ProgressEvent{Stage: 2, MemberIndex: -1, State: StateDone})
	return results
}

// runStage3 asks the chairman for the final synthesis. The chairman sees
// every Stage-1 response and Stage-2 ranking verbatim and non-anonymized;
// only the template switches in code mode, never the content. Failure
// substitutes a fixed fallback text; it never fails the session.
func (s *Session) runStage3(ctx context.Context, query string, stage1 []StageOneResult, stage2 []StageTwoResult, useDiffs bool) *StageThreeResult {
	s.emit(ProgressEvent{Stage: 3, MemberIndex: -1, Member: s.chairman.DisplayName, State: StateRunning})

	var s1 strings.Builder
	for _, r := range stage1 {
		fmt.Fprintf(&s1, "Model: %s\nResponse: %s\n\n", r.Member.DisplayName, r.Response)
	}

	var s2 strings.Builder
	for _, r := range stage2 {
		fmt.Fprintf(&s2, "Model: %s\nRanking: %s\n\n", r.Member.DisplayName, r.Ranking)
	}

	prompt := stage3Prompt(query, s1.String(), s2.String(), useDiffs)

	res, err := s.invoker.Invoke(ctx, s.chairman, prompt, "")
	if err != nil {
		s.logger.Error("chairman synthesis failed", "error", err)
		s.emit(ProgressEvent{Stage: 3, MemberIndex: -1, Member: s.chairman.DisplayName, State: StateFailed, Err: err})
		return &StageThreeResult{Member: s.chairman, Response: fallbackSynthesis}
	}

	s.emit(ProgressEvent{Stage: 3, MemberIndex: -1, Member: s.chairman.DisplayName, State: StateDone})
	return &StageThreeResult{Member: s.chairman, Response: res.Content}
}

// runMerge hands the diff-bearing Stage-1 results and the aggregate
// ranking to the merge engine.
func (s *Session) runMerge(result *SessionResult, letterToIndex map[string]int, opts merge.Options) merge.Decision {
	var candidates []merge.Candidate
	for _, r := range result.Stage1 {
		if r.Diff == "" || r.WorkspaceID == "" {
			continue
		}
		candidates = append(candidates, merge.Candidate{
			MemberIndex: r.MemberIndex,
			MemberID:    r.WorkspaceID,
			Display:     r.Member.DisplayName,
			Diff:        r.Diff,
		})
	}

	ranking := make([]merge.RankedLabel, 0, len(result.Aggregate))
	for _, e := range result.Aggregate {
		ranking = append(ranking, merge.RankedLabel{Label: e.Label, Score: e.Score})
	}

	return s.merger.Decide(candidates, ranking, letterToIndex, opts)
}

// GenerateTitle asks the chairman for a short conversation title, falling
// back to a truncated query when the invocation fails.
func (s *Session) GenerateTitle(ctx context.Context, query string) string {
	res, err := s.invoker.Invoke(ctx, s.chairman, titlePrompt(query), "")
	if err != nil || strings.TrimSpace(res.Content) == "" {
		s.logger.Debug("title generation failed, using query", "error", err)
		return truncateTitle(query)
	}
	return truncateTitle(strings.Trim(strings.TrimSpace(res.Content), `"`))
}

func truncateTitle(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= 60 {
		return s
	}
	return s[:57] + "..."
}

func (s *Session) memberLogger(i int, m member.Member) *logging.Logger {
	if s.registry == nil {
		return s.logger.WithMember(i, m.DisplayName)
	}
	return s.registry.Member(i, m.DisplayName)
}

func (s *Session) emit(ev ProgressEvent) {
	if s.progress != nil {
		s.progress(ev)
	}
}
