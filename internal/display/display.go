// Package display renders session results for the terminal.
package display

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/opencouncil/council/internal/council"
	"github.com/opencouncil/council/internal/merge"
)

const (
	// stage1Preview bounds per-member output in the Stage-1 section.
	stage1Preview = 500
)

// Renderer writes formatted session results.
type Renderer struct {
	out io.Writer

	header  lipgloss.Style
	section lipgloss.Style
	label   lipgloss.Style
	faint   lipgloss.Style
	good    lipgloss.Style
	bad     lipgloss.Style
}

// NewRenderer creates a Renderer writing to out.
func NewRenderer(out io.Writer) *Renderer {
	return &Renderer{
		out:     out,
		header:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
		section: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14")),
		label:   lipgloss.NewStyle().Bold(true),
		faint:   lipgloss.NewStyle().Faint(true),
		good:    lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		bad:     lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
	}
}

// Render writes the full session result: per-member Stage-1 previews, the
// aggregate ranking with identities revealed, the chairman synthesis, and
// the merge outcome when one exists.
func (r *Renderer) Render(result *council.SessionResult) {
	r.printf("\n%s\n", r.header.Render("=== COUNCIL RESULTS ==="))

	r.printf("\n%s\n", r.section.Render("Stage 1 - Individual Responses"))
	for _, s1 := range result.Stage1 {
		r.printf("\n%s\n", r.label.Render(s1.Member.DisplayName))
		content := s1.Response
		if s1.Diff != "" {
			content = s1.Diff
		}
		r.printf("%s\n", truncate(content, stage1Preview))
	}

	if len(result.Aggregate) > 0 {
		r.printf("\n%s\n", r.section.Render("Stage 2 - Aggregate Ranking"))
		for i, entry := range result.Aggregate {
			letter := council.LetterOf(entry.Label)
			display := result.LabelToMember[letter]
			r.printf("  %d. %s  %s  %s\n",
				i+1,
				r.label.Render(entry.Label),
				r.faint.Render(fmt.Sprintf("(score %.2f)", entry.Score)),
				display)
		}
	} else if len(result.Stage2) > 0 {
		r.printf("\n%s\n", r.faint.Render("Stage 2 produced no parseable rankings."))
	}

	if result.Stage3 != nil {
		r.printf("\n%s\n", r.section.Render(fmt.Sprintf("Stage 3 - Final Synthesis (%s)", result.Stage3.Member.DisplayName)))
		r.printf("\n%s\n", result.Stage3.Response)
	}

	if result.Merge != nil {
		r.renderMerge(result.Merge)
	}
}

func (r *Renderer) renderMerge(d *merge.Decision) {
	r.printf("\n%s\n", r.section.Render("Merge"))
	switch d.Status {
	case merge.StatusMerged:
		r.printf("%s\n", r.good.Render(fmt.Sprintf("Merged changes from %s", d.Member)))
	case merge.StatusApplied:
		r.printf("%s\n", r.good.Render(fmt.Sprintf("Applied changes from %s (unstaged)", d.Member)))
	case merge.StatusDryRun:
		r.printf("Dry run: %d member(s) produced changes.\n", d.MembersWithDiffs)
	case merge.StatusNoChanges:
		r.printf("%s\n", r.faint.Render(d.Message))
	case merge.StatusCancelled:
		r.printf("%s\n", r.faint.Render(d.Message))
	case merge.StatusError:
		r.printf("%s\n", r.bad.Render(fmt.Sprintf("Merge failed: %s", d.Message)))
	}
}

// RenderConversationList writes a newest-first conversation listing with
// 1-based indexes matching Store.GetByIndex.
func (r *Renderer) RenderConversationList(titles []string, updated []string) {
	if len(titles) == 0 {
		r.printf("%s\n", r.faint.Render("No conversations yet."))
		return
	}
	for i, title := range titles {
		r.printf("  %d. %s  %s\n", i+1, r.label.Render(title), r.faint.Render(updated[i]))
	}
}

func (r *Renderer) printf(format string, args ...any) {
	fmt.Fprintf(r.out, format, args...)
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
