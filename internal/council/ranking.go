package council

import (
	"regexp"
	"sort"
	"strings"
)

// rankingMarker is the literal section header a rater must emit before its
// ordered list. Text before the first marker is ignored entirely.
const rankingMarker = "FINAL RANKING:"

// rankingPattern matches one numbered ranking entry, e.g. "1. Response A"
// or "2.  Proposal C".
var rankingPattern = regexp.MustCompile(`\d+\.\s*(Response|Proposal)\s+([A-Z])`)

// ParseRanking extracts the ordered label tokens from a rater's free-text
// reply. A reply without the marker yields an empty sequence, never an
// error: callers must tolerate unparseable rankings. Duplicate or missing
// letters pass through as-is; validating against the actual label set is
// the caller's concern.
func ParseRanking(text string) []string {
	_, after, found := strings.Cut(text, rankingMarker)
	if !found {
		return nil
	}

	matches := rankingPattern.FindAllStringSubmatch(after, -1)
	if len(matches) == 0 {
		return nil
	}

	tokens := make([]string, 0, len(matches))
	for _, m := range matches {
		tokens = append(tokens, m[1]+" "+m[2])
	}
	return tokens
}

// AggregateEntry is one row of the aggregate ranking table.
type AggregateEntry struct {
	Label string
	Score float64
}

// AggregateRankings combines per-rater parsed sequences into one ordered
// score table. In a sequence of length k, the label at 1-based position p
// scores k−p+1; each label's aggregate is the arithmetic mean over the
// raters that mentioned it. Labels no rater mentioned are excluded.
//
// Sorting is descending by mean score. Equal scores order by first
// appearance across the full set of sequences (raters in order, positions
// in order), which makes the result deterministic regardless of map
// iteration order.
func AggregateRankings(rankings [][]string) []AggregateEntry {
	scores := make(map[string][]int)
	firstSeen := make(map[string]int)
	seen := 0

	for _, ranking := range rankings {
		k := len(ranking)
		for p, label := range ranking {
			if _, ok := firstSeen[label]; !ok {
				firstSeen[label] = seen
				seen++
			}
			scores[label] = append(scores[label], k-p)
		}
	}

	entries := make([]AggregateEntry, 0, len(scores))
	for label, s := range scores {
		sum := 0
		for _, v := range s {
			sum += v
		}
		entries = append(entries, AggregateEntry{
			Label: label,
			Score: float64(sum) / float64(len(s)),
		})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score > entries[j].Score
		}
		return firstSeen[entries[i].Label] < firstSeen[entries[j].Label]
	})

	return entries
}
