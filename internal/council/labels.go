package council

import "strings"

// Kinds of ranked content. Text sessions rank responses; code sessions
// with at least one diff rank proposals.
const (
	KindResponse = "Response"
	KindProposal = "Proposal"
)

// Letter returns the anonymized label for the Stage-1 result at position i:
// the first entry is "A", the second "B", and so on. Labels are purely
// positional and say nothing about member identity.
func Letter(i int) string {
	return string(rune('A' + i))
}

// Token returns the full ranked-content token for position i, e.g.
// "Response A" or "Proposal C".
func Token(kind string, i int) string {
	return kind + " " + Letter(i)
}

// LetterOf extracts the bare letter from a ranking token. Both
// "Response B" and "Proposal B" yield "B"; a bare letter passes through.
func LetterOf(token string) string {
	if i := strings.LastIndexByte(token, ' '); i >= 0 {
		return token[i+1:]
	}
	return token
}
