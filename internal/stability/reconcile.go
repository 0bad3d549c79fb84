package stability

import "strings"

// minReconcileWords is the smallest suffix/prefix word match that counts as
// genuine overlap. Shorter matches are too likely to be coincidence
// ("the", "and the").
const minReconcileWords = 3

// Reconcile removes duplicated words from the front of candidate when the
// chunker carries overlapping audio between frames. It finds the longest run
// of words, at least minReconcileWords long, that is both a suffix of
// existing and a prefix of candidate (compared case-insensitively) and
// returns candidate with that run dropped. Without such a run, candidate is
// returned unchanged.
//
// Reconcile is pure: it never mutates its inputs and has no state. It must
// only be applied when frames actually overlap; with a gapless chunker the
// caller appends the full candidate.
func Reconcile(existing, candidate string) string {
	existingWords := strings.Fields(existing)
	candidateWords := strings.Fields(candidate)

	maxLen := len(existingWords)
	if len(candidateWords) < maxLen {
		maxLen = len(candidateWords)
	}
	for l := maxLen; l >= minReconcileWords; l-- {
		if foldEqualWords(existingWords[len(existingWords)-l:], candidateWords[:l]) {
			return strings.Join(candidateWords[l:], " ")
		}
	}
	return candidate
}

func foldEqualWords(a, b []string) bool {
	for i := range a {
		if !strings.EqualFold(a[i], b[i]) {
			return false
		}
	}
	return true
}
