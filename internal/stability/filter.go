// Package stability guards the transcript against whisper's failure modes on
// quiet or ambiguous audio: hallucinated filler markers, a phrase stuck in a
// loop inside one chunk, and the same text re-emitted chunk after chunk.
package stability

import (
	"log/slog"
	"regexp"
	"strings"
	"unicode"
)

// Verdict explains why a candidate result was rejected.
type Verdict int

const (
	// Accepted means the text passed every check.
	Accepted Verdict = iota
	// RejectedMarker means the text matched a known hallucination marker.
	RejectedMarker
	// RejectedInternalRepeat means a short phrase loops from the start of
	// the text.
	RejectedInternalRepeat
	// RejectedCrossChunkRepeat means the last few results were all the
	// same text.
	RejectedCrossChunkRepeat
)

func (v Verdict) String() string {
	switch v {
	case Accepted:
		return "accepted"
	case RejectedMarker:
		return "marker"
	case RejectedInternalRepeat:
		return "internal_repeat"
	case RejectedCrossChunkRepeat:
		return "cross_chunk_repeat"
	default:
		return "unknown"
	}
}

// Markers whisper emits on silence or noise. Matched against the whole
// trimmed result, case-insensitively where letters occur.
var markerPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^\[BLANK_AUDIO\]$`),
	regexp.MustCompile(`(?i)^\(blank audio\)$`),
	regexp.MustCompile(`^\.+$`),
	regexp.MustCompile(`^,+$`),
	regexp.MustCompile(`^\s*$`),
}

const (
	// historyCap bounds the trailing result window.
	historyCap = 5
	// crossChunkWindow is how many trailing results must agree before a
	// candidate counts as a cross-chunk repeat.
	crossChunkWindow = 3
	// minRepeatWords is the minimum word count before the internal
	// repetition check applies at all.
	minRepeatWords = 6
	// phraseRepeatThreshold is how many contiguous occurrences of the
	// leading phrase trigger a rejection.
	phraseRepeatThreshold = 3
)

// Filter applies all three stability checks to candidate results. Every
// candidate is recorded in the trailing history regardless of verdict, so a
// stuck engine is detected even while its output is being dropped.
//
// A Filter is confined to the engine's processing goroutine.
type Filter struct {
	history []string
}

// NewFilter returns a Filter with empty history.
func NewFilter() *Filter {
	return &Filter{history: make([]string, 0, historyCap)}
}

// Check evaluates a candidate result and records it in the history.
func (f *Filter) Check(text string) Verdict {
	verdict := f.classify(text)
	f.push(text)
	if verdict != Accepted {
		slog.Debug("result rejected", "reason", verdict.String(), "text", text)
	}
	return verdict
}

// Reset clears the trailing history. Called at session start so results from
// a previous recording cannot trigger a cross-chunk rejection.
func (f *Filter) Reset() {
	f.history = f.history[:0]
}

func (f *Filter) classify(text string) Verdict {
	trimmed := strings.TrimSpace(text)
	for _, p := range markerPatterns {
		if p.MatchString(trimmed) {
			return RejectedMarker
		}
	}
	if hasInternalRepetition(trimmed) {
		return RejectedInternalRepeat
	}
	if f.isCrossChunkRepeat(trimmed) {
		return RejectedCrossChunkRepeat
	}
	return Accepted
}

func (f *Filter) push(text string) {
	if len(f.history) == historyCap {
		copy(f.history, f.history[1:])
		f.history = f.history[:historyCap-1]
	}
	f.history = append(f.history, text)
}

// isCrossChunkRepeat reports whether the candidate plus the trailing history
// forms a run of crossChunkWindow normalization-equal results.
func (f *Filter) isCrossChunkRepeat(candidate string) bool {
	if len(f.history) < crossChunkWindow-1 {
		return false
	}
	norm := normalize(candidate)
	if norm == "" {
		return false
	}
	for _, prev := range f.history[len(f.history)-(crossChunkWindow-1):] {
		if normalize(prev) != norm {
			return false
		}
	}
	return true
}

// hasInternalRepetition detects a leading phrase of 2 to 5 words repeated at
// least phraseRepeatThreshold times contiguously from the start of the text.
// Texts under minRepeatWords words are never rejected: short dictation
// legitimately repeats ("no no no").
func hasInternalRepetition(text string) bool {
	words := strings.Fields(normalize(text))
	if len(words) < minRepeatWords {
		return false
	}
	maxPhrase := len(words) / phraseRepeatThreshold
	if maxPhrase > 5 {
		maxPhrase = 5
	}
	for phraseLen := 2; phraseLen <= maxPhrase; phraseLen++ {
		count := 1
		for start := phraseLen; start+phraseLen <= len(words); start += phraseLen {
			if !equalWords(words[0:phraseLen], words[start:start+phraseLen]) {
				break
			}
			count++
		}
		if count >= phraseRepeatThreshold {
			return true
		}
	}
	return false
}

func equalWords(a, b []string) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// normalize lowercases, strips punctuation and collapses whitespace so that
// "Hello, world." and "hello world" compare equal.
func normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	lastSpace := true
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastSpace = false
		case unicode.IsSpace(r):
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}
