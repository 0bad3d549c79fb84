package stability

import "testing"

func TestFilterMarkers(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		text string
		want Verdict
	}{
		{"blank audio bracket", "[BLANK_AUDIO]", RejectedMarker},
		{"blank audio bracket lowercase", "[blank_audio]", RejectedMarker},
		{"blank audio parens", "(blank audio)", RejectedMarker},
		{"blank audio parens mixed case", "(Blank Audio)", RejectedMarker},
		{"dots only", "...", RejectedMarker},
		{"single dot", ".", RejectedMarker},
		{"commas only", ",,,", RejectedMarker},
		{"whitespace only", "   ", RejectedMarker},
		{"empty", "", RejectedMarker},
		{"padded marker", "  [BLANK_AUDIO]  ", RejectedMarker},
		{"marker inside sentence passes", "he said [BLANK_AUDIO] twice", Accepted},
		{"normal speech", "hello world", Accepted},
		{"sentence with trailing dots", "and then...", Accepted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := NewFilter().Check(tt.text); got != tt.want {
				t.Errorf("Check(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}

func TestFilterInternalRepetition(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		text string
		want Verdict
	}{
		{"looped pair", "go go go go go go", RejectedInternalRepeat},
		{"looped phrase", "thank you thank you thank you", RejectedInternalRepeat},
		{"looped phrase with punctuation", "Thank you. Thank you. Thank you.", RejectedInternalRepeat},
		{"loop then drift", "one two one two one two three four", RejectedInternalRepeat},
		{"short repeat passes", "no no no", Accepted},
		{"five words pass", "no no no no no", Accepted},
		{"two repeats pass", "one two one two five six", Accepted},
		{"normal sentence", "the quick brown fox jumps over the lazy dog", Accepted},
		{"repeat not at start passes", "well then go go go go go go", Accepted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := NewFilter().Check(tt.text); got != tt.want {
				t.Errorf("Check(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}

func TestFilterCrossChunkRepetition(t *testing.T) {
	t.Parallel()

	t.Run("third identical result rejected", func(t *testing.T) {
		t.Parallel()
		f := NewFilter()
		if got := f.Check("hello there"); got != Accepted {
			t.Fatalf("first Check() = %v, want Accepted", got)
		}
		if got := f.Check("hello there"); got != Accepted {
			t.Fatalf("second Check() = %v, want Accepted", got)
		}
		if got := f.Check("hello there"); got != RejectedCrossChunkRepeat {
			t.Errorf("third Check() = %v, want RejectedCrossChunkRepeat", got)
		}
	})

	t.Run("normalization equality", func(t *testing.T) {
		t.Parallel()
		f := NewFilter()
		f.Check("Hello, there.")
		f.Check("hello there")
		if got := f.Check("HELLO THERE!"); got != RejectedCrossChunkRepeat {
			t.Errorf("Check() = %v, want RejectedCrossChunkRepeat", got)
		}
	})

	t.Run("interrupted run resets", func(t *testing.T) {
		t.Parallel()
		f := NewFilter()
		f.Check("hello there")
		f.Check("hello there")
		f.Check("something else")
		if got := f.Check("hello there"); got != Accepted {
			t.Errorf("Check() after interruption = %v, want Accepted", got)
		}
	})

	t.Run("rejected results still count toward the run", func(t *testing.T) {
		t.Parallel()
		f := NewFilter()
		f.Check("hello there")
		f.Check("hello there")
		f.Check("hello there")
		// Fourth identical result: the previous rejection must not have
		// dropped the candidate from the history.
		if got := f.Check("hello there"); got != RejectedCrossChunkRepeat {
			t.Errorf("fourth Check() = %v, want RejectedCrossChunkRepeat", got)
		}
	})

	t.Run("reset clears history", func(t *testing.T) {
		t.Parallel()
		f := NewFilter()
		f.Check("hello there")
		f.Check("hello there")
		f.Reset()
		if got := f.Check("hello there"); got != Accepted {
			t.Errorf("Check() after Reset = %v, want Accepted", got)
		}
	})
}

func TestFilterHistoryBounded(t *testing.T) {
	t.Parallel()
	f := NewFilter()
	for i := 0; i < 100; i++ {
		f.Check("result")
	}
	if len(f.history) > historyCap {
		t.Errorf("history length = %d, want <= %d", len(f.history), historyCap)
	}
}
