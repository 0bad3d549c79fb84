package session

import (
	"testing"
	"time"
)

func TestCommandDetectorScan(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		text          string
		wantRewritten string
		wantFired     int
	}{
		{
			name:          "plain speech passes through",
			text:          "let me walk you through the design",
			wantRewritten: "let me walk you through the design",
		},
		{
			name:          "screenshot with article",
			text:          "please take a screenshot of this",
			wantRewritten: "please " + ScreenshotMarker + " of this",
			wantFired:     1,
		},
		{
			name:          "screenshot without article",
			text:          "take screenshot",
			wantRewritten: ScreenshotMarker,
			wantFired:     1,
		},
		{
			name:          "case insensitive",
			text:          "TAKE A SCREENSHOT",
			wantRewritten: ScreenshotMarker,
			wantFired:     1,
		},
		{
			name:          "partial phrase does not fire",
			text:          "I will take a screen later",
			wantRewritten: "I will take a screen later",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d := newCommandDetector(time.Now)
			rewritten, fired := d.scan(tt.text)
			if rewritten != tt.wantRewritten {
				t.Errorf("rewritten = %q, want %q", rewritten, tt.wantRewritten)
			}
			if len(fired) != tt.wantFired {
				t.Errorf("fired = %d commands, want %d", len(fired), tt.wantFired)
			}
		})
	}
}

func TestCommandDetectorCooldown(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	d := newCommandDetector(func() time.Time { return now })

	if _, fired := d.scan("take a screenshot"); len(fired) != 1 {
		t.Fatalf("first scan fired %d commands, want 1", len(fired))
	}

	now = now.Add(1500 * time.Millisecond)
	rewritten, fired := d.scan("take a screenshot")
	if len(fired) != 0 {
		t.Errorf("scan inside cooldown fired %d commands, want 0", len(fired))
	}
	if rewritten != "take a screenshot" {
		t.Errorf("suppressed phrase rewritten to %q", rewritten)
	}

	now = now.Add(time.Second)
	if _, fired := d.scan("take a screenshot"); len(fired) != 1 {
		t.Errorf("scan after cooldown fired %d commands, want 1", len(fired))
	}

	d.reset()
	if _, fired := d.scan("take a screenshot"); len(fired) != 1 {
		t.Errorf("scan after reset fired %d commands, want 1", len(fired))
	}
}
