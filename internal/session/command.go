package session

import (
	"log/slog"
	"regexp"
	"time"
)

// ScreenshotMarker is written into the transcript in place of the spoken
// command so the saved text records that a capture happened at that point.
const ScreenshotMarker = "[SCREENSHOT]"

// commandCooldown is the minimum time between two firings of the same voice
// command. Overlapping audio means the same spoken phrase can surface in two
// consecutive results; the cooldown keeps it from acting twice.
const commandCooldown = 2000 * time.Millisecond

// Command pairs a compiled regex with the transcript marker that replaces
// the spoken phrase when the command fires.
type Command struct {
	// Name is a stable identifier for logging and metrics.
	Name string

	// Regex matches the spoken phrase inside newly recognized text.
	Regex *regexp.Regexp

	// Marker replaces the matched phrase in the transcript.
	Marker string
}

func defaultCommands() []Command {
	return []Command{
		{
			Name:   "screenshot",
			Regex:  regexp.MustCompile(`(?i)take\s+a?\s*screenshot`),
			Marker: ScreenshotMarker,
		},
	}
}

// commandDetector scans newly recognized text for spoken commands, honoring
// a per-command cooldown. It is confined to the controller's event loop.
type commandDetector struct {
	commands  []Command
	lastFired map[string]time.Time
	now       func() time.Time
}

func newCommandDetector(now func() time.Time) *commandDetector {
	return &commandDetector{
		commands:  defaultCommands(),
		lastFired: make(map[string]time.Time),
		now:       now,
	}
}

// reset clears cooldown state at session start.
func (d *commandDetector) reset() {
	clear(d.lastFired)
}

// scan checks text for command phrases. Each command fires at most once per
// scan and only outside its cooldown window; fired phrases are rewritten to
// the command's marker in the returned text. Phrases suppressed by the
// cooldown are left untouched.
func (d *commandDetector) scan(text string) (rewritten string, fired []Command) {
	rewritten = text
	for _, cmd := range d.commands {
		if !cmd.Regex.MatchString(rewritten) {
			continue
		}
		if last, ok := d.lastFired[cmd.Name]; ok && d.now().Sub(last) < commandCooldown {
			slog.Debug("voice command suppressed by cooldown", "command", cmd.Name)
			continue
		}
		d.lastFired[cmd.Name] = d.now()
		rewritten = cmd.Regex.ReplaceAllString(rewritten, cmd.Marker)
		fired = append(fired, cmd)
		slog.Info("voice command detected", "command", cmd.Name)
	}
	return rewritten, fired
}
