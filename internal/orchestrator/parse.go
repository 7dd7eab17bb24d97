package orchestrator

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"videototext/internal/models"
)

// Two timestamp-bracket grammars are accepted, tried in order:
//
//	[12.34s -> 13.56s] text   fractional seconds
//	[03:54 → 03:56] text      clock stamps, arrow is → or -> or -
//
// Anything else is not a transcript line and is dropped.
var (
	secondsLine = regexp.MustCompile(`^\[(\d+(?:\.\d+)?)s\s*->\s*(\d+(?:\.\d+)?)s\]\s*(.*)$`)
	clockLine   = regexp.MustCompile(`^\[(\d{1,2}(?::\d{2}){1,2})\s*(?:->|→|-)\s*(\d{1,2}(?::\d{2}){1,2})\]\s*(.*)$`)
)

// parseLine matches one raw log line against the accepted grammars.
// It returns the normalized segment and the start offset in
// milliseconds.
func parseLine(raw string) (models.TranscriptSegment, int64, bool) {
	line := strings.TrimSpace(raw)

	if m := secondsLine.FindStringSubmatch(line); m != nil {
		startSec, err1 := strconv.ParseFloat(m[1], 64)
		endSec, err2 := strconv.ParseFloat(m[2], 64)
		if err1 != nil || err2 != nil {
			return models.TranscriptSegment{}, 0, false
		}
		startMs := int64(startSec * 1000)
		endMs := int64(endSec * 1000)
		return models.TranscriptSegment{
			Start: formatClock(startMs),
			End:   formatClock(endMs),
			Text:  strings.TrimSpace(m[3]),
		}, startMs, true
	}

	if m := clockLine.FindStringSubmatch(line); m != nil {
		startMs, ok1 := parseClock(m[1])
		endMs, ok2 := parseClock(m[2])
		if !ok1 || !ok2 {
			return models.TranscriptSegment{}, 0, false
		}
		return models.TranscriptSegment{
			Start: formatClock(startMs),
			End:   formatClock(endMs),
			Text:  strings.TrimSpace(m[3]),
		}, startMs, true
	}

	return models.TranscriptSegment{}, 0, false
}

// parseClock converts "mm:ss" or "hh:mm:ss" into milliseconds.
func parseClock(stamp string) (int64, bool) {
	parts := strings.Split(stamp, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, false
	}

	var total int64
	for _, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return 0, false
		}
		total = total*60 + int64(n)
	}
	return total * 1000, true
}

// formatClock renders milliseconds as "mm:ss", with an hour field only
// when nonzero. Sub-second remainders are truncated.
func formatClock(ms int64) string {
	if ms < 0 {
		ms = 0
	}
	total := ms / 1000
	hours := total / 3600
	minutes := (total % 3600) / 60
	seconds := total % 60

	if hours > 0 {
		return fmt.Sprintf("%02d:%02d:%02d", hours, minutes, seconds)
	}
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

// normalizeDurationMs interprets a raw duration hint. Values above
// 10000 are assumed to already be milliseconds, anything lower is
// taken as seconds. Ambiguous for media of exactly 10-11 seconds.
func normalizeDurationMs(raw float64) int64 {
	if raw <= 0 {
		return 0
	}
	if raw > 10000 {
		return int64(raw)
	}
	return int64(raw * 1000)
}

// estimatePercent converts the latest segment start into a completion
// percentage against the known duration.
func estimatePercent(lastStartMs, durationMs int64) int {
	if durationMs <= 0 {
		return 0
	}
	p := int((float64(lastStartMs)/float64(durationMs))*100 + 0.5)
	if p > 100 {
		return 100
	}
	if p < 0 {
		return 0
	}
	return p
}
