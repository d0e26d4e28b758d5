package engine

import (
	"regexp"
	"strings"
)

// EventKind enumerates the classified line outcomes from §4.5's table.
type EventKind string

const (
	EventFileComplete      EventKind = "file_complete"
	EventRateLimit         EventKind = "rate_limit"
	EventMaxTransferReached EventKind = "max_transfer_reached"
	EventFatal             EventKind = "fatal"
	EventIgnore            EventKind = "ignore"
)

// Event is the outcome of classifying one line of the child's combined
// stdout+stderr stream.
type Event struct {
	Kind          EventKind
	Path          string // set for file_complete
	RateLimitKind string // set for rate_limit — the matched substring
	Message       string // set for fatal — the triggering line
	Line          string // always the original line, for per-stage log correlation
}

// rateLimitSubstrings are the recognized rate-limit / quota-exhaustion
// signals from §4.5. Order matters only for RateLimitKind reporting.
var rateLimitSubstrings = []string{
	"userRateLimitExceeded",
	"dailyLimitExceeded",
	"403: User rate limit",
}

const maxTransferSubstring = "max transfer limit reached"

// fatalSubstrings are known-unrecoverable engine messages. Kept in one
// small table per §9's guidance to concentrate brittle pattern-matching in
// a single place.
var fatalSubstrings = []string{
	"Fatal error",
	"panic:",
	"couldn't connect",
	"Failed to create file system",
}

// fileCompleteRe matches rclone-style "<path>: Copied (new)" /
// "<path>: Moved (server side)" lines, with an optional leading
// "<date> <time> <LEVEL> : " prefix rclone emits at -v and higher.
var fileCompleteRe = regexp.MustCompile(`^(?:\S+ \S+ \S+\s*:\s*)?(.+?):\s+(?:Copied \(new\)|Copied \(replaced existing\)|Moved \(server side(?:, copy destination)?\))\s*$`)

// Classify maps one combined-stream line to exactly one Event, per §4.5's
// table. Unrecognized lines classify as EventIgnore — classification
// failures must never propagate (§7).
func Classify(line string) Event {
	for _, substr := range rateLimitSubstrings {
		if strings.Contains(line, substr) {
			return Event{Kind: EventRateLimit, RateLimitKind: substr, Line: line}
		}
	}

	if strings.Contains(line, maxTransferSubstring) {
		return Event{Kind: EventMaxTransferReached, Line: line}
	}

	for _, substr := range fatalSubstrings {
		if strings.Contains(line, substr) {
			return Event{Kind: EventFatal, Message: line, Line: line}
		}
	}

	if m := fileCompleteRe.FindStringSubmatch(line); m != nil {
		return Event{Kind: EventFileComplete, Path: strings.TrimSpace(m[1]), Line: line}
	}

	return Event{Kind: EventIgnore, Line: line}
}
