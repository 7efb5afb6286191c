// Package enrich extracts a leading timestamp and a log level from raw
// lines before they enter the queue.
package enrich

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Result is the outcome of enriching one raw line. Level is empty when no
// level token was found.
type Result struct {
	Text      string
	Timestamp time.Time
	Level     string
}

// Timestamp patterns tried in order, anchored at line start with an optional
// leading bracket. The matched prefix is stripped from the text.
var timestampPatterns = []*regexp.Regexp{
	// ISO-8601 with optional fraction and offset or Z.
	regexp.MustCompile(`^\[?(\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(?:[.,]\d{1,9})?(?:Z|[+-]\d{2}:?\d{2})?)\]?\s*`),
	// Space-separated variant.
	regexp.MustCompile(`^\[?(\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}(?:[.,]\d{1,9})?)\]?\s*`),
	// Syslog RFC-3164, year inferred from now.
	regexp.MustCompile(`^\[?((?:Jan|Feb|Mar|Apr|May|Jun|Jul|Aug|Sep|Oct|Nov|Dec) {1,2}\d{1,2} \d{2}:\d{2}:\d{2})\]?\s*`),
	// Epoch seconds or milliseconds.
	regexp.MustCompile(`^\[?(\d{13}|\d{10})\]?(?:\s+|$)`),
}

var levelPattern = regexp.MustCompile(
	`(?i)(?:^|[^0-9A-Za-z])(TRACE|DEBUG|INFORMATIONAL|INFORMATION|INFO|NOTICE|WARNING|WARN|ERROR|ERR|CRITICAL|CRIT|FATAL|ALERT|EMERGENCY|EMERG)(?:[^0-9A-Za-z]|$)`)

// normalizeLevel folds aliases into the canonical label values.
func normalizeLevel(s string) string {
	switch strings.ToUpper(s) {
	case "WARNING":
		return "WARN"
	case "ERR":
		return "ERROR"
	case "CRIT":
		return "CRITICAL"
	case "INFORMATION", "INFORMATIONAL":
		return "INFO"
	case "EMERG":
		return "EMERGENCY"
	default:
		return strings.ToUpper(s)
	}
}

// Enrich parses line for a leading timestamp and a level token. The
// timestamp falls back to now; the level is omitted when absent. Extraction
// never leaves the text empty: when it would, the original line is kept and
// no level is attached.
func Enrich(line string, now time.Time) Result {
	res := Result{Text: line, Timestamp: now}

	rest := line
	if ts, remainder, ok := matchTimestamp(line, now); ok {
		res.Timestamp = ts
		rest = remainder
	}

	text, level := extractLevel(rest)
	if strings.TrimSpace(text) == "" {
		// Nothing left after stripping; keep the unstripped line.
		res.Text = line
		return res
	}
	res.Text = text
	res.Level = level
	return res
}

func matchTimestamp(line string, now time.Time) (time.Time, string, bool) {
	for i, pattern := range timestampPatterns {
		m := pattern.FindStringSubmatchIndex(line)
		if m == nil {
			continue
		}
		raw := line[m[2]:m[3]]
		remainder := line[m[1]:]
		ts, err := parseTimestamp(i, raw, now)
		if err != nil {
			return now, line, false
		}
		return ts, remainder, true
	}
	return now, line, false
}

func parseTimestamp(pattern int, raw string, now time.Time) (time.Time, error) {
	raw = strings.ReplaceAll(raw, ",", ".")
	switch pattern {
	case 0:
		for _, layout := range []string{
			"2006-01-02T15:04:05Z07:00",
			"2006-01-02T15:04:05-0700",
			"2006-01-02T15:04:05",
		} {
			if ts, err := time.Parse(layout, raw); err == nil {
				return ts, nil
			}
		}
		return time.Time{}, errUnparsed
	case 1:
		return time.Parse("2006-01-02 15:04:05", raw)
	case 2:
		ts, err := time.Parse("Jan _2 15:04:05", raw)
		if err != nil {
			return time.Time{}, err
		}
		return ts.AddDate(now.Year(), 0, 0), nil
	default:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		if len(raw) == 13 {
			return time.UnixMilli(n), nil
		}
		return time.Unix(n, 0), nil
	}
}

var errUnparsed = &time.ParseError{Message: "unrecognized timestamp"}

// extractLevel scans the first 64 characters for a bounded level token and
// removes the first match from the text.
func extractLevel(text string) (string, string) {
	window := text
	if len(window) > 64 {
		window = window[:64]
	}
	m := levelPattern.FindStringSubmatchIndex(window)
	if m == nil {
		return text, ""
	}
	start, end := m[2], m[3]
	level := normalizeLevel(text[start:end])

	before := strings.TrimRight(text[:start], " \t:[-")
	after := strings.TrimLeft(text[end:], " \t:]-")
	cleaned := before
	if before != "" && after != "" {
		cleaned = before + " " + after
	} else {
		cleaned += after
	}
	return strings.TrimSpace(cleaned), level
}
