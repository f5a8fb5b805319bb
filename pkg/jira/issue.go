package jira

import (
	"regexp"
	"strings"
	"time"
)

// Issue is one source record as returned by the JIRA REST API. Fields is the
// raw `fields` object; the engine dereferences it by schema-declared paths
// and otherwise treats it as opaque.
type Issue struct {
	Key    string                 `json:"key"`
	ID     string                 `json:"id"`
	Self   string                 `json:"self"`
	Fields map[string]interface{} `json:"fields"`
}

// UpdatedRaw returns the raw `fields.updated` string, or "" if absent.
func (i *Issue) UpdatedRaw() string {
	if i.Fields == nil {
		return ""
	}
	if s, ok := i.Fields["updated"].(string); ok {
		return s
	}
	return ""
}

// UpdatedTime parses `fields.updated` into milliseconds since epoch.
// Returns ok=false when the field is missing or unparsable; callers treat
// that as "always process" (fail-open).
func (i *Issue) UpdatedTime() (int64, bool) {
	raw := i.UpdatedRaw()
	if raw == "" {
		return 0, false
	}
	ms, err := ParseTime(raw)
	if err != nil {
		return 0, false
	}
	return ms, true
}

// fractionalOffsetRe matches the ".000+0800" tail JIRA appends to timestamps.
var fractionalOffsetRe = regexp.MustCompile(`\.\d{3}[+-]\d{4}$`)

// jiraTimeFormats are tried in order when parsing JIRA timestamps.
var jiraTimeFormats = []string{
	"2006-01-02T15:04:05.999-0700",
	"2006-01-02T15:04:05-0700",
	"2006-01-02T15:04:05.999Z07:00",
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ParseTime parses a JIRA timestamp string into milliseconds since epoch.
// JIRA emits RFC-3339 with millisecond precision and a +ZZZZ offset; some
// fields come back date-only or with a trailing Z.
func ParseTime(value string) (int64, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, &ClientError{Type: "parse_error", Message: "empty timestamp"}
	}

	for _, format := range jiraTimeFormats {
		if t, err := time.Parse(format, trimmed); err == nil {
			return t.UnixMilli(), nil
		}
	}

	// Fall back to parsing without the fractional-second offset tail or a
	// trailing Z, interpreting the remainder as local-naive UTC.
	stripped := fractionalOffsetRe.ReplaceAllString(trimmed, "")
	stripped = strings.TrimSuffix(stripped, "Z")
	for _, format := range []string{"2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if t, err := time.ParseInLocation(format, stripped, time.UTC); err == nil {
			return t.UnixMilli(), nil
		}
	}

	return 0, &ClientError{
		Type:    "parse_error",
		Message: "unrecognized timestamp format",
		Context: value,
	}
}
