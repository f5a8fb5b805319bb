package jql

import (
	"fmt"
	"strings"
)

// KeyBatchSize is the number of issue keys placed into a single
// `key in (...)` clause. Keeps generated queries well under JIRA's
// URI length limits.
const KeyBatchSize = 50

// QuoteKey quotes an issue key for safe embedding in a JQL clause.
func QuoteKey(key string) string {
	return `"` + strings.ReplaceAll(key, `"`, `\"`) + `"`
}

// BuildKeyQuery builds a `key = "X"` query for a single issue.
func BuildKeyQuery(key string) string {
	return fmt.Sprintf("key = %s", QuoteKey(key))
}

// BuildKeyInQuery builds a `key in ("K1","K2",...)` query for a batch of keys.
func BuildKeyInQuery(keys []string) string {
	quoted := make([]string, 0, len(keys))
	for _, key := range keys {
		quoted = append(quoted, QuoteKey(key))
	}
	return fmt.Sprintf("key in (%s)", strings.Join(quoted, ","))
}

// BatchKeys splits keys into batches of at most KeyBatchSize, preserving order.
func BatchKeys(keys []string) [][]string {
	if len(keys) == 0 {
		return nil
	}

	var batches [][]string
	for start := 0; start < len(keys); start += KeyBatchSize {
		end := start + KeyBatchSize
		if end > len(keys) {
			end = len(keys)
		}
		batches = append(batches, keys[start:end])
	}
	return batches
}

// KeyPrefix returns the project portion of an issue key ("TP-3153" → "TP").
// Returns the whole key if it has no dash.
func KeyPrefix(key string) string {
	if idx := strings.Index(key, "-"); idx > 0 {
		return key[:idx]
	}
	return key
}

// Validate performs basic syntax validation on a configured JQL query and
// returns every problem found. It does not attempt full JQL parsing; the
// server remains the authority.
func Validate(jql string) []string {
	var errors []string

	if strings.TrimSpace(jql) == "" {
		errors = append(errors, "JQL query is empty")
		return errors
	}

	// Check for balanced quotes (handle escaped quotes properly)
	if !areQuotesBalanced(jql) {
		errors = append(errors, "unbalanced quotes in JQL")
	}

	// Check for balanced parentheses
	openParens := strings.Count(jql, "(")
	closeParens := strings.Count(jql, ")")
	if openParens != closeParens {
		errors = append(errors, "unbalanced parentheses in JQL")
	}

	// Check for common typos
	lowerJQL := strings.ToLower(jql)
	if strings.Contains(lowerJQL, " and and ") || strings.Contains(lowerJQL, " or or ") {
		errors = append(errors, "duplicate logical operators detected")
	}

	return errors
}

// areQuotesBalanced checks if quotes are properly balanced, handling escaped quotes
func areQuotesBalanced(jql string) bool {
	doubleQuoteCount := 0
	singleQuoteCount := 0

	i := 0
	for i < len(jql) {
		char := jql[i]
		switch char {
		case '"':
			// Check if this is an escaped quote (doubled)
			if i+1 < len(jql) && jql[i+1] == '"' {
				// This is an escaped quote, skip both characters
				i += 2
				continue
			}
			doubleQuoteCount++
		case '\'':
			// Check if this is an escaped quote (doubled)
			if i+1 < len(jql) && jql[i+1] == '\'' {
				// This is an escaped quote, skip both characters
				i += 2
				continue
			}
			singleQuoteCount++
		}
		i++
	}

	return doubleQuoteCount%2 == 0 && singleQuoteCount%2 == 0
}
