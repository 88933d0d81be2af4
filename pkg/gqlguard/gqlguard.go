// Package gqlguard rejects structurally expensive GraphQL documents before
// they reach an executor. It deliberately does not parse GraphQL: a single
// character scan over the raw query is enough to bound nesting depth,
// per-level field breadth and total field count.
package gqlguard

import "fmt"

// Analysis is the ephemeral result of one scan.
type Analysis struct {
	Depth      int
	Breadth    int
	Complexity int
}

// Reserved words that do not count toward complexity.
var keywords = map[string]struct{}{
	"query":        {},
	"mutation":     {},
	"subscription": {},
	"fragment":     {},
	"on":           {},
	"true":         {},
	"false":        {},
	"null":         {},
}

// Analyze performs a single pass over the query, tracking brace nesting and
// counting identifier tokens. Quoted strings (with backslash escapes) and
// #-comments are skipped. Identifiers seen outside any brace count at level
// one so a top-level field list is still measured.
func Analyze(query string) Analysis {
	depth := 0
	maxDepth := 0
	complexity := 0
	perLevel := map[int]int{}

	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '"':
			i++
			for i < len(query) {
				if query[i] == '\\' {
					i += 2
					continue
				}
				if query[i] == '"' {
					break
				}
				i++
			}
		case c == '#':
			for i < len(query) && query[i] != '\n' {
				i++
			}
		case c == '{':
			depth++
			if depth > maxDepth {
				maxDepth = depth
			}
		case c == '}':
			if depth > 0 {
				depth--
			}
		case isIdentStart(c):
			start := i
			for i+1 < len(query) && isIdentPart(query[i+1]) {
				i++
			}
			word := query[start : i+1]
			if _, reserved := keywords[word]; reserved {
				continue
			}
			complexity++
			level := depth
			if level < 1 {
				level = 1
			}
			perLevel[level]++
		}
	}

	breadth := 0
	for _, n := range perLevel {
		if n > breadth {
			breadth = n
		}
	}
	return Analysis{Depth: maxDepth, Breadth: breadth, Complexity: complexity}
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

// Limits bounds the three structural metrics. A zero or negative bound
// disables that check.
type Limits struct {
	MaxDepth      int
	MaxBreadth    int
	MaxComplexity int
}

// LimitError names the exceeded metric and the configured bound.
type LimitError struct {
	Metric string
	Value  int
	Limit  int
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("query %s %d exceeds the maximum allowed %s of %d", e.Metric, e.Value, e.Metric, e.Limit)
}

// AssertWithinLimits analyzes the query and returns a LimitError for the
// first exceeded metric, checked in depth, breadth, complexity order.
func AssertWithinLimits(query string, limits Limits) error {
	a := Analyze(query)
	if limits.MaxDepth > 0 && a.Depth > limits.MaxDepth {
		return &LimitError{Metric: "depth", Value: a.Depth, Limit: limits.MaxDepth}
	}
	if limits.MaxBreadth > 0 && a.Breadth > limits.MaxBreadth {
		return &LimitError{Metric: "breadth", Value: a.Breadth, Limit: limits.MaxBreadth}
	}
	if limits.MaxComplexity > 0 && a.Complexity > limits.MaxComplexity {
		return &LimitError{Metric: "complexity", Value: a.Complexity, Limit: limits.MaxComplexity}
	}
	return nil
}
