// Package ports resolves free-form port input into a sorted set of port
// numbers. Input accepts whitespace, comma and semicolon separated tokens,
// each either a single port or an a-b range.
package ports

import (
	"sort"
	"strconv"
	"strings"
	"unicode"
)

const (
	minPort = 1
	maxPort = 65535
)

// Resolve parses raw port text into a sorted, deduplicated list.
//
// Range tokens need exactly one dash and two integer sides; both endpoints
// are clamped into [1, 65535] before the inclusive [min, max] expansion, so
// reversed ranges work and out-of-range ranges collapse toward the boundary.
// Single tokens are kept only when already in range. Malformed tokens are
// skipped silently; an empty result is the caller's problem to report.
func Resolve(text string) []int {
	seen := make(map[int]struct{})
	for _, token := range splitPorts(text) {
		if strings.Contains(token, "-") {
			addRange(seen, token)
			continue
		}
		if port, err := strconv.Atoi(token); err == nil && port >= minPort && port <= maxPort {
			seen[port] = struct{}{}
		}
	}

	if len(seen) == 0 {
		return nil
	}
	out := make([]int, 0, len(seen))
	for port := range seen {
		out = append(out, port)
	}
	sort.Ints(out)
	return out
}

// splitPorts breaks raw input into non-empty tokens. Whitespace, commas
// and semicolons are equivalent separators; runs collapse.
func splitPorts(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return unicode.IsSpace(r) || r == ',' || r == ';'
	})
}

// addRange expands an a-b token into seen. Tokens with more than one dash
// or non-integer sides are dropped.
func addRange(seen map[int]struct{}, token string) {
	parts := strings.Split(token, "-")
	if len(parts) != 2 {
		return
	}
	a, errA := strconv.Atoi(parts[0])
	b, errB := strconv.Atoi(parts[1])
	if errA != nil || errB != nil {
		return
	}

	a = clamp(a)
	b = clamp(b)
	if a > b {
		a, b = b, a
	}
	for port := a; port <= b; port++ {
		seen[port] = struct{}{}
	}
}

func clamp(port int) int {
	if port < minPort {
		return minPort
	}
	if port > maxPort {
		return maxPort
	}
	return port
}
