// Package policy decides which items may cross a cluster group's boundary.
//
// Each group carries, per category (config, bundle, feature, ...), a
// whitelist and a blacklist for the inbound and the outbound direction. A
// blacklist match always denies; a non-empty whitelist denies everything it
// does not match.
package policy

import (
	"fmt"
	"strings"
)

// Direction is the side of the group boundary being checked.
type Direction uint8

const (
	Inbound Direction = iota
	Outbound
)

func (d Direction) String() string {
	if d == Outbound {
		return "outbound"
	}
	return "inbound"
}

// ParseDirection accepts "inbound" or "outbound".
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(s) {
	case "inbound":
		return Inbound, nil
	case "outbound":
		return Outbound, nil
	}
	return Inbound, fmt.Errorf("invalid direction %q", s)
}

// IsAllowed applies blacklist-then-whitelist precedence to item.
func IsAllowed(item string, whitelist, blacklist []string) bool {
	if matchAny(item, blacklist) {
		return false
	}
	if len(whitelist) > 0 && !matchAny(item, whitelist) {
		return false
	}
	return true
}

func matchAny(item string, patterns []string) bool {
	for _, p := range patterns {
		if Match(p, item) {
			return true
		}
	}
	return false
}

// Match reports whether item matches pattern. Matching is case-sensitive;
// '*' matches any run of characters, every other byte matches itself.
func Match(pattern, item string) bool {
	if !strings.Contains(pattern, "*") {
		return pattern == item
	}
	// greedy matching with backtracking to the last star
	p, s := 0, 0
	star, mark := -1, 0
	for s < len(item) {
		switch {
		case p < len(pattern) && pattern[p] == '*':
			star, mark = p, s
			p++
		case p < len(pattern) && pattern[p] == item[s]:
			p++
			s++
		case star >= 0:
			p = star + 1
			mark++
			s = mark
		default:
			return false
		}
	}
	for p < len(pattern) && pattern[p] == '*' {
		p++
	}
	return p == len(pattern)
}
