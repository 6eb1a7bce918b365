package events

import "strings"

// MatchPattern reports whether an event type matches a subscription pattern.
//
// Grammar (shared by bus subscriptions, the SSE filter, and outbound webhook
// routing):
//
//	"*"         matches every event type
//	"prefix.*"  matches any type under "prefix." (any depth)
//	otherwise   exact match
func MatchPattern(pattern, eventType string) bool {
	if pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return strings.HasPrefix(eventType, prefix+".")
	}
	return pattern == eventType
}

// MatchAnyPattern reports whether the event type matches at least one of the
// given patterns. An empty pattern list matches nothing.
func MatchAnyPattern(patterns []string, eventType string) bool {
	for _, p := range patterns {
		if MatchPattern(p, eventType) {
			return true
		}
	}
	return false
}
