package topic

import "strings"

const (
	ActionSuffix   = "_act"
	ResponseSuffix = "_res"
)

// Pair is the channel pair derived from one base topic.
type Pair struct {
	Action   string
	Response string
}

func Derive(base string) Pair {
	return Pair{
		Action:   base + ActionSuffix,
		Response: base + ResponseSuffix,
	}
}

// ResponseFor maps an inbound action channel to the channel its replies go to.
func ResponseFor(channel string) (string, bool) {
	base, ok := strings.CutSuffix(channel, ActionSuffix)
	if !ok {
		return "", false
	}
	return base + ResponseSuffix, true
}

// Name returns the base topic both endpoints use for a message pattern.
func Name(prefix, pattern string) string {
	return prefix + pattern
}
