package channels

import (
	"regexp"
	"strings"
	"time"
)

// NormalizeMention rewrites a channel-specific @mention of the bot (e.g.
// Slack's `<@U0123>`, Discord's `<@!123456>`) into the normalized trigger
// prefix "@bot " so the downstream trigger regex matches uniformly across
// channels.
func NormalizeMention(text string, mentionPattern *regexp.Regexp) string {
	if mentionPattern == nil {
		return text
	}
	return strings.TrimSpace(mentionPattern.ReplaceAllString(text, "@bot "))
}

// SplitForLimit breaks text into chunks no longer than limit runes,
// preferring to split on a newline boundary near the limit so a message
// isn't cut mid-sentence when it doesn't have to be.
func SplitForLimit(text string, limit int) []string {
	if limit <= 0 || len([]rune(text)) <= limit {
		return []string{text}
	}
	runes := []rune(text)
	var chunks []string
	for len(runes) > 0 {
		if len(runes) <= limit {
			chunks = append(chunks, string(runes))
			break
		}
		cut := limit
		for i := limit; i > limit/2; i-- {
			if runes[i] == '\n' {
				cut = i
				break
			}
		}
		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
	}
	return chunks
}

// TypingLimiter rate-limits typing-indicator updates to at least minGap
// apart, per jid.
type TypingLimiter struct {
	minGap time.Duration
	last   map[string]time.Time
}

// NewTypingLimiter constructs a limiter with the given minimum gap
// between consecutive updates for the same jid.
func NewTypingLimiter(minGap time.Duration) *TypingLimiter {
	return &TypingLimiter{minGap: minGap, last: make(map[string]time.Time)}
}

// Allow reports whether a typing update for jid may be sent now.
func (t *TypingLimiter) Allow(jid string) bool {
	now := time.Now()
	if last, ok := t.last[jid]; ok && now.Sub(last) < t.minGap {
		return false
	}
	t.last[jid] = now
	return true
}
