// Package filter decides which activities the recorder keeps and
// redacts sensitive caller-supplied properties before they leave the
// process.
package filter

import (
	"strings"

	"github.com/yourorg/annotrack/internal/config"
)

// RedactConfig is an alias of config.RedactConfig.
type RedactConfig = config.RedactConfig

// Rules is a compiled ignore list plus redaction settings. A nil
// *Rules allows everything and redacts nothing.
type Rules struct {
	ignore      []string
	fields      map[string]struct{}
	replacement string
}

// New compiles the ignore patterns and redaction config. A pattern
// ending in '*' matches by prefix; other patterns match exactly and
// case-insensitively.
func New(ignore []string, redact RedactConfig) *Rules {
	r := &Rules{
		fields:      toLowerSet(redact.Fields),
		replacement: redact.Replacement,
	}
	for _, p := range ignore {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		r.ignore = append(r.ignore, p)
	}
	return r
}

// Allows reports whether an entry with the given activity and
// subactivity should be recorded. Either name matching an ignore
// pattern drops the entry.
func (r *Rules) Allows(activity, subactivity string) bool {
	if r == nil {
		return true
	}
	return !matchesAny(activity, r.ignore) && !matchesAny(subactivity, r.ignore)
}

func matchesAny(name string, patterns []string) bool {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return false
	}
	for _, p := range patterns {
		if strings.HasSuffix(p, "*") {
			if strings.HasPrefix(name, strings.TrimSuffix(p, "*")) {
				return true
			}
			continue
		}
		if name == p {
			return true
		}
	}
	return false
}
