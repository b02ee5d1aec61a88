package harmonizer

import (
	"fmt"
	"strconv"
	"strings"
)

// Priorities ranks sources for cross-source resolution. Lower rank wins.
type Priorities map[string]int

// DefaultPriorities ranks the notification system above station data above
// the weather API.
func DefaultPriorities() Priorities {
	return Priorities{"sinan": 0, "inmet": 1, "openweather": 2}
}

// ParsePriorities parses "source:rank,source:rank". Source names are lower-cased.
func ParsePriorities(s string) (Priorities, error) {
	p := Priorities{}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, rankStr, ok := strings.Cut(part, ":")
		name = strings.ToLower(strings.TrimSpace(name))
		if !ok || name == "" {
			return nil, fmt.Errorf("priority %q: want source:rank", part)
		}
		rank, err := strconv.Atoi(strings.TrimSpace(rankStr))
		if err != nil || rank < 0 {
			return nil, fmt.Errorf("priority %q: rank must be a non-negative integer", part)
		}
		if _, dup := p[name]; dup {
			return nil, fmt.Errorf("priority %q: duplicate source", part)
		}
		p[name] = rank
	}
	if len(p) == 0 {
		return nil, fmt.Errorf("no source priorities configured")
	}
	return p, nil
}

// Rank returns the rank of a source and whether it is known.
func (p Priorities) Rank(source string) (int, bool) {
	r, ok := p[source]
	return r, ok
}
