package mysql

import (
	"regexp"
	"sync"
)

// matchers memoizes whether a field path matches any of a set of regexps.
// Field paths repeat for every row, so each one is only matched once.
type matchers struct {
	regexps []*regexp.Regexp
	mu      sync.RWMutex
	memo    map[string]bool
}

func newMatchers(rs []*regexp.Regexp) *matchers {
	return &matchers{
		regexps: rs,
		memo:    make(map[string]bool),
	}
}

func (m *matchers) MatchAny(s string) bool {
	if len(m.regexps) == 0 {
		return false
	}

	m.mu.RLock()
	matched, ok := m.memo[s]
	m.mu.RUnlock()

	if ok {
		return matched
	}

	for _, r := range m.regexps {
		if r.MatchString(s) {
			matched = true
			break
		}
	}

	m.mu.Lock()
	m.memo[s] = matched
	m.mu.Unlock()

	return matched
}
