package orchestrator

import "strings"

type terminalMatcher struct {
	exact    map[string]bool
	prefixes []string
}

func newTerminalMatcher(exact, prefixes []string) terminalMatcher {
	m := terminalMatcher{exact: make(map[string]bool, len(exact))}
	for _, p := range exact {
		if p = normalizeIntent(p); p != "" {
			m.exact[p] = true
		}
	}
	for _, p := range prefixes {
		if p = normalizeIntent(p); p != "" {
			m.prefixes = append(m.prefixes, p+" ")
		}
	}
	return m
}

// normalizeIntent lower-cases, trims and strips trailing '!' and '.'.
func normalizeIntent(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.TrimSpace(strings.TrimRight(s, "!."))
}

// Match reports whether text is a goodbye. Only prefixes match at the start
// of a longer message, so "thanks for the info" is a normal turn.
func (m terminalMatcher) Match(text string) bool {
	n := normalizeIntent(text)
	if n == "" {
		return false
	}
	if m.exact[n] {
		return true
	}
	for _, p := range m.prefixes {
		if strings.HasPrefix(n, p) {
			return true
		}
	}
	return false
}

// IsTerminal reports whether text would end the turn without a model call.
func (o *Orchestrator) IsTerminal(text string) bool { return o.terminal.Match(text) }

func (o *Orchestrator) farewell() string {
	o.rngMu.Lock()
	defer o.rngMu.Unlock()
	return o.farewells[o.rng.IntN(len(o.farewells))]
}
