package pathpattern

import "strings"

// Matches reports whether p covers the concrete path candidate.
// A nil pattern matches every path. Candidates that do not parse never match.
func Matches(p *Pattern, candidate string) bool {
	if p == nil {
		return true
	}
	path, err := ParsePath(candidate)
	if err != nil {
		return false
	}
	return p.Matches(path)
}

// MatchesPrefixOrExact reports whether p covers candidate or candidate is an
// ancestor of paths p may cover. Storage uses it to prune devices before
// scanning their series.
func MatchesPrefixOrExact(p *Pattern, candidate string) bool {
	if p == nil {
		return true
	}
	path, err := ParsePath(candidate)
	if err != nil {
		return false
	}
	return p.MayContain(path)
}

// Matches reports whether the pattern covers path.
func (p *Pattern) Matches(path Path) bool {
	if p == nil {
		return true
	}
	last := len(p.segments) - 1
	for i, ps := range p.segments {
		if ps.kind == kindMulti {
			return true
		}
		if i >= len(path.segments) {
			return false
		}
		cs := path.segments[i]
		switch ps.kind {
		case kindSingle:
			continue
		case kindLiteral:
			if ps.value == cs.value {
				continue
			}
			// compared in canonical spelling so `d10` and d10 agree, while
			// `1(TS)` keeps its quotes and stays out
			if i == last && !ps.quoted && strings.HasPrefix(canonical(cs), ps.value) {
				return true
			}
			return false
		}
	}
	// pattern exhausted: subtree rule
	return true
}

// MayContain reports whether path is covered by p, or is an ancestor of
// something p covers.
func (p *Pattern) MayContain(path Path) bool {
	if p == nil || p.Matches(path) {
		return true
	}
	if len(path.segments) >= len(p.segments) {
		return false
	}
	for i, cs := range path.segments {
		ps := p.segments[i]
		switch ps.kind {
		case kindMulti:
			return true
		case kindSingle:
			continue
		case kindLiteral:
			if ps.value != cs.value {
				return false
			}
		}
	}
	return true
}
