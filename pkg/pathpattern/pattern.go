// Package pathpattern parses and matches hierarchical timeseries paths.
//
// A path is a dot-separated list of segments starting at "root", for example
// root.sg.d1.s1. Segments that contain reserved characters are quoted with
// backticks (root.db.`1(TS)`), a literal backtick inside a quoted segment is
// written twice. Patterns use the same syntax plus two wildcards:
//
//	"*"   matches exactly one segment
//	"**"  matches zero or more trailing segments, only valid as the last segment
//
// A pattern without a trailing wildcard covers the path it names and
// everything beneath it, so root.db.d1 covers root.db.d1.s1. When its last
// segment is an unquoted literal the pattern also covers siblings whose
// spelling starts with that literal: root.db.d1 covers root.db.d10.s1.
package pathpattern

import (
	"strings"

	"github.com/unijord/pipecdc/pkg/pipeerr"
)

// Root is the mandatory first segment of every path.
const Root = "root"

const reservedChars = "()[]{}`'\",;:*"

type segmentKind uint8

const (
	kindLiteral segmentKind = iota
	kindSingle
	kindMulti
)

type segment struct {
	kind segmentKind
	// value is the unquoted literal, used for equality.
	value  string
	quoted bool
}

// Path is a parsed concrete path. It has no wildcards.
type Path struct {
	segments []segment
}

// Pattern is an immutable parsed path pattern.
type Pattern struct {
	segments []segment
	source   string
}

// Parse parses a pattern. Errors are *pipeerr.ConfigurationError.
func Parse(raw string) (*Pattern, error) {
	segs, err := split(raw, true)
	if err != nil {
		return nil, err
	}
	for i, s := range segs {
		if s.kind == kindMulti && i != len(segs)-1 {
			return nil, pipeerr.Configuration("pattern", raw, "** is only allowed as the last segment")
		}
	}
	return &Pattern{segments: segs, source: raw}, nil
}

// MustParse is Parse that panics on error.
func MustParse(raw string) *Pattern {
	p, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return p
}

// ParsePath parses a concrete path.
func ParsePath(raw string) (Path, error) {
	segs, err := split(raw, false)
	if err != nil {
		return Path{}, err
	}
	return Path{segments: segs}, nil
}

// Len returns the number of segments.
func (p Path) Len() int { return len(p.segments) }

// Segment returns the unquoted value of segment i.
func (p Path) Segment(i int) string { return p.segments[i].value }

// Parent returns the path without its last segment.
func (p Path) Parent() Path {
	if len(p.segments) == 0 {
		return p
	}
	return Path{segments: p.segments[:len(p.segments)-1]}
}

// Last returns the unquoted value of the last segment.
func (p Path) Last() string {
	if len(p.segments) == 0 {
		return ""
	}
	return p.segments[len(p.segments)-1].value
}

func (p Path) String() string {
	return join(p.segments)
}

// String returns the canonical spelling of the pattern.
func (p *Pattern) String() string {
	if p == nil {
		return ""
	}
	return join(p.segments)
}

// Source returns the pattern as originally written.
func (p *Pattern) Source() string {
	if p == nil {
		return ""
	}
	return p.source
}

// HasWildcard reports whether any segment is a wildcard.
func (p *Pattern) HasWildcard() bool {
	if p == nil {
		return false
	}
	for _, s := range p.segments {
		if s.kind != kindLiteral {
			return true
		}
	}
	return false
}

// MarshalText implements encoding.TextMarshaler.
func (p *Pattern) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Pattern) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*p = *parsed
	return nil
}

func join(segs []segment) string {
	var b strings.Builder
	for i, s := range segs {
		if i > 0 {
			b.WriteByte('.')
		}
		b.WriteString(canonical(s))
	}
	return b.String()
}

func canonical(s segment) string {
	switch s.kind {
	case kindSingle:
		return "*"
	case kindMulti:
		return "**"
	}
	if needsQuote(s.value) {
		return "`" + strings.ReplaceAll(s.value, "`", "``") + "`"
	}
	return s.value
}

func needsQuote(v string) bool {
	if v == "" || strings.ContainsAny(v, reservedChars+". \t") {
		return true
	}
	for _, r := range v {
		if r < '0' || r > '9' {
			return false
		}
	}
	// purely numeric segments must be quoted
	return true
}

// split tokenizes raw into segments, honouring backtick quoting.
func split(raw string, allowWildcards bool) ([]segment, error) {
	field := "path"
	if allowWildcards {
		field = "pattern"
	}
	if strings.TrimSpace(raw) == "" {
		return nil, pipeerr.Configuration(field, raw, "empty")
	}

	var (
		segs    []segment
		cur     strings.Builder
		start   = 0
		quoted  = false
		inQuote = false
	)

	flush := func(end int) error {
		spelled := raw[start:end]
		value := cur.String()
		cur.Reset()
		start = end + 1

		if spelled == "" {
			return pipeerr.Configuration(field, raw, "empty segment")
		}
		if quoted {
			if value == "" {
				return pipeerr.Configuration(field, raw, "empty segment")
			}
			segs = append(segs, segment{kind: kindLiteral, value: value, quoted: true})
			quoted = false
			return nil
		}
		switch value {
		case "*", "**":
			if !allowWildcards {
				return pipeerr.Configuration(field, raw, "wildcards are not allowed in a concrete path")
			}
			kind := kindSingle
			if value == "**" {
				kind = kindMulti
			}
			segs = append(segs, segment{kind: kind, value: value})
			return nil
		}
		if strings.ContainsAny(value, reservedChars+" \t") {
			return pipeerr.Configuration(field, raw, "segment "+value+" contains reserved characters and must be quoted with backticks")
		}
		segs = append(segs, segment{kind: kindLiteral, value: value})
		return nil
	}

	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if inQuote {
			if c == '`' {
				if i+1 < len(raw) && raw[i+1] == '`' {
					cur.WriteByte('`')
					i++
					continue
				}
				inQuote = false
				if i+1 < len(raw) && raw[i+1] != '.' {
					return nil, pipeerr.Configuration(field, raw, "characters after closing backtick")
				}
				continue
			}
			cur.WriteByte(c)
			continue
		}
		switch c {
		case '`':
			if i != start {
				return nil, pipeerr.Configuration(field, raw, "backtick in the middle of a segment")
			}
			inQuote = true
			quoted = true
		case '.':
			if err := flush(i); err != nil {
				return nil, err
			}
		default:
			cur.WriteByte(c)
		}
	}
	if inQuote {
		return nil, pipeerr.Configuration(field, raw, "unbalanced backtick")
	}
	if err := flush(len(raw)); err != nil {
		return nil, err
	}

	if first := segs[0]; first.kind != kindLiteral || first.quoted || first.value != Root {
		return nil, pipeerr.Configuration(field, raw, "must start with root")
	}
	return segs, nil
}
