// Package match filters listing entries by glob pattern, visibility and size.
//
// Patterns use doublestar semantics ("**" spans path segments). Backslash
// escapes a glob metacharacter so it matches literally.
package match

import (
	"errors"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// ErrInvalidPattern is returned when a pattern cannot be compiled.
var ErrInvalidPattern = errors.New("invalid glob pattern")

// PatternError names the offending pattern.
type PatternError struct {
	Pattern string
	Err     error
}

func (e *PatternError) Error() string {
	return "pattern " + e.Pattern + ": " + e.Err.Error()
}

func (e *PatternError) Unwrap() error { return e.Err }

// Config configures a Matcher.
type Config struct {
	// Includes are patterns a key must match (any). Empty matches everything.
	Includes []string

	// Excludes are patterns a key must not match (any).
	Excludes []string

	// IncludeHidden keeps keys with a dot-prefixed segment.
	IncludeHidden bool
}

// Matcher evaluates keys against include and exclude patterns. It is safe
// for concurrent use.
type Matcher struct {
	includes      []string
	excludes      []string
	includeHidden bool
}

// New compiles cfg.
func New(cfg Config) (*Matcher, error) {
	includes, err := compile(cfg.Includes)
	if err != nil {
		return nil, err
	}
	excludes, err := compile(cfg.Excludes)
	if err != nil {
		return nil, err
	}
	return &Matcher{includes: includes, excludes: excludes, includeHidden: cfg.IncludeHidden}, nil
}

func compile(raw []string) ([]string, error) {
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !doublestar.ValidatePattern(p) {
			return nil, &PatternError{Pattern: p, Err: ErrInvalidPattern}
		}
		out = append(out, p)
	}
	return out, nil
}

// Match reports whether key passes the filters. Folder keys are matched
// without their trailing slash, so "photos/**" keeps the "photos/" folder.
func (m *Matcher) Match(key string) bool {
	if !m.includeHidden && IsHidden(key) {
		return false
	}
	name := strings.TrimSuffix(key, "/")

	if len(m.includes) > 0 && !anyMatch(m.includes, name) {
		return false
	}
	return !anyMatch(m.excludes, name)
}

func anyMatch(patterns []string, name string) bool {
	for _, p := range patterns {
		if ok, err := doublestar.Match(p, name); err == nil && ok {
			return true
		}
	}
	return false
}

// ListPrefix narrows base to the longest literal prefix shared by every
// include pattern, when that prefix lies inside base. Listing with the
// result returns a superset of what Match keeps.
func (m *Matcher) ListPrefix(base string) string {
	if len(m.includes) == 0 {
		return base
	}
	common := StaticPrefix(m.includes[0])
	for _, p := range m.includes[1:] {
		common = commonDirPrefix(common, StaticPrefix(p))
	}
	if strings.HasPrefix(common, base) {
		return common
	}
	return base
}

// StaticPrefix returns the literal directory prefix of pattern: everything up
// to the last "/" before the first unescaped metacharacter, with escapes
// removed. A pattern without metacharacters is returned unescaped in full.
//
//	"data/2024/**/*.csv" -> "data/2024/"
//	"*.json"             -> ""
//	"logs/app-{a,b}/x"   -> "logs/"
//	`a/file\*.txt`       -> "a/file*.txt"
func StaticPrefix(pattern string) string {
	var b strings.Builder
	lastSlash := -1
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		switch c {
		case '\\':
			if i+1 < len(pattern) {
				i++
				b.WriteByte(pattern[i])
				continue
			}
		case '*', '?', '[', '{':
			return b.String()[:lastSlash+1]
		case '/':
			lastSlash = b.Len()
		}
		b.WriteByte(c)
	}
	return b.String()
}

// commonDirPrefix is the longest shared prefix of a and b ending at a "/".
func commonDirPrefix(a, b string) string {
	n := 0
	for n < len(a) && n < len(b) && a[n] == b[n] {
		n++
	}
	if n == len(a) && n == len(b) {
		return a
	}
	return a[:strings.LastIndex(a[:n], "/")+1]
}

// IsHidden reports whether any path segment of key starts with ".".
func IsHidden(key string) bool {
	for _, seg := range strings.Split(key, "/") {
		if strings.HasPrefix(seg, ".") {
			return true
		}
	}
	return false
}

// EnsureTrailingSlash appends "/" to a non-empty key that lacks one.
func EnsureTrailingSlash(key string) string {
	if key == "" || strings.HasSuffix(key, "/") {
		return key
	}
	return key + "/"
}
