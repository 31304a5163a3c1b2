package provider

import (
	"regexp"
	"strings"
)

// Matcher is a Filter with its glob patterns compiled once per run.
type Matcher struct {
	include []*pattern
	exclude []*pattern
	filter  *Filter
}

type pattern struct {
	raw   string
	regex *regexp.Regexp
}

// CompileFilter compiles the filter's glob patterns. A nil filter yields
// a matcher that accepts everything.
func CompileFilter(f *Filter) (*Matcher, error) {
	m := &Matcher{filter: f}
	if f == nil {
		return m, nil
	}

	var err error
	if m.include, err = compilePatterns(f.Include); err != nil {
		return nil, err
	}
	if m.exclude, err = compilePatterns(f.Exclude); err != nil {
		return nil, err
	}
	return m, nil
}

func compilePatterns(globs []string) ([]*pattern, error) {
	patterns := make([]*pattern, 0, len(globs))
	for _, g := range globs {
		re, err := regexp.Compile(globToRegex(g))
		if err != nil {
			return nil, Errorf(ErrKindInvalidOperation, "invalid filter pattern %q", g)
		}
		patterns = append(patterns, &pattern{raw: g, regex: re})
	}
	return patterns, nil
}

// Match reports whether the file passes the filter. Directories are
// never filtered out: they must stay visible so traversal can descend.
func (m *Matcher) Match(fi FileInfo) bool {
	if m.filter == nil {
		return true
	}
	if fi.IsDir {
		return true
	}

	if len(m.include) > 0 && !matchAny(m.include, fi) {
		return false
	}
	if matchAny(m.exclude, fi) {
		return false
	}

	if m.filter.MinSize > 0 && fi.Size < m.filter.MinSize {
		return false
	}
	if m.filter.MaxSize > 0 && fi.Size > m.filter.MaxSize {
		return false
	}
	if !m.filter.ModifiedAfter.IsZero() && !fi.ModTime.After(m.filter.ModifiedAfter) {
		return false
	}
	if !m.filter.ModifiedBefore.IsZero() && !fi.ModTime.Before(m.filter.ModifiedBefore) {
		return false
	}

	return true
}

func matchAny(patterns []*pattern, fi FileInfo) bool {
	for _, p := range patterns {
		if p.regex.MatchString(fi.Name) {
			return true
		}
		// Patterns with separators match against the full path.
		if strings.Contains(p.raw, "/") && p.regex.MatchString(strings.TrimPrefix(fi.Path, "/")) {
			return true
		}
	}
	return false
}

// globToRegex converts a glob pattern to an anchored regex. "**" matches
// across separators, "*" and "?" stop at them.
func globToRegex(glob string) string {
	var result strings.Builder
	result.WriteString("^")

	for i := 0; i < len(glob); i++ {
		ch := glob[i]
		switch ch {
		case '*':
			if i+1 < len(glob) && glob[i+1] == '*' {
				result.WriteString(".*")
				i++
			} else {
				result.WriteString("[^/]*")
			}
		case '?':
			result.WriteString("[^/]")
		case '.', '+', '(', ')', '[', ']', '{', '}', '^', '$', '|', '\\':
			result.WriteRune('\\')
			result.WriteRune(rune(ch))
		default:
			result.WriteRune(rune(ch))
		}
	}

	result.WriteString("$")
	return result.String()
}
