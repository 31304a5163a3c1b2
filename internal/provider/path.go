package provider

import (
	"strings"
)

// NormalizePath canonicalizes a remote path: trims whitespace, forces a
// single leading separator, collapses duplicate separators and strips any
// trailing one. Paths containing parent-directory segments are rejected
// before normalization. The result is idempotent:
// NormalizePath(NormalizePath(p)) == NormalizePath(p).
func NormalizePath(p string) (string, error) {
	p = strings.TrimSpace(p)
	p = strings.ReplaceAll(p, "\\", "/")

	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", Errorf(ErrKindInvalidOperation, "path contains parent-directory segment: %s", p)
		}
	}

	parts := make([]string, 0, 8)
	for _, seg := range strings.Split(p, "/") {
		if seg == "" || seg == "." {
			continue
		}
		parts = append(parts, seg)
	}

	return "/" + strings.Join(parts, "/"), nil
}

// JoinPath joins normalized path elements with a single separator.
func JoinPath(base string, elem ...string) string {
	out := strings.TrimRight(base, "/")
	for _, e := range elem {
		e = strings.Trim(e, "/")
		if e == "" {
			continue
		}
		out += "/" + e
	}
	if out == "" {
		return "/"
	}
	return out
}

// BaseName returns the last element of a normalized path.
func BaseName(p string) string {
	p = strings.TrimRight(p, "/")
	if i := strings.LastIndex(p, "/"); i >= 0 {
		return p[i+1:]
	}
	return p
}

// ParentPath returns the parent of a normalized path ("/" for top-level).
func ParentPath(p string) string {
	p = strings.TrimRight(p, "/")
	i := strings.LastIndex(p, "/")
	if i <= 0 {
		return "/"
	}
	return p[:i]
}

// RelPath strips the base prefix from a normalized path, returning the
// remainder without a leading separator.
func RelPath(base, p string) string {
	base = strings.TrimRight(base, "/")
	if base != "" && strings.HasPrefix(p, base) {
		p = p[len(base):]
	}
	return strings.TrimLeft(p, "/")
}
