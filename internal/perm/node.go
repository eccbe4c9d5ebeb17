// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Permbase Contributors

// Package perm implements the permission grammar and the resolution engine.
//
// Permission strings use dotted paths:
//   - "fly"           grants the literal node
//   - "essentials.*"  grants every node under the prefix (wildcard)
//   - "-fly"          explicitly denies the literal node (negation)
//
// A leading '-' is the sole encoding of denial; a trailing ".*" (or a bare
// "*") is the sole encoding of a wildcard. Anything else containing '*' is
// rejected.
package perm

import (
	"strings"

	"github.com/gobwas/glob"
	"github.com/samber/oops"
)

// Node is the structural form of a permission string: literal path segments,
// a negation flag, and a wildcard flag. Wildcard nodes carry a compiled glob
// so matching does not re-scan string prefixes.
type Node struct {
	key      string
	segments []string
	negated  bool
	wildcard bool
	matcher  glob.Glob
}

// Parse converts a raw permission string into a Node.
// Returns an INVALID_ARGUMENT error for empty strings, empty path segments,
// or '*' anywhere other than a trailing wildcard segment.
func Parse(raw string) (Node, error) {
	s := raw
	negated := false
	if strings.HasPrefix(s, "-") {
		negated = true
		s = s[1:]
	}
	if s == "" {
		return Node{}, oops.In("perm").
			Code("INVALID_ARGUMENT").
			With("permission", raw).
			Errorf("permission string must be non-empty")
	}

	parts := strings.Split(s, ".")
	wildcard := false
	segments := parts
	if parts[len(parts)-1] == "*" {
		wildcard = true
		segments = parts[:len(parts)-1]
	}
	for _, seg := range segments {
		if seg == "" {
			return Node{}, oops.In("perm").
				Code("INVALID_ARGUMENT").
				With("permission", raw).
				Errorf("permission string contains an empty path segment")
		}
		if strings.Contains(seg, "*") {
			return Node{}, oops.In("perm").
				Code("INVALID_ARGUMENT").
				With("permission", raw).
				Errorf("'*' is only valid as a trailing wildcard segment")
		}
	}

	n := Node{
		key:      s,
		segments: segments,
		negated:  negated,
		wildcard: wildcard,
	}

	if wildcard {
		// "a.b.*" compiles to "a.b.**" with '.' as separator so the wildcard
		// matches arbitrarily deep suffixes, not just one segment.
		pattern := "**"
		if len(segments) > 0 {
			pattern = strings.Join(segments, ".") + ".**"
		}
		g, err := glob.Compile(pattern, '.')
		if err != nil {
			return Node{}, oops.In("perm").
				Code("INVALID_ARGUMENT").
				With("permission", raw).
				With("pattern", pattern).
				Wrap(err)
		}
		n.matcher = g
	}

	return n, nil
}

// Key returns the canonical form of the node without the negation prefix.
// Two strings that set the same literal permission share a Key.
func (n Node) Key() string { return n.key }

// Negated reports whether the node encodes an explicit denial.
func (n Node) Negated() bool { return n.negated }

// Wildcard reports whether the node ends in a wildcard segment.
func (n Node) Wildcard() bool { return n.wildcard }

// Specificity is the number of literal path segments. Exact nodes are always
// more specific than any wildcard; among wildcards, more segments beat fewer.
func (n Node) Specificity() int { return len(n.segments) }

// Matches reports whether the node applies to the queried literal permission.
func (n Node) Matches(q string) bool {
	if n.wildcard {
		return n.matcher.Match(q)
	}
	return n.key == q
}

// String returns the permission in its raw grammar form.
func (n Node) String() string {
	if n.negated {
		return "-" + n.key
	}
	return n.key
}
