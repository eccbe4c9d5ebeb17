// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Permbase Contributors

package rank

import (
	"strings"

	"github.com/samber/oops"
)

// Weight bounds. Weights only order ranks relative to each other, so the
// range is generous but bounded to catch corrupted input.
const (
	MinWeight = 0
	MaxWeight = 1_000_000
)

// ValidateName checks that a rank name is usable as a case-insensitive key:
// non-empty, no whitespace, and limited to letters, digits, '_' and '-'.
func ValidateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return oops.In("rank").
			Code("INVALID_ARGUMENT").
			Errorf("rank name must be non-empty")
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return oops.In("rank").
				Code("INVALID_ARGUMENT").
				With("name", name).
				Errorf("rank name may only contain letters, digits, '_' and '-'")
		}
	}
	return nil
}

// ValidateWeight checks that a weight is within [MinWeight, MaxWeight].
func ValidateWeight(weight int) error {
	if weight < MinWeight || weight > MaxWeight {
		return oops.In("rank").
			Code("INVALID_ARGUMENT").
			With("weight", weight).
			Errorf("weight must be between %d and %d", MinWeight, MaxWeight)
	}
	return nil
}

// ValidateColor checks a chat color code: empty, a single code character, or
// '&' followed by a code character. Codes follow the conventional 0-9, a-f
// palette plus k-o and r formatting codes.
func ValidateColor(color string) error {
	c := color
	if c == "" {
		return nil
	}
	if strings.HasPrefix(c, "&") {
		c = c[1:]
	}
	if len(c) != 1 || !isColorCode(rune(c[0])) {
		return oops.In("rank").
			Code("INVALID_ARGUMENT").
			With("color", color).
			Errorf("color must be a code character 0-9, a-f, k-o or r, optionally prefixed with '&'")
	}
	return nil
}

func isColorCode(r rune) bool {
	switch {
	case r >= '0' && r <= '9':
		return true
	case r >= 'a' && r <= 'f':
		return true
	case r >= 'k' && r <= 'o':
		return true
	case r == 'r':
		return true
	}
	return false
}
