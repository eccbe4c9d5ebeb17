// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Permbase Contributors

package perm

import (
	"testing"

	"github.com/samber/oops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Literal(t *testing.T) {
	n, err := Parse("essentials.fly")
	require.NoError(t, err)

	assert.Equal(t, "essentials.fly", n.Key())
	assert.False(t, n.Negated())
	assert.False(t, n.Wildcard())
	assert.Equal(t, 2, n.Specificity())
	assert.Equal(t, "essentials.fly", n.String())
}

func TestParse_Negated(t *testing.T) {
	n, err := Parse("-essentials.fly")
	require.NoError(t, err)

	assert.Equal(t, "essentials.fly", n.Key())
	assert.True(t, n.Negated())
	assert.Equal(t, "-essentials.fly", n.String())
}

func TestParse_Wildcard(t *testing.T) {
	n, err := Parse("essentials.*")
	require.NoError(t, err)

	assert.True(t, n.Wildcard())
	assert.Equal(t, 1, n.Specificity())
	assert.True(t, n.Matches("essentials.fly"))
	assert.True(t, n.Matches("essentials.kits.daily"))
	assert.False(t, n.Matches("essentials"))
	assert.False(t, n.Matches("worldedit.wand"))
}

func TestParse_BareStar(t *testing.T) {
	n, err := Parse("*")
	require.NoError(t, err)

	assert.True(t, n.Wildcard())
	assert.Equal(t, 0, n.Specificity())
	assert.True(t, n.Matches("anything"))
	assert.True(t, n.Matches("a.b.c"))
}

func TestParse_NegatedWildcard(t *testing.T) {
	n, err := Parse("-essentials.kits.*")
	require.NoError(t, err)

	assert.True(t, n.Negated())
	assert.True(t, n.Wildcard())
	assert.True(t, n.Matches("essentials.kits.daily"))
}

func TestParse_Invalid(t *testing.T) {
	cases := []string{"", "-", "a..b", ".a", "a.", "a.*.b", "fo*o", "*.a"}
	for _, raw := range cases {
		_, err := Parse(raw)
		require.Error(t, err, "expected %q to be rejected", raw)
		oerr, ok := oops.AsOops(err)
		require.True(t, ok)
		assert.Equal(t, "INVALID_ARGUMENT", oerr.Code())
	}
}
