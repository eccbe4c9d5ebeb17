// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Permbase Contributors

package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/samber/oops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/permbase/permbase/internal/audit"
	"github.com/permbase/permbase/internal/rank"
	"github.com/permbase/permbase/internal/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "permbase.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, s.Close())
	})
	return s
}

func TestRankRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	in := &rank.Rank{
		Name:        "Moderator",
		DisplayName: "Moderator",
		Prefix:      "[Mod] ",
		Color:       "&a",
		Weight:      50,
		Permissions: []string{"chat.moderate", "-chat.spam"},
		WorldPermissions: map[string][]string{
			"nether": {"world.nether.enter"},
		},
		Inheritance: []string{"Member", "helper"},
	}
	require.NoError(t, s.SaveRank(ctx, in))

	got, err := s.Rank(ctx, "MODERATOR")
	require.NoError(t, err)
	assert.Equal(t, "moderator", got.Name)
	assert.Equal(t, "Moderator", got.DisplayName)
	assert.Equal(t, "[Mod] ", got.Prefix)
	assert.Equal(t, "&a", got.Color)
	assert.Equal(t, 50, got.Weight)
	assert.Equal(t, []string{"chat.moderate", "-chat.spam"}, got.Permissions)
	assert.Equal(t, []string{"world.nether.enter"}, got.WorldPermissions["nether"])
	assert.Equal(t, []string{"member", "helper"}, got.Inheritance)
}

func TestSaveRankReplacesChildren(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	r := &rank.Rank{Name: "vip", Permissions: []string{"perk.fly", "perk.glow"}}
	require.NoError(t, s.SaveRank(ctx, r))

	r.Permissions = []string{"perk.fly"}
	r.Inheritance = []string{"member"}
	require.NoError(t, s.SaveRank(ctx, r))

	got, err := s.Rank(ctx, "vip")
	require.NoError(t, err)
	assert.Equal(t, []string{"perk.fly"}, got.Permissions)
	assert.Equal(t, []string{"member"}, got.Inheritance)
}

func TestRankNotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.Rank(context.Background(), "ghost")
	require.Error(t, err)
	assert.True(t, storage.IsNotFound(err))
}

func TestDeleteRankCascades(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveRank(ctx, &rank.Rank{
		Name:        "temp",
		Permissions: []string{"a.b"},
		Inheritance: []string{"member"},
	}))
	require.NoError(t, s.DeleteRank(ctx, "temp"))

	_, err := s.Rank(ctx, "temp")
	assert.True(t, storage.IsNotFound(err))

	err = s.DeleteRank(ctx, "temp")
	assert.True(t, storage.IsNotFound(err))
}

func TestSingleDefaultRankEnforced(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveRank(ctx, &rank.Rank{Name: "member", Default: true}))

	err := s.SaveRank(ctx, &rank.Rank{Name: "guest", Default: true})
	require.Error(t, err)
	var oerr oops.OopsError
	require.ErrorAs(t, err, &oerr)
	assert.Equal(t, "INVALID_ARGUMENT", oerr.Code())

	got, err := s.DefaultRank(ctx)
	require.NoError(t, err)
	assert.Equal(t, "member", got.Name)
}

func TestDefaultRankNotConfigured(t *testing.T) {
	s := openTestStore(t)

	_, err := s.DefaultRank(context.Background())
	assert.True(t, storage.IsNotFound(err))
}

func TestRanksOrderedByName(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, name := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, s.SaveRank(ctx, &rank.Rank{Name: name}))
	}

	all, err := s.Ranks(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "alpha", all[0].Name)
	assert.Equal(t, "mid", all[1].Name)
	assert.Equal(t, "zeta", all[2].Name)
}

func TestPrincipalRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	exp := time.Now().Add(time.Hour).UTC().Truncate(time.Second)

	in := &rank.Principal{
		ID:             "b2c9e1",
		DisplayName:    "Steve",
		PrimaryRank:    "Member",
		SecondaryRanks: []string{"vip"},
		Permissions:    []string{"home.set"},
		WorldPermissions: map[string][]string{
			"creative": {"build.place"},
		},
		TemporaryRanks:       map[string]time.Time{"event": exp},
		TemporaryPermissions: map[string]time.Time{"perk.fly": exp},
		Metadata:             map[string]string{"locale": "en_US"},
	}
	require.NoError(t, s.SavePrincipal(ctx, in))

	got, err := s.Principal(ctx, "b2c9e1")
	require.NoError(t, err)
	assert.Equal(t, "Steve", got.DisplayName)
	assert.Equal(t, "member", got.PrimaryRank)
	assert.Equal(t, []string{"vip"}, got.SecondaryRanks)
	assert.Equal(t, []string{"home.set"}, got.Permissions)
	assert.Equal(t, []string{"build.place"}, got.WorldPermissions["creative"])
	assert.True(t, exp.Equal(got.TemporaryRanks["event"]))
	assert.True(t, exp.Equal(got.TemporaryPermissions["perk.fly"]))
	assert.Equal(t, "en_US", got.Metadata["locale"])
}

func TestSavePrincipalReplacesChildren(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	p := &rank.Principal{
		ID:                   "p1",
		SecondaryRanks:       []string{"vip", "builder"},
		TemporaryPermissions: map[string]time.Time{"perk.fly": time.Now().Add(time.Hour)},
	}
	require.NoError(t, s.SavePrincipal(ctx, p))

	p.SecondaryRanks = []string{"builder"}
	p.TemporaryPermissions = nil
	require.NoError(t, s.SavePrincipal(ctx, p))

	got, err := s.Principal(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, []string{"builder"}, got.SecondaryRanks)
	assert.Empty(t, got.TemporaryPermissions)
}

func TestDeletePrincipal(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SavePrincipal(ctx, &rank.Principal{ID: "gone", Permissions: []string{"x.y"}}))
	require.NoError(t, s.DeletePrincipal(ctx, "gone"))

	_, err := s.Principal(ctx, "gone")
	assert.True(t, storage.IsNotFound(err))

	err = s.DeletePrincipal(ctx, "gone")
	assert.True(t, storage.IsNotFound(err))
}

func TestPrincipalsLists(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SavePrincipal(ctx, &rank.Principal{ID: "b"}))
	require.NoError(t, s.SavePrincipal(ctx, &rank.Principal{ID: "a"}))

	all, err := s.Principals(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].ID)
	assert.Equal(t, "b", all[1].ID)
}

func TestAuditAppendPageTrim(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	actor := audit.Console()

	base := time.Now().UTC().Truncate(time.Second)
	for i := 0; i < 5; i++ {
		e := audit.NewEntry(actor, "rank.create", "rank:r"+string(rune('a'+i)), "created")
		e.Timestamp = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.AppendAudit(ctx, e))
	}

	page, err := s.AuditPage(ctx, audit.Query{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "rank:re", page[0].Target)
	assert.Equal(t, "rank:rd", page[1].Target)

	page, err = s.AuditPage(ctx, audit.Query{Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "rank:rc", page[0].Target)

	page, err = s.AuditPage(ctx, audit.Query{Target: "rank:ra"})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "rank.create", page[0].Action)

	n, err := s.TrimAudit(ctx, base.Add(2*time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	page, err = s.AuditPage(ctx, audit.Query{})
	require.NoError(t, err)
	assert.Len(t, page, 3)
}
