// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Permbase Contributors

package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/samber/oops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/permbase/permbase/internal/audit"
	"github.com/permbase/permbase/internal/rank"
	"github.com/permbase/permbase/internal/storage"
)

func newMockStore(t *testing.T) (pgxmock.PgxPoolIface, *Store) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err, "failed to create mock")
	t.Cleanup(mock.Close)
	return mock, New(mock)
}

func TestStore_Rank(t *testing.T) {
	tests := []struct {
		name      string
		setupMock func(mock pgxmock.PgxPoolIface)
		want      *rank.Rank
		wantErr   bool
		notFound  bool
	}{
		{
			name: "found with children",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(`SELECT name, display_name, prefix, suffix, color, weight, is_default FROM ranks`).
					WithArgs("mod").
					WillReturnRows(pgxmock.NewRows([]string{"name", "display_name", "prefix", "suffix", "color", "weight", "is_default"}).
						AddRow("mod", "Moderator", "[M] ", "", "&a", 50, false))
				mock.ExpectQuery(`SELECT world, permission FROM rank_permissions`).
					WithArgs("mod").
					WillReturnRows(pgxmock.NewRows([]string{"world", "permission"}).
						AddRow("", "chat.moderate").
						AddRow("nether", "world.nether.enter"))
				mock.ExpectQuery(`SELECT parent FROM rank_inheritance`).
					WithArgs("mod").
					WillReturnRows(pgxmock.NewRows([]string{"parent"}).AddRow("member"))
			},
			want: &rank.Rank{
				Name:             "mod",
				DisplayName:      "Moderator",
				Prefix:           "[M] ",
				Color:            "&a",
				Weight:           50,
				Permissions:      []string{"chat.moderate"},
				WorldPermissions: map[string][]string{"nether": {"world.nether.enter"}},
				Inheritance:      []string{"member"},
			},
		},
		{
			name: "not found",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(`SELECT name, display_name, prefix, suffix, color, weight, is_default FROM ranks`).
					WithArgs("ghost").
					WillReturnRows(pgxmock.NewRows([]string{"name"}))
			},
			wantErr:  true,
			notFound: true,
		},
		{
			name: "database error",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(`SELECT name, display_name, prefix, suffix, color, weight, is_default FROM ranks`).
					WithArgs("mod").
					WillReturnError(errors.New("connection refused"))
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock, s := newMockStore(t)
			tt.setupMock(mock)

			query := "mod"
			if tt.notFound {
				query = "ghost"
			}
			got, err := s.Rank(context.Background(), query)

			if tt.wantErr {
				require.Error(t, err)
				if tt.notFound {
					assert.True(t, storage.IsNotFound(err))
				} else {
					assert.True(t, storage.IsFailure(err))
				}
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.want, got)
			}

			assert.NoError(t, mock.ExpectationsWereMet(), "unfulfilled expectations")
		})
	}
}

func TestStore_SaveRank(t *testing.T) {
	r := &rank.Rank{
		Name:        "VIP",
		Weight:      30,
		Permissions: []string{"perk.fly"},
		Inheritance: []string{"member"},
	}

	t.Run("happy path", func(t *testing.T) {
		mock, s := newMockStore(t)

		mock.ExpectBegin()
		mock.ExpectExec(`INSERT INTO ranks`).
			WithArgs("vip", "", "", "", "", 30, false).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mock.ExpectExec(`DELETE FROM rank_permissions`).
			WithArgs("vip").
			WillReturnResult(pgxmock.NewResult("DELETE", 0))
		mock.ExpectExec(`INSERT INTO rank_permissions`).
			WithArgs("vip", 0, "perk.fly").
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mock.ExpectExec(`DELETE FROM rank_inheritance`).
			WithArgs("vip").
			WillReturnResult(pgxmock.NewResult("DELETE", 0))
		mock.ExpectExec(`INSERT INTO rank_inheritance`).
			WithArgs("vip", 0, "member").
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mock.ExpectCommit()

		require.NoError(t, s.SaveRank(context.Background(), r))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("duplicate default maps to invalid argument", func(t *testing.T) {
		mock, s := newMockStore(t)

		mock.ExpectBegin()
		mock.ExpectExec(`INSERT INTO ranks`).
			WithArgs("vip", "", "", "", "", 30, true).
			WillReturnError(&pgconn.PgError{Code: pgerrcode.UniqueViolation})
		mock.ExpectRollback()

		dup := r.Clone()
		dup.Default = true
		err := s.SaveRank(context.Background(), dup)
		require.Error(t, err)
		var oerr oops.OopsError
		require.ErrorAs(t, err, &oerr)
		assert.Equal(t, "INVALID_ARGUMENT", oerr.Code())
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestStore_DeleteRank(t *testing.T) {
	t.Run("deletes", func(t *testing.T) {
		mock, s := newMockStore(t)
		mock.ExpectExec(`DELETE FROM ranks`).
			WithArgs("vip").
			WillReturnResult(pgxmock.NewResult("DELETE", 1))

		require.NoError(t, s.DeleteRank(context.Background(), "VIP"))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing rank is not found", func(t *testing.T) {
		mock, s := newMockStore(t)
		mock.ExpectExec(`DELETE FROM ranks`).
			WithArgs("ghost").
			WillReturnResult(pgxmock.NewResult("DELETE", 0))

		err := s.DeleteRank(context.Background(), "ghost")
		assert.True(t, storage.IsNotFound(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestStore_DefaultRank_NotConfigured(t *testing.T) {
	mock, s := newMockStore(t)
	mock.ExpectQuery(`SELECT name FROM ranks WHERE is_default`).
		WillReturnRows(pgxmock.NewRows([]string{"name"}))

	_, err := s.DefaultRank(context.Background())
	assert.True(t, storage.IsNotFound(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_AppendAudit(t *testing.T) {
	mock, s := newMockStore(t)
	e := audit.NewEntry(audit.Console(), "rank.create", "rank:vip", "created")
	mock.ExpectExec(`INSERT INTO audit_log`).
		WithArgs(e.ID, e.Timestamp.UTC(), e.ActorID, e.ActorName, e.Action, e.Target, e.TargetID, e.Detail, e.Context).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.AppendAudit(context.Background(), e))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_TrimAudit(t *testing.T) {
	mock, s := newMockStore(t)
	cutoff := time.Now().UTC()
	mock.ExpectExec(`DELETE FROM audit_log`).
		WithArgs(cutoff).
		WillReturnResult(pgxmock.NewResult("DELETE", 7))

	n, err := s.TrimAudit(context.Background(), cutoff)
	require.NoError(t, err)
	assert.EqualValues(t, 7, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
