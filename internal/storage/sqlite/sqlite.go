// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Permbase Contributors

// Package sqlite implements the storage provider on an embedded SQLite
// database. This is the reference backend: zero external services, and the
// fallback when a configured backend fails to initialize.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/golang-migrate/migrate/v4"
	msqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/samber/oops"

	"github.com/permbase/permbase/internal/audit"
	"github.com/permbase/permbase/internal/rank"
	"github.com/permbase/permbase/internal/storage"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store implements storage.Provider on SQLite.
type Store struct {
	db *sql.DB
}

// Compile-time check.
var _ storage.Provider = (*Store)(nil)

// Open opens (creating if needed) the database at path and applies pending
// migrations. Foreign keys are enabled so child rows cascade on delete.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, storage.Failure("open sqlite", err)
	}
	// SQLite serializes writers; more than one writer connection just queues
	// on the busy handler.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close() //nolint:errcheck // init error takes precedence
		return nil, err
	}
	return s, nil
}

// migrate applies the embedded schema migrations.
func (s *Store) migrate() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return oops.Code("MIGRATION_SOURCE_FAILED").Wrap(err)
	}
	driver, err := msqlite.WithInstance(s.db, &msqlite.Config{})
	if err != nil {
		return oops.Code("MIGRATION_INIT_FAILED").Wrap(err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return oops.Code("MIGRATION_INIT_FAILED").Wrap(err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return oops.Code("MIGRATION_UP_FAILED").Wrap(err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return storage.Failure("close sqlite", err)
	}
	return nil
}

// SaveRank upserts the rank row and replaces its child collections wholesale
// inside one transaction, so a reader never observes a half-written rank.
func (s *Store) SaveRank(ctx context.Context, r *rank.Rank) error {
	name := rank.Normalize(r.Name)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.Failure("save rank", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ranks (name, display_name, prefix, suffix, color, weight, is_default)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			display_name = excluded.display_name,
			prefix = excluded.prefix,
			suffix = excluded.suffix,
			color = excluded.color,
			weight = excluded.weight,
			is_default = excluded.is_default
	`, name, r.DisplayName, r.Prefix, r.Suffix, r.Color, r.Weight, boolToInt(r.Default))
	if err != nil {
		return mapConstraint("save rank", name, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM rank_permissions WHERE rank_name = ?`, name); err != nil {
		return storage.Failure("save rank", err)
	}
	for _, perm := range r.Permissions {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO rank_permissions (rank_name, world, permission) VALUES (?, '', ?)`,
			name, perm); err != nil {
			return storage.Failure("save rank", err)
		}
	}
	for _, world := range sortedWorlds(r.WorldPermissions) {
		for _, perm := range r.WorldPermissions[world] {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO rank_permissions (rank_name, world, permission) VALUES (?, ?, ?)`,
				name, world, perm); err != nil {
				return storage.Failure("save rank", err)
			}
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM rank_inheritance WHERE rank_name = ?`, name); err != nil {
		return storage.Failure("save rank", err)
	}
	for i, parent := range r.Inheritance {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO rank_inheritance (rank_name, position, parent) VALUES (?, ?, ?)`,
			name, i, rank.Normalize(parent)); err != nil {
			return storage.Failure("save rank", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return mapConstraint("save rank", name, err)
	}
	return nil
}

// Rank loads one rank by name.
func (s *Store) Rank(ctx context.Context, name string) (*rank.Rank, error) {
	key := rank.Normalize(name)
	r := &rank.Rank{}
	var isDefault int
	err := s.db.QueryRowContext(ctx, `
		SELECT name, display_name, prefix, suffix, color, weight, is_default
		FROM ranks WHERE name = ?
	`, key).Scan(&r.Name, &r.DisplayName, &r.Prefix, &r.Suffix, &r.Color, &r.Weight, &isDefault)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.NotFound("rank", key)
	}
	if err != nil {
		return nil, storage.Failure("get rank", err)
	}
	r.Default = isDefault != 0

	if err := s.loadRankChildren(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// Ranks returns every rank, ordered by name.
func (s *Store) Ranks(ctx context.Context) ([]*rank.Rank, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, display_name, prefix, suffix, color, weight, is_default
		FROM ranks ORDER BY name
	`)
	if err != nil {
		return nil, storage.Failure("list ranks", err)
	}
	defer rows.Close() //nolint:errcheck // read-only rows

	var out []*rank.Rank
	for rows.Next() {
		r := &rank.Rank{}
		var isDefault int
		if err := rows.Scan(&r.Name, &r.DisplayName, &r.Prefix, &r.Suffix, &r.Color, &r.Weight, &isDefault); err != nil {
			return nil, storage.Failure("list ranks", err)
		}
		r.Default = isDefault != 0
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Failure("list ranks", err)
	}

	for _, r := range out {
		if err := s.loadRankChildren(ctx, r); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// DeleteRank removes a rank; child rows cascade.
func (s *Store) DeleteRank(ctx context.Context, name string) error {
	key := rank.Normalize(name)
	res, err := s.db.ExecContext(ctx, `DELETE FROM ranks WHERE name = ?`, key)
	if err != nil {
		return storage.Failure("delete rank", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storage.Failure("delete rank", err)
	}
	if n == 0 {
		return storage.NotFound("rank", key)
	}
	return nil
}

// DefaultRank returns the rank flagged as default.
func (s *Store) DefaultRank(ctx context.Context) (*rank.Rank, error) {
	var name string
	err := s.db.QueryRowContext(ctx, `SELECT name FROM ranks WHERE is_default = 1`).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.NotFound("rank", "default")
	}
	if err != nil {
		return nil, storage.Failure("get default rank", err)
	}
	return s.Rank(ctx, name)
}

// loadRankChildren populates permissions and inheritance from child tables.
func (s *Store) loadRankChildren(ctx context.Context, r *rank.Rank) error {
	name := rank.Normalize(r.Name)

	rows, err := s.db.QueryContext(ctx,
		`SELECT world, permission FROM rank_permissions WHERE rank_name = ? ORDER BY world, rowid`, name)
	if err != nil {
		return storage.Failure("get rank", err)
	}
	defer rows.Close() //nolint:errcheck // read-only rows
	for rows.Next() {
		var world, perm string
		if err := rows.Scan(&world, &perm); err != nil {
			return storage.Failure("get rank", err)
		}
		if world == "" {
			r.Permissions = append(r.Permissions, perm)
		} else {
			if r.WorldPermissions == nil {
				r.WorldPermissions = make(map[string][]string)
			}
			r.WorldPermissions[world] = append(r.WorldPermissions[world], perm)
		}
	}
	if err := rows.Err(); err != nil {
		return storage.Failure("get rank", err)
	}

	irows, err := s.db.QueryContext(ctx,
		`SELECT parent FROM rank_inheritance WHERE rank_name = ? ORDER BY position`, name)
	if err != nil {
		return storage.Failure("get rank", err)
	}
	defer irows.Close() //nolint:errcheck // read-only rows
	for irows.Next() {
		var parent string
		if err := irows.Scan(&parent); err != nil {
			return storage.Failure("get rank", err)
		}
		r.Inheritance = append(r.Inheritance, parent)
	}
	if err := irows.Err(); err != nil {
		return storage.Failure("get rank", err)
	}
	return nil
}

// SavePrincipal upserts the principal row and replaces child collections in
// one transaction.
func (s *Store) SavePrincipal(ctx context.Context, p *rank.Principal) error {
	meta, err := json.Marshal(metaOrEmpty(p.Metadata))
	if err != nil {
		return oops.Code("INVALID_ARGUMENT").With("id", p.ID).Wrap(err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.Failure("save principal", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	_, err = tx.ExecContext(ctx, `
		INSERT INTO principals (id, display_name, primary_rank, metadata)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_name = excluded.display_name,
			primary_rank = excluded.primary_rank,
			metadata = excluded.metadata
	`, p.ID, p.DisplayName, rank.Normalize(p.PrimaryRank), string(meta))
	if err != nil {
		return storage.Failure("save principal", err)
	}

	for _, stmt := range []string{
		`DELETE FROM principal_secondary_ranks WHERE principal_id = ?`,
		`DELETE FROM principal_temp_ranks WHERE principal_id = ?`,
		`DELETE FROM principal_permissions WHERE principal_id = ?`,
		`DELETE FROM principal_temp_permissions WHERE principal_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, p.ID); err != nil {
			return storage.Failure("save principal", err)
		}
	}

	for _, name := range p.SecondaryRanks {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO principal_secondary_ranks (principal_id, rank_name) VALUES (?, ?)`,
			p.ID, rank.Normalize(name)); err != nil {
			return storage.Failure("save principal", err)
		}
	}
	for _, name := range sortedKeys(p.TemporaryRanks) {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO principal_temp_ranks (principal_id, rank_name, expires_at) VALUES (?, ?, ?)`,
			p.ID, rank.Normalize(name), p.TemporaryRanks[name].UTC()); err != nil {
			return storage.Failure("save principal", err)
		}
	}
	for _, perm := range p.Permissions {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO principal_permissions (principal_id, world, permission) VALUES (?, '', ?)`,
			p.ID, perm); err != nil {
			return storage.Failure("save principal", err)
		}
	}
	for _, world := range sortedWorlds(p.WorldPermissions) {
		for _, perm := range p.WorldPermissions[world] {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO principal_permissions (principal_id, world, permission) VALUES (?, ?, ?)`,
				p.ID, world, perm); err != nil {
				return storage.Failure("save principal", err)
			}
		}
	}
	for _, perm := range sortedKeys(p.TemporaryPermissions) {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO principal_temp_permissions (principal_id, permission, expires_at) VALUES (?, ?, ?)`,
			p.ID, perm, p.TemporaryPermissions[perm].UTC()); err != nil {
			return storage.Failure("save principal", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return storage.Failure("save principal", err)
	}
	return nil
}

// Principal loads one principal record by id.
func (s *Store) Principal(ctx context.Context, id string) (*rank.Principal, error) {
	p := &rank.Principal{}
	var meta string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, primary_rank, metadata FROM principals WHERE id = ?
	`, id).Scan(&p.ID, &p.DisplayName, &p.PrimaryRank, &meta)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.NotFound("principal", id)
	}
	if err != nil {
		return nil, storage.Failure("get principal", err)
	}
	if meta != "" && meta != "{}" {
		if err := json.Unmarshal([]byte(meta), &p.Metadata); err != nil {
			return nil, storage.Failure("get principal", err)
		}
	}

	if err := s.loadPrincipalChildren(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Principals returns every principal record, ordered by id.
func (s *Store) Principals(ctx context.Context) ([]*rank.Principal, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM principals ORDER BY id`)
	if err != nil {
		return nil, storage.Failure("list principals", err)
	}
	defer rows.Close() //nolint:errcheck // read-only rows

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storage.Failure("list principals", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Failure("list principals", err)
	}

	out := make([]*rank.Principal, 0, len(ids))
	for _, id := range ids {
		p, err := s.Principal(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// DeletePrincipal removes a principal record; child rows cascade.
func (s *Store) DeletePrincipal(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM principals WHERE id = ?`, id)
	if err != nil {
		return storage.Failure("delete principal", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storage.Failure("delete principal", err)
	}
	if n == 0 {
		return storage.NotFound("principal", id)
	}
	return nil
}

func (s *Store) loadPrincipalChildren(ctx context.Context, p *rank.Principal) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT rank_name FROM principal_secondary_ranks WHERE principal_id = ? ORDER BY rank_name`, p.ID)
	if err != nil {
		return storage.Failure("get principal", err)
	}
	defer rows.Close() //nolint:errcheck // read-only rows
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return storage.Failure("get principal", err)
		}
		p.SecondaryRanks = append(p.SecondaryRanks, name)
	}
	if err := rows.Err(); err != nil {
		return storage.Failure("get principal", err)
	}

	trows, err := s.db.QueryContext(ctx,
		`SELECT rank_name, expires_at FROM principal_temp_ranks WHERE principal_id = ?`, p.ID)
	if err != nil {
		return storage.Failure("get principal", err)
	}
	defer trows.Close() //nolint:errcheck // read-only rows
	for trows.Next() {
		var name string
		var exp time.Time
		if err := trows.Scan(&name, &exp); err != nil {
			return storage.Failure("get principal", err)
		}
		if p.TemporaryRanks == nil {
			p.TemporaryRanks = make(map[string]time.Time)
		}
		p.TemporaryRanks[name] = exp.UTC()
	}
	if err := trows.Err(); err != nil {
		return storage.Failure("get principal", err)
	}

	prows, err := s.db.QueryContext(ctx,
		`SELECT world, permission FROM principal_permissions WHERE principal_id = ? ORDER BY world, rowid`, p.ID)
	if err != nil {
		return storage.Failure("get principal", err)
	}
	defer prows.Close() //nolint:errcheck // read-only rows
	for prows.Next() {
		var world, perm string
		if err := prows.Scan(&world, &perm); err != nil {
			return storage.Failure("get principal", err)
		}
		if world == "" {
			p.Permissions = append(p.Permissions, perm)
		} else {
			if p.WorldPermissions == nil {
				p.WorldPermissions = make(map[string][]string)
			}
			p.WorldPermissions[world] = append(p.WorldPermissions[world], perm)
		}
	}
	if err := prows.Err(); err != nil {
		return storage.Failure("get principal", err)
	}

	xrows, err := s.db.QueryContext(ctx,
		`SELECT permission, expires_at FROM principal_temp_permissions WHERE principal_id = ?`, p.ID)
	if err != nil {
		return storage.Failure("get principal", err)
	}
	defer xrows.Close() //nolint:errcheck // read-only rows
	for xrows.Next() {
		var perm string
		var exp time.Time
		if err := xrows.Scan(&perm, &exp); err != nil {
			return storage.Failure("get principal", err)
		}
		if p.TemporaryPermissions == nil {
			p.TemporaryPermissions = make(map[string]time.Time)
		}
		p.TemporaryPermissions[perm] = exp.UTC()
	}
	if err := xrows.Err(); err != nil {
		return storage.Failure("get principal", err)
	}
	return nil
}

// AppendAudit inserts one audit entry.
func (s *Store) AppendAudit(ctx context.Context, e audit.Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, ts, actor_id, actor_name, action, target, target_id, detail, context)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.Timestamp.UTC(), e.ActorID, e.ActorName, e.Action, e.Target, e.TargetID, e.Detail, e.Context)
	if err != nil {
		return storage.Failure("append audit", err)
	}
	return nil
}

// AuditPage returns entries newest first, filtered and paginated.
func (s *Store) AuditPage(ctx context.Context, q audit.Query) ([]audit.Entry, error) {
	query := `SELECT id, ts, actor_id, actor_name, action, target, target_id, detail, context FROM audit_log WHERE 1=1`
	var args []any
	if q.Target != "" {
		query += ` AND target = ?`
		args = append(args, q.Target)
	}
	if q.Action != "" {
		query += ` AND action = ?`
		args = append(args, q.Action)
	}
	if !q.Before.IsZero() {
		query += ` AND ts < ?`
		args = append(args, q.Before.UTC())
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY ts DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, q.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storage.Failure("audit page", err)
	}
	defer rows.Close() //nolint:errcheck // read-only rows

	var out []audit.Entry
	for rows.Next() {
		var e audit.Entry
		var ts time.Time
		if err := rows.Scan(&e.ID, &ts, &e.ActorID, &e.ActorName, &e.Action, &e.Target, &e.TargetID, &e.Detail, &e.Context); err != nil {
			return nil, storage.Failure("audit page", err)
		}
		e.Timestamp = ts.UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Failure("audit page", err)
	}
	return out, nil
}

// TrimAudit deletes entries older than the cutoff and reports how many.
func (s *Store) TrimAudit(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE ts < ?`, before.UTC())
	if err != nil {
		return 0, storage.Failure("trim audit", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storage.Failure("trim audit", err)
	}
	return n, nil
}

// mapConstraint turns a sqlite constraint violation (the partial unique index
// on is_default) into an INVALID_ARGUMENT; everything else is a storage fault.
func mapConstraint(op, name string, err error) error {
	var serr sqlite3.Error
	if errors.As(err, &serr) && serr.Code == sqlite3.ErrConstraint {
		return oops.In("storage").
			Code("INVALID_ARGUMENT").
			With("rank", name).
			Errorf("another rank is already flagged as default")
	}
	return storage.Failure(op, err)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func sortedWorlds(m map[string][]string) []string {
	out := make([]string, 0, len(m))
	for w := range m {
		out = append(out, w)
	}
	sort.Strings(out)
	return out
}

func sortedKeys(m map[string]time.Time) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func metaOrEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
