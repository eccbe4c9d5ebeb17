// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Permbase Contributors

// Package postgres implements the storage provider on PostgreSQL via pgx.
// It is the networked backend for deployments where several processes share
// one permission database.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"

	"github.com/permbase/permbase/internal/audit"
	"github.com/permbase/permbase/internal/rank"
	"github.com/permbase/permbase/internal/storage"
)

// DB is the pool surface the store needs. Both *pgxpool.Pool and the pgxmock
// pool satisfy it.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// Store implements storage.Provider on PostgreSQL.
type Store struct {
	db DB
}

var _ storage.Provider = (*Store)(nil)

// New wraps an existing pool. Used by tests and by callers that manage their
// own pool lifecycle.
func New(db DB) *Store {
	return &Store{db: db}
}

// Open connects to the database at dsn and verifies connectivity with a short
// exponential backoff, so a server racing its database on startup does not
// immediately fall back to the embedded backend.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, storage.Failure("open postgres", err)
	}

	backoff := retry.WithMaxRetries(5, retry.NewFibonacci(200*time.Millisecond))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := pool.Ping(ctx); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		pool.Close()
		return nil, storage.Failure("ping postgres", err)
	}
	return &Store{db: pool}, nil
}

// Close releases the pool.
func (s *Store) Close() error {
	s.db.Close()
	return nil
}

const rankColumns = `name, display_name, prefix, suffix, color, weight, is_default`

// SaveRank upserts the rank row and replaces child collections in one
// transaction.
func (s *Store) SaveRank(ctx context.Context, r *rank.Rank) error {
	name := rank.Normalize(r.Name)

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return storage.Failure("save rank", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	_, err = tx.Exec(ctx, `
		INSERT INTO ranks (name, display_name, prefix, suffix, color, weight, is_default)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (name) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			prefix = EXCLUDED.prefix,
			suffix = EXCLUDED.suffix,
			color = EXCLUDED.color,
			weight = EXCLUDED.weight,
			is_default = EXCLUDED.is_default
	`, name, r.DisplayName, r.Prefix, r.Suffix, r.Color, r.Weight, r.Default)
	if err != nil {
		return mapPgError("save rank", name, err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM rank_permissions WHERE rank_name = $1`, name); err != nil {
		return storage.Failure("save rank", err)
	}
	pos := 0
	for _, perm := range r.Permissions {
		if _, err := tx.Exec(ctx,
			`INSERT INTO rank_permissions (rank_name, position, world, permission) VALUES ($1, $2, '', $3)`,
			name, pos, perm); err != nil {
			return storage.Failure("save rank", err)
		}
		pos++
	}
	for _, world := range sortedWorlds(r.WorldPermissions) {
		for _, perm := range r.WorldPermissions[world] {
			if _, err := tx.Exec(ctx,
				`INSERT INTO rank_permissions (rank_name, position, world, permission) VALUES ($1, $2, $3, $4)`,
				name, pos, world, perm); err != nil {
				return storage.Failure("save rank", err)
			}
			pos++
		}
	}

	if _, err := tx.Exec(ctx, `DELETE FROM rank_inheritance WHERE rank_name = $1`, name); err != nil {
		return storage.Failure("save rank", err)
	}
	for i, parent := range r.Inheritance {
		if _, err := tx.Exec(ctx,
			`INSERT INTO rank_inheritance (rank_name, position, parent) VALUES ($1, $2, $3)`,
			name, i, rank.Normalize(parent)); err != nil {
			return storage.Failure("save rank", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return mapPgError("save rank", name, err)
	}
	return nil
}

// Rank loads one rank by name.
func (s *Store) Rank(ctx context.Context, name string) (*rank.Rank, error) {
	key := rank.Normalize(name)
	r := &rank.Rank{}
	err := s.db.QueryRow(ctx,
		`SELECT `+rankColumns+` FROM ranks WHERE name = $1`, key,
	).Scan(&r.Name, &r.DisplayName, &r.Prefix, &r.Suffix, &r.Color, &r.Weight, &r.Default)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.NotFound("rank", key)
	}
	if err != nil {
		return nil, storage.Failure("get rank", err)
	}

	if err := s.loadRankChildren(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// Ranks returns every rank, ordered by name.
func (s *Store) Ranks(ctx context.Context) ([]*rank.Rank, error) {
	rows, err := s.db.Query(ctx, `SELECT `+rankColumns+` FROM ranks ORDER BY name`)
	if err != nil {
		return nil, storage.Failure("list ranks", err)
	}

	var out []*rank.Rank
	for rows.Next() {
		r := &rank.Rank{}
		if err := rows.Scan(&r.Name, &r.DisplayName, &r.Prefix, &r.Suffix, &r.Color, &r.Weight, &r.Default); err != nil {
			rows.Close()
			return nil, storage.Failure("list ranks", err)
		}
		out = append(out, r)
	}
	rows.Close()
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
	tag, err := s.db.Exec(ctx, `DELETE FROM ranks WHERE name = $1`, key)
	if err != nil {
		return storage.Failure("delete rank", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.NotFound("rank", key)
	}
	return nil
}

// DefaultRank returns the rank flagged as default.
func (s *Store) DefaultRank(ctx context.Context) (*rank.Rank, error) {
	var name string
	err := s.db.QueryRow(ctx, `SELECT name FROM ranks WHERE is_default`).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.NotFound("rank", "default")
	}
	if err != nil {
		return nil, storage.Failure("get default rank", err)
	}
	return s.Rank(ctx, name)
}

func (s *Store) loadRankChildren(ctx context.Context, r *rank.Rank) error {
	name := rank.Normalize(r.Name)

	rows, err := s.db.Query(ctx,
		`SELECT world, permission FROM rank_permissions WHERE rank_name = $1 ORDER BY world, position`, name)
	if err != nil {
		return storage.Failure("get rank", err)
	}
	for rows.Next() {
		var world, perm string
		if err := rows.Scan(&world, &perm); err != nil {
			rows.Close()
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
	rows.Close()
	if err := rows.Err(); err != nil {
		return storage.Failure("get rank", err)
	}

	irows, err := s.db.Query(ctx,
		`SELECT parent FROM rank_inheritance WHERE rank_name = $1 ORDER BY position`, name)
	if err != nil {
		return storage.Failure("get rank", err)
	}
	for irows.Next() {
		var parent string
		if err := irows.Scan(&parent); err != nil {
			irows.Close()
			return storage.Failure("get rank", err)
		}
		r.Inheritance = append(r.Inheritance, parent)
	}
	irows.Close()
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

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return storage.Failure("save principal", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	_, err = tx.Exec(ctx, `
		INSERT INTO principals (id, display_name, primary_rank, metadata)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			primary_rank = EXCLUDED.primary_rank,
			metadata = EXCLUDED.metadata
	`, p.ID, p.DisplayName, rank.Normalize(p.PrimaryRank), meta)
	if err != nil {
		return storage.Failure("save principal", err)
	}

	for _, stmt := range []string{
		`DELETE FROM principal_secondary_ranks WHERE principal_id = $1`,
		`DELETE FROM principal_temp_ranks WHERE principal_id = $1`,
		`DELETE FROM principal_permissions WHERE principal_id = $1`,
		`DELETE FROM principal_temp_permissions WHERE principal_id = $1`,
	} {
		if _, err := tx.Exec(ctx, stmt, p.ID); err != nil {
			return storage.Failure("save principal", err)
		}
	}

	for _, name := range p.SecondaryRanks {
		if _, err := tx.Exec(ctx,
			`INSERT INTO principal_secondary_ranks (principal_id, rank_name) VALUES ($1, $2)`,
			p.ID, rank.Normalize(name)); err != nil {
			return storage.Failure("save principal", err)
		}
	}
	for _, name := range sortedKeys(p.TemporaryRanks) {
		if _, err := tx.Exec(ctx,
			`INSERT INTO principal_temp_ranks (principal_id, rank_name, expires_at) VALUES ($1, $2, $3)`,
			p.ID, rank.Normalize(name), p.TemporaryRanks[name].UTC()); err != nil {
			return storage.Failure("save principal", err)
		}
	}
	pos := 0
	for _, perm := range p.Permissions {
		if _, err := tx.Exec(ctx,
			`INSERT INTO principal_permissions (principal_id, position, world, permission) VALUES ($1, $2, '', $3)`,
			p.ID, pos, perm); err != nil {
			return storage.Failure("save principal", err)
		}
		pos++
	}
	for _, world := range sortedWorlds(p.WorldPermissions) {
		for _, perm := range p.WorldPermissions[world] {
			if _, err := tx.Exec(ctx,
				`INSERT INTO principal_permissions (principal_id, position, world, permission) VALUES ($1, $2, $3, $4)`,
				p.ID, pos, world, perm); err != nil {
				return storage.Failure("save principal", err)
			}
			pos++
		}
	}
	for _, perm := range sortedKeys(p.TemporaryPermissions) {
		if _, err := tx.Exec(ctx,
			`INSERT INTO principal_temp_permissions (principal_id, permission, expires_at) VALUES ($1, $2, $3)`,
			p.ID, perm, p.TemporaryPermissions[perm].UTC()); err != nil {
			return storage.Failure("save principal", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return storage.Failure("save principal", err)
	}
	return nil
}

// Principal loads one principal record by id.
func (s *Store) Principal(ctx context.Context, id string) (*rank.Principal, error) {
	p := &rank.Principal{}
	var meta []byte
	err := s.db.QueryRow(ctx,
		`SELECT id, display_name, primary_rank, metadata FROM principals WHERE id = $1`, id,
	).Scan(&p.ID, &p.DisplayName, &p.PrimaryRank, &meta)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.NotFound("principal", id)
	}
	if err != nil {
		return nil, storage.Failure("get principal", err)
	}
	if len(meta) > 0 && string(meta) != "{}" {
		if err := json.Unmarshal(meta, &p.Metadata); err != nil {
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
	rows, err := s.db.Query(ctx, `SELECT id FROM principals ORDER BY id`)
	if err != nil {
		return nil, storage.Failure("list principals", err)
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, storage.Failure("list principals", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
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
	tag, err := s.db.Exec(ctx, `DELETE FROM principals WHERE id = $1`, id)
	if err != nil {
		return storage.Failure("delete principal", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.NotFound("principal", id)
	}
	return nil
}

func (s *Store) loadPrincipalChildren(ctx context.Context, p *rank.Principal) error {
	rows, err := s.db.Query(ctx,
		`SELECT rank_name FROM principal_secondary_ranks WHERE principal_id = $1 ORDER BY rank_name`, p.ID)
	if err != nil {
		return storage.Failure("get principal", err)
	}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return storage.Failure("get principal", err)
		}
		p.SecondaryRanks = append(p.SecondaryRanks, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return storage.Failure("get principal", err)
	}

	trows, err := s.db.Query(ctx,
		`SELECT rank_name, expires_at FROM principal_temp_ranks WHERE principal_id = $1`, p.ID)
	if err != nil {
		return storage.Failure("get principal", err)
	}
	for trows.Next() {
		var name string
		var exp time.Time
		if err := trows.Scan(&name, &exp); err != nil {
			trows.Close()
			return storage.Failure("get principal", err)
		}
		if p.TemporaryRanks == nil {
			p.TemporaryRanks = make(map[string]time.Time)
		}
		p.TemporaryRanks[name] = exp.UTC()
	}
	trows.Close()
	if err := trows.Err(); err != nil {
		return storage.Failure("get principal", err)
	}

	prows, err := s.db.Query(ctx,
		`SELECT world, permission FROM principal_permissions WHERE principal_id = $1 ORDER BY world, position`, p.ID)
	if err != nil {
		return storage.Failure("get principal", err)
	}
	for prows.Next() {
		var world, perm string
		if err := prows.Scan(&world, &perm); err != nil {
			prows.Close()
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
	prows.Close()
	if err := prows.Err(); err != nil {
		return storage.Failure("get principal", err)
	}

	xrows, err := s.db.Query(ctx,
		`SELECT permission, expires_at FROM principal_temp_permissions WHERE principal_id = $1`, p.ID)
	if err != nil {
		return storage.Failure("get principal", err)
	}
	for xrows.Next() {
		var perm string
		var exp time.Time
		if err := xrows.Scan(&perm, &exp); err != nil {
			xrows.Close()
			return storage.Failure("get principal", err)
		}
		if p.TemporaryPermissions == nil {
			p.TemporaryPermissions = make(map[string]time.Time)
		}
		p.TemporaryPermissions[perm] = exp.UTC()
	}
	xrows.Close()
	if err := xrows.Err(); err != nil {
		return storage.Failure("get principal", err)
	}
	return nil
}

// AppendAudit inserts one audit entry.
func (s *Store) AppendAudit(ctx context.Context, e audit.Entry) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO audit_log (id, ts, actor_id, actor_name, action, target, target_id, detail, context)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, e.ID, e.Timestamp.UTC(), e.ActorID, e.ActorName, e.Action, e.Target, e.TargetID, e.Detail, e.Context)
	if err != nil {
		return storage.Failure("append audit", err)
	}
	return nil
}

// AuditPage returns entries newest first, filtered and paginated.
func (s *Store) AuditPage(ctx context.Context, q audit.Query) ([]audit.Entry, error) {
	query := `SELECT id, ts, actor_id, actor_name, action, target, target_id, detail, context FROM audit_log WHERE TRUE`
	var args []any
	idx := 1
	if q.Target != "" {
		query += ` AND target = $` + strconv.Itoa(idx)
		args = append(args, q.Target)
		idx++
	}
	if q.Action != "" {
		query += ` AND action = $` + strconv.Itoa(idx)
		args = append(args, q.Action)
		idx++
	}
	if !q.Before.IsZero() {
		query += ` AND ts < $` + strconv.Itoa(idx)
		args = append(args, q.Before.UTC())
		idx++
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY ts DESC, id DESC LIMIT $` + strconv.Itoa(idx) + ` OFFSET $` + strconv.Itoa(idx+1)
	args = append(args, limit, q.Offset)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, storage.Failure("audit page", err)
	}
	defer rows.Close()

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
	tag, err := s.db.Exec(ctx, `DELETE FROM audit_log WHERE ts < $1`, before.UTC())
	if err != nil {
		return 0, storage.Failure("trim audit", err)
	}
	return tag.RowsAffected(), nil
}

// mapPgError turns a unique violation on the default-rank partial index into
// INVALID_ARGUMENT; everything else is a storage fault.
func mapPgError(op, name string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
		return oops.In("storage").
			Code("INVALID_ARGUMENT").
			With("rank", name).
			Errorf("another rank is already flagged as default")
	}
	return storage.Failure(op, err)
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
