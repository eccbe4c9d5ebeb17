// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Permbase Contributors

// Package flatfile implements the storage provider on plain JSON files. It
// targets small single-process deployments and environments where operators
// want to inspect or edit state with a text editor. Files are validated
// against generated JSON Schemas on read, and every write goes through a
// temp-file rename so a crash never leaves a truncated file behind.
package flatfile

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/samber/oops"

	"github.com/permbase/permbase/internal/audit"
	"github.com/permbase/permbase/internal/rank"
	"github.com/permbase/permbase/internal/storage"
)

const (
	ranksFile     = "ranks.json"
	principalsDir = "principals"
	auditFile     = "audit.jsonl"
)

// Store implements storage.Provider on a directory of JSON files.
type Store struct {
	dir string
	mu  sync.Mutex
}

var _ storage.Provider = (*Store)(nil)

// Open prepares the data directory, creating it if needed.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, principalsDir), 0o750); err != nil {
		return nil, storage.Failure("open flatfile", err)
	}
	return &Store{dir: dir}, nil
}

// Close is a no-op; every operation opens and closes its own files.
func (s *Store) Close() error { return nil }

// SaveRank rewrites ranks.json with the rank upserted.
func (s *Store) SaveRank(_ context.Context, r *rank.Rank) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ranks, err := s.readRanks()
	if err != nil {
		return err
	}

	in := r.Clone()
	in.Name = rank.Normalize(in.Name)
	if in.Default {
		for _, other := range ranks {
			if other.Default && other.Name != in.Name {
				return oops.In("storage").
					Code("INVALID_ARGUMENT").
					With("rank", in.Name).
					Errorf("another rank is already flagged as default")
			}
		}
	}
	ranks[in.Name] = in

	return s.writeRanks(ranks)
}

// Rank loads one rank by name.
func (s *Store) Rank(_ context.Context, name string) (*rank.Rank, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ranks, err := s.readRanks()
	if err != nil {
		return nil, err
	}
	key := rank.Normalize(name)
	r, ok := ranks[key]
	if !ok {
		return nil, storage.NotFound("rank", key)
	}
	return r.Clone(), nil
}

// Ranks returns every rank, ordered by name.
func (s *Store) Ranks(_ context.Context) ([]*rank.Rank, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ranks, err := s.readRanks()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(ranks))
	for name := range ranks {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]*rank.Rank, 0, len(names))
	for _, name := range names {
		out = append(out, ranks[name].Clone())
	}
	return out, nil
}

// DeleteRank removes a rank from ranks.json.
func (s *Store) DeleteRank(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ranks, err := s.readRanks()
	if err != nil {
		return err
	}
	key := rank.Normalize(name)
	if _, ok := ranks[key]; !ok {
		return storage.NotFound("rank", key)
	}
	delete(ranks, key)
	return s.writeRanks(ranks)
}

// DefaultRank returns the rank flagged as default.
func (s *Store) DefaultRank(_ context.Context) (*rank.Rank, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ranks, err := s.readRanks()
	if err != nil {
		return nil, err
	}
	for _, r := range ranks {
		if r.Default {
			return r.Clone(), nil
		}
	}
	return nil, storage.NotFound("rank", "default")
}

// readRanks loads ranks.json as a map keyed by normalized name. Each entry is
// schema-validated; one bad entry fails the whole read rather than silently
// dropping state.
func (s *Store) readRanks() (map[string]*rank.Rank, error) {
	path := filepath.Join(s.dir, ranksFile)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return map[string]*rank.Rank{}, nil
	}
	if err != nil {
		return nil, storage.Failure("read ranks", err)
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, storage.Failure("read ranks", err)
	}

	out := make(map[string]*rank.Rank, len(raw))
	for _, entry := range raw {
		if err := validateRankJSON(entry); err != nil {
			return nil, oops.In("storage").With("path", path).Wrap(err)
		}
		r := &rank.Rank{}
		if err := json.Unmarshal(entry, r); err != nil {
			return nil, storage.Failure("read ranks", err)
		}
		out[rank.Normalize(r.Name)] = r
	}
	return out, nil
}

// writeRanks writes ranks.json atomically, sorted by name for stable diffs.
func (s *Store) writeRanks(ranks map[string]*rank.Rank) error {
	names := make([]string, 0, len(ranks))
	for name := range ranks {
		names = append(names, name)
	}
	sort.Strings(names)

	list := make([]*rank.Rank, 0, len(names))
	for _, name := range names {
		list = append(list, ranks[name])
	}

	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return storage.Failure("write ranks", err)
	}
	return s.writeAtomic(filepath.Join(s.dir, ranksFile), data)
}

// SavePrincipal writes the principal to its own file.
func (s *Store) SavePrincipal(_ context.Context, p *rank.Principal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.ContainsAny(p.ID, `/\`) {
		return oops.In("storage").
			Code("INVALID_ARGUMENT").
			With("id", p.ID).
			Errorf("principal id must not contain path separators")
	}

	out := p.Clone()
	out.PrimaryRank = rank.Normalize(out.PrimaryRank)

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return storage.Failure("write principal", err)
	}
	return s.writeAtomic(s.principalPath(p.ID), data)
}

// Principal loads one principal record by id.
func (s *Store) Principal(_ context.Context, id string) (*rank.Principal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readPrincipal(id)
}

func (s *Store) readPrincipal(id string) (*rank.Principal, error) {
	path := s.principalPath(id)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, storage.NotFound("principal", id)
	}
	if err != nil {
		return nil, storage.Failure("read principal", err)
	}

	if err := validatePrincipalJSON(data); err != nil {
		return nil, oops.In("storage").With("path", path).Wrap(err)
	}
	p := &rank.Principal{}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, storage.Failure("read principal", err)
	}
	return p, nil
}

// Principals returns every principal record, ordered by id.
func (s *Store) Principals(_ context.Context) ([]*rank.Principal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(filepath.Join(s.dir, principalsDir))
	if err != nil {
		return nil, storage.Failure("list principals", err)
	}

	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(ids)

	out := make([]*rank.Principal, 0, len(ids))
	for _, id := range ids {
		p, err := s.readPrincipal(id)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// DeletePrincipal removes the principal's file.
func (s *Store) DeletePrincipal(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.principalPath(id))
	if os.IsNotExist(err) {
		return storage.NotFound("principal", id)
	}
	if err != nil {
		return storage.Failure("delete principal", err)
	}
	return nil
}

func (s *Store) principalPath(id string) string {
	return filepath.Join(s.dir, principalsDir, id+".json")
}

// AppendAudit appends one JSONL record to audit.jsonl.
func (s *Store) AppendAudit(_ context.Context, e audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(e)
	if err != nil {
		return storage.Failure("append audit", err)
	}

	f, err := os.OpenFile(filepath.Join(s.dir, auditFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return storage.Failure("append audit", err)
	}

	if _, err := f.Write(append(data, '\n')); err != nil {
		f.Close() //nolint:errcheck // write error takes precedence
		return storage.Failure("append audit", err)
	}
	if err := f.Close(); err != nil {
		return storage.Failure("append audit", err)
	}
	return nil
}

// AuditPage returns entries newest first, filtered and paginated.
func (s *Store) AuditPage(_ context.Context, q audit.Query) ([]audit.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.readAudit()
	if err != nil {
		return nil, err
	}

	var filtered []audit.Entry
	for _, e := range entries {
		if q.Target != "" && e.Target != q.Target {
			continue
		}
		if q.Action != "" && e.Action != q.Action {
			continue
		}
		if !q.Before.IsZero() && !e.Timestamp.Before(q.Before) {
			continue
		}
		filtered = append(filtered, e)
	}

	sort.Slice(filtered, func(i, j int) bool {
		if !filtered[i].Timestamp.Equal(filtered[j].Timestamp) {
			return filtered[i].Timestamp.After(filtered[j].Timestamp)
		}
		return filtered[i].ID > filtered[j].ID
	})

	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	if q.Offset >= len(filtered) {
		return nil, nil
	}
	filtered = filtered[q.Offset:]
	if len(filtered) > limit {
		filtered = filtered[:limit]
	}
	return filtered, nil
}

// TrimAudit rewrites audit.jsonl keeping entries at or after the cutoff.
func (s *Store) TrimAudit(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.readAudit()
	if err != nil {
		return 0, err
	}

	var kept []byte
	var removed int64
	for _, e := range entries {
		if e.Timestamp.Before(before) {
			removed++
			continue
		}
		line, err := json.Marshal(e)
		if err != nil {
			return 0, storage.Failure("trim audit", err)
		}
		kept = append(kept, line...)
		kept = append(kept, '\n')
	}
	if removed == 0 {
		return 0, nil
	}
	if err := s.writeAtomic(filepath.Join(s.dir, auditFile), kept); err != nil {
		return 0, err
	}
	return removed, nil
}

// readAudit scans audit.jsonl. Unparseable lines are logged and skipped so a
// torn append cannot block reads.
func (s *Store) readAudit() ([]audit.Entry, error) {
	path := filepath.Join(s.dir, auditFile)
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, storage.Failure("read audit", err)
	}
	defer f.Close() //nolint:errcheck // read-only handle

	var out []audit.Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e audit.Entry
		if err := json.Unmarshal(line, &e); err != nil {
			slog.Warn("skipping malformed audit line", "path", path, "error", err)
			continue
		}
		out = append(out, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, storage.Failure("read audit", err)
	}
	return out, nil
}

// writeAtomic writes data to a temp file in the target directory and renames
// it into place.
func (s *Store) writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".permbase-*")
	if err != nil {
		return storage.Failure("write file", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()          //nolint:errcheck // write error takes precedence
		os.Remove(tmpPath)   //nolint:errcheck // best-effort cleanup
		return storage.Failure("write file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath) //nolint:errcheck // best-effort cleanup
		return storage.Failure("write file", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath) //nolint:errcheck // best-effort cleanup
		return storage.Failure("write file", err)
	}
	return nil
}
