// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Permbase Contributors

// Package manager implements the mutating surface of the permission system:
// rank lifecycle, inheritance edges, principal assignments, and temporary
// grants. Every mutation validates before touching state, writes through the
// data layer, emits one audit entry, and notifies the host runtime so
// connected principals pick up their new effective sets.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/samber/oops"

	"github.com/permbase/permbase/internal/audit"
	"github.com/permbase/permbase/internal/perm"
	"github.com/permbase/permbase/internal/rank"
)

// Store is the slice of the data layer the manager mutates through.
type Store interface {
	Rank(name string) (*rank.Rank, bool)
	Ranks() []*rank.Rank
	DefaultRank() (*rank.Rank, bool)
	SaveRank(ctx context.Context, r *rank.Rank) error
	DeleteRank(ctx context.Context, name string) error

	Principal(ctx context.Context, id string) (*rank.Principal, error)
	SavePrincipal(ctx context.Context, p *rank.Principal) error
	DeletePrincipal(ctx context.Context, id string) error
	Principals(ctx context.Context) ([]*rank.Principal, error)
}

// Recorder receives one audit entry per mutation.
type Recorder interface {
	Log(ctx context.Context, e audit.Entry) error
}

// Applier pushes a recomputed effective set into the host runtime for a
// connected principal. Mutations that can change a principal's effective
// permissions invoke it after the durable write.
type Applier interface {
	Apply(ctx context.Context, principalID string)
}

// Roster reports which principals are currently connected. Cascade refresh
// only touches connected principals; offline records resolve fresh on next
// contact.
type Roster interface {
	ConnectedIDs() []string
}

// Option configures a Manager.
type Option func(*Manager)

// WithApplier sets the apply-permissions collaborator.
func WithApplier(a Applier) Option {
	return func(m *Manager) { m.applier = a }
}

// WithRoster sets the connected-principal roster.
func WithRoster(r Roster) Option {
	return func(m *Manager) { m.roster = r }
}

// WithSecondaryRankLimit enables the anti-abuse ceiling on secondary and
// temporary rank assignments. Zero or negative disables the check.
func WithSecondaryRankLimit(n int) Option {
	return func(m *Manager) { m.maxSecondary = n }
}

// Manager is the rank and principal mutation surface.
type Manager struct {
	store        Store
	recorder     Recorder
	applier      Applier
	roster       Roster
	maxSecondary int
}

// New builds a Manager over the given store and audit recorder.
func New(store Store, recorder Recorder, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		recorder: recorder,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Default rank names seeded by Bootstrap.
const (
	BootstrapDefaultRank = "default"
	BootstrapAdminRank   = "admin"
)

// Bootstrap ensures the baseline ranks exist: a default rank every new
// principal lands in, and an admin rank granting everything. Safe to call on
// every startup.
func (m *Manager) Bootstrap(ctx context.Context) error {
	if _, ok := m.store.Rank(BootstrapDefaultRank); !ok {
		def := &rank.Rank{
			Name:        BootstrapDefaultRank,
			DisplayName: "Default",
			Weight:      0,
			Default:     true,
		}
		if err := m.store.SaveRank(ctx, def); err != nil {
			return err
		}
		m.record(ctx, audit.Console(), "rank.create", rankTarget(BootstrapDefaultRank), "bootstrap created default rank")
	}
	if _, ok := m.store.Rank(BootstrapAdminRank); !ok {
		admin := &rank.Rank{
			Name:        BootstrapAdminRank,
			DisplayName: "Admin",
			Weight:      rank.MaxWeight,
			Permissions: []string{"*"},
		}
		if err := m.store.SaveRank(ctx, admin); err != nil {
			return err
		}
		m.record(ctx, audit.Console(), "rank.create", rankTarget(BootstrapAdminRank), "bootstrap created admin rank")
	}
	return nil
}

// Check resolves and decides one permission query end to end.
func (m *Manager) Check(ctx context.Context, principalID, permission, world string) (bool, error) {
	p, err := m.store.Principal(ctx, principalID)
	if err != nil {
		return false, err
	}
	return perm.Decide(p, m.store.Rank, world, permission, time.Now()), nil
}

// Resolve returns the principal's full effective set for a world.
func (m *Manager) Resolve(ctx context.Context, principalID, world string) (*perm.EffectiveSet, error) {
	p, err := m.store.Principal(ctx, principalID)
	if err != nil {
		return nil, err
	}
	return perm.Resolve(p, m.store.Rank, world, time.Now()), nil
}

// record emits one audit entry. Audit failures are logged, never propagated;
// a mutation that already hit durable storage must not be reported as failed.
func (m *Manager) record(ctx context.Context, actor audit.Actor, action, target, detail string) {
	e := audit.NewEntry(actor, action, target, detail)
	if err := m.recorder.Log(ctx, e); err != nil {
		slog.Error("audit record failed", "action", action, "target", target, "error", err)
	}
}

// refreshRank pushes new effective sets to every connected principal holding
// name directly or through transitive inheritance.
func (m *Manager) refreshRank(ctx context.Context, name string) {
	if m.applier == nil || m.roster == nil {
		return
	}

	affected := m.affectedRanks(name)
	for _, id := range m.roster.ConnectedIDs() {
		p, err := m.store.Principal(ctx, id)
		if err != nil {
			continue
		}
		for _, assigned := range p.AssignedRanks() {
			if _, ok := affected[assigned]; ok {
				m.applier.Apply(ctx, id)
				break
			}
		}
	}
}

// refreshPrincipal pushes a new effective set to one connected principal.
func (m *Manager) refreshPrincipal(ctx context.Context, id string) {
	if m.applier == nil {
		return
	}
	m.applier.Apply(ctx, id)
}

// affectedRanks returns the mutated rank plus every rank that reaches it
// through the inheritance graph (reverse reachability), so a change to a
// parent refreshes holders of all its descendants.
func (m *Manager) affectedRanks(name string) map[string]struct{} {
	key := rank.Normalize(name)
	affected := map[string]struct{}{key: {}}
	all := m.store.Ranks()

	for changed := true; changed; {
		changed = false
		for _, r := range all {
			rKey := rank.Normalize(r.Name)
			if _, done := affected[rKey]; done {
				continue
			}
			for _, parent := range r.Inheritance {
				if _, hit := affected[rank.Normalize(parent)]; hit {
					affected[rKey] = struct{}{}
					changed = true
					break
				}
			}
		}
	}
	return affected
}

// wouldCycle reports whether adding child -> parent creates a cycle, by
// walking the existing inheritance graph from parent looking for child.
func (m *Manager) wouldCycle(child, parent string) bool {
	childKey := rank.Normalize(child)
	parentKey := rank.Normalize(parent)
	if childKey == parentKey {
		return true
	}

	visited := map[string]struct{}{}
	queue := []string{parentKey}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if current == childKey {
			return true
		}
		if _, seen := visited[current]; seen {
			continue
		}
		visited[current] = struct{}{}

		r, ok := m.store.Rank(current)
		if !ok {
			continue
		}
		for _, next := range r.Inheritance {
			queue = append(queue, rank.Normalize(next))
		}
	}
	return false
}

func rankTarget(name string) string    { return "rank:" + rank.Normalize(name) }
func principalTarget(id string) string { return "principal:" + id }

func worldDetail(world string) string {
	if world == "" {
		return ""
	}
	return " in world " + world
}

func notFoundRank(name string) error {
	return oops.In("manager").
		Code("NOT_FOUND").
		With("rank", rank.Normalize(name)).
		Errorf("rank %q not found", rank.Normalize(name))
}

func invalidArg(format string, args ...any) error {
	return oops.In("manager").Code("INVALID_ARGUMENT").Errorf(format, args...)
}

func detailf(format string, args ...any) string {
	return fmt.Sprintf(format, args...)
}
