// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Permbase Contributors

package manager

import (
	"context"
	"time"

	"github.com/samber/oops"

	"github.com/permbase/permbase/internal/audit"
	"github.com/permbase/permbase/internal/perm"
	"github.com/permbase/permbase/internal/rank"
	"github.com/permbase/permbase/internal/storage"
)

// GetOrCreatePrincipal returns the principal record, creating one assigned to
// the default rank on first contact.
func (m *Manager) GetOrCreatePrincipal(ctx context.Context, id, displayName string) (*rank.Principal, error) {
	if id == "" {
		return nil, invalidArg("principal id must not be empty")
	}

	p, err := m.store.Principal(ctx, id)
	if err == nil {
		return p, nil
	}
	if !storage.IsNotFound(err) {
		return nil, err
	}

	p = &rank.Principal{
		ID:          id,
		DisplayName: displayName,
	}
	if def, ok := m.store.DefaultRank(); ok {
		p.PrimaryRank = def.Name
	}
	if err := m.store.SavePrincipal(ctx, p); err != nil {
		return nil, err
	}

	m.record(ctx, audit.Console(), "principal.create", principalTarget(id),
		detailf("first contact, assigned rank %s", p.PrimaryRank))
	return p.Clone(), nil
}

// SetPrimaryRank reassigns a principal's primary rank.
func (m *Manager) SetPrimaryRank(ctx context.Context, actor audit.Actor, id, name string) error {
	key := rank.Normalize(name)
	if _, ok := m.store.Rank(key); !ok {
		return notFoundRank(key)
	}

	return m.updatePrincipal(ctx, actor, id, "principal.set_primary_rank",
		detailf("primary rank set to %s", key),
		func(p *rank.Principal) error {
			p.PrimaryRank = key
			// A promoted secondary must not linger in both sets, and a
			// promotion makes the grant permanent.
			p.RemoveSecondary(key)
			delete(p.TemporaryRanks, key)
			return nil
		})
}

// AddSecondaryRank adds a secondary rank assignment, subject to the
// anti-abuse ceiling when configured.
func (m *Manager) AddSecondaryRank(ctx context.Context, actor audit.Actor, id, name string) error {
	key := rank.Normalize(name)
	if _, ok := m.store.Rank(key); !ok {
		return notFoundRank(key)
	}

	return m.updatePrincipal(ctx, actor, id, "principal.secondary_rank.add",
		detailf("secondary rank %s added", key),
		func(p *rank.Principal) error {
			if p.Holds(key) {
				return nil
			}
			if err := m.checkCeiling(p); err != nil {
				return err
			}
			p.SecondaryRanks = append(p.SecondaryRanks, key)
			return nil
		})
}

// RemoveSecondaryRank removes a secondary rank assignment and any temporary
// timer tied to it.
func (m *Manager) RemoveSecondaryRank(ctx context.Context, actor audit.Actor, id, name string) error {
	key := rank.Normalize(name)
	return m.updatePrincipal(ctx, actor, id, "principal.secondary_rank.remove",
		detailf("secondary rank %s removed", key),
		func(p *rank.Principal) error {
			p.RemoveSecondary(key)
			delete(p.TemporaryRanks, key)
			return nil
		})
}

// AddTemporaryRank assigns name as a secondary rank that expires after d.
// Re-granting an existing temporary rank extends its timer. The principal's
// primary rank cannot be granted temporarily; expiry removes a secondary
// assignment, which a primary is not.
func (m *Manager) AddTemporaryRank(ctx context.Context, actor audit.Actor, id, name string, d time.Duration) error {
	if d <= 0 {
		return invalidArg("temporary rank duration must be positive")
	}
	key := rank.Normalize(name)
	if _, ok := m.store.Rank(key); !ok {
		return notFoundRank(key)
	}
	expires := time.Now().Add(d).UTC()

	return m.updatePrincipal(ctx, actor, id, "principal.temporary_rank.add",
		detailf("temporary rank %s until %s", key, expires.Format(time.RFC3339)),
		func(p *rank.Principal) error {
			if rank.Normalize(p.PrimaryRank) == key {
				return invalidArg("rank %s is already held as primary", key)
			}
			if !p.Holds(key) {
				if err := m.checkCeiling(p); err != nil {
					return err
				}
				p.SecondaryRanks = append(p.SecondaryRanks, key)
			}
			if p.TemporaryRanks == nil {
				p.TemporaryRanks = make(map[string]time.Time)
			}
			p.TemporaryRanks[key] = expires
			return nil
		})
}

// RemoveTemporaryRank revokes a temporary rank before its expiry, removing
// the timer and the assignment together.
func (m *Manager) RemoveTemporaryRank(ctx context.Context, actor audit.Actor, id, name string) error {
	key := rank.Normalize(name)
	return m.updatePrincipal(ctx, actor, id, "principal.temporary_rank.remove",
		detailf("temporary rank %s revoked", key),
		func(p *rank.Principal) error {
			if _, ok := p.TemporaryRanks[key]; !ok {
				return nil
			}
			delete(p.TemporaryRanks, key)
			p.RemoveSecondary(key)
			return nil
		})
}

// AddPrincipalPermission grants (value true) or denies (value false) a direct
// permission on the principal, globally or scoped to a world.
func (m *Manager) AddPrincipalPermission(ctx context.Context, actor audit.Actor, id, world, permission string, value bool) error {
	node, err := perm.Parse(permission)
	if err != nil {
		return err
	}
	entry := node.Key()
	if !value {
		entry = "-" + entry
	}

	return m.updatePrincipal(ctx, actor, id, "principal.permission.add",
		detailf("permission %s added%s", entry, worldDetail(world)),
		func(p *rank.Principal) error {
			if world == "" {
				p.Permissions = addEntry(p.Permissions, entry)
				return nil
			}
			if p.WorldPermissions == nil {
				p.WorldPermissions = make(map[string][]string)
			}
			p.WorldPermissions[world] = addEntry(p.WorldPermissions[world], entry)
			return nil
		})
}

// RemovePrincipalPermission removes a direct permission entry.
func (m *Manager) RemovePrincipalPermission(ctx context.Context, actor audit.Actor, id, world, permission string) error {
	node, err := perm.Parse(permission)
	if err != nil {
		return err
	}
	key := node.Key()

	return m.updatePrincipal(ctx, actor, id, "principal.permission.remove",
		detailf("permission %s removed%s", key, worldDetail(world)),
		func(p *rank.Principal) error {
			if world == "" {
				p.Permissions = removeEntry(p.Permissions, key)
				return nil
			}
			kept := removeEntry(p.WorldPermissions[world], key)
			if len(kept) == 0 {
				delete(p.WorldPermissions, world)
				return nil
			}
			p.WorldPermissions[world] = kept
			return nil
		})
}

// AddTemporaryPermission grants a direct permission that expires after d.
func (m *Manager) AddTemporaryPermission(ctx context.Context, actor audit.Actor, id, permission string, d time.Duration) error {
	if d <= 0 {
		return invalidArg("temporary permission duration must be positive")
	}
	node, err := perm.Parse(permission)
	if err != nil {
		return err
	}
	if node.Negated() {
		return invalidArg("temporary permissions cannot be negations")
	}
	expires := time.Now().Add(d).UTC()

	return m.updatePrincipal(ctx, actor, id, "principal.temporary_permission.add",
		detailf("temporary permission %s until %s", node.Key(), expires.Format(time.RFC3339)),
		func(p *rank.Principal) error {
			if p.TemporaryPermissions == nil {
				p.TemporaryPermissions = make(map[string]time.Time)
			}
			p.TemporaryPermissions[node.Key()] = expires
			return nil
		})
}

// RemoveTemporaryPermission revokes a temporary permission before expiry.
func (m *Manager) RemoveTemporaryPermission(ctx context.Context, actor audit.Actor, id, permission string) error {
	node, err := perm.Parse(permission)
	if err != nil {
		return err
	}

	return m.updatePrincipal(ctx, actor, id, "principal.temporary_permission.remove",
		detailf("temporary permission %s revoked", node.Key()),
		func(p *rank.Principal) error {
			delete(p.TemporaryPermissions, node.Key())
			return nil
		})
}

// ClonePrincipal copies every assignment and grant from one principal record
// onto another, overwriting the target's current sets.
func (m *Manager) ClonePrincipal(ctx context.Context, actor audit.Actor, fromID, toID string) error {
	if fromID == toID {
		return invalidArg("cannot clone a principal onto itself")
	}
	src, err := m.store.Principal(ctx, fromID)
	if err != nil {
		return err
	}
	dst, err := m.store.Principal(ctx, toID)
	if err != nil {
		return err
	}

	copied := src.Clone()
	copied.ID = dst.ID
	copied.DisplayName = dst.DisplayName
	copied.Metadata = dst.Metadata
	if err := m.store.SavePrincipal(ctx, copied); err != nil {
		return err
	}

	m.record(ctx, actor, "principal.clone", principalTarget(toID),
		detailf("assignments cloned from %s", fromID))
	m.refreshPrincipal(ctx, toID)
	return nil
}

// PurgePrincipal deletes a principal record entirely.
func (m *Manager) PurgePrincipal(ctx context.Context, actor audit.Actor, id string) error {
	if err := m.store.DeletePrincipal(ctx, id); err != nil {
		return err
	}
	m.record(ctx, actor, "principal.purge", principalTarget(id), "record purged")
	m.refreshPrincipal(ctx, id)
	return nil
}

// checkCeiling enforces the anti-abuse secondary-rank limit.
func (m *Manager) checkCeiling(p *rank.Principal) error {
	if m.maxSecondary <= 0 {
		return nil
	}
	if len(p.SecondaryRanks) >= m.maxSecondary {
		return oops.In("manager").
			Code("RANK_LIMIT_EXCEEDED").
			With("id", p.ID).
			With("limit", m.maxSecondary).
			Errorf("principal already holds %d secondary ranks", len(p.SecondaryRanks))
	}
	return nil
}

// updatePrincipal loads, mutates, persists, audits, and refreshes one
// principal change.
func (m *Manager) updatePrincipal(ctx context.Context, actor audit.Actor, id, action, detail string, mutate func(*rank.Principal) error) error {
	p, err := m.store.Principal(ctx, id)
	if err != nil {
		return err
	}
	if err := mutate(p); err != nil {
		return err
	}
	if err := m.store.SavePrincipal(ctx, p); err != nil {
		return err
	}

	m.record(ctx, actor, action, principalTarget(id), detail)
	m.refreshPrincipal(ctx, id)
	return nil
}
