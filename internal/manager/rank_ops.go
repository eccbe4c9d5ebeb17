// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Permbase Contributors

package manager

import (
	"context"
	"log/slog"

	"github.com/samber/oops"

	"github.com/permbase/permbase/internal/audit"
	"github.com/permbase/permbase/internal/perm"
	"github.com/permbase/permbase/internal/rank"
)

// CreateRank creates a new rank with the given weight.
func (m *Manager) CreateRank(ctx context.Context, actor audit.Actor, name string, weight int) (*rank.Rank, error) {
	if err := rank.ValidateName(name); err != nil {
		return nil, err
	}
	if err := rank.ValidateWeight(weight); err != nil {
		return nil, err
	}
	key := rank.Normalize(name)
	if _, exists := m.store.Rank(key); exists {
		return nil, invalidArg("rank %q already exists", key)
	}

	r := &rank.Rank{
		Name:        key,
		DisplayName: name,
		Weight:      weight,
	}
	if err := m.store.SaveRank(ctx, r); err != nil {
		return nil, err
	}

	m.record(ctx, actor, "rank.create", rankTarget(key), detailf("created with weight %d", weight))
	return r.Clone(), nil
}

// DeleteRank removes a rank. The default rank cannot be deleted. Principals
// holding the rank as primary are reassigned to the default rank; secondary,
// temporary, and inheritance references are stripped.
func (m *Manager) DeleteRank(ctx context.Context, actor audit.Actor, name string) error {
	key := rank.Normalize(name)
	r, ok := m.store.Rank(key)
	if !ok {
		return notFoundRank(key)
	}
	if r.Default {
		return oops.In("manager").
			Code("CANNOT_DELETE_DEFAULT_RANK").
			With("rank", key).
			Errorf("cannot delete the default rank")
	}

	def, hasDefault := m.store.DefaultRank()

	// Strip inheritance edges pointing at the doomed rank.
	for _, other := range m.store.Ranks() {
		if !other.Inherits(key) {
			continue
		}
		kept := other.Inheritance[:0]
		for _, parent := range other.Inheritance {
			if rank.Normalize(parent) != key {
				kept = append(kept, parent)
			}
		}
		other.Inheritance = kept
		if err := m.store.SaveRank(ctx, other); err != nil {
			return err
		}
	}

	// Reassign holders before the rank disappears.
	principals, err := m.store.Principals(ctx)
	if err != nil {
		return err
	}
	for _, p := range principals {
		changed := false
		if rank.Normalize(p.PrimaryRank) == key {
			if hasDefault {
				p.PrimaryRank = def.Name
			} else {
				p.PrimaryRank = ""
			}
			changed = true
		}
		if p.RemoveSecondary(key) {
			changed = true
		}
		if _, tmp := p.TemporaryRanks[key]; tmp {
			delete(p.TemporaryRanks, key)
			changed = true
		}
		if !changed {
			continue
		}
		if err := m.store.SavePrincipal(ctx, p); err != nil {
			return err
		}
		m.refreshPrincipal(ctx, p.ID)
	}

	if err := m.store.DeleteRank(ctx, key); err != nil {
		return err
	}

	m.record(ctx, actor, "rank.delete", rankTarget(key), "deleted, holders reassigned to default")
	m.refreshRank(ctx, key)
	return nil
}

// SetWeight updates a rank's inheritance weight.
func (m *Manager) SetWeight(ctx context.Context, actor audit.Actor, name string, weight int) error {
	if err := rank.ValidateWeight(weight); err != nil {
		return err
	}
	return m.updateRank(ctx, actor, name, "rank.set_weight",
		detailf("weight set to %d", weight),
		func(r *rank.Rank) error {
			r.Weight = weight
			return nil
		})
}

// SetDisplayName updates a rank's display name.
func (m *Manager) SetDisplayName(ctx context.Context, actor audit.Actor, name, display string) error {
	return m.updateRank(ctx, actor, name, "rank.set_display_name",
		detailf("display name set to %q", display),
		func(r *rank.Rank) error {
			r.DisplayName = display
			return nil
		})
}

// SetPrefix updates a rank's chat prefix.
func (m *Manager) SetPrefix(ctx context.Context, actor audit.Actor, name, prefix string) error {
	return m.updateRank(ctx, actor, name, "rank.set_prefix",
		detailf("prefix set to %q", prefix),
		func(r *rank.Rank) error {
			r.Prefix = prefix
			return nil
		})
}

// SetSuffix updates a rank's chat suffix.
func (m *Manager) SetSuffix(ctx context.Context, actor audit.Actor, name, suffix string) error {
	return m.updateRank(ctx, actor, name, "rank.set_suffix",
		detailf("suffix set to %q", suffix),
		func(r *rank.Rank) error {
			r.Suffix = suffix
			return nil
		})
}

// SetColor updates a rank's display color code.
func (m *Manager) SetColor(ctx context.Context, actor audit.Actor, name, color string) error {
	if err := rank.ValidateColor(color); err != nil {
		return err
	}
	return m.updateRank(ctx, actor, name, "rank.set_color",
		detailf("color set to %q", color),
		func(r *rank.Rank) error {
			r.Color = color
			return nil
		})
}

// SetDefaultRank flags name as the default rank, unsetting the previous
// default first so the at-most-one invariant holds through the change.
func (m *Manager) SetDefaultRank(ctx context.Context, actor audit.Actor, name string) error {
	key := rank.Normalize(name)
	next, ok := m.store.Rank(key)
	if !ok {
		return notFoundRank(key)
	}
	if next.Default {
		return nil
	}

	prev, hadPrev := m.store.DefaultRank()
	if hadPrev {
		prev.Default = false
		if err := m.store.SaveRank(ctx, prev); err != nil {
			return err
		}
	}

	next.Default = true
	if err := m.store.SaveRank(ctx, next); err != nil {
		// Put the old flag back so the system is never left without a
		// default rank.
		if hadPrev {
			prev.Default = true
			if rerr := m.store.SaveRank(ctx, prev); rerr != nil {
				slog.Error("failed to restore previous default rank",
					"rank", prev.Name,
					"error", rerr,
				)
			}
		}
		return err
	}

	m.record(ctx, actor, "rank.set_default", rankTarget(key), "flagged as default rank")
	return nil
}

// AddRankPermission grants (value true) or denies (value false) a permission
// on a rank, globally or scoped to a world.
func (m *Manager) AddRankPermission(ctx context.Context, actor audit.Actor, name, world, permission string, value bool) error {
	node, err := perm.Parse(permission)
	if err != nil {
		return err
	}
	entry := node.Key()
	if !value {
		entry = "-" + entry
	}

	return m.updateRank(ctx, actor, name, "rank.permission.add",
		detailf("permission %s added%s", entry, worldDetail(world)),
		func(r *rank.Rank) error {
			if world == "" {
				r.Permissions = addEntry(r.Permissions, entry)
				return nil
			}
			if r.WorldPermissions == nil {
				r.WorldPermissions = make(map[string][]string)
			}
			r.WorldPermissions[world] = addEntry(r.WorldPermissions[world], entry)
			return nil
		})
}

// RemoveRankPermission removes a permission entry from a rank. Both the grant
// and the negated form are removed so the entry cannot linger inverted.
func (m *Manager) RemoveRankPermission(ctx context.Context, actor audit.Actor, name, world, permission string) error {
	node, err := perm.Parse(permission)
	if err != nil {
		return err
	}
	key := node.Key()

	return m.updateRank(ctx, actor, name, "rank.permission.remove",
		detailf("permission %s removed%s", key, worldDetail(world)),
		func(r *rank.Rank) error {
			if world == "" {
				r.Permissions = removeEntry(r.Permissions, key)
				return nil
			}
			kept := removeEntry(r.WorldPermissions[world], key)
			if len(kept) == 0 {
				delete(r.WorldPermissions, world)
				return nil
			}
			r.WorldPermissions[world] = kept
			return nil
		})
}

// AddInheritance adds parent to child's inheritance list after proving the
// new edge keeps the graph acyclic. State is untouched on rejection.
func (m *Manager) AddInheritance(ctx context.Context, actor audit.Actor, child, parent string) error {
	childKey := rank.Normalize(child)
	parentKey := rank.Normalize(parent)

	if _, ok := m.store.Rank(parentKey); !ok {
		return notFoundRank(parentKey)
	}
	if m.wouldCycle(childKey, parentKey) {
		return oops.In("manager").
			Code("CIRCULAR_INHERITANCE").
			With("child", childKey).
			With("parent", parentKey).
			Errorf("adding %s -> %s would create an inheritance cycle", childKey, parentKey)
	}

	return m.updateRank(ctx, actor, childKey, "rank.inheritance.add",
		detailf("now inherits from %s", parentKey),
		func(r *rank.Rank) error {
			if r.Inherits(parentKey) {
				return nil
			}
			r.Inheritance = append(r.Inheritance, parentKey)
			return nil
		})
}

// RemoveInheritance removes parent from child's inheritance list.
func (m *Manager) RemoveInheritance(ctx context.Context, actor audit.Actor, child, parent string) error {
	parentKey := rank.Normalize(parent)
	return m.updateRank(ctx, actor, child, "rank.inheritance.remove",
		detailf("no longer inherits from %s", parentKey),
		func(r *rank.Rank) error {
			kept := r.Inheritance[:0]
			for _, p := range r.Inheritance {
				if rank.Normalize(p) != parentKey {
					kept = append(kept, p)
				}
			}
			r.Inheritance = kept
			return nil
		})
}

// updateRank loads, mutates, persists, audits, and cascades one rank change.
func (m *Manager) updateRank(ctx context.Context, actor audit.Actor, name, action, detail string, mutate func(*rank.Rank) error) error {
	key := rank.Normalize(name)
	r, ok := m.store.Rank(key)
	if !ok {
		return notFoundRank(key)
	}
	if err := mutate(r); err != nil {
		return err
	}
	if err := m.store.SaveRank(ctx, r); err != nil {
		return err
	}

	m.record(ctx, actor, action, rankTarget(key), detail)
	m.refreshRank(ctx, key)
	return nil
}

func addEntry(list []string, entry string) []string {
	for _, e := range list {
		if e == entry {
			return list
		}
	}
	return append(list, entry)
}

func removeEntry(list []string, key string) []string {
	kept := list[:0]
	for _, e := range list {
		if e != key && e != "-"+key {
			kept = append(kept, e)
		}
	}
	return kept
}
