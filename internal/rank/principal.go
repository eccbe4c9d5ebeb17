// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Permbase Contributors

package rank

import (
	"sort"
	"time"
)

// Principal is the per-player permission record. Identity (ID, DisplayName)
// is supplied by the caller; the record tracks rank assignments, direct
// permissions, and temporary grants with absolute expiry timestamps.
//
// Invariant: every key in TemporaryRanks also appears as the primary or a
// secondary rank while unexpired. The expiry sweeper removes the timer entry
// and the assignment together.
type Principal struct {
	ID                   string               `json:"id"`
	DisplayName          string               `json:"display_name,omitempty"`
	PrimaryRank          string               `json:"primary_rank,omitempty"`
	SecondaryRanks       []string             `json:"secondary_ranks,omitempty"`
	Permissions          []string             `json:"permissions,omitempty"`
	WorldPermissions     map[string][]string  `json:"world_permissions,omitempty"`
	TemporaryRanks       map[string]time.Time `json:"temporary_ranks,omitempty"`
	TemporaryPermissions map[string]time.Time `json:"temporary_permissions,omitempty"`
	Metadata             map[string]string    `json:"metadata,omitempty"`
}

// Clone returns a deep copy.
func (p *Principal) Clone() *Principal {
	if p == nil {
		return nil
	}
	out := *p
	out.SecondaryRanks = append([]string(nil), p.SecondaryRanks...)
	out.Permissions = append([]string(nil), p.Permissions...)
	if p.WorldPermissions != nil {
		out.WorldPermissions = make(map[string][]string, len(p.WorldPermissions))
		for world, perms := range p.WorldPermissions {
			out.WorldPermissions[world] = append([]string(nil), perms...)
		}
	}
	if p.TemporaryRanks != nil {
		out.TemporaryRanks = make(map[string]time.Time, len(p.TemporaryRanks))
		for name, exp := range p.TemporaryRanks {
			out.TemporaryRanks[name] = exp
		}
	}
	if p.TemporaryPermissions != nil {
		out.TemporaryPermissions = make(map[string]time.Time, len(p.TemporaryPermissions))
		for perm, exp := range p.TemporaryPermissions {
			out.TemporaryPermissions[perm] = exp
		}
	}
	if p.Metadata != nil {
		out.Metadata = make(map[string]string, len(p.Metadata))
		for k, v := range p.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// HasSecondary reports whether name is in the secondary rank set.
// Comparison is case-insensitive.
func (p *Principal) HasSecondary(name string) bool {
	key := Normalize(name)
	for _, r := range p.SecondaryRanks {
		if Normalize(r) == key {
			return true
		}
	}
	return false
}

// Holds reports whether the principal is assigned the rank as primary or
// secondary.
func (p *Principal) Holds(name string) bool {
	return Normalize(p.PrimaryRank) == Normalize(name) || p.HasSecondary(name)
}

// AssignedRanks returns the primary rank followed by the secondary ranks,
// normalized, deduplicated, and with secondaries in sorted order so callers
// iterate deterministically.
func (p *Principal) AssignedRanks() []string {
	seen := make(map[string]struct{}, 1+len(p.SecondaryRanks))
	out := make([]string, 0, 1+len(p.SecondaryRanks))
	if p.PrimaryRank != "" {
		key := Normalize(p.PrimaryRank)
		seen[key] = struct{}{}
		out = append(out, key)
	}
	secondaries := make([]string, 0, len(p.SecondaryRanks))
	for _, r := range p.SecondaryRanks {
		key := Normalize(r)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		secondaries = append(secondaries, key)
	}
	sort.Strings(secondaries)
	return append(out, secondaries...)
}

// RemoveSecondary deletes name from the secondary set.
// Returns true if an entry was removed.
func (p *Principal) RemoveSecondary(name string) bool {
	key := Normalize(name)
	for i, r := range p.SecondaryRanks {
		if Normalize(r) == key {
			p.SecondaryRanks = append(p.SecondaryRanks[:i], p.SecondaryRanks[i+1:]...)
			return true
		}
	}
	return false
}

// Expired returns the temporary permissions and temporary ranks whose expiry
// is at or before now. The record itself is not mutated; eviction belongs to
// the sweeper's write path.
func (p *Principal) Expired(now time.Time) (perms, ranks []string) {
	for perm, exp := range p.TemporaryPermissions {
		if !now.Before(exp) {
			perms = append(perms, perm)
		}
	}
	for name, exp := range p.TemporaryRanks {
		if !now.Before(exp) {
			ranks = append(ranks, name)
		}
	}
	sort.Strings(perms)
	sort.Strings(ranks)
	return perms, ranks
}
