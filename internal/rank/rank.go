// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Permbase Contributors

// Package rank defines the persistent entities of the permission system: the
// weighted, inheritable Rank and the per-player Principal record.
package rank

import "strings"

// Rank is a named, weighted bundle of permission strings. Ranks inherit from
// parent ranks; the inheritance relation over rank names must stay acyclic,
// which the manager enforces at edge insertion.
type Rank struct {
	Name             string              `json:"name"`
	DisplayName      string              `json:"display_name,omitempty"`
	Prefix           string              `json:"prefix,omitempty"`
	Suffix           string              `json:"suffix,omitempty"`
	Color            string              `json:"color,omitempty"`
	Weight           int                 `json:"weight"`
	Default          bool                `json:"default,omitempty"`
	Permissions      []string            `json:"permissions,omitempty"`
	WorldPermissions map[string][]string `json:"world_permissions,omitempty"`
	Inheritance      []string            `json:"inheritance,omitempty"`
}

// Normalize lower-cases a rank name for use as a case-insensitive key.
func Normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Clone returns a deep copy. Cached ranks are shared between readers, so
// mutators must clone before editing.
func (r *Rank) Clone() *Rank {
	if r == nil {
		return nil
	}
	out := *r
	out.Permissions = append([]string(nil), r.Permissions...)
	out.Inheritance = append([]string(nil), r.Inheritance...)
	if r.WorldPermissions != nil {
		out.WorldPermissions = make(map[string][]string, len(r.WorldPermissions))
		for world, perms := range r.WorldPermissions {
			out.WorldPermissions[world] = append([]string(nil), perms...)
		}
	}
	return &out
}

// Inherits reports whether parent appears in the rank's direct inheritance
// list. Comparison is case-insensitive.
func (r *Rank) Inherits(parent string) bool {
	key := Normalize(parent)
	for _, p := range r.Inheritance {
		if Normalize(p) == key {
			return true
		}
	}
	return false
}

// HasPermission reports whether the exact permission string is present in the
// rank's global set.
func (r *Rank) HasPermission(perm string) bool {
	for _, p := range r.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}
