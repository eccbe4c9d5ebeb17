// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Permbase Contributors

package perm

import (
	"sort"
	"strings"
	"time"

	"github.com/permbase/permbase/internal/rank"
)

// Lookup resolves a normalized rank name to its definition. The engine never
// performs I/O; callers hand it a snapshot view (usually the data manager's
// rank cache).
type Lookup func(name string) (*rank.Rank, bool)

// entry is one graded permission: the parsed node plus the grant/deny value.
type entry struct {
	node  Node
	grant bool
}

// EffectiveSet is the fully resolved grant/deny outcome for a principal in
// one context at one point in time. It is immutable after Resolve returns and
// safe for concurrent reads.
type EffectiveSet struct {
	entries   map[string]entry
	wildcards []entry // sorted by specificity, most specific first
}

// Decide answers the point query "is q granted". The exact entry wins if
// present; otherwise the most specific matching wildcard decides; absence of
// any matching entry is an implicit deny.
func (es *EffectiveSet) Decide(q string) bool {
	granted := es.decide(q)
	if granted {
		decisionsTotal.WithLabelValues("grant").Inc()
	} else {
		decisionsTotal.WithLabelValues("deny").Inc()
	}
	return granted
}

func (es *EffectiveSet) decide(q string) bool {
	node, err := Parse(q)
	if err != nil || node.Wildcard() || node.Negated() {
		// Queries are literal permission nodes; anything else is denied.
		return false
	}
	if rec, ok := es.entries[node.Key()]; ok {
		return rec.grant
	}
	for _, rec := range es.wildcards {
		if rec.node.Matches(node.Key()) {
			return rec.grant
		}
	}
	return false
}

// Permissions returns the graded map (canonical permission key to grant/deny)
// for pushing into a host runtime's live permission representation.
func (es *EffectiveSet) Permissions() map[string]bool {
	out := make(map[string]bool, len(es.entries))
	for key, rec := range es.entries {
		out[key] = rec.grant
	}
	return out
}

// Len returns the number of distinct permission keys in the set.
func (es *EffectiveSet) Len() int { return len(es.entries) }

// apply parses and records one permission string. Later writes override
// earlier ones for the same canonical key. Malformed strings are counted and
// skipped; they were rejected at write time, so one here means stale storage.
func (es *EffectiveSet) apply(raw string) {
	node, err := Parse(raw)
	if err != nil {
		malformedTotal.Inc()
		return
	}
	es.entries[node.Key()] = entry{node: node, grant: !node.Negated()}
}

// applyAll records a slice in order.
func (es *EffectiveSet) applyAll(raw []string) {
	for _, s := range raw {
		es.apply(s)
	}
}

// finalize extracts wildcard entries and orders them most specific first.
// Two distinct wildcards with equal specificity cannot match the same query,
// so name order is only for determinism.
func (es *EffectiveSet) finalize() {
	for _, rec := range es.entries {
		if rec.node.Wildcard() {
			es.wildcards = append(es.wildcards, rec)
		}
	}
	sort.Slice(es.wildcards, func(i, j int) bool {
		a, b := es.wildcards[i].node, es.wildcards[j].node
		if a.Specificity() != b.Specificity() {
			return a.Specificity() > b.Specificity()
		}
		return a.Key() < b.Key()
	})
}

// visit pairs a rank with its breadth-first distance from the principal.
type visit struct {
	r     *rank.Rank
	depth int
}

// Resolve computes the effective permission set for a principal in the given
// world context at the given instant.
//
// Ranks are expanded breadth-first from the assigned set through inheritance,
// visiting each rank once. Permissions apply in ascending priority order so
// the last write wins: farther ancestors first, then nearer ranks, with
// higher weight breaking ties at equal depth. The principal's own direct
// permissions apply after every rank, and unexpired temporary permissions
// apply last. Expired temporary grants are treated as absent; nothing is
// removed on the read path.
//
// A nil principal, or an assigned rank the lookup cannot resolve, contributes
// nothing: the engine answers with an empty (deny-everything) set rather than
// an error.
func Resolve(p *rank.Principal, lookup Lookup, world string, now time.Time) *EffectiveSet {
	start := time.Now()
	defer func() {
		resolutionDuration.Observe(time.Since(start).Seconds())
	}()

	es := &EffectiveSet{entries: make(map[string]entry)}
	if p == nil || lookup == nil {
		return es
	}

	visits := expandRanks(p, lookup, now)

	// Ascending priority: deeper first, then lower weight, then name for a
	// deterministic total order. The final application wins ties, so the
	// closest, heaviest rank ends up on top.
	sort.Slice(visits, func(i, j int) bool {
		if visits[i].depth != visits[j].depth {
			return visits[i].depth > visits[j].depth
		}
		if visits[i].r.Weight != visits[j].r.Weight {
			return visits[i].r.Weight < visits[j].r.Weight
		}
		return rank.Normalize(visits[i].r.Name) > rank.Normalize(visits[j].r.Name)
	})

	for _, v := range visits {
		es.applyAll(v.r.Permissions)
		if world != "" {
			es.applyAll(v.r.WorldPermissions[world])
		}
	}

	// Direct permissions outrank anything inherited from ranks.
	es.applyAll(p.Permissions)
	if world != "" {
		es.applyAll(p.WorldPermissions[world])
	}

	// Temporary permissions, if still live, outrank everything.
	tempKeys := make([]string, 0, len(p.TemporaryPermissions))
	for perm := range p.TemporaryPermissions {
		tempKeys = append(tempKeys, perm)
	}
	sort.Strings(tempKeys)
	for _, perm := range tempKeys {
		if now.Before(p.TemporaryPermissions[perm]) {
			es.apply(perm)
		}
	}

	es.finalize()
	return es
}

// expandRanks runs a multi-source BFS from the principal's assigned ranks
// outward through inheritance. The visited-once guard keeps resolution
// terminating even if a cycle slipped past the write-time check. Assigned
// ranks whose temporary grant has expired are skipped entirely.
func expandRanks(p *rank.Principal, lookup Lookup, now time.Time) []visit {
	var queue []visit
	seen := make(map[string]struct{})

	for _, name := range p.AssignedRanks() {
		if exp, ok := temporaryExpiry(p, name); ok && !now.Before(exp) {
			continue
		}
		r, ok := lookup(name)
		if !ok {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		queue = append(queue, visit{r: r, depth: 0})
	}

	for i := 0; i < len(queue); i++ {
		cur := queue[i]
		for _, parent := range cur.r.Inheritance {
			key := rank.Normalize(parent)
			if _, dup := seen[key]; dup {
				continue
			}
			pr, ok := lookup(key)
			if !ok {
				continue
			}
			seen[key] = struct{}{}
			queue = append(queue, visit{r: pr, depth: cur.depth + 1})
		}
	}

	return queue
}

// temporaryExpiry finds the expiry for an assigned rank name, tolerating
// case differences between the timer map and the assignment set.
func temporaryExpiry(p *rank.Principal, name string) (time.Time, bool) {
	key := rank.Normalize(name)
	for tname, exp := range p.TemporaryRanks {
		if rank.Normalize(tname) == key {
			return exp, true
		}
	}
	return time.Time{}, false
}

// Decide is a convenience for a single point query: resolve and answer in one
// call. Callers issuing several queries against the same principal snapshot
// should call Resolve once and reuse the set.
func Decide(p *rank.Principal, lookup Lookup, world, q string, now time.Time) bool {
	return Resolve(p, lookup, world, now).Decide(q)
}

// RanksLookup adapts a plain map keyed by normalized rank name.
func RanksLookup(ranks map[string]*rank.Rank) Lookup {
	return func(name string) (*rank.Rank, bool) {
		r, ok := ranks[strings.ToLower(name)]
		return r, ok
	}
}
