// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Permbase Contributors

// Package audit records one immutable entry per state-changing operation.
// The core emits entries; storage and retention belong to the provider.
package audit

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
)

// Actor identifies who performed a mutation. Commands issued outside any
// player session use the console sentinel.
type Actor struct {
	ID   string
	Name string
}

// Console returns the sentinel actor for non-player mutations.
func Console() Actor {
	return Actor{ID: "console", Name: "Console"}
}

// Entry is a single audit record.
type Entry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	ActorID   string    `json:"actor_id"`
	ActorName string    `json:"actor_name"`
	Action    string    `json:"action"`
	Target    string    `json:"target"`
	TargetID  string    `json:"target_id,omitempty"`
	Detail    string    `json:"detail"`
	Context   string    `json:"context,omitempty"`
}

// NewEntry stamps an entry with a fresh ULID and the current time.
func NewEntry(actor Actor, action, target, detail string) Entry {
	return Entry{
		ID:        ulid.Make().String(),
		Timestamp: time.Now().UTC(),
		ActorID:   actor.ID,
		ActorName: actor.Name,
		Action:    action,
		Target:    target,
		Detail:    detail,
	}
}

// Query filters a paginated audit read.
type Query struct {
	Target string    // exact target, "" for all
	Action string    // exact action kind, "" for all
	Before time.Time // zero for no upper bound
	Limit  int
	Offset int
}

// Writer persists entries to a backend.
type Writer interface {
	Append(ctx context.Context, e Entry) error
	Close() error
}

// Appender is the subset of the storage provider the sink needs.
type Appender interface {
	AppendAudit(ctx context.Context, e Entry) error
}

// storeWriter adapts a storage provider to the Writer interface.
type storeWriter struct {
	appender Appender
}

// NewStoreWriter returns a Writer backed by a storage provider.
func NewStoreWriter(a Appender) Writer {
	return &storeWriter{appender: a}
}

func (w *storeWriter) Append(ctx context.Context, e Entry) error {
	return w.appender.AppendAudit(ctx, e)
}

func (w *storeWriter) Close() error { return nil }
