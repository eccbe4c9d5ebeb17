// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Permbase Contributors

// Package storage defines the durable persistence contract for ranks,
// principal records, and the audit log. Three interchangeable backends
// implement it: embedded SQL (sqlite), networked SQL (postgres), and flat
// JSON files. All backends honor identical semantics; callers never branch
// on the backend in use.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/samber/oops"

	"github.com/permbase/permbase/internal/audit"
	"github.com/permbase/permbase/internal/rank"
)

// Provider is the durable CRUD contract. Rank names are normalized
// (lower-cased) keys; principal IDs are opaque caller-supplied strings.
// Absent entities surface as NOT_FOUND errors, never as nil results.
type Provider interface {
	SaveRank(ctx context.Context, r *rank.Rank) error
	Rank(ctx context.Context, name string) (*rank.Rank, error)
	Ranks(ctx context.Context) ([]*rank.Rank, error)
	DeleteRank(ctx context.Context, name string) error
	DefaultRank(ctx context.Context) (*rank.Rank, error)

	SavePrincipal(ctx context.Context, p *rank.Principal) error
	Principal(ctx context.Context, id string) (*rank.Principal, error)
	Principals(ctx context.Context) ([]*rank.Principal, error)
	DeletePrincipal(ctx context.Context, id string) error

	AppendAudit(ctx context.Context, e audit.Entry) error
	AuditPage(ctx context.Context, q audit.Query) ([]audit.Entry, error)
	TrimAudit(ctx context.Context, before time.Time) (int64, error)

	Close() error
}

// NotFound constructs the canonical absent-entity error.
func NotFound(kind, key string) error {
	return oops.In("storage").
		Code("NOT_FOUND").
		With("kind", kind).
		With("key", key).
		Errorf("%s %q not found", kind, key)
}

// IsNotFound reports whether err carries the NOT_FOUND code.
func IsNotFound(err error) bool {
	return hasCode(err, "NOT_FOUND")
}

// Failure wraps a durable I/O fault with the STORAGE_FAILURE code.
func Failure(op string, err error) error {
	return oops.In("storage").
		Code("STORAGE_FAILURE").
		With("operation", op).
		Wrap(err)
}

// IsFailure reports whether err carries the STORAGE_FAILURE code.
func IsFailure(err error) bool {
	return hasCode(err, "STORAGE_FAILURE")
}

func hasCode(err error, code string) bool {
	if err == nil {
		return false
	}
	var oerr oops.OopsError
	if errors.As(err, &oerr) {
		return oerr.Code() == code
	}
	return false
}
