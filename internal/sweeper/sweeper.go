// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Permbase Contributors

// Package sweeper evicts expired temporary grants. Reads treat expired
// entries as absent without mutating anything; this is the one place expired
// state is actually removed, on a fixed schedule, through the same write path
// as every other mutation.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/robfig/cron/v3"
	"github.com/samber/oops"

	"github.com/permbase/permbase/internal/audit"
	"github.com/permbase/permbase/internal/rank"
)

var (
	sweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "permbase_sweep_duration_seconds",
		Help:    "Duration of expiry sweep runs",
		Buckets: prometheus.DefBuckets,
	})

	expiredEvicted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "permbase_sweep_evicted_total",
		Help: "Expired temporary grants evicted, by kind",
	}, []string{"kind"})
)

// Store is the slice of the data layer the sweeper works through.
type Store interface {
	Principals(ctx context.Context) ([]*rank.Principal, error)
	SavePrincipal(ctx context.Context, p *rank.Principal) error
	TrimAudit(ctx context.Context, before time.Time) (int64, error)
}

// Recorder receives one audit entry per evicted grant.
type Recorder interface {
	Log(ctx context.Context, e audit.Entry) error
}

// Applier pushes recomputed effective sets for swept principals.
type Applier interface {
	Apply(ctx context.Context, principalID string)
}

// Options configures the sweeper schedule and audit retention.
type Options struct {
	// Interval between sweeps. Zero means the default of one minute.
	Interval time.Duration
	// AuditRetention is how long audit entries are kept. Zero disables
	// trimming.
	AuditRetention time.Duration
}

// Sweeper runs the periodic expiry sweep.
type Sweeper struct {
	store    Store
	recorder Recorder
	applier  Applier
	opts     Options
	cron     *cron.Cron
}

// New builds a Sweeper. applier may be nil.
func New(store Store, recorder Recorder, applier Applier, opts Options) *Sweeper {
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	return &Sweeper{
		store:    store,
		recorder: recorder,
		applier:  applier,
		opts:     opts,
	}
}

// Start schedules sweeps until Stop. The first sweep runs after one interval.
func (s *Sweeper) Start(ctx context.Context) error {
	if s.cron != nil {
		return oops.In("sweeper").Errorf("sweeper already started")
	}

	c := cron.New()
	spec := fmt.Sprintf("@every %s", s.opts.Interval)
	_, err := c.AddFunc(spec, func() {
		if err := s.Sweep(ctx); err != nil {
			slog.Error("expiry sweep failed", "error", err)
		}
	})
	if err != nil {
		return oops.In("sweeper").With("schedule", spec).Wrap(err)
	}

	s.cron = c
	c.Start()
	slog.Info("expiry sweeper started", "interval", s.opts.Interval)
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.cron = nil
}

// Sweep runs one pass: every principal with expired temporary permissions or
// ranks is rewritten with both the timer entries and the assignments removed,
// then the audit retention window is enforced. Running twice in a row is a
// no-op the second time.
func (s *Sweeper) Sweep(ctx context.Context) error {
	start := time.Now()
	defer func() {
		sweepDuration.Observe(time.Since(start).Seconds())
	}()

	principals, err := s.store.Principals(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	for _, p := range principals {
		perms, ranks := p.Expired(now)
		if len(perms) == 0 && len(ranks) == 0 {
			continue
		}

		for _, perm := range perms {
			delete(p.TemporaryPermissions, perm)
		}
		for _, name := range ranks {
			delete(p.TemporaryRanks, name)
			p.RemoveSecondary(name)
		}

		if err := s.store.SavePrincipal(ctx, p); err != nil {
			slog.Error("sweep: failed to persist principal, grants retained until next pass",
				"id", p.ID,
				"error", err,
			)
			continue
		}

		expiredEvicted.WithLabelValues("permission").Add(float64(len(perms)))
		expiredEvicted.WithLabelValues("rank").Add(float64(len(ranks)))
		s.recordEvictions(ctx, p.ID, perms, ranks)

		if s.applier != nil {
			s.applier.Apply(ctx, p.ID)
		}
	}

	if s.opts.AuditRetention > 0 {
		cutoff := now.Add(-s.opts.AuditRetention)
		n, err := s.store.TrimAudit(ctx, cutoff)
		if err != nil {
			slog.Error("sweep: audit trim failed", "error", err)
		} else if n > 0 {
			slog.Info("trimmed audit entries", "count", n, "cutoff", cutoff)
		}
	}
	return nil
}

func (s *Sweeper) recordEvictions(ctx context.Context, id string, perms, ranks []string) {
	if len(perms) > 0 {
		e := audit.NewEntry(audit.Console(), "principal.temporary_permission.expire",
			"principal:"+id,
			"expired: "+strings.Join(perms, ", "))
		if err := s.recorder.Log(ctx, e); err != nil {
			slog.Error("sweep: audit record failed", "id", id, "error", err)
		}
	}
	if len(ranks) > 0 {
		e := audit.NewEntry(audit.Console(), "principal.temporary_rank.expire",
			"principal:"+id,
			"expired: "+strings.Join(ranks, ", "))
		if err := s.recorder.Log(ctx, e); err != nil {
			slog.Error("sweep: audit record failed", "id", id, "error", err)
		}
	}
}
