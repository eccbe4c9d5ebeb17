// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Permbase Contributors

package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/samber/oops"
)

var (
	channelFullCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "permbase_audit_channel_full_total",
		Help: "Times the async audit channel was full and an entry was dropped",
	})

	failuresCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "permbase_audit_failures_total",
		Help: "Audit logging failures by reason",
	}, []string{"reason"})

	walEntriesGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "permbase_audit_wal_entries",
		Help: "Entries currently buffered in the audit WAL",
	})
)

const asyncBuffer = 1000

// Logger is the audit sink. Entries are fire-and-forget from the caller's
// perspective: Log enqueues onto a buffered channel drained by a background
// goroutine; a failed durable write falls back to a JSONL write-ahead log
// that ReplayWAL flushes on the next startup.
type Logger struct {
	writer    Writer
	walPath   string
	walFile   *os.File
	walMu     sync.Mutex
	asyncChan chan Entry
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

// NewLogger creates a Logger writing through the given Writer, with walPath
// as the fallback WAL location.
func NewLogger(writer Writer, walPath string) *Logger {
	l := &Logger{
		writer:    writer,
		walPath:   walPath,
		asyncChan: make(chan Entry, asyncBuffer),
		stopChan:  make(chan struct{}),
	}

	l.wg.Add(1)
	go l.consume()

	return l
}

// Log enqueues an entry for asynchronous persistence. A full channel drops
// the entry and increments a counter rather than blocking a mutation path.
func (l *Logger) Log(_ context.Context, e Entry) error {
	select {
	case l.asyncChan <- e:
		return nil
	default:
		channelFullCounter.Inc()
		return nil
	}
}

// LogSync persists an entry before returning, falling back to the WAL if the
// durable write fails. Used for mutations whose caller needs the entry on
// disk before proceeding (console administrative actions).
func (l *Logger) LogSync(ctx context.Context, e Entry) error {
	if err := l.writer.Append(ctx, e); err != nil {
		if walErr := l.writeToWAL(e); walErr != nil {
			slog.Error("audit write failed: both store and WAL failed",
				"store_error", err,
				"wal_error", walErr,
				"action", e.Action,
				"target", e.Target,
			)
			failuresCounter.WithLabelValues("wal_failed").Inc()
			return oops.In("audit").Code("STORAGE_FAILURE").Wrap(err)
		}
	}
	return nil
}

// consume drains the async channel until Close.
func (l *Logger) consume() {
	defer l.wg.Done()

	for {
		select {
		case e := <-l.asyncChan:
			l.persist(e)
		case <-l.stopChan:
			for {
				select {
				case e := <-l.asyncChan:
					l.persist(e)
				default:
					return
				}
			}
		}
	}
}

func (l *Logger) persist(e Entry) {
	ctx := context.Background()
	if err := l.writer.Append(ctx, e); err != nil {
		failuresCounter.WithLabelValues("async_write_failed").Inc()
		if walErr := l.writeToWAL(e); walErr != nil {
			slog.Error("audit write failed: both store and WAL failed",
				"store_error", err,
				"wal_error", walErr,
				"action", e.Action,
				"target", e.Target,
			)
			failuresCounter.WithLabelValues("wal_failed").Inc()
		}
	}
}

// writeToWAL appends one JSONL record to the write-ahead log.
func (l *Logger) writeToWAL(e Entry) error {
	l.walMu.Lock()
	defer l.walMu.Unlock()

	if l.walFile == nil {
		f, err := os.OpenFile(l.walPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY|os.O_SYNC, 0o600)
		if err != nil {
			return oops.With("path", l.walPath).Wrap(err)
		}
		l.walFile = f
	}

	data, err := json.Marshal(e)
	if err != nil {
		return oops.Wrap(err)
	}
	if _, err := fmt.Fprintf(l.walFile, "%s\n", data); err != nil {
		return oops.Wrap(err)
	}

	walEntriesGauge.Inc()
	return nil
}

// ReplayWAL flushes buffered WAL entries to the writer and truncates the WAL
// on success. Entries that fail to replay are logged and skipped so one bad
// record cannot wedge startup.
func (l *Logger) ReplayWAL(ctx context.Context) error {
	l.walMu.Lock()
	defer l.walMu.Unlock()

	f, err := os.Open(l.walPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return oops.With("path", l.walPath).Wrap(err)
	}
	defer f.Close() //nolint:errcheck // read-only handle

	replayed := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			slog.Error("failed to unmarshal WAL entry", "error", err)
			failuresCounter.WithLabelValues("wal_unmarshal_failed").Inc()
			continue
		}
		if err := l.writer.Append(ctx, e); err != nil {
			slog.Error("failed to replay WAL entry", "error", err, "id", e.ID)
			failuresCounter.WithLabelValues("wal_replay_failed").Inc()
			continue
		}
		replayed++
	}
	if err := scanner.Err(); err != nil {
		return oops.With("path", l.walPath).Wrap(err)
	}

	if err := os.Truncate(l.walPath, 0); err != nil {
		return oops.With("path", l.walPath).Wrap(err)
	}

	walEntriesGauge.Set(0)
	if replayed > 0 {
		slog.Info("replayed audit WAL entries", "count", replayed)
	}
	return nil
}

// Close drains the async channel, closes the writer and the WAL file.
func (l *Logger) Close() error {
	close(l.stopChan)
	l.wg.Wait()

	if err := l.writer.Close(); err != nil {
		return oops.Wrap(err)
	}

	l.walMu.Lock()
	defer l.walMu.Unlock()
	if l.walFile != nil {
		if err := l.walFile.Close(); err != nil {
			return oops.Wrap(err)
		}
		l.walFile = nil
	}
	return nil
}
