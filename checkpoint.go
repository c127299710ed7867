package loomstream

import (
	"context"
	"hash/fnv"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"
)

// DefaultCheckpointInterval is how often in-progress content is persisted.
const DefaultCheckpointInterval = 250 * time.Millisecond

// SnapshotFunc supplies the current ordered parts, including provisional
// open parts. Must be safe to call from the scheduler goroutine; the
// assembler's Snapshot satisfies this only when routed through the event
// loop's published copies, so the session wires it via an atomic holder.
type SnapshotFunc func() []*Part

// CheckpointScheduler periodically persists a snapshot of in-progress
// response content, independently of the event-processing path.
//
// Writes are best-effort: a storage failure is logged and retried on the
// next tick. A content fingerprint suppresses redundant writes while the
// provider is silent (e.g. during tool execution).
//
// Finalization race: the session calls MarkFinalized before it performs the
// authoritative final write. A tick that observes the flag skips its write
// and stops the scheduler, so a stale periodic snapshot can never overwrite
// the finalized state.
type CheckpointScheduler struct {
	store      Store
	responseID string
	snapshot   SnapshotFunc
	meta       *CheckpointMeta
	interval   time.Duration
	logger     *slog.Logger

	finalized atomic.Bool
	lastHash  atomic.Uint64
	wrote     atomic.Int64
	skipped   atomic.Int64
	done      chan struct{}
}

// CheckpointConfig configures a CheckpointScheduler.
type CheckpointConfig struct {
	Store      Store
	ResponseID string
	Snapshot   SnapshotFunc
	Meta       *CheckpointMeta

	// Interval defaults to DefaultCheckpointInterval.
	Interval time.Duration

	// Logger receives write-failure diagnostics. Nil falls back to
	// slog.Default().
	Logger *slog.Logger
}

// NewCheckpointScheduler creates a scheduler for one response.
func NewCheckpointScheduler(cfg CheckpointConfig) *CheckpointScheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultCheckpointInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &CheckpointScheduler{
		store:      cfg.Store,
		responseID: cfg.ResponseID,
		snapshot:   cfg.Snapshot,
		meta:       cfg.Meta,
		interval:   cfg.Interval,
		logger:     cfg.Logger,
		done:       make(chan struct{}),
	}
}

// Run ticks until the context is cancelled or MarkFinalized is observed.
// Blocks; callers run it in its own goroutine.
func (s *CheckpointScheduler) Run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// The flag flips before the final write is issued, so once it
			// is visible here the final write owns terminal content and
			// this tick must not race it.
			if s.finalized.Load() {
				return
			}
			s.tick(ctx)
		}
	}
}

// MarkFinalized tells the scheduler the stream reached a terminal state.
// The session must call this before issuing the final persistence write.
func (s *CheckpointScheduler) MarkFinalized() {
	s.finalized.Store(true)
}

// Wait blocks until the scheduler goroutine has exited.
func (s *CheckpointScheduler) Wait() {
	<-s.done
}

// Writes returns how many checkpoint writes have been issued.
func (s *CheckpointScheduler) Writes() int64 {
	return s.wrote.Load()
}

// SkippedWrites returns how many ticks were suppressed by an unchanged
// fingerprint.
func (s *CheckpointScheduler) SkippedWrites() int64 {
	return s.skipped.Load()
}

func (s *CheckpointScheduler) tick(ctx context.Context) {
	parts := s.snapshot()
	if len(parts) == 0 {
		return
	}

	h := fingerprintParts(parts)
	if h == s.lastHash.Load() && s.wrote.Load() > 0 {
		s.skipped.Add(1)
		return
	}

	if err := s.store.PersistCheckpoint(ctx, s.responseID, parts, s.meta); err != nil {
		// Best-effort: the next tick retries with a fresh snapshot.
		s.logger.Warn("checkpoint write failed",
			"response_id", s.responseID,
			"error", &PersistenceError{Op: "checkpoint", ResponseID: s.responseID, Err: err})
		return
	}
	s.lastHash.Store(h)
	s.wrote.Add(1)
}

// fingerprintParts computes an FNV-1a digest over the content of an ordered
// part list. Two snapshots with identical content fingerprint identically.
func fingerprintParts(parts []*Part) uint64 {
	h := fnv.New64a()
	for i, p := range parts {
		h.Write([]byte(strconv.Itoa(i)))
		h.Write([]byte(p.Kind))
		h.Write([]byte{0})
		h.Write([]byte(p.TextContent))
		h.Write([]byte{0})
		h.Write([]byte(p.ReasoningID))
		h.Write([]byte(p.CallID))
		h.Write([]byte(p.Args))
		h.Write([]byte(p.State))
		h.Write(p.Result)
		for _, src := range p.Sources {
			h.Write([]byte(src.Title))
			h.Write([]byte(src.URL))
			h.Write([]byte(src.Snippet))
		}
	}
	return h.Sum64()
}
