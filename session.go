package loomstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// SessionState is the lifecycle state of a stream session.
type SessionState int32

const (
	StateIdle SessionState = iota // Before the first byte is read.
	StateStreaming                // Mid-stream, consuming events.
	StateCompleted                // Terminal: provider finished normally.
	StateFailed                   // Terminal: protocol or provider error.
	StateCancelled                // Terminal: caller cancelled or transport dropped.
)

// String returns a human-readable state name.
func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal returns true for states with no further transitions.
func (s SessionState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Result is the outcome of one stream session.
type Result struct {
	ResponseID string
	State      SessionState

	// Parts is the final ordered part list. On failure or cancellation it
	// holds whatever was assembled before termination; partial content is
	// never rolled back.
	Parts []*Part

	// ThinkingDurationSeconds is the cumulative reasoning time.
	ThinkingDurationSeconds float64
}

// SessionConfig configures a stream session.
type SessionConfig struct {
	// Transport is the wire-framed provider byte stream. The session owns
	// it: it is closed on context cancellation (unblocking the read) and
	// again on exit.
	Transport io.ReadCloser

	// Request is the originating generation request. If its ResponseID is
	// empty the session assigns one.
	Request *Request

	// Store receives checkpoints, the final message, and the usage record.
	Store Store

	// Counter counts billable tokens. Nil defaults to an EstimatingCounter.
	Counter TokenCounter

	// Pricing, if set, is passed to the reconciler for cost logging.
	Pricing *PricingTable

	// OnUpdate, if set, observes every assembled snapshot (for UI).
	OnUpdate UpdateFunc

	// CheckpointInterval defaults to DefaultCheckpointInterval.
	CheckpointInterval time.Duration

	// AbortGrace defaults to DefaultAbortGrace.
	AbortGrace time.Duration

	// Now supplies the clock for reasoning durations. Defaults to time.Now.
	Now func() time.Time

	// Logger receives diagnostics. Nil falls back to slog.Default().
	Logger *slog.Logger
}

// Session orchestrates one streaming response: it wires the decoder to the
// assembler, runs the checkpoint scheduler alongside, owns cancellation,
// and guarantees the usage reconciler runs exactly once regardless of
// completion, error, or cancellation.
//
// Sessions are single-use: create one per response and call Run once.
type Session struct {
	transport io.ReadCloser
	req       *Request
	store     Store
	logger    *slog.Logger
	onUpdate  UpdateFunc

	asm   *Assembler
	sched *CheckpointScheduler
	rec   *Reconciler

	state atomic.Int32

	// latest holds the most recent published snapshot. It is written only
	// by the event loop (via the assembler's update hook) and read by the
	// checkpoint scheduler and the abort handler, keeping the assembler
	// itself single-writer with no locking.
	latest atomic.Pointer[[]*Part]
}

// NewSession creates a session for one response.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.Transport == nil {
		return nil, errors.New("loomstream: SessionConfig.Transport is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("loomstream: SessionConfig.Store is required")
	}
	if cfg.Request == nil {
		return nil, errors.New("loomstream: SessionConfig.Request is required")
	}
	if cfg.Request.ResponseID == "" {
		cfg.Request.ResponseID = uuid.NewString()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Session{
		transport: cfg.Transport,
		req:       cfg.Request,
		store:     cfg.Store,
		logger:    cfg.Logger,
		onUpdate:  cfg.OnUpdate,
	}

	s.asm = NewAssembler(AssemblerConfig{
		Now:      cfg.Now,
		Logger:   cfg.Logger,
		OnUpdate: s.publish,
	})

	s.sched = NewCheckpointScheduler(CheckpointConfig{
		Store:      cfg.Store,
		ResponseID: cfg.Request.ResponseID,
		Snapshot:   s.latestSnapshot,
		Meta: &CheckpointMeta{
			ConversationID: cfg.Request.ConversationID,
			Model:          cfg.Request.Model,
		},
		Interval: cfg.CheckpointInterval,
		Logger:   cfg.Logger,
	})

	s.rec = NewReconciler(ReconcilerConfig{
		Store:   cfg.Store,
		Counter: cfg.Counter,
		Pricing: cfg.Pricing,
		Grace:   cfg.AbortGrace,
		Logger:  cfg.Logger,
	})

	return s, nil
}

// State returns the session's current lifecycle state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// ResponseID returns the id keying all persistence and billing writes.
func (s *Session) ResponseID() string {
	return s.req.ResponseID
}

// Run consumes the stream to a terminal state and returns the result.
//
// Cancelling ctx closes the transport (unblocking the read), stops the
// checkpoint scheduler after at most one more tick, and triggers partial
// usage reconciliation after the abort grace period. Run returns the
// partial result with State == StateCancelled; the returned error is nil
// for cancellation since partial content was delivered to the caller.
//
// On a provider or protocol error the partial result is returned together
// with the error: the caller shows any already-streamed content first.
func (s *Session) Run(ctx context.Context) (*Result, error) {
	if s.State() != StateIdle {
		return nil, ErrSessionFinished
	}
	s.state.Store(int32(StateStreaming))

	schedCtx, stopSched := context.WithCancel(context.Background())
	defer stopSched()
	go s.sched.Run(schedCtx)

	// Cancellation watcher: closing the transport is what unblocks the
	// event loop's read. The abort-side reconciliation races the normal
	// completion path through the shared latch.
	watcherDone := make(chan struct{})
	var abortWG sync.WaitGroup
	go func() {
		select {
		case <-ctx.Done():
			abortWG.Add(1)
			s.transport.Close()
			go func() {
				defer abortWG.Done()
				s.rec.ReconcileAborted(context.WithoutCancel(ctx), s.req, func() string {
					return JoinedText(s.latestSnapshot())
				})
			}()
		case <-watcherDone:
		}
	}()

	runErr := s.consume()
	close(watcherDone)

	state := s.classify(ctx, runErr)
	s.state.Store(int32(state))

	// Terminal ordering: flip the finalized flag first, then perform the
	// authoritative final write, then stop the scheduler. A tick that fires
	// in between observes the flag and skips, so it can never overwrite the
	// final state.
	s.asm.Freeze()
	s.sched.MarkFinalized()

	finalCtx := context.WithoutCancel(ctx)
	s.finalize(finalCtx, state)
	s.rec.Reconcile(finalCtx, s.req, JoinedText(s.asm.Parts()))

	stopSched()
	s.sched.Wait()
	abortWG.Wait()
	s.transport.Close()

	result := &Result{
		ResponseID:              s.req.ResponseID,
		State:                   state,
		Parts:                   s.asm.Parts(),
		ThinkingDurationSeconds: s.asm.ThinkingDuration(),
	}
	if state == StateCancelled {
		return result, nil
	}
	return result, runErr
}

// consume runs the decoder-to-assembler event loop until a terminal event
// or a read failure.
func (s *Session) consume() error {
	dec := NewDecoder(s.transport, s.logger)
	for {
		ev, err := dec.Next()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if err := s.asm.Apply(ev); err != nil {
			return err
		}
		if ev.Kind == EventDone {
			return nil
		}
	}
}

// classify maps the event-loop outcome to a terminal state. A transport
// failure is treated like cancellation for reconciliation purposes, but a
// caller-driven cancellation is the only path that reports StateCancelled.
func (s *Session) classify(ctx context.Context, runErr error) SessionState {
	if ctx.Err() != nil {
		return StateCancelled
	}
	if runErr != nil {
		return StateFailed
	}
	return StateCompleted
}

// finalize performs the authoritative final persistence write.
func (s *Session) finalize(ctx context.Context, state SessionState) {
	meta := &FinalizeMeta{
		ConversationID:          s.req.ConversationID,
		Model:                   s.req.Model,
		Status:                  state.String(),
		ThinkingDurationSeconds: s.asm.ThinkingDuration(),
	}
	if err := s.store.FinalizeMessage(ctx, s.req.ResponseID, s.asm.Parts(), meta); err != nil {
		s.logger.Error("final message write failed",
			"response_id", s.req.ResponseID,
			"error", &PersistenceError{Op: "finalize", ResponseID: s.req.ResponseID, Err: err})
	}
}

// publish stores each assembled snapshot for concurrent readers and relays
// it to the caller's update hook.
func (s *Session) publish(parts []*Part) {
	s.latest.Store(&parts)
	if s.onUpdate != nil {
		s.onUpdate(parts)
	}
}

// latestSnapshot returns the most recently published snapshot, never nil.
func (s *Session) latestSnapshot() []*Part {
	if p := s.latest.Load(); p != nil {
		return *p
	}
	return nil
}

// Describe returns a short diagnostic string for logs.
func (s *Session) Describe() string {
	return fmt.Sprintf("session %s (%s, model %s, state %s)",
		s.req.ResponseID, s.req.Provider, s.req.Model, s.State())
}
