package loomstream

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultAbortGrace is how long the abort path waits for an in-flight
// normal-completion reconciliation to win the race before reconciling
// partial content itself.
const DefaultAbortGrace = 100 * time.Millisecond

// Reconciler performs the exactly-once usage accounting for one response.
//
// All call sites (normal completion, failure with partial content, and
// cancellation) share a single-fire latch: whichever path reaches the latch
// first computes and records usage; every later call is a no-op. The store's
// RecordUsage is additionally idempotent on ResponseID, so even a duplicate
// reconciler instance for the same response cannot deduct twice.
type Reconciler struct {
	store   Store
	counter TokenCounter
	pricing *PricingTable
	grace   time.Duration
	logger  *slog.Logger

	once  sync.Once
	fired atomic.Bool
}

// ReconcilerConfig configures a Reconciler.
type ReconcilerConfig struct {
	Store   Store
	Counter TokenCounter

	// Pricing, if set, is used to log the credit cost alongside the usage
	// record. The authoritative deduction happens in the store.
	Pricing *PricingTable

	// Grace defaults to DefaultAbortGrace.
	Grace time.Duration

	// Logger receives audit diagnostics. Nil falls back to slog.Default().
	Logger *slog.Logger
}

// NewReconciler creates a reconciler for one response.
func NewReconciler(cfg ReconcilerConfig) *Reconciler {
	if cfg.Counter == nil {
		cfg.Counter = NewEstimatingCounter()
	}
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultAbortGrace
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Reconciler{
		store:   cfg.Store,
		counter: cfg.Counter,
		pricing: cfg.Pricing,
		grace:   cfg.Grace,
		logger:  cfg.Logger,
	}
}

// Fired reports whether a reconciliation has already run.
func (r *Reconciler) Fired() bool {
	return r.fired.Load()
}

// Reconcile computes token usage from the (possibly partial) output text and
// records the deduction. Fires at most once per reconciler; later calls are
// no-ops. Returns true if this call performed the reconciliation.
//
// A ReconciliationError is logged for operator audit, never returned as a
// session failure: billing accuracy is best-effort relative to user-facing
// success.
func (r *Reconciler) Reconcile(ctx context.Context, req *Request, outputText string) bool {
	ran := false
	r.once.Do(func() {
		r.fired.Store(true)
		ran = true
		r.reconcile(ctx, req, outputText)
	})
	return ran
}

// ReconcileAborted is the cancellation call site. It waits the grace period
// so a racing normal-completion reconciliation can win; if none has fired by
// then and partial content exists, it reconciles with the partial content.
//
// partial supplies the output text observed so far; it is re-read after the
// grace wait so a late-arriving delta is still billed.
func (r *Reconciler) ReconcileAborted(ctx context.Context, req *Request, partial func() string) bool {
	if r.fired.Load() {
		return false
	}

	timer := time.NewTimer(r.grace)
	defer timer.Stop()
	<-timer.C

	if r.fired.Load() {
		return false
	}
	text := partial()
	if text == "" {
		// Nothing streamed: no usage to account. The latch stays open so a
		// late normal completion can still reconcile.
		return false
	}
	return r.Reconcile(ctx, req, text)
}

func (r *Reconciler) reconcile(ctx context.Context, req *Request, outputText string) {
	inputTokens, err := r.counter.CountInput(req)
	if err != nil {
		// Never skip billing because counting failed: fall back to a
		// conservative character-based estimate.
		inputTokens = ConservativeEstimate(requestChars(req))
		r.logger.Warn("input token counting failed, using conservative estimate",
			"response_id", req.ResponseID, "estimate", inputTokens, "error", err)
	}
	inputTokens += req.ImageCount * ImageTokenSurcharge

	outputTokens, err := r.counter.CountOutput(outputText)
	if err != nil {
		outputTokens = ConservativeEstimate(len(outputText))
		r.logger.Warn("output token counting failed, using conservative estimate",
			"response_id", req.ResponseID, "estimate", outputTokens, "error", err)
	}

	rec := UsageRecord{
		ConversationID:    req.ConversationID,
		ResponseID:        req.ResponseID,
		Model:             req.Model,
		InputTokens:       inputTokens,
		OutputTokens:      outputTokens,
		UsedOwnCredential: req.UsedOwnCredential,
	}

	applied, err := r.store.RecordUsage(ctx, rec)
	if err != nil {
		// Surfaced for audit; the response still succeeds for the caller.
		r.logger.Error("usage reconciliation failed",
			"response_id", req.ResponseID,
			"error", &ReconciliationError{ResponseID: req.ResponseID, Err: err})
		return
	}

	attrs := []any{
		"response_id", req.ResponseID,
		"model", rec.Model,
		"input_tokens", rec.InputTokens,
		"output_tokens", rec.OutputTokens,
		"applied", applied,
	}
	if r.pricing != nil {
		attrs = append(attrs, "credits", r.pricing.CreditCost(rec))
	}
	r.logger.Info("usage reconciled", attrs...)
}

// requestChars totals the request's text size for the fallback estimate.
func requestChars(req *Request) int {
	if req == nil {
		return 0
	}
	n := len(req.SystemPrompt)
	for _, m := range req.Messages {
		n += len(m.Content)
	}
	return n
}
