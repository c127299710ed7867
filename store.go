package loomstream

import "context"

// CheckpointMeta carries optional metadata for an in-progress checkpoint
// write.
type CheckpointMeta struct {
	ConversationID string
	Model          string
}

// FinalizeMeta carries metadata for the authoritative final write of a
// response.
type FinalizeMeta struct {
	ConversationID string
	Model          string

	// Status records how the response terminated: "completed", "failed"
	// or "cancelled".
	Status string

	// ThinkingDurationSeconds is the cumulative reasoning time.
	ThinkingDurationSeconds float64
}

// UsageRecord describes the billable token usage of one response.
// RecordUsage treats ResponseID as the idempotency key: at most one
// successful credit deduction ever happens per ResponseID.
type UsageRecord struct {
	ConversationID    string
	ResponseID        string
	Model             string
	InputTokens       int
	OutputTokens      int
	UsedOwnCredential bool
}

// Store is the persistence collaborator for stream sessions.
//
// PersistCheckpoint and FinalizeMessage are idempotent upserts keyed by
// responseID. RecordUsage must be safe to call more than once with the same
// ResponseID; it reports whether this call actually applied a deduction.
// The credit deduction must be transactional (read balance, deduct, write
// as one unit).
type Store interface {
	PersistCheckpoint(ctx context.Context, responseID string, parts []*Part, meta *CheckpointMeta) error
	FinalizeMessage(ctx context.Context, responseID string, parts []*Part, meta *FinalizeMeta) error
	RecordUsage(ctx context.Context, rec UsageRecord) (applied bool, err error)
}
