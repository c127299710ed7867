package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	loomstream "github.com/jmatherly/loom-stream-go"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	pricing, err := loomstream.NewPricingTable()
	require.NoError(t, err)
	pricing.Register("test-model", loomstream.ModelPricing{InputPer1M: 1_000_000, OutputPer1M: 1_000_000})

	store, err := Open(filepath.Join(t.TempDir(), "loom.db"), pricing)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func textParts(text string) []*loomstream.Part {
	return []*loomstream.Part{{Kind: loomstream.PartText, TextContent: text}}
}

func TestStore_RecordUsageDeductsExactlyOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Credit(ctx, "conv-1", 100))

	rec := loomstream.UsageRecord{
		ConversationID: "conv-1",
		ResponseID:     "resp-1",
		Model:          "test-model",
		InputTokens:    3, // 3 credits at the test rate
		OutputTokens:   7, // 7 credits
	}

	applied, err := store.RecordUsage(ctx, rec)
	require.NoError(t, err)
	require.True(t, applied, "first call must apply the deduction")

	// Duplicate call with the same response id: a no-op.
	applied, err = store.RecordUsage(ctx, rec)
	require.NoError(t, err)
	require.False(t, applied, "second call must not apply")

	balance, err := store.Balance(ctx, "conv-1")
	require.NoError(t, err)
	require.InDelta(t, 90.0, balance, 1e-9, "exactly one deduction of 10 credits")
}

func TestStore_RecordUsageOwnCredentialCostsNothing(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Credit(ctx, "conv-1", 50))

	applied, err := store.RecordUsage(ctx, loomstream.UsageRecord{
		ConversationID:    "conv-1",
		ResponseID:        "resp-own",
		Model:             "test-model",
		InputTokens:       1000,
		OutputTokens:      1000,
		UsedOwnCredential: true,
	})
	require.NoError(t, err)
	require.True(t, applied, "usage is still recorded for audit")

	balance, err := store.Balance(ctx, "conv-1")
	require.NoError(t, err)
	require.InDelta(t, 50.0, balance, 1e-9)
}

func TestStore_CheckpointThenFinalize(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	meta := &loomstream.CheckpointMeta{ConversationID: "conv-1", Model: "test-model"}

	require.NoError(t, store.PersistCheckpoint(ctx, "resp-1", textParts("par"), meta))
	require.NoError(t, store.PersistCheckpoint(ctx, "resp-1", textParts("partial"), meta))

	parts, status, err := store.LoadMessage(ctx, "resp-1")
	require.NoError(t, err)
	require.Equal(t, "streaming", status)
	require.Equal(t, "partial", parts[0].TextContent)

	require.NoError(t, store.FinalizeMessage(ctx, "resp-1", textParts("final content"),
		&loomstream.FinalizeMeta{Status: "completed", ThinkingDurationSeconds: 1.5}))

	parts, status, err = store.LoadMessage(ctx, "resp-1")
	require.NoError(t, err)
	require.Equal(t, "completed", status)
	require.Equal(t, "final content", parts[0].TextContent)
}

func TestStore_LateCheckpointCannotOverwriteFinal(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.FinalizeMessage(ctx, "resp-1", textParts("authoritative"),
		&loomstream.FinalizeMeta{Status: "completed"}))

	// A stale periodic tick that lost the race with finalization.
	require.NoError(t, store.PersistCheckpoint(ctx, "resp-1", textParts("stale"), nil))

	parts, status, err := store.LoadMessage(ctx, "resp-1")
	require.NoError(t, err)
	require.Equal(t, "completed", status)
	require.Equal(t, "authoritative", parts[0].TextContent, "late checkpoint must not win")
}

func TestStore_FinalizeIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	meta := &loomstream.FinalizeMeta{Status: "completed"}

	require.NoError(t, store.FinalizeMessage(ctx, "resp-1", textParts("done"), meta))
	require.NoError(t, store.FinalizeMessage(ctx, "resp-1", textParts("done"), meta))

	parts, status, err := store.LoadMessage(ctx, "resp-1")
	require.NoError(t, err)
	require.Equal(t, "completed", status)
	require.Len(t, parts, 1)
}

func TestStore_PartsSurviveRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	parts := []*loomstream.Part{
		{Kind: loomstream.PartText, TextContent: "hello"},
		{Kind: loomstream.PartReasoning, ReasoningID: "r1", TextContent: "hmm", DurationSeconds: 0.4},
		{
			Kind: loomstream.PartToolInvocation, CallID: "c1", ToolName: "web_search",
			Args: `{"q":"go"}`, State: loomstream.ToolStateResult,
			Result: []byte(`{"results":[]}`),
		},
		{Kind: loomstream.PartSources, Sources: []loomstream.SourceRef{{Title: "Go", URL: "https://go.dev"}}},
	}

	require.NoError(t, store.FinalizeMessage(ctx, "resp-1", parts, &loomstream.FinalizeMeta{Status: "completed"}))

	got, _, err := store.LoadMessage(ctx, "resp-1")
	require.NoError(t, err)
	require.Len(t, got, 4)
	require.Equal(t, parts[1].ReasoningID, got[1].ReasoningID)
	require.Equal(t, parts[2].Args, got[2].Args)
	require.Equal(t, parts[3].Sources, got[3].Sources)
}

func TestStore_BalanceUnknownConversation(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Balance(context.Background(), "nope")
	require.ErrorIs(t, err, ErrUnknownConversation)
}
