// Package sqlite provides a durable loomstream.Store backed by SQLite.
//
// Checkpoints and final messages are idempotent upserts keyed by response
// id. Usage recording runs the ledger insert and the balance deduction in
// one transaction, so a response can never be deducted twice and a crash
// between the two writes cannot leave them inconsistent.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	loomstream "github.com/jmatherly/loom-stream-go"
)

// ErrUnknownConversation indicates a balance query for a conversation with
// no balance row.
var ErrUnknownConversation = errors.New("sqlite: unknown conversation")

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	response_id     TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL DEFAULT '',
	model           TEXT NOT NULL DEFAULT '',
	parts_json      TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'streaming',
	thinking_secs   REAL NOT NULL DEFAULT 0,
	updated_at      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS usage_ledger (
	response_id        TEXT PRIMARY KEY,
	conversation_id    TEXT NOT NULL,
	model              TEXT NOT NULL,
	input_tokens       INTEGER NOT NULL,
	output_tokens      INTEGER NOT NULL,
	used_own_credential INTEGER NOT NULL,
	credits            REAL NOT NULL,
	created_at         TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS balances (
	conversation_id TEXT PRIMARY KEY,
	credits         REAL NOT NULL DEFAULT 0
);
`

// Store implements loomstream.Store on a SQLite database.
type Store struct {
	db      *sql.DB
	pricing *loomstream.PricingTable
}

// Open creates or opens the database at path and ensures the schema exists.
// The pricing table converts usage records into credit amounts; nil pricing
// records usage with zero-credit deductions.
func Open(path string, pricing *loomstream.PricingTable) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// The modernc driver serializes writes per connection; a single
	// connection avoids SQLITE_BUSY between the scheduler and finalizer.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &Store{db: db, pricing: pricing}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// PersistCheckpoint upserts in-progress content for a response. A row that
// has already been finalized is left untouched: the final write is the sole
// authority on terminal content.
func (s *Store) PersistCheckpoint(ctx context.Context, responseID string, parts []*loomstream.Part, meta *loomstream.CheckpointMeta) error {
	partsJSON, err := json.Marshal(parts)
	if err != nil {
		return fmt.Errorf("encoding parts: %w", err)
	}

	var conversationID, model string
	if meta != nil {
		conversationID = meta.ConversationID
		model = meta.Model
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (response_id, conversation_id, model, parts_json, status, updated_at)
		VALUES (?, ?, ?, ?, 'streaming', ?)
		ON CONFLICT(response_id) DO UPDATE SET
			parts_json = excluded.parts_json,
			updated_at = excluded.updated_at
		WHERE messages.status = 'streaming'`,
		responseID, conversationID, model, string(partsJSON), now())
	if err != nil {
		return fmt.Errorf("writing checkpoint: %w", err)
	}
	return nil
}

// FinalizeMessage upserts the authoritative final content for a response.
func (s *Store) FinalizeMessage(ctx context.Context, responseID string, parts []*loomstream.Part, meta *loomstream.FinalizeMeta) error {
	partsJSON, err := json.Marshal(parts)
	if err != nil {
		return fmt.Errorf("encoding parts: %w", err)
	}

	var conversationID, model, status string
	var thinkingSecs float64
	if meta != nil {
		conversationID = meta.ConversationID
		model = meta.Model
		status = meta.Status
		thinkingSecs = meta.ThinkingDurationSeconds
	}
	if status == "" {
		status = "completed"
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (response_id, conversation_id, model, parts_json, status, thinking_secs, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(response_id) DO UPDATE SET
			parts_json = excluded.parts_json,
			status = excluded.status,
			thinking_secs = excluded.thinking_secs,
			updated_at = excluded.updated_at`,
		responseID, conversationID, model, string(partsJSON), status, thinkingSecs, now())
	if err != nil {
		return fmt.Errorf("finalizing message: %w", err)
	}
	return nil
}

// RecordUsage records token usage and deducts the credit cost, exactly once
// per response id. The ledger insert and the balance deduction run in one
// transaction: the deduction happens only when this call actually inserted
// the ledger row, so duplicate calls are no-ops.
func (s *Store) RecordUsage(ctx context.Context, rec loomstream.UsageRecord) (bool, error) {
	var credits float64
	if s.pricing != nil {
		credits = s.pricing.CreditCost(rec)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO usage_ledger
			(response_id, conversation_id, model, input_tokens, output_tokens, used_own_credential, credits, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ResponseID, rec.ConversationID, rec.Model,
		rec.InputTokens, rec.OutputTokens, boolToInt(rec.UsedOwnCredential),
		credits, now())
	if err != nil {
		return false, fmt.Errorf("writing usage ledger: %w", err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking ledger insert: %w", err)
	}
	if inserted == 0 {
		// Usage already recorded for this response id.
		return false, nil
	}

	if credits > 0 {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO balances (conversation_id, credits)
			VALUES (?, ?)
			ON CONFLICT(conversation_id) DO UPDATE SET
				credits = balances.credits + excluded.credits`,
			rec.ConversationID, -credits)
		if err != nil {
			return false, fmt.Errorf("deducting credits: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing usage: %w", err)
	}
	return true, nil
}

// Credit adds credits to a conversation's balance.
func (s *Store) Credit(ctx context.Context, conversationID string, amount float64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO balances (conversation_id, credits)
		VALUES (?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			credits = balances.credits + excluded.credits`,
		conversationID, amount)
	return err
}

// Balance returns the current credit balance for a conversation.
func (s *Store) Balance(ctx context.Context, conversationID string) (float64, error) {
	var credits float64
	err := s.db.QueryRowContext(ctx,
		`SELECT credits FROM balances WHERE conversation_id = ?`,
		conversationID).Scan(&credits)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", ErrUnknownConversation, conversationID)
	}
	if err != nil {
		return 0, err
	}
	return credits, nil
}

// LoadMessage returns a persisted message's parts and status.
func (s *Store) LoadMessage(ctx context.Context, responseID string) ([]*loomstream.Part, string, error) {
	var partsJSON, status string
	err := s.db.QueryRowContext(ctx,
		`SELECT parts_json, status FROM messages WHERE response_id = ?`,
		responseID).Scan(&partsJSON, &status)
	if err != nil {
		return nil, "", err
	}

	var parts []*loomstream.Part
	if err := json.Unmarshal([]byte(partsJSON), &parts); err != nil {
		return nil, "", fmt.Errorf("decoding parts: %w", err)
	}
	return parts, status, nil
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
