package loomstream

import (
	"errors"
	"fmt"
)

// Sentinel errors for common failure modes.
// These can be checked with errors.Is().
var (
	// ErrProtocol indicates the stream was malformed beyond recovery,
	// e.g. the transport closed before a single well-formed event arrived.
	ErrProtocol = errors.New("loomstream: protocol error")

	// ErrProviderFailure indicates the provider reported an error event.
	ErrProviderFailure = errors.New("loomstream: provider failure")

	// ErrSessionFinished indicates an operation was attempted on a session
	// that already reached a terminal state.
	ErrSessionFinished = errors.New("loomstream: session already finished")

	// ErrInvalidModel indicates the requested model is not supported by
	// the selected stream source.
	ErrInvalidModel = errors.New("loomstream: invalid or unsupported model")

	// ErrInvalidAPIKey indicates the API key is missing, malformed, or
	// unauthorized.
	ErrInvalidAPIKey = errors.New("loomstream: invalid API key")
)

// ProviderError represents an error event received from the provider mid-stream.
// Parts finalized before the error remain valid and are still checkpointed,
// finalized, and reconciled as partial output.
type ProviderError struct {
	Provider string // Provider name, if known
	Code     string // Provider-assigned error code
	Message  string // Error message from provider
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("provider '%s' error (code %s): %s", e.Provider, e.Code, e.Message)
	}
	return fmt.Sprintf("provider '%s' error: %s", e.Provider, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return ErrProviderFailure
}

// TransportError represents a network-level failure while reading the stream.
// For reconciliation purposes it is treated the same as cancellation: usage
// is computed from the partial content observed so far.
type TransportError struct {
	Err error // Underlying read error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error reading stream: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// PersistenceError represents a failed checkpoint or finalize write.
// Checkpoint failures are logged and retried on the next tick; they never
// fail the session.
type PersistenceError struct {
	Op         string // "checkpoint" or "finalize"
	ResponseID string
	Err        error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s failed for response '%s': %v", e.Op, e.ResponseID, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// ReconciliationError represents a failed usage/billing write. The response
// is still surfaced to the caller as complete; the failure is logged for
// operator audit and never silently dropped.
type ReconciliationError struct {
	ResponseID string
	Err        error
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("usage reconciliation failed for response '%s': %v", e.ResponseID, e.Err)
}

func (e *ReconciliationError) Unwrap() error {
	return e.Err
}

// IsProviderError checks if an error originated as a provider error event.
func IsProviderError(err error) bool {
	return errors.Is(err, ErrProviderFailure)
}

// IsProtocolError checks if an error indicates an unrecoverable stream
// framing failure.
func IsProtocolError(err error) bool {
	return errors.Is(err, ErrProtocol)
}

// IsTransportError checks if an error is a network-level read failure.
func IsTransportError(err error) bool {
	if err == nil {
		return false
	}
	var transportErr *TransportError
	return errors.As(err, &transportErr)
}

// IsPersistenceError checks if an error came from a checkpoint or finalize
// write.
func IsPersistenceError(err error) bool {
	if err == nil {
		return false
	}
	var persistErr *PersistenceError
	return errors.As(err, &persistErr)
}
