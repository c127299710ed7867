package loomstream

import (
	"context"
	"io"
)

// StreamSource is the interface stream providers implement. A source turns
// a generation request into the raw byte stream consumed by the Decoder,
// framed per the wire protocol (newline-delimited "tag:payload" records).
//
// Types used by this interface:
//   - Request: defined in request.go
//   - ProviderID: defined in provider_registry.go
//
// Usage:
//
//	rc, err := source.Open(ctx, req)
//	if err != nil { return err }
//	session, err := loomstream.NewSession(loomstream.SessionConfig{
//		Transport: rc,
//		Request:   req,
//		Store:     store,
//	})
type StreamSource interface {
	// Open starts a generation and returns the wire-framed event stream.
	// Closing the returned reader cancels the generation; the session does
	// this when its context is cancelled.
	Open(ctx context.Context, req *Request) (io.ReadCloser, error)

	// Name returns the provider identifier (e.g. "anthropic", "lorem").
	Name() ProviderID

	// SupportsModel returns true if the source supports the given model.
	SupportsModel(model string) bool
}
