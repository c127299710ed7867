package loomstream

import (
	"encoding/json"
	"fmt"
	"io"
)

// EncodeFrame serializes one event into its wire framing, including the
// trailing newline. Providers use this to produce the byte stream the
// Decoder consumes.
func EncodeFrame(ev Event) ([]byte, error) {
	if ev.Kind == EventError {
		body, err := json.Marshal(wireError{Code: ev.ErrorCode, Message: ev.ErrorMessage})
		if err != nil {
			return nil, fmt.Errorf("encoding error frame: %w", err)
		}
		return appendFrame(wireTagError, body), nil
	}

	wp := wirePayload{
		Type:     string(ev.Kind),
		Text:     ev.Text,
		ID:       ev.BlockID,
		CallID:   ev.CallID,
		ToolName: ev.ToolName,
		Result:   ev.Result,
		Sources:  ev.Sources,
	}
	body, err := json.Marshal(wp)
	if err != nil {
		return nil, fmt.Errorf("encoding %s frame: %w", ev.Kind, err)
	}
	return appendFrame(wireTagData, body), nil
}

// WriteEvent encodes and writes one framed event.
func WriteEvent(w io.Writer, ev Event) error {
	frame, err := EncodeFrame(ev)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

func appendFrame(tag string, body []byte) []byte {
	frame := make([]byte, 0, len(tag)+len(body)+2)
	frame = append(frame, tag...)
	frame = append(frame, ':')
	frame = append(frame, body...)
	frame = append(frame, '\n')
	return frame
}
