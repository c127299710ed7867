package loomstream

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
)

// Wire framing tags. Each record is one line of the form "tag:payload".
const (
	wireTagData  = "data"
	wireTagError = "error"
)

// wirePayload is the JSON body of a "data" record. The "type" field matches
// the EventKind wire discriminators.
type wirePayload struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ID       string          `json:"id,omitempty"`
	CallID   string          `json:"call_id,omitempty"`
	ToolName string          `json:"tool_name,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
	Sources  []SourceRef     `json:"sources,omitempty"`
}

// wireError is the JSON body of an "error" record.
type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Decoder parses a newline-framed provider stream into typed events.
//
// Decoding is best-effort: malformed lines (bad JSON, unknown tag, unknown
// discriminator) are dropped without aborting the stream. A partial trailing
// line with no terminating newline is buffered by the underlying reader and
// processed when more bytes arrive or the stream ends.
//
// The event sequence is finite: it ends with EventDone, either explicit or
// synthesized when the transport closes after at least one well-formed
// event. A transport that closes before any well-formed event is a protocol
// error.
type Decoder struct {
	reader   *bufio.Reader
	logger   *slog.Logger
	sawEvent bool
	finished bool
	dropped  int
}

// NewDecoder creates a decoder reading the wire protocol from r.
// A nil logger falls back to slog.Default().
func NewDecoder(r io.Reader, logger *slog.Logger) *Decoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Decoder{
		reader: bufio.NewReader(r),
		logger: logger,
	}
}

// Next returns the next event in the stream.
//
// After the terminal event has been returned, Next returns io.EOF. A
// transport failure mid-stream is returned as a *TransportError; a stream
// that ends with zero well-formed events returns ErrProtocol.
func (d *Decoder) Next() (Event, error) {
	if d.finished {
		return Event{}, io.EOF
	}

	for {
		line, err := d.reader.ReadBytes('\n')
		if err != nil {
			// Process a partial trailing line before reporting the end.
			if len(line) > 0 {
				if ev, ok := d.parseLine(line); ok {
					d.sawEvent = true
					if ev.IsTerminal() {
						d.finished = true
					}
					return ev, nil
				}
			}
			return d.finish(err)
		}

		ev, ok := d.parseLine(line)
		if !ok {
			continue
		}
		d.sawEvent = true
		if ev.IsTerminal() {
			d.finished = true
		}
		return ev, nil
	}
}

// DroppedLines returns the number of malformed lines skipped so far.
func (d *Decoder) DroppedLines() int {
	return d.dropped
}

// finish handles end-of-stream: clean EOF after at least one well-formed
// event synthesizes an implicit Done; EOF with none is a protocol error;
// anything else is a transport failure.
func (d *Decoder) finish(err error) (Event, error) {
	d.finished = true
	if err == io.EOF {
		if d.sawEvent {
			return Event{Kind: EventDone}, nil
		}
		return Event{}, ErrProtocol
	}
	return Event{}, &TransportError{Err: err}
}

// parseLine decodes one framed record. Returns ok=false for lines that must
// be dropped.
func (d *Decoder) parseLine(line []byte) (Event, bool) {
	line = bytes.TrimRight(line, "\r\n")
	if len(line) == 0 {
		return Event{}, false
	}

	tag, payload, found := bytes.Cut(line, []byte{':'})
	if !found {
		d.drop("missing tag separator", line)
		return Event{}, false
	}

	switch string(tag) {
	case wireTagData:
		return d.parseData(payload)
	case wireTagError:
		var we wireError
		if err := json.Unmarshal(payload, &we); err != nil {
			d.drop("bad error payload", line)
			return Event{}, false
		}
		return Event{Kind: EventError, ErrorCode: we.Code, ErrorMessage: we.Message}, true
	default:
		d.drop("unknown tag", line)
		return Event{}, false
	}
}

// parseData decodes the JSON body of a data record into a typed event.
func (d *Decoder) parseData(payload []byte) (Event, bool) {
	var wp wirePayload
	if err := json.Unmarshal(payload, &wp); err != nil {
		d.drop("bad data payload", payload)
		return Event{}, false
	}

	switch EventKind(wp.Type) {
	case EventTextDelta:
		return Event{Kind: EventTextDelta, Text: wp.Text}, true
	case EventReasoningStart:
		return Event{Kind: EventReasoningStart, BlockID: wp.ID}, true
	case EventReasoningDelta:
		return Event{Kind: EventReasoningDelta, Text: wp.Text}, true
	case EventReasoningEnd:
		return Event{Kind: EventReasoningEnd}, true
	case EventToolInputStart:
		return Event{Kind: EventToolInputStart, CallID: wp.CallID, ToolName: wp.ToolName}, true
	case EventToolInputDelta:
		return Event{Kind: EventToolInputDelta, CallID: wp.CallID, Text: wp.Text}, true
	case EventToolResult:
		return Event{Kind: EventToolResult, CallID: wp.CallID, Result: wp.Result}, true
	case EventSources:
		return Event{Kind: EventSources, Sources: wp.Sources}, true
	case EventDone:
		return Event{Kind: EventDone}, true
	default:
		d.drop("unknown discriminator", payload)
		return Event{}, false
	}
}

func (d *Decoder) drop(reason string, line []byte) {
	d.dropped++
	d.logger.Debug("dropping malformed stream line",
		"reason", reason,
		"line", truncateForLog(line))
}

// truncateForLog bounds log output for arbitrarily long lines.
func truncateForLog(b []byte) string {
	const max = 120
	if len(b) <= max {
		return string(b)
	}
	return string(b[:max]) + "..."
}
