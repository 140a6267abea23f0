// Package eventlog provides the per-session, append-only log of server-push
// messages that makes SSE streams resumable.
//
// Every Append assigns the next session-wide sequence number, starting at 1.
// Events are grouped by stream id; a client that reconnects presents the id
// of the last event it saw and receives everything after it, in order, before
// live delivery continues. Replay and live delivery share one mechanism, the
// Cursor, so a resuming client observes a single contiguous sequence.
package eventlog

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrCheckpointUnavailable is returned when the requested checkpoint lies
	// outside the retained history of a stream. Callers must re-initialize
	// rather than retry the same checkpoint.
	ErrCheckpointUnavailable = errors.New("eventlog: checkpoint unavailable")
	// ErrClosed is returned by every operation on a closed log.
	ErrClosed = errors.New("eventlog: closed")
	// ErrInvalidEventID is returned by ParseEventID for malformed ids.
	ErrInvalidEventID = errors.New("eventlog: invalid event id")
)

// Event is one retained server-push message.
type Event struct {
	StreamID string
	Seq      int64
	Payload  []byte
}

// ID returns the wire form used in the SSE id field.
func (e Event) ID() string {
	return FormatEventID(e.StreamID, e.Seq)
}

// FormatEventID renders "<streamID>_<seq>".
func FormatEventID(streamID string, seq int64) string {
	return streamID + "_" + strconv.FormatInt(seq, 10)
}

// ParseEventID parses an id produced by FormatEventID. A bare decimal is also
// accepted and yields an empty stream id, meaning "the current stream".
func ParseEventID(id string) (streamID string, seq int64, err error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", 0, ErrInvalidEventID
	}
	num := id
	if i := strings.LastIndexByte(id, '_'); i >= 0 {
		streamID, num = id[:i], id[i+1:]
		if streamID == "" {
			return "", 0, fmt.Errorf("%w: %q", ErrInvalidEventID, id)
		}
	}
	seq, err = strconv.ParseInt(num, 10, 64)
	if err != nil || seq < 0 {
		return "", 0, fmt.Errorf("%w: %q", ErrInvalidEventID, id)
	}
	return streamID, seq, nil
}

// Log is the event log of a single session. Implementations are safe for
// concurrent use.
type Log interface {
	// Append stores payload on streamID and returns the stored event. The
	// event is visible to ReplayFrom and to cursors once Append returns.
	Append(ctx context.Context, streamID string, payload []byte) (Event, error)
	// ReplayFrom returns the retained events of streamID with a sequence
	// greater than checkpoint, oldest first.
	ReplayFrom(ctx context.Context, streamID string, checkpoint int64) ([]Event, error)
	// Subscribe returns a cursor positioned after checkpoint on streamID.
	Subscribe(ctx context.Context, streamID string, checkpoint int64) (Cursor, error)
	// Close discards all events and releases blocked cursors. It is
	// idempotent.
	Close() error
}

// Cursor consumes a stream in sequence order.
type Cursor interface {
	// Next blocks until the next event is available, ctx is done, or the
	// log or cursor is closed (ErrClosed).
	Next(ctx context.Context) (Event, error)
	Close() error
}

// Factory creates the log for a newly initialized session.
type Factory func(ctx context.Context, sessionID string) (Log, error)
