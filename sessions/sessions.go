package sessions

import (
	"context"
	"errors"
)

var (
	// ErrSessionNotFound is returned when a session id does not resolve to
	// a live session visible to the caller.
	ErrSessionNotFound = errors.New("session not found")
	// ErrDuplicateSession is returned by Registry.Create when the id is
	// already registered.
	ErrDuplicateSession = errors.New("duplicate session id")
	// ErrInvalidSession is returned when an operation requires a state the
	// session is not in.
	ErrInvalidSession = errors.New("invalid session state")
	// ErrAlreadyInitialized is returned for an initialize request that names
	// an existing session.
	ErrAlreadyInitialized = errors.New("session already initialized")
	// ErrSessionClosed is returned by operations on a closed transport.
	ErrSessionClosed = errors.New("session closed")
	// ErrStreamSuperseded terminates a stream replaced by a newer one.
	ErrStreamSuperseded = errors.New("stream superseded")
	// ErrShuttingDown is returned by Manager.Begin and Manager.Commit once
	// Shutdown has started.
	ErrShuttingDown = errors.New("session manager shutting down")
)

// State is the lifecycle state of a session transport.
type State int32

const (
	StateUninitialized State = iota
	StateInitializing
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ClientInfo identifies the client implementation that initialized the
// session.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Registry maps session ids to committed transports.
//
// Implementations must be safe for concurrent use and must not call into a
// Transport while holding their own locks.
type Registry interface {
	// Create inserts t under id or fails with ErrDuplicateSession.
	Create(id string, t *Transport) error
	// Lookup fails with ErrSessionNotFound when id is absent.
	Lookup(id string) (*Transport, error)
	// Remove deletes id. Removing an absent id is a no-op.
	Remove(id string)
	// All returns a snapshot of the registered transports.
	All() []*Transport
	Len() int
}

// Session is the view of a session handed to protocol method handlers.
type Session interface {
	SessionID() string
	UserID() string
	ProtocolVersion() string
	// Notify queues a JSON-RPC notification for delivery on the session's
	// push stream.
	Notify(ctx context.Context, method string, params any) error
}
