// Package sessions implements the lifecycle of MCP sessions served over the
// streamable HTTP transport.
//
// A session is owned by a Transport which moves through four states:
//
//	Uninitialized -> Initializing -> Active -> Closed
//
// The Manager drives the transitions. Begin allocates the session id and
// event log for an initialize request, Commit publishes the session to the
// Registry once the handshake response is ready, and Load resolves the
// session named by later requests. A session that is not yet committed can
// never be resolved, so requests racing an initialize observe "unknown
// session" rather than a half-built transport.
//
// # Streams
//
// Server-to-client messages are appended to the session's eventlog.Log and
// delivered to at most one open Stream. OpenStream replays everything after
// the client's checkpoint before following live appends, so a reconnecting
// client sees each event exactly once. Opening a stream supersedes the
// previous one.
//
// When an attached stream drops the transport arms a reconnect timer. If no
// stream re-attaches before it fires the session is closed and its log
// discarded. A session that never opened a stream has no timer and lives
// until it is terminated or the process shuts down.
//
// # Concurrency
//
// There is no global lock. The Registry guards only its map and each
// Transport serializes work on itself with Acquire and Release.
package sessions
