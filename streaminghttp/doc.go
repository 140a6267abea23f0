// Package streaminghttp implements the MCP streamable HTTP transport. It mounts
// as a standard net/http handler in front of a sessions.Manager and an
// mcpservice.Server.
//
// Routes (relative to the public endpoint path, /mcp by default)
//   - POST: one JSON-RPC message per request. Requests are answered in the
//     response body; notifications and client responses get 202.
//   - GET: the session's server-to-client push stream as Server-Sent Events.
//     Last-Event-ID resumes after a previously delivered event.
//   - DELETE: terminates the session.
//   - /.well-known/oauth-protected-resource[/path] and
//     /.well-known/oauth-authorization-server: discovery documents, CORS open.
//   - /callback: JSON echo of the request, Authorization redacted.
//
// Construction
//
//	h, err := streaminghttp.New(
//	    "https://api.example/mcp",
//	    manager, // *sessions.Manager
//	    server,  // *mcpservice.Server
//	    streaminghttp.WithAuthenticator(authenticator),
//	    streaminghttp.WithAuthMetadata(metadataCache),
//	)
//
// # Sessions
//
// An initialize request without an Mcp-Session-Id header creates a session;
// the id comes back in the response header. Every later request must carry
// it. A request naming an unknown session is rejected with 400 and never
// creates one. With WithStateless every POST runs against a throwaway session
// instead, and GET and DELETE answer 405.
//
// # Error Handling
//
// Transport-level rejections use the JSON-RPC error envelope with a null id.
// Authentication failures answer 401 with a Bearer challenge naming the
// protected resource metadata URL. Panics are recovered and answered with
// the generic 500 envelope.
package streaminghttp
