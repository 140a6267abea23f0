package streaminghttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/mcp-resource-server/auth"
	"github.com/ggoodman/mcp-resource-server/eventlog"
	"github.com/ggoodman/mcp-resource-server/internal/jsonrpc"
	"github.com/ggoodman/mcp-resource-server/internal/logctx"
	"github.com/ggoodman/mcp-resource-server/internal/wellknown"
	"github.com/ggoodman/mcp-resource-server/mcp"
	"github.com/ggoodman/mcp-resource-server/mcpservice"
	"github.com/ggoodman/mcp-resource-server/sessions"
	"github.com/prometheus/client_golang/prometheus"
)

const tracerName = "github.com/ggoodman/mcp-resource-server/streaminghttp"

var (
	_ http.Handler = (*StreamingHTTPHandler)(nil)
)

var (
	ErrSessionHeaderMissing    = errors.New("missing mcp-session-id header")
	ErrProtocolVersionMismatch = errors.New("mcp-protocol-version does not match the session")
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	// Use canonical header names for clarity; Go matches headers case-insensitively.
	lastEventIDHeader        = "Last-Event-ID"
	mcpSessionIDHeader       = "Mcp-Session-Id"
	mcpProtocolVersionHeader = "Mcp-Protocol-Version"
	authorizationHeader      = "Authorization"
	wwwAuthenticateHeader    = "WWW-Authenticate"
)

const (
	// DefaultKeepAlive is the interval between SSE comment frames on an idle
	// stream.
	DefaultKeepAlive = 15 * time.Second

	maxBodyBytes = 4 << 20
)

// AnonymousUserID is the principal assigned to every request when no
// authenticator is configured.
const AnonymousUserID = "anonymous"

// writeRPCError emits the JSON-RPC error envelope used for transport-level
// rejections. The id is always null because no request id is known yet.
// Safe to call after some headers set but before status written.
func writeRPCError(w http.ResponseWriter, status int, code jsonrpc.ErrorCode, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(jsonrpc.NewErrorResponse(nil, code, msg, nil))
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	writeRPCError(w, http.StatusBadRequest, jsonrpc.ErrorCodeServerError, "Bad Request: "+msg)
}

func writeInternalError(w http.ResponseWriter) {
	writeRPCError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, "Internal server error")
}

func writeUnavailable(w http.ResponseWriter) {
	writeRPCError(w, http.StatusServiceUnavailable, jsonrpc.ErrorCodeServerError, "Service unavailable, shutting down")
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeRPCError(w, http.StatusMethodNotAllowed, jsonrpc.ErrorCodeServerError, "Method not allowed.")
}

// Option configures the StreamingHTTPHandler.
type Option func(*newConfig)

type newConfig struct {
	serverName string
	logger     *slog.Logger
	realm      string
	auth       auth.Authenticator
	meta       *auth.MetadataCache
	stateless  bool
	keepAlive  time.Duration
	registerer prometheus.Registerer
	metrics    http.Handler
}

// WithServerName sets a human-readable server name surfaced in PRM.
func WithServerName(name string) Option {
	return func(c *newConfig) { c.serverName = name }
}

// WithLogger sets the logger used by the handler. If not provided, slog.Default is used.
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) { c.logger = l }
}

// WithRealm sets the HTTP authentication realm advertised in WWW-Authenticate
// challenges. If empty (default), the realm attribute is omitted entirely per
// RFC 6750 (it is optional).
func WithRealm(realm string) Option {
	return func(c *newConfig) { c.realm = strings.TrimSpace(realm) }
}

// WithAuthenticator gates the MCP endpoint with bearer tokens checked by a.
// Without it every request runs as AnonymousUserID.
func WithAuthenticator(a auth.Authenticator) Option {
	return func(c *newConfig) { c.auth = a }
}

// WithAuthMetadata serves the identity provider's authorization server
// metadata from cache and advertises its issuer in the protected resource
// metadata.
func WithAuthMetadata(m *auth.MetadataCache) Option {
	return func(c *newConfig) { c.meta = m }
}

// WithStateless switches to one-shot handling: every POST runs against a
// throwaway session and GET/DELETE answer 405.
func WithStateless(stateless bool) Option {
	return func(c *newConfig) { c.stateless = stateless }
}

// WithKeepAlive sets the SSE keepalive interval. Zero or less disables
// keepalives.
func WithKeepAlive(d time.Duration) Option {
	return func(c *newConfig) { c.keepAlive = d }
}

// WithRegisterer registers HTTP metrics with r.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(c *newConfig) { c.registerer = r }
}

// WithMetricsHandler mounts h at GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(c *newConfig) { c.metrics = h }
}

// buildBearerChallenge builds a standardized Bearer challenge header value.
// Format:
//
//	Bearer realm="<realm>", resource_metadata="<url>", error="...", error_description="..."
//
// Realm is omitted if empty. Known parameters come first, the rest follow in
// key order.
func buildBearerChallenge(realm string, resourceMetadata string, params map[string]string) string {
	pieces := make([]string, 0, 2+len(params))
	esc := strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace
	if realm != "" {
		pieces = append(pieces, fmt.Sprintf(`realm="%s"`, esc(realm)))
	}
	if resourceMetadata != "" {
		pieces = append(pieces, fmt.Sprintf(`resource_metadata="%s"`, esc(resourceMetadata)))
	}
	known := []string{"error", "error_description", "scope"}
	for _, k := range known {
		if v, ok := params[k]; ok {
			pieces = append(pieces, fmt.Sprintf(`%s="%s"`, k, esc(v)))
		}
	}
	for _, k := range slices.Sorted(maps.Keys(params)) {
		if slices.Contains(known, k) {
			continue
		}
		pieces = append(pieces, fmt.Sprintf(`%s="%s"`, k, esc(params[k])))
	}
	if len(pieces) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(pieces, ", ")
}

// StreamingHTTPHandler implements the streamable HTTP transport of the Model
// Context Protocol on top of a sessions.Manager.
type StreamingHTTPHandler struct {
	mux         *http.ServeMux
	log         *slog.Logger
	resourceURL *url.URL
	prmURL      *url.URL
	serverName  string
	realm       string
	stateless   bool
	keepAlive   time.Duration

	auth     auth.Authenticator
	meta     *auth.MetadataCache
	sessions *sessions.Manager
	server   *mcpservice.Server
	metrics  *httpMetrics
}

// lockedWriteFlusher wraps an io.Writer + http.Flusher with a mutex and an optional context.
// It serializes concurrent writes/flushes and avoids writing after ctx is canceled.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	// Re-check after acquiring the lock to minimize races with cancellation
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

// New constructs a StreamingHTTPHandler.
//
// Required:
//   - publicEndpoint: externally visible URL of the MCP endpoint (scheme, host, path)
//   - manager: drives session lifecycles
//   - server: answers MCP methods
//
// Authentication is enabled by WithAuthenticator. WithAuthMetadata additionally
// exposes the authorization server metadata endpoint.
func New(publicEndpoint string, manager *sessions.Manager, server *mcpservice.Server, opts ...Option) (*StreamingHTTPHandler, error) {
	if server == nil {
		return nil, fmt.Errorf("server is required")
	}
	if manager == nil {
		return nil, fmt.Errorf("session manager is required")
	}

	mcpURL, err := url.Parse(publicEndpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL %q: %w", publicEndpoint, err)
	}
	if mcpURL.Scheme != "https" && mcpURL.Scheme != "http" {
		return nil, fmt.Errorf("server URL must use HTTP or HTTPS scheme, got %q", mcpURL.Scheme)
	}

	cfg := &newConfig{logger: slog.Default(), keepAlive: DefaultKeepAlive}
	for _, opt := range opts {
		opt(cfg)
	}

	h := &StreamingHTTPHandler{
		log:         logctx.Wrap(cfg.logger),
		resourceURL: mcpURL,
		serverName:  cfg.serverName,
		realm:       cfg.realm,
		stateless:   cfg.stateless,
		keepAlive:   cfg.keepAlive,
		auth:        cfg.auth,
		meta:        cfg.meta,
		sessions:    manager,
		server:      server,
		metrics:     newHTTPMetrics(cfg.registerer),
	}

	mcpPath := pathOnly(mcpURL)
	prmPath := strings.TrimSuffix(wellknown.ProtectedResourceMetadataPath+mcpPath, "/")
	h.prmURL = &url.URL{Scheme: mcpURL.Scheme, Host: mcpURL.Host, Path: prmPath}

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+mcpPath, h.handlePostMCP)
	mux.HandleFunc("GET "+mcpPath, h.handleGetMCP)
	mux.HandleFunc("DELETE "+mcpPath, h.handleDeleteMCP)

	mux.HandleFunc("GET "+prmPath, h.handleGetProtectedResourceMetadata)
	mux.HandleFunc("OPTIONS "+prmPath, handleMetadataPreflight)
	if prmPath != wellknown.ProtectedResourceMetadataPath {
		mux.HandleFunc("GET "+wellknown.ProtectedResourceMetadataPath, h.handleGetProtectedResourceMetadata)
		mux.HandleFunc("OPTIONS "+wellknown.ProtectedResourceMetadataPath, handleMetadataPreflight)
	}
	if h.meta != nil {
		mux.HandleFunc("GET "+wellknown.AuthServerMetadataPath, h.handleGetAuthorizationServerMetadata)
		mux.HandleFunc("OPTIONS "+wellknown.AuthServerMetadataPath, handleMetadataPreflight)
	}
	mux.HandleFunc("/callback", h.handleCallback)
	if cfg.metrics != nil {
		mux.Handle("GET /metrics", cfg.metrics)
	}
	h.mux = mux
	return h, nil
}

// pathOnly returns just the URL path or "/" if empty.
func pathOnly(u *url.URL) string {
	if u == nil || u.Path == "" {
		return "/"
	}
	return u.Path
}

// handleDeleteMCP handles the DELETE /mcp endpoint, which terminates an
// existing session.
func (h *StreamingHTTPHandler) handleDeleteMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.delete.start")

	if h.stateless {
		writeMethodNotAllowed(w)
		return
	}

	userInfo, _, ok := h.checkAuthentication(ctx, r, w)
	if !ok {
		return
	}

	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		h.writeSessionError(ctx, w, ErrSessionHeaderMissing)
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessID, UserID: userInfo.UserID()})
	if err := h.sessions.Terminate(ctx, sessID, userInfo.UserID()); err != nil {
		h.writeSessionError(ctx, w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
	h.log.InfoContext(ctx, "http.delete.ok", slog.Duration("dur", time.Since(start)))
}

// handlePostMCP handles the POST /mcp endpoint, which is used by the client to send
// MCP messages to the server and to establish a session.
func (h *StreamingHTTPHandler) handlePostMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.post.start")

	userInfo, tok, ok := h.checkAuthentication(ctx, r, w)
	if !ok {
		return
	}
	if tok != "" {
		ctx = auth.WithAccessToken(ctx, tok)
	}

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeRPCError(w, http.StatusUnsupportedMediaType, jsonrpc.ErrorCodeServerError, "Unsupported Media Type: Content-Type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeRPCError(w, http.StatusBadRequest, jsonrpc.ErrorCodeParseError, "Parse error: request body could not be read")
		h.log.WarnContext(ctx, "http.body.read.fail", slog.String("err", err.Error()))
		return
	}
	if trimmed := bytes.TrimLeft(raw, " \t\r\n"); len(trimmed) > 0 && trimmed[0] == '[' {
		writeBadRequest(w, "JSON-RPC batch arrays are not supported")
		h.log.WarnContext(ctx, "jsonrpc.batch.forbidden")
		return
	}

	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		writeRPCError(w, http.StatusBadRequest, jsonrpc.ErrorCodeParseError, "Parse error: invalid JSON-RPC message")
		h.log.WarnContext(ctx, "jsonrpc.message.invalid", slog.String("err", err.Error()))
		return
	}

	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
		Method: msg.Method,
		ID:     msg.ID.String(),
		Type:   msg.Type(),
	})

	if h.stateless {
		h.serveStateless(ctx, w, userInfo, &msg, start)
		return
	}

	if r.Header.Get(mcpSessionIDHeader) == "" {
		h.initializeSession(ctx, w, userInfo, &msg, start)
		return
	}

	sess, ok := h.loadSession(ctx, w, r, userInfo)
	if !ok {
		return
	}
	ctx = logctx.WithSessionData(ctx, sessionData(sess))
	h.log.InfoContext(ctx, "session.load.ok")

	if req := msg.AsRequest(); req != nil && req.Method == string(mcp.InitializeMethod) {
		h.writeSessionError(ctx, w, sessions.ErrAlreadyInitialized)
		return
	}

	if err := sess.Acquire(ctx); err != nil {
		if errors.Is(err, sessions.ErrSessionClosed) {
			h.writeSessionError(ctx, w, err)
			return
		}
		h.log.InfoContext(ctx, "session.acquire.abort", slog.String("err", err.Error()))
		return
	}
	defer sess.Release()

	h.dispatch(ctx, w, sess, &msg, start)
}

// initializeSession runs the Uninitialized -> Initializing -> Active
// transitions for an initialize request that arrived without a session id.
func (h *StreamingHTTPHandler) initializeSession(ctx context.Context, w http.ResponseWriter, userInfo auth.UserInfo, msg *jsonrpc.AnyMessage, start time.Time) {
	req := msg.AsRequest()
	if req == nil || req.ID.IsNil() || req.Method != string(mcp.InitializeMethod) {
		writeBadRequest(w, "No valid session ID provided")
		h.log.InfoContext(ctx, "session.initialize.invalid")
		return
	}

	var initReq mcp.InitializeRequest
	if len(req.Params) == 0 || json.Unmarshal(req.Params, &initReq) != nil {
		h.writeJSON(ctx, w, "", jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid initialize params", nil))
		h.log.InfoContext(ctx, "session.initialize.params.fail")
		return
	}

	sess, err := h.sessions.Begin(ctx, userInfo.UserID())
	if errors.Is(err, sessions.ErrShuttingDown) {
		writeUnavailable(w)
		return
	}
	if err != nil {
		writeInternalError(w)
		h.log.ErrorContext(ctx, "session.begin.fail", slog.String("err", err.Error()))
		return
	}

	initRes := h.server.Initialize(ctx, &initReq)
	resp, err := jsonrpc.NewResultResponse(req.ID, initRes)
	if err != nil {
		_ = sess.Close()
		writeInternalError(w)
		h.log.ErrorContext(ctx, "session.initialize.encode.fail", slog.String("err", err.Error()))
		return
	}

	client := sessions.ClientInfo{Name: initReq.ClientInfo.Name, Version: initReq.ClientInfo.Version}
	if err := h.sessions.Commit(ctx, sess, initRes.ProtocolVersion, client); err != nil {
		if errors.Is(err, sessions.ErrShuttingDown) {
			writeUnavailable(w)
			return
		}
		writeInternalError(w)
		h.log.ErrorContext(ctx, "session.commit.fail", slog.String("err", err.Error()))
		return
	}

	ctx = logctx.WithSessionData(ctx, sessionData(sess))
	w.Header().Set(mcpSessionIDHeader, sess.SessionID())
	h.writeJSON(ctx, w, initRes.ProtocolVersion, resp)
	h.log.InfoContext(ctx, "http.post.initialize.ok", slog.Duration("dur", time.Since(start)))
}

// serveStateless answers a single message against a session that lives only
// for this request.
func (h *StreamingHTTPHandler) serveStateless(ctx context.Context, w http.ResponseWriter, userInfo auth.UserInfo, msg *jsonrpc.AnyMessage, start time.Time) {
	if req := msg.AsRequest(); req != nil && !req.ID.IsNil() && req.Method == string(mcp.InitializeMethod) {
		var initReq mcp.InitializeRequest
		if len(req.Params) == 0 || json.Unmarshal(req.Params, &initReq) != nil {
			h.writeJSON(ctx, w, "", jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid initialize params", nil))
			return
		}
		initRes := h.server.Initialize(ctx, &initReq)
		resp, err := jsonrpc.NewResultResponse(req.ID, initRes)
		if err != nil {
			writeInternalError(w)
			h.log.ErrorContext(ctx, "session.initialize.encode.fail", slog.String("err", err.Error()))
			return
		}
		h.writeJSON(ctx, w, initRes.ProtocolVersion, resp)
		h.log.InfoContext(ctx, "http.post.initialize.ok", slog.Duration("dur", time.Since(start)))
		return
	}

	sess, err := h.sessions.Ephemeral(ctx, userInfo.UserID())
	if err != nil {
		writeInternalError(w)
		h.log.ErrorContext(ctx, "session.ephemeral.fail", slog.String("err", err.Error()))
		return
	}
	defer sess.Close()

	h.dispatch(logctx.WithSessionData(ctx, sessionData(sess)), w, sess, msg, start)
}

// dispatch hands an inbound message to the protocol server. Requests are
// answered in the response body; notifications and client responses get 202.
func (h *StreamingHTTPHandler) dispatch(ctx context.Context, w http.ResponseWriter, sess *sessions.Transport, msg *jsonrpc.AnyMessage, start time.Time) {
	pv := sess.ProtocolVersion()

	switch msg.Type() {
	case jsonrpc.TypeNotification:
		h.server.HandleNotification(ctx, sess, msg.AsRequest())
		if pv != "" {
			w.Header().Set(mcpProtocolVersionHeader, pv)
		}
		w.WriteHeader(http.StatusAccepted)
		h.log.InfoContext(ctx, "notification.inbound.ok", slog.Duration("dur", time.Since(start)))
	case jsonrpc.TypeResponse:
		// The server never issues requests to the client, so there is nothing
		// to correlate a response with.
		if pv != "" {
			w.Header().Set(mcpProtocolVersionHeader, pv)
		}
		w.WriteHeader(http.StatusAccepted)
		h.log.InfoContext(ctx, "response.inbound.ignored")
	default:
		req := msg.AsRequest()
		res, err := h.server.HandleRequest(ctx, sess, req)
		if err != nil {
			h.log.ErrorContext(ctx, "rpc.inbound.fail", slog.String("err", err.Error()))
			res = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "Internal server error", nil)
		}
		h.writeJSON(ctx, w, pv, res)
		h.log.InfoContext(ctx, "rpc.inbound.ok", slog.Duration("dur", time.Since(start)))
	}
}

func (h *StreamingHTTPHandler) writeJSON(ctx context.Context, w http.ResponseWriter, protocolVersion string, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		h.log.ErrorContext(ctx, "rpc.response.marshal.fail", slog.String("err", err.Error()))
		writeInternalError(w)
		return
	}
	if protocolVersion != "" {
		w.Header().Set(mcpProtocolVersionHeader, protocolVersion)
	}
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(append(b, '\n')); err != nil {
		h.log.InfoContext(ctx, "rpc.response.write.fail", slog.String("err", err.Error()))
	}
}

// handleGetMCP handles the GET /mcp endpoint, which attaches the session's
// server-to-client push stream.
func (h *StreamingHTTPHandler) handleGetMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if h.stateless {
		writeMethodNotAllowed(w)
		return
	}

	userInfo, _, ok := h.checkAuthentication(ctx, r, w)
	if !ok {
		return
	}

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		writeRPCError(w, http.StatusNotAcceptable, jsonrpc.ErrorCodeServerError, "Not Acceptable: Client must accept text/event-stream")
		h.log.WarnContext(ctx, "http.get.unsupported_media_type")
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		writeInternalError(w)
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}

	sess, ok := h.loadSession(ctx, w, r, userInfo)
	if !ok {
		return
	}
	ctx = logctx.WithSessionData(ctx, sessionData(sess))

	if err := sess.Acquire(ctx); err != nil {
		if errors.Is(err, sessions.ErrSessionClosed) {
			h.writeSessionError(ctx, w, err)
			return
		}
		h.log.InfoContext(ctx, "session.acquire.abort", slog.String("err", err.Error()))
		return
	}
	stream, err := sess.OpenStream(ctx, r.Header.Get(lastEventIDHeader))
	sess.Release()
	if err != nil {
		h.writeSessionError(ctx, w, err)
		return
	}
	defer stream.Close()

	if pv := sess.ProtocolVersion(); pv != "" {
		w.Header().Set(mcpProtocolVersionHeader, pv)
	}
	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}
	wf.Flush()

	h.metrics.streams.Inc()
	defer h.metrics.streams.Dec()
	h.log.InfoContext(ctx, "sse.stream.start", slog.String("stream_id", stream.ID()))

	var wg sync.WaitGroup
	defer wg.Wait()
	done := make(chan struct{})
	defer close(done)
	if h.keepAlive > 0 {
		wg.Go(func() {
			tick := time.NewTicker(h.keepAlive)
			defer tick.Stop()
			for {
				select {
				case <-done:
					return
				case <-stream.Done():
					return
				case <-tick.C:
					if err := writeSSEComment(wf, "keepalive"); err != nil {
						return
					}
				}
			}
		})
	}

loop:
	for {
		ev, err := stream.Next()
		if err != nil {
			switch {
			case errors.Is(err, sessions.ErrStreamSuperseded):
				h.log.InfoContext(ctx, "sse.stream.superseded")
			case errors.Is(err, sessions.ErrSessionClosed):
				h.log.InfoContext(ctx, "sse.stream.session_closed")
			case errors.Is(err, context.Canceled):
				h.log.InfoContext(ctx, "sse.stream.disconnect")
			default:
				h.log.ErrorContext(ctx, "sse.stream.fail", slog.String("err", err.Error()))
			}
			break loop
		}
		if err := writeSSEEvent(wf, ev.ID(), ev.Payload); err != nil {
			h.log.InfoContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
			break loop
		}
		h.log.DebugContext(ctx, "sse.message.deliver", slog.String("event_id", ev.ID()))
	}

	h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
}

// loadSession resolves the session named by the request headers and checks
// the protocol version header against it. On failure the response has been
// written.
func (h *StreamingHTTPHandler) loadSession(ctx context.Context, w http.ResponseWriter, r *http.Request, userInfo auth.UserInfo) (*sessions.Transport, bool) {
	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		h.writeSessionError(ctx, w, ErrSessionHeaderMissing)
		return nil, false
	}

	sess, err := h.sessions.Load(ctx, sessID, userInfo.UserID())
	if err != nil {
		ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessID, UserID: userInfo.UserID()})
		h.writeSessionError(ctx, w, err)
		return nil, false
	}

	if pv := r.Header.Get(mcpProtocolVersionHeader); pv != "" {
		if spv := sess.ProtocolVersion(); spv != "" && pv != spv {
			h.log.WarnContext(ctx, "protocol.version.mismatch", slog.String("client_version", pv))
			h.writeSessionError(ctx, w, ErrProtocolVersionMismatch)
			return nil, false
		}
	}
	return sess, true
}

// writeSessionError maps session and event log failures to HTTP responses.
func (h *StreamingHTTPHandler) writeSessionError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrSessionHeaderMissing):
		writeBadRequest(w, "Mcp-Session-Id header is required")
	case errors.Is(err, sessions.ErrSessionNotFound),
		errors.Is(err, sessions.ErrInvalidSession),
		errors.Is(err, sessions.ErrSessionClosed):
		writeBadRequest(w, "No valid session ID provided")
	case errors.Is(err, sessions.ErrAlreadyInitialized):
		writeBadRequest(w, "Server already initialized")
	case errors.Is(err, ErrProtocolVersionMismatch):
		writeBadRequest(w, "Unsupported protocol version")
	case errors.Is(err, eventlog.ErrCheckpointUnavailable):
		writeBadRequest(w, "checkpoint unavailable, re-initialize")
	case errors.Is(err, eventlog.ErrInvalidEventID):
		writeBadRequest(w, "invalid Last-Event-ID header")
	default:
		writeInternalError(w)
		h.log.ErrorContext(ctx, "session.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "session.reject", slog.String("err", err.Error()))
}

func sessionData(s *sessions.Transport) *logctx.SessionData {
	sd := &logctx.SessionData{
		SessionID:       s.SessionID(),
		UserID:          s.UserID(),
		ProtocolVersion: s.ProtocolVersion(),
		State:           s.State().String(),
	}
	if ci := s.ClientInfo(); ci.Name != "" {
		sd.Client = ci.Name + "/" + ci.Version
	}
	return sd
}

// checkAuthentication authenticates the request's bearer token. It returns
// the principal and the raw token; on failure the response has been written.
func (h *StreamingHTTPHandler) checkAuthentication(ctx context.Context, r *http.Request, w http.ResponseWriter) (auth.UserInfo, string, bool) {
	if h.auth == nil {
		return auth.NewUserInfo(AnonymousUserID, nil), "", true
	}

	authHeader := r.Header.Get(authorizationHeader)
	if authHeader == "" {
		// RFC 6750 §3.1: no error code when the request carries no credentials.
		h.log.InfoContext(ctx, "auth.check.missing")
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, h.prmURL.String(), nil))
		writeRPCError(w, http.StatusUnauthorized, jsonrpc.ErrorCodeInternalError, "Unauthorized, missing authorization header")
		return nil, "", false
	}

	rejectInvalid := func(reason string) {
		h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", reason))
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, h.prmURL.String(), map[string]string{"error": "invalid_token"}))
		writeRPCError(w, http.StatusUnauthorized, jsonrpc.ErrorCodeInternalError, "Unauthorized, invalid token")
	}

	scheme, tok, found := strings.Cut(authHeader, " ")
	tok = strings.TrimSpace(tok)
	if !found || !strings.EqualFold(scheme, "Bearer") || tok == "" {
		rejectInvalid("malformed bearer authorization header")
		return nil, "", false
	}

	userInfo, err := h.auth.CheckAuthentication(ctx, tok)
	if err != nil {
		if errors.Is(err, auth.ErrUnauthorized) {
			rejectInvalid(err.Error())
			return nil, "", false
		}
		h.log.ErrorContext(ctx, "auth.check.err", slog.String("err", err.Error()))
		writeInternalError(w)
		return nil, "", false
	}

	h.log.DebugContext(ctx, "auth.check.ok", slog.String("user_id", userInfo.UserID()))
	return userInfo, tok, true
}

// writeSSEEvent writes one Server-Sent Event frame and flushes it. The frame
// goes out in a single Write so that keepalives cannot interleave with it.
func writeSSEEvent(wf *lockedWriteFlusher, msgID string, payload []byte) error {
	var buf bytes.Buffer
	if msgID != "" {
		fmt.Fprintf(&buf, "id: %s\n", msgID)
	}
	for line := range bytes.SplitSeq(payload, []byte("\n")) {
		buf.WriteString("data: ")
		buf.Write(line)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	if _, err := wf.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write SSE event: %w", err)
	}
	wf.Flush()
	return nil
}

func writeSSEComment(wf *lockedWriteFlusher, comment string) error {
	if _, err := wf.Write([]byte(": " + comment + "\n\n")); err != nil {
		return fmt.Errorf("failed to write SSE comment: %w", err)
	}
	wf.Flush()
	return nil
}
