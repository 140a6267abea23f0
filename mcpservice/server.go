package mcpservice

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/ggoodman/mcp-resource-server/internal/jsonrpc"
	"github.com/ggoodman/mcp-resource-server/internal/logctx"
	"github.com/ggoodman/mcp-resource-server/mcp"
	"github.com/ggoodman/mcp-resource-server/sessions"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const tracerName = "github.com/ggoodman/mcp-resource-server/mcpservice"

// ServerOption configures a Server.
type ServerOption func(*serverConfig)

type serverConfig struct {
	info         mcp.ImplementationInfo
	instructions string
	tools        *ToolsContainer
	logger       *slog.Logger
	registerer   prometheus.Registerer
}

// WithServerInfo sets the implementation info returned from initialize.
func WithServerInfo(info mcp.ImplementationInfo) ServerOption {
	return func(c *serverConfig) { c.info = info }
}

// WithInstructions sets static human-readable instructions returned during initialize.
func WithInstructions(instr string) ServerOption {
	return func(c *serverConfig) { c.instructions = instr }
}

// WithToolsCapability wires the tool set served to every session.
func WithToolsCapability(tools *ToolsContainer) ServerOption {
	return func(c *serverConfig) { c.tools = tools }
}

// WithLogger sets the logger. If not provided, slog.Default is used.
func WithLogger(l *slog.Logger) ServerOption {
	return func(c *serverConfig) { c.logger = l }
}

// WithRegisterer registers tool call metrics with r.
func WithRegisterer(r prometheus.Registerer) ServerOption {
	return func(c *serverConfig) { c.registerer = r }
}

// Server answers MCP protocol methods on behalf of a session.
type Server struct {
	info         mcp.ImplementationInfo
	instructions string
	tools        *ToolsContainer
	log          *slog.Logger
	calls        *prometheus.CounterVec
}

// NewServer builds a Server from functional options.
func NewServer(opts ...ServerOption) *Server {
	cfg := serverConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	if cfg.tools == nil {
		cfg.tools = NewToolsContainer()
	}
	return &Server{
		info:         cfg.info,
		instructions: cfg.instructions,
		tools:        cfg.tools,
		log:          cfg.logger,
		calls: promauto.With(cfg.registerer).NewCounterVec(prometheus.CounterOpts{
			Name: "mcp_tool_calls_total",
			Help: "Tool invocations by tool name and outcome.",
		}, []string{"tool", "outcome"}),
	}
}

// Initialize answers the initialize handshake. The negotiated protocol
// version is the client's when supported and the latest otherwise.
func (s *Server) Initialize(ctx context.Context, req *mcp.InitializeRequest) *mcp.InitializeResult {
	res := &mcp.InitializeResult{
		ProtocolVersion: mcp.NegotiateProtocolVersion(req.ProtocolVersion),
		ServerInfo:      s.info,
		Instructions:    s.instructions,
	}
	res.Capabilities.Tools = &struct {
		ListChanged bool `json:"listChanged"`
	}{}
	return res
}

// HandleRequest dispatches a request other than initialize and returns its
// response. A non-nil error means no response could be produced.
func (s *Server) HandleRequest(ctx context.Context, sess sessions.Session, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	start := time.Now()
	log := s.log.With(slog.String("method", req.Method))

	switch mcp.Method(req.Method) {
	case mcp.PingMethod:
		return jsonrpc.NewResultResponse(req.ID, &mcp.EmptyResult{})
	case mcp.ToolsListMethod:
		return s.handleToolsList(ctx, log, start, req)
	case mcp.ToolsCallMethod:
		return s.handleToolCall(ctx, log, start, sess, req)
	case mcp.InitializeMethod:
		log.InfoContext(ctx, "mcp.handle_request.invalid", slog.String("err", "already initialized"))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "session already initialized", nil), nil
	}

	log.InfoContext(ctx, "mcp.handle_request.unsupported")
	return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "method not found", nil), nil
}

// HandleNotification processes a client notification. Notifications never
// produce a response.
func (s *Server) HandleNotification(ctx context.Context, sess sessions.Session, n *jsonrpc.Request) {
	switch mcp.Method(n.Method) {
	case mcp.InitializedNotificationMethod:
		s.log.DebugContext(ctx, "mcp.initialized")
	case mcp.CancelledNotificationMethod:
		var p mcp.CancelledNotification
		_ = json.Unmarshal(n.Params, &p)
		s.log.InfoContext(ctx, "mcp.cancelled", slog.String("request_id", string(p.RequestID)), slog.String("reason", p.Reason))
	default:
		s.log.DebugContext(ctx, "mcp.notification.ignored", slog.String("method", n.Method))
	}
}

func (s *Server) handleToolsList(ctx context.Context, log *slog.Logger, start time.Time, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	var params mcp.ListToolsRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			log.InfoContext(ctx, "mcp.handle_request.invalid", slog.String("err", err.Error()))
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
		}
	}

	items, next := s.tools.List(params.Cursor)
	result := &mcp.ListToolsResult{Tools: items}
	result.NextCursor = next

	log.InfoContext(ctx, "mcp.handle_request.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()), slog.Int("tool_count", len(items)))
	return jsonrpc.NewResultResponse(req.ID, result)
}

func (s *Server) handleToolCall(ctx context.Context, log *slog.Logger, start time.Time, sess sessions.Session, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	var params mcp.CallToolRequestReceived
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		log.InfoContext(ctx, "mcp.handle_request.invalid", slog.String("err", "missing tool name"))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
	}

	ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: params.Name})
	if params.Meta != nil && params.Meta.ProgressToken != nil && sess != nil {
		ctx = WithProgressReporter(ctx, sessionProgress{session: sess, token: params.Meta.ProgressToken})
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "mcp.tools.call")
	span.SetAttributes(attribute.String("mcp.tool.name", params.Name))
	defer span.End()

	res, err := s.tools.Call(ctx, sess, &params)
	switch {
	case errors.Is(err, ErrToolNotFound):
		s.calls.WithLabelValues(params.Name, "not_found").Inc()
		log.InfoContext(ctx, "mcp.handle_request.invalid", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "unknown tool: "+params.Name, nil), nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		s.calls.WithLabelValues(params.Name, "cancelled").Inc()
		span.SetStatus(codes.Error, "cancelled")
		log.InfoContext(ctx, "mcp.handle_request.cancelled", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "cancelled", nil), nil
	case err != nil:
		// Handler failures are reported to the model as a tool error.
		s.calls.WithLabelValues(params.Name, "error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "tool failed")
		log.InfoContext(ctx, "mcp.tool.fail", slog.String("err", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		res = Errorf("%s", err.Error())
	default:
		if res == nil {
			res = &mcp.CallToolResult{Content: []mcp.ContentBlock{}}
		}
		outcome := "ok"
		if res.IsError {
			outcome = "error"
		}
		s.calls.WithLabelValues(params.Name, outcome).Inc()
		log.InfoContext(ctx, "mcp.handle_request.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	}

	return jsonrpc.NewResultResponse(req.ID, res)
}
