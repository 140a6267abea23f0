package streaminghttp

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/ggoodman/mcp-resource-server/internal/wellknown"
)

const maxCallbackBodyBytes = 1 << 20

func setMetadataCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Vary", "Origin")
}

// handleMetadataPreflight answers CORS preflight requests for the
// well-known metadata endpoints.
func handleMetadataPreflight(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Authorization, Mcp-Protocol-Version")
	w.Header().Set("Access-Control-Max-Age", "600")
	w.WriteHeader(http.StatusNoContent)
}

// handleGetProtectedResourceMetadata serves the RFC 9728 Protected Resource
// Metadata document for the MCP endpoint.
func (h *StreamingHTTPHandler) handleGetProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	doc := wellknown.ProtectedResourceMetadata{
		Resource:               h.resourceURL.String(),
		BearerMethodsSupported: []string{"header"},
		ResourceName:           h.serverName,
	}
	if h.meta != nil {
		meta, err := h.meta.Get(ctx)
		if err != nil {
			h.log.ErrorContext(ctx, "prm.serve.fail", slog.String("err", err.Error()))
			writeInternalError(w)
			return
		}
		doc.AuthorizationServers = []string{meta.Issuer}
		doc.ScopesSupported = meta.ScopesSupported
	}

	setMetadataCORS(w)
	w.Header().Set("Content-Type", jsonMediaType.String())
	if err := json.NewEncoder(w).Encode(doc); err != nil {
		h.log.InfoContext(ctx, "prm.write.fail", slog.String("err", err.Error()))
	}
}

// handleGetAuthorizationServerMetadata mirrors the identity provider's
// Authorization Server Metadata (RFC 8414) byte for byte. It does not imply
// this process acts as an authorization server.
func (h *StreamingHTTPHandler) handleGetAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	raw, err := h.meta.Raw(ctx)
	if err != nil {
		h.log.ErrorContext(ctx, "authmeta.serve.fail", slog.String("err", err.Error()))
		writeInternalError(w)
		return
	}

	setMetadataCORS(w)
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(raw); err != nil {
		h.log.InfoContext(ctx, "authmeta.write.fail", slog.String("err", err.Error()))
	}
}

type callbackEcho struct {
	Method  string              `json:"method"`
	Path    string              `json:"path"`
	Query   map[string][]string `json:"query"`
	Headers map[string][]string `json:"headers"`
	Body    string              `json:"body"`
}

// handleCallback echoes the inbound request as JSON. It is a diagnostic aid
// for inspecting authorization code redirects.
func (h *StreamingHTTPHandler) handleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBodyBytes))
	if err != nil {
		h.log.InfoContext(ctx, "callback.body.read.fail", slog.String("err", err.Error()))
	}

	headers := r.Header.Clone()
	if _, ok := headers[authorizationHeader]; ok {
		headers[authorizationHeader] = []string{"[REDACTED]"}
	}

	echo := callbackEcho{
		Method:  r.Method,
		Path:    r.URL.Path,
		Query:   r.URL.Query(),
		Headers: headers,
		Body:    string(body),
	}
	h.log.InfoContext(ctx, "callback.echo", slog.String("method", r.Method))

	w.Header().Set("Content-Type", jsonMediaType.String())
	if err := json.NewEncoder(w).Encode(echo); err != nil {
		h.log.InfoContext(ctx, "callback.write.fail", slog.String("err", err.Error()))
	}
}
