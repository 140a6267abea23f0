package mcpservice

import (
	"context"

	"github.com/ggoodman/mcp-resource-server/mcp"
	"github.com/ggoodman/mcp-resource-server/sessions"
)

// ProgressReporter reports progress of a long-running operation. The server
// injects one into the context of a tool call that carries a progress token;
// tool code retrieves it with ProgressFrom.
type ProgressReporter interface {
	// Report emits a progress update. Implementations should treat values as
	// opaque and simply forward to the client; server code is responsible for
	// selecting meaningful scales for progress and total. total may be zero or
	// omitted depending on transport implementation.
	Report(ctx context.Context, progress, total float64) error
}

type progressKey struct{}

// WithProgressReporter returns a new context carrying the provided reporter.
func WithProgressReporter(ctx context.Context, pr ProgressReporter) context.Context {
	if pr == nil {
		return ctx
	}
	return context.WithValue(ctx, progressKey{}, pr)
}

// ProgressFrom retrieves a ProgressReporter from the context if present.
func ProgressFrom(ctx context.Context) (ProgressReporter, bool) {
	if v := ctx.Value(progressKey{}); v != nil {
		if pr, ok := v.(ProgressReporter); ok && pr != nil {
			return pr, true
		}
	}
	return nil, false
}

// sessionProgress publishes notifications/progress on the session's push
// stream, correlated by the caller's progress token.
type sessionProgress struct {
	session sessions.Session
	token   mcp.ProgressToken
}

func (p sessionProgress) Report(ctx context.Context, progress, total float64) error {
	return p.session.Notify(ctx, string(mcp.ProgressNotificationMethod), mcp.ProgressNotificationParams{
		ProgressToken: p.token,
		Progress:      progress,
		Total:         total,
	})
}
