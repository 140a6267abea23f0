package mcpservice

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"

	"github.com/ggoodman/mcp-resource-server/mcp"
)

// ToolResponseWriter accumulates the result of one tools/call. It is safe for
// concurrent use by goroutines serving the same call.
type ToolResponseWriter interface {
	AppendText(text string) error
	AppendBlocks(blocks ...mcp.ContentBlock) error
	// Failf appends a formatted text block and marks the result as a tool
	// error, the shape used to report upstream failures to the model.
	Failf(format string, args ...any) error
	SetError(isError bool)
	SetMeta(key string, v any)
	// SendProgress publishes notifications/progress when the caller supplied
	// a progress token and does nothing otherwise. progress must increase
	// from call to call.
	SendProgress(progress, total float64) error
	// Result seals the writer and returns a copy of the result. Further
	// appends fail with ErrFinalized.
	Result() *mcp.CallToolResult
}

var (
	ErrFinalized         = errors.New("result already finalized")
	ErrProgressRegressed = errors.New("progress must increase")
)

type callWriter struct {
	ctx context.Context

	mu           sync.Mutex
	sealed       bool
	content      []mcp.ContentBlock
	isError      bool
	meta         map[string]any
	lastProgress float64
	reported     bool
}

var _ ToolResponseWriter = (*callWriter)(nil)

func newToolResponseWriter(ctx context.Context) *callWriter {
	return &callWriter{ctx: ctx}
}

func (w *callWriter) AppendText(text string) error {
	if text == "" {
		return nil
	}
	return w.AppendBlocks(mcp.ContentBlock{Type: mcp.ContentTypeText, Text: text})
}

func (w *callWriter) AppendBlocks(blocks ...mcp.ContentBlock) error {
	if err := w.ctx.Err(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sealed {
		return ErrFinalized
	}
	w.content = append(w.content, blocks...)
	return nil
}

func (w *callWriter) Failf(format string, args ...any) error {
	if err := w.AppendText(fmt.Sprintf(format, args...)); err != nil {
		return err
	}
	w.SetError(true)
	return nil
}

func (w *callWriter) SetError(isError bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.isError = isError
}

func (w *callWriter) SetMeta(key string, v any) {
	if key == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.meta == nil {
		w.meta = make(map[string]any)
	}
	w.meta[key] = v
}

func (w *callWriter) SendProgress(progress, total float64) error {
	if err := w.ctx.Err(); err != nil {
		return err
	}
	pr, ok := ProgressFrom(w.ctx)
	if !ok {
		return nil
	}

	w.mu.Lock()
	if w.reported && progress <= w.lastProgress {
		last := w.lastProgress
		w.mu.Unlock()
		return fmt.Errorf("%w: %g after %g", ErrProgressRegressed, progress, last)
	}
	w.reported = true
	w.lastProgress = progress
	w.mu.Unlock()

	return pr.Report(w.ctx, progress, total)
}

func (w *callWriter) Result() *mcp.CallToolResult {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sealed = true

	res := &mcp.CallToolResult{
		Content: make([]mcp.ContentBlock, len(w.content)),
		IsError: w.isError,
	}
	copy(res.Content, w.content)
	if len(w.meta) > 0 {
		res.Meta = maps.Clone(w.meta)
	}
	return res
}
