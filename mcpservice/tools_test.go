package mcpservice

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/ggoodman/mcp-resource-server/mcp"
	"github.com/ggoodman/mcp-resource-server/sessions"
)

type emptyArgs struct{}

type greetArgs struct {
	Name  string `json:"name" jsonschema:"description=Who to greet"`
	Loud  bool   `json:"loud,omitempty"`
	Times int    `json:"times,omitempty" jsonschema:"enum=1,enum=2"`
}

func TestNewToolReflectsInputSchema(t *testing.T) {
	tool := NewTool[greetArgs]("greet", func(ctx context.Context, s sessions.Session, w ToolResponseWriter, r *ToolRequest[greetArgs]) error {
		return w.AppendText("hi " + r.Args().Name)
	}, WithToolDescription("greets"))

	in := tool.Descriptor.InputSchema
	if in.Type != "object" || in.AdditionalProperties {
		t.Fatalf("schema = %+v", in)
	}
	if got := in.Properties["name"]; got.Type != "string" || got.Description != "Who to greet" {
		t.Fatalf("name property = %+v", got)
	}
	if got := in.Properties["loud"]; got.Type != "boolean" {
		t.Fatalf("loud property = %+v", got)
	}
	if len(in.Required) != 1 || in.Required[0] != "name" {
		t.Fatalf("required = %v", in.Required)
	}
	if tool.Descriptor.Description != "greets" {
		t.Fatalf("description = %q", tool.Descriptor.Description)
	}
}

func TestNewToolUnnamedArgumentTypes(t *testing.T) {
	noArgs := NewTool("noargs", func(ctx context.Context, s sessions.Session, w ToolResponseWriter, r *ToolRequest[struct{}]) error {
		return w.AppendText("ok")
	})
	in := noArgs.Descriptor.InputSchema
	if in.Type != "object" || len(in.Properties) != 0 || len(in.Required) != 0 {
		t.Fatalf("schema = %+v", in)
	}

	inline := NewTool("inline", func(ctx context.Context, s sessions.Session, w ToolResponseWriter, r *ToolRequest[struct {
		Query string `json:"query"`
	}]) error {
		return w.AppendText(r.Args().Query)
	})
	in = inline.Descriptor.InputSchema
	if got := in.Properties["query"]; got.Type != "string" {
		t.Fatalf("query property = %+v", got)
	}
	if len(in.Required) != 1 || in.Required[0] != "query" {
		t.Fatalf("required = %v", in.Required)
	}

	res, err := inline.Handler(context.Background(), nil, &mcp.CallToolRequestReceived{
		Name:      "inline",
		Arguments: json.RawMessage(`{"query":"clusters"}`),
	})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if len(res.Content) != 1 || res.Content[0].Text != "clusters" {
		t.Fatalf("content = %+v", res.Content)
	}
}

func TestNewToolDecodesArguments(t *testing.T) {
	tool := NewTool[greetArgs]("greet", func(ctx context.Context, s sessions.Session, w ToolResponseWriter, r *ToolRequest[greetArgs]) error {
		return w.AppendText("hi " + r.Args().Name)
	})
	c := NewToolsContainer(tool)

	res, err := c.Call(context.Background(), nil, &mcp.CallToolRequestReceived{Name: "greet", Arguments: json.RawMessage(`{"name":"bob"}`)})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if res.IsError || len(res.Content) != 1 || res.Content[0].Text != "hi bob" {
		t.Fatalf("result = %+v", res)
	}

	res, err = c.Call(context.Background(), nil, &mcp.CallToolRequestReceived{Name: "greet", Arguments: json.RawMessage(`{"name":"bob","extra":1}`)})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if !res.IsError {
		t.Fatalf("unknown field accepted: %+v", res)
	}
}

func TestLenientToolAcceptsUnknownFields(t *testing.T) {
	tool := NewTool[emptyArgs]("any", func(ctx context.Context, s sessions.Session, w ToolResponseWriter, r *ToolRequest[emptyArgs]) error {
		return w.AppendText("ok")
	}, WithToolAllowAdditionalProperties(true))
	if !tool.Descriptor.InputSchema.AdditionalProperties {
		t.Fatal("schema should allow additional properties")
	}
	res, err := tool.Handler(context.Background(), nil, &mcp.CallToolRequestReceived{Name: "any", Arguments: json.RawMessage(`{"x":1}`)})
	if err != nil || res.IsError {
		t.Fatalf("call = %+v, %v", res, err)
	}
}

func TestToolMetaOnDescriptorOnly(t *testing.T) {
	tool := NewTool[emptyArgs]("echo", func(ctx context.Context, s sessions.Session, w ToolResponseWriter, r *ToolRequest[emptyArgs]) error {
		return w.AppendText("hello")
	}, WithToolMeta(map[string]any{"tag": "descriptor"}))
	c := NewToolsContainer(tool)

	if list := c.Snapshot(); len(list) != 1 || list[0].Meta["tag"] != "descriptor" {
		t.Fatalf("snapshot = %+v", list)
	}
	res, err := c.Call(context.Background(), nil, &mcp.CallToolRequestReceived{Name: "echo"})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if res.Meta != nil {
		b, _ := json.Marshal(res)
		t.Fatalf("descriptor meta leaked into result: %s", b)
	}
}

func TestToolsContainerRejectsDuplicatesAndUnknown(t *testing.T) {
	mk := func(name string) StaticTool {
		return NewTool[emptyArgs](name, func(ctx context.Context, s sessions.Session, w ToolResponseWriter, r *ToolRequest[emptyArgs]) error {
			return nil
		})
	}
	c := NewToolsContainer(mk("a"))
	if c.Add(mk("a")) {
		t.Fatal("duplicate tool added")
	}
	if !c.Add(mk("b")) {
		t.Fatal("new tool rejected")
	}
	if _, err := c.Call(context.Background(), nil, &mcp.CallToolRequestReceived{Name: "zzz"}); !errors.Is(err, ErrToolNotFound) {
		t.Fatalf("unknown tool: %v", err)
	}
}

func TestToolsContainerPagination(t *testing.T) {
	c := NewToolsContainer()
	for _, n := range []string{"a", "b", "c", "d", "e"} {
		c.Add(StaticTool{Descriptor: mcp.Tool{Name: n}})
	}
	c.SetPageSize(2)

	var names []string
	cursor := ""
	for i := 0; i < 10; i++ {
		items, next := c.List(cursor)
		for _, it := range items {
			names = append(names, it.Name)
		}
		if next == "" {
			break
		}
		cursor = next
	}
	if len(names) != 5 || names[0] != "a" || names[4] != "e" {
		t.Fatalf("paged names = %v", names)
	}
	if items, _ := c.List("garbage"); len(items) != 2 || items[0].Name != "a" {
		t.Fatalf("invalid cursor should restart: %+v", items)
	}
}

func TestWriterFinalizes(t *testing.T) {
	w := newToolResponseWriter(context.Background())
	if err := w.AppendText("one"); err != nil {
		t.Fatalf("append: %v", err)
	}
	w.SetError(true)
	w.SetMeta("k", "v")
	res := w.Result()
	if len(res.Content) != 1 || !res.IsError || res.Meta["k"] != "v" {
		t.Fatalf("result = %+v", res)
	}
	if err := w.AppendText("two"); !errors.Is(err, ErrFinalized) {
		t.Fatalf("append after result: %v", err)
	}
}

type countingReporter struct{ calls []float64 }

func (r *countingReporter) Report(_ context.Context, progress, _ float64) error {
	r.calls = append(r.calls, progress)
	return nil
}

func TestWriterFailf(t *testing.T) {
	w := newToolResponseWriter(context.Background())
	if err := w.Failf("Failed to fetch clusters: [%d %s] %s", 403, "Forbidden", "nope"); err != nil {
		t.Fatalf("failf: %v", err)
	}
	res := w.Result()
	if !res.IsError || len(res.Content) != 1 || res.Content[0].Text != "Failed to fetch clusters: [403 Forbidden] nope" {
		t.Fatalf("result = %+v", res)
	}
}

func TestWriterProgressMustIncrease(t *testing.T) {
	rep := &countingReporter{}
	w := newToolResponseWriter(WithProgressReporter(context.Background(), rep))

	if err := w.SendProgress(1, 3); err != nil {
		t.Fatalf("first progress: %v", err)
	}
	if err := w.SendProgress(1, 3); !errors.Is(err, ErrProgressRegressed) {
		t.Fatalf("repeated progress: %v", err)
	}
	if err := w.SendProgress(2, 3); err != nil {
		t.Fatalf("second progress: %v", err)
	}
	if len(rep.calls) != 2 || rep.calls[0] != 1 || rep.calls[1] != 2 {
		t.Fatalf("reported = %v", rep.calls)
	}

	// Without a reporter progress is silently dropped.
	quiet := newToolResponseWriter(context.Background())
	if err := quiet.SendProgress(5, 1); err != nil {
		t.Fatalf("progress without reporter: %v", err)
	}
}
