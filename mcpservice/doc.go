// Package mcpservice answers MCP protocol methods for a session: the
// initialize handshake, ping, tools/list and tools/call.
//
// Tools are declared with typed arguments. The input schema is reflected
// from the argument struct and arguments are decoded before the handler
// runs:
//
//	type EchoArgs struct {
//	    Message string `json:"message" jsonschema:"description=Text to echo"`
//	}
//
//	tools := mcpservice.NewToolsContainer(
//	    mcpservice.NewTool[EchoArgs]("echo", func(ctx context.Context, s sessions.Session, w mcpservice.ToolResponseWriter, r *mcpservice.ToolRequest[EchoArgs]) error {
//	        return w.AppendText("you said: " + r.Args().Message)
//	    }, mcpservice.WithToolDescription("Echo a message back to the caller")),
//	)
//
//	srv := mcpservice.NewServer(
//	    mcpservice.WithServerInfo(mcp.ImplementationInfo{Name: "example", Version: "1.0.0"}),
//	    mcpservice.WithToolsCapability(tools),
//	)
//
// A tool call whose request carries _meta.progressToken gets a
// ProgressReporter in its context; ToolResponseWriter.SendProgress publishes
// notifications/progress on the session's push stream.
package mcpservice
