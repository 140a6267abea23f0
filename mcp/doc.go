// Package mcp contains the Model Context Protocol data types exchanged by the
// server: the initialize handshake, tool listing and invocation, and the
// progress and cancellation notifications. The types mirror the JSON wire
// representation and carry no transport logic.
//
// Method and notification names are enumerated as Method constants (e.g.
// ToolsListMethod).
//
// Example (tool result construction):
//
//	res := &mcp.CallToolResult{
//	    Content: []mcp.ContentBlock{{Type: mcp.ContentTypeText, Text: "hello"}},
//	}
//
// # Compatibility
//
// LatestProtocolVersion is offered to clients that request a version the
// server does not implement; IsSupportedProtocolVersion reports whether a
// requested version can be echoed back unchanged.
package mcp
