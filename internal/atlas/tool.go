package atlas

import (
	"context"
	"encoding/json"

	"github.com/ggoodman/mcp-resource-server/auth"
	"github.com/ggoodman/mcp-resource-server/mcpservice"
	"github.com/ggoodman/mcp-resource-server/sessions"
)

// ListClustersToolName is the name the tool is advertised under.
const ListClustersToolName = "list-clusters"

type listClustersArgs struct{}

// ListClustersTool returns the list-clusters tool backed by c.
func ListClustersTool(c *Client) mcpservice.StaticTool {
	return mcpservice.NewTool[listClustersArgs](ListClustersToolName, func(ctx context.Context, _ sessions.Session, w mcpservice.ToolResponseWriter, _ *mcpservice.ToolRequest[listClustersArgs]) error {
		tok, _ := auth.AccessTokenFromContext(ctx)

		// Progress is best effort; a session without a live stream still gets
		// the result.
		_ = w.SendProgress(0, 1)
		doc, err := c.ListClusters(ctx, tok)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return w.Failf("Failed to fetch clusters: %s", err)
		}
		_ = w.SendProgress(1, 1)

		b, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return err
		}
		return w.AppendText(string(b))
	}, mcpservice.WithToolDescription("List the MongoDB Atlas clusters visible to the caller."),
		mcpservice.WithToolAllowAdditionalProperties(true))
}
