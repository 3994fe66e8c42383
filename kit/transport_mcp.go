package kit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// RegisterMCPTool serves endpoint as an MCP tool. decode turns the call
// arguments into the endpoint's request; the response is returned as JSON
// text. Decode and endpoint errors become tool errors, not protocol errors.
func RegisterMCPTool(srv *mcp.Server, tool *mcp.Tool, endpoint Endpoint, decode func(*mcp.CallToolRequest) (any, error)) {
	srv.AddTool(tool, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var res mcp.CallToolResult
		r, err := decode(req)
		if err != nil {
			res.SetError(fmt.Errorf("invalid arguments: %w", err))
			return &res, nil
		}

		resp, err := endpoint(WithTransport(ctx, "mcp"), r)
		if err != nil {
			res.SetError(err)
			return &res, nil
		}

		data, err := json.Marshal(resp)
		if err != nil {
			res.SetError(fmt.Errorf("marshal: %w", err))
			return &res, nil
		}
		res.Content = []mcp.Content{&mcp.TextContent{Text: string(data)}}
		return &res, nil
	})
}

// DecodeArgs unmarshals tool arguments into a fresh T. Empty arguments
// give the zero value.
func DecodeArgs[T any](req *mcp.CallToolRequest) (any, error) {
	var v T
	if len(req.Params.Arguments) > 0 {
		if err := json.Unmarshal(req.Params.Arguments, &v); err != nil {
			return nil, err
		}
	}
	return &v, nil
}
