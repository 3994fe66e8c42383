// CLAUDE:SUMMARY Registers formsafe MCP tools: ping, restore, clear, status per page, the saved pages listing and restore history.
package formkeeper

import (
	"context"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/formsafe/formkeeper/internal/journal"
	"github.com/hazyhaar/formsafe/formkeeper/internal/store"
	"github.com/hazyhaar/formsafe/kit"
)

// RegisterMCP registers formsafe tools on an MCP server.
func (s *Service) RegisterMCP(srv *mcp.Server) {
	s.registerMessageTool(srv, "formsafe_ping", MsgPing,
		"Check that a kept page is live and return its page key.")
	s.registerMessageTool(srv, "formsafe_restore", MsgRestore,
		"Restore the saved form fields of a page into the live document. Returns once every field is placed or the attempt times out.")
	s.registerMessageTool(srv, "formsafe_clear", MsgClear,
		"Delete the saved form fields of a page and drop unsaved edits.")
	s.registerMessageTool(srv, "formsafe_status", MsgStatus,
		"Report saved and pending fields of a page, and saved fields that no longer resolve directly.")
	s.registerPagesTool(srv)
	s.registerHistoryTool(srv)
}

// inputSchema builds a JSON Schema object with type "object".
func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

type pageRequest struct {
	PageID string `json:"page_id"`
}

func decodePageRequest(req *mcp.CallToolRequest) (any, error) {
	r, err := kit.DecodeArgs[pageRequest](req)
	if err != nil {
		return nil, err
	}
	if r.(*pageRequest).PageID == "" {
		return nil, errors.New("page_id is required")
	}
	return r, nil
}

func (s *Service) registerMessageTool(srv *mcp.Server, name string, typ MessageType, desc string) {
	tool := &mcp.Tool{
		Name:        name,
		Description: desc,
		InputSchema: inputSchema(map[string]any{
			"page_id": map[string]any{"type": "string", "description": "ID of a configured page"},
		}, []string{"page_id"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*pageRequest)
		return s.Handle(ctx, r.PageID, Message{Type: typ})
	}

	kit.RegisterMCPTool(srv, tool, s.logged(name, endpoint), decodePageRequest)
}

type pagesResponse struct {
	Kept  []PageInfo      `json:"kept"`
	Saved []store.Summary `json:"saved"`
}

func (s *Service) registerPagesTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "formsafe_pages",
		Description: "List kept pages and the page records held in the store.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(ctx context.Context, _ any) (any, error) {
		saved, err := s.Saved(ctx)
		if err != nil {
			return nil, fmt.Errorf("formkeeper: list saved pages: %w", err)
		}
		return pagesResponse{Kept: s.Pages(), Saved: saved}, nil
	}

	kit.RegisterMCPTool(srv, tool, s.logged("formsafe_pages", endpoint), kit.DecodeArgs[struct{}])
}

type historyRequest struct {
	PageID string `json:"page_id"`
	Limit  int    `json:"limit"`
}

type historyResponse struct {
	Entries []journal.Entry `json:"entries"`
}

func (s *Service) registerHistoryTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "formsafe_history",
		Description: "List recent restore attempts, newest first. Omit page_id for every page.",
		InputSchema: inputSchema(map[string]any{
			"page_id": map[string]any{"type": "string", "description": "ID of a configured page"},
			"limit":   map[string]any{"type": "integer", "description": "Max entries (default 50)"},
		}, nil),
	}

	kit.RegisterMCPTool(srv, tool, s.logged("formsafe_history", s.historyEndpoint), kit.DecodeArgs[historyRequest])
}

func (s *Service) historyEndpoint(ctx context.Context, req any) (any, error) {
	r := req.(*historyRequest)
	entries, err := s.History(ctx, r.PageID, r.Limit)
	if err != nil {
		return nil, fmt.Errorf("formkeeper: history: %w", err)
	}
	return historyResponse{Entries: entries}, nil
}

// logged logs each call of an endpoint with its transport and trace ID.
func (s *Service) logged(name string, ep kit.Endpoint) kit.Endpoint {
	return kit.Chain(func(next kit.Endpoint) kit.Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			resp, err := next(ctx, req)
			log := s.logger.With("op", name, "transport", kit.GetTransport(ctx))
			if id := kit.GetTraceID(ctx); id != "" {
				log = log.With("trace_id", id)
			}
			if err != nil {
				log.Warn("formkeeper: call failed", "error", err)
			} else {
				log.Debug("formkeeper: call")
			}
			return resp, err
		}
	})(ep)
}
