package framepatch

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/framepatch/internal/kit"
	"github.com/hazyhaar/framepatch/store"
)

// RegisterMCP registers the framepatch tools on an MCP server.
func (s *Supervisor) RegisterMCP(srv *mcp.Server) {
	s.registerListFeaturesTool(srv)
	s.registerRestartFeatureTool(srv)
	s.registerStopFeatureTool(srv)
	s.registerFrameMarkdownTool(srv)
	s.registerRecentEventsTool(srv)
}

type featureRequest struct {
	Name string `json:"name"`
}

var featureNameSchema = kit.InputSchema(map[string]any{
	"name": map[string]any{"type": "string", "description": "Feature name"},
}, []string{"name"})

func (s *Supervisor) registerListFeaturesTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "framepatch_list_features",
		Description: "List loaded page features with their observer counters and recently patched documents.",
		InputSchema: kit.InputSchema(map[string]any{}, nil),
	}
	endpoint := func(context.Context, any) (any, error) {
		return s.Features(), nil
	}
	kit.RegisterMCPTool(srv, tool, endpoint, kit.DecodeJSON[struct{}]())
}

func (s *Supervisor) registerRestartFeatureTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "framepatch_restart_feature",
		Description: "Restart one feature's frame observer and re-apply its rules.",
		InputSchema: featureNameSchema,
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*featureRequest)
		if err := s.RestartFeature(ctx, r.Name); err != nil {
			return nil, err
		}
		return s.Feature(r.Name)
	}
	kit.RegisterMCPTool(srv, tool, endpoint, kit.DecodeJSON[featureRequest]())
}

func (s *Supervisor) registerStopFeatureTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "framepatch_stop_feature",
		Description: "Stop one feature until it is restarted or its definition changes.",
		InputSchema: featureNameSchema,
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*featureRequest)
		if err := s.StopFeature(ctx, r.Name); err != nil {
			return nil, err
		}
		return s.Feature(r.Name)
	}
	kit.RegisterMCPTool(srv, tool, endpoint, kit.DecodeJSON[featureRequest]())
}

type frameRequest struct {
	Frame string `json:"frame,omitempty"`
}

func (s *Supervisor) registerFrameMarkdownTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "framepatch_frame_markdown",
		Description: "Render a frame's current document as Markdown (tables kept). Defaults to the main observed frame.",
		InputSchema: kit.InputSchema(map[string]any{
			"frame": map[string]any{"type": "string", "description": "Frame name or id"},
		}, nil),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		return s.FrameMarkdown(ctx, req.(*frameRequest).Frame)
	}
	kit.RegisterMCPTool(srv, tool, endpoint, kit.DecodeJSON[frameRequest]())
}

type eventsRequest struct {
	Feature    string `json:"feature,omitempty"`
	FailedOnly bool   `json:"failed_only,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

func (s *Supervisor) registerRecentEventsTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "framepatch_recent_events",
		Description: "Recent patch applications and click sequence runs, newest first.",
		InputSchema: kit.InputSchema(map[string]any{
			"feature":     map[string]any{"type": "string", "description": "Only this feature"},
			"failed_only": map[string]any{"type": "boolean", "description": "Only failures"},
			"limit":       map[string]any{"type": "integer", "description": "Max rows (default 50)"},
		}, nil),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*eventsRequest)
		rows, err := s.RecentEvents(ctx, store.EventFilter{Feature: r.Feature, FailedOnly: r.FailedOnly, Limit: r.Limit})
		if err != nil {
			return nil, err
		}
		if rows == nil {
			rows = []store.EventRow{}
		}
		return rows, nil
	}
	kit.RegisterMCPTool(srv, tool, endpoint, kit.DecodeJSON[eventsRequest]())
}
