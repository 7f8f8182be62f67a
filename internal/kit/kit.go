// Package kit holds the transport-neutral pieces shared by the HTTP and MCP
// admin surfaces: request-scoped context values and the endpoint adapter.
package kit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type contextKey string

const (
	TraceIDKey   contextKey = "kit_trace_id"
	TransportKey contextKey = "kit_transport" // "http", "mcp"
)

func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, TraceIDKey, id)
}

func GetTraceID(ctx context.Context) string {
	v, _ := ctx.Value(TraceIDKey).(string)
	return v
}

func WithTransport(ctx context.Context, t string) context.Context {
	return context.WithValue(ctx, TransportKey, t)
}

func GetTransport(ctx context.Context) string {
	if v, ok := ctx.Value(TransportKey).(string); ok {
		return v
	}
	return "http"
}

// Endpoint is an operation callable from any transport.
type Endpoint func(ctx context.Context, req any) (any, error)

// Decode turns raw tool arguments into the endpoint's request value.
type Decode func(args json.RawMessage) (any, error)

// DecodeJSON returns a Decode that unmarshals into a fresh *T. Empty
// arguments decode to the zero value.
func DecodeJSON[T any]() Decode {
	return func(args json.RawMessage) (any, error) {
		var v T
		if len(args) == 0 {
			return &v, nil
		}
		if err := json.Unmarshal(args, &v); err != nil {
			return nil, err
		}
		return &v, nil
	}
}

// RegisterMCPTool exposes endpoint as an MCP tool. Decode and endpoint
// errors become tool errors; the result is returned as JSON text.
func RegisterMCPTool(srv *mcp.Server, tool *mcp.Tool, endpoint Endpoint, decode Decode) {
	srv.AddTool(tool, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		in, err := decode(req.Params.Arguments)
		if err != nil {
			var res mcp.CallToolResult
			res.SetError(fmt.Errorf("invalid arguments: %w", err))
			return &res, nil
		}

		out, err := endpoint(WithTransport(ctx, "mcp"), in)
		if err != nil {
			var res mcp.CallToolResult
			res.SetError(errors.New(err.Error()))
			return &res, nil
		}

		if s, ok := out.(string); ok {
			return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: s}}}, nil
		}
		data, err := json.Marshal(out)
		if err != nil {
			var res mcp.CallToolResult
			res.SetError(fmt.Errorf("marshal: %w", err))
			return &res, nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
		}, nil
	})
}

// InputSchema builds a JSON Schema object with type "object".
func InputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}
