// Package mcpserver exposes the session engine over the Model Context
// Protocol, so MCP-speaking assistants can browse sessions and drive
// conversations through the same manager the CLI uses.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/nvake/sesh/internal/backend"
	"github.com/nvake/sesh/internal/session"
)

// Sessions is the slice of the manager the MCP layer needs.
type Sessions interface {
	List(ctx context.Context, limit int) ([]*session.Session, error)
	History(ctx context.Context, id string, limit int) ([]session.Message, error)
	Create(ctx context.Context, name string) (*session.Session, error)
	Send(ctx context.Context, id, query string, opts *backend.QueryOptions) (*session.Message, error)
}

// NewServer creates an MCP server with all session tools and resources
// registered.
func NewServer(sessions Sessions) *server.MCPServer {
	s := server.NewMCPServer(
		"sesh",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("sesh — client-side state for chat sessions on a remote backend: list, inspect, create, and query conversations."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("list_sessions",
			mcp.WithDescription("List known chat sessions, most recently active first."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of sessions to return (default 20)")),
		),
		mcpListSessions(sessions),
	)

	s.AddTool(
		mcp.NewTool("session_history",
			mcp.WithDescription("Return the message history of one session."),
			mcp.WithString("session_id", mcp.Description("Session to read"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of messages, newest kept (default 50)")),
		),
		mcpSessionHistory(sessions),
	)

	s.AddTool(
		mcp.NewTool("create_session",
			mcp.WithDescription("Create a new chat session on the backend."),
			mcp.WithString("name", mcp.Description("Optional session name")),
		),
		mcpCreateSession(sessions),
	)

	s.AddTool(
		mcp.NewTool("send_query",
			mcp.WithDescription("Send a query within a session and return the assistant's reply."),
			mcp.WithString("session_id", mcp.Description("Session to query"), mcp.Required()),
			mcp.WithString("query", mcp.Description("The question or instruction"), mcp.Required()),
			mcp.WithString("model", mcp.Description("Optional model override")),
		),
		mcpSendQuery(sessions),
	)

	s.AddResource(
		mcp.NewResource(
			"sesh://sessions/recent",
			"Recent Sessions",
			mcp.WithResourceDescription("The 10 most recently active sessions as JSON summaries"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(sessions),
	)

	return s
}

type sessionSummary struct {
	SessionID    string `json:"session_id"`
	Name         string `json:"name"`
	Status       string `json:"status"`
	MessageCount int    `json:"message_count"`
	UpdatedAt    string `json:"updated_at"`
}

func summarize(list []*session.Session) []sessionSummary {
	out := make([]sessionSummary, len(list))
	for i, sess := range list {
		out[i] = sessionSummary{
			SessionID:    sess.ID,
			Name:         sess.Name,
			Status:       string(sess.Status),
			MessageCount: sess.MessageCount,
			UpdatedAt:    sess.UpdatedAt.Format(time.RFC3339),
		}
	}
	return out
}

func mcpListSessions(sessions Sessions) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}
		if limit > 100 {
			limit = 100
		}

		list, err := sessions.List(ctx, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("listing sessions failed: %v", err)), nil
		}
		if len(list) == 0 {
			return mcpText("[]"), nil
		}

		b, err := json.Marshal(summarize(list))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal sessions: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpSessionHistory(sessions Sessions) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("session_id")
		if err != nil {
			return mcpError("session_id is required"), nil
		}
		limit := req.GetInt("limit", 50)
		if limit <= 0 {
			limit = 50
		}

		history, err := sessions.History(ctx, id, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("loading history failed: %v", err)), nil
		}
		if len(history) == 0 {
			return mcpText("[]"), nil
		}

		type messageView struct {
			ID        string `json:"id"`
			Role      string `json:"role"`
			Content   string `json:"content"`
			Timestamp string `json:"timestamp"`
		}
		views := make([]messageView, len(history))
		for i, m := range history {
			views[i] = messageView{
				ID:        m.ID,
				Role:      string(m.Role),
				Content:   m.Content,
				Timestamp: m.Timestamp.Format(time.RFC3339),
			}
		}

		b, err := json.Marshal(views)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal history: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpCreateSession(sessions Sessions) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name := req.GetString("name", "")

		sess, err := sessions.Create(ctx, name)
		if err != nil {
			return mcpError(fmt.Sprintf("creating session failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Created session %s (%s)", sess.ID, sess.Name)), nil
	}
}

func mcpSendQuery(sessions Sessions) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("session_id")
		if err != nil {
			return mcpError("session_id is required"), nil
		}
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		var opts *backend.QueryOptions
		if model := req.GetString("model", ""); model != "" {
			opts = &backend.QueryOptions{Model: model}
		}

		reply, err := sessions.Send(ctx, id, query, opts)
		if err != nil {
			return mcpError(fmt.Sprintf("query failed: %v", err)), nil
		}
		return mcpText(reply.Content), nil
	}
}

func mcpResourceRecent(sessions Sessions) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		list, err := sessions.List(ctx, 10)
		if err != nil {
			return nil, fmt.Errorf("listing sessions: %w", err)
		}

		summaries := summarize(list)
		for i := range summaries {
			if utf8.RuneCountInString(summaries[i].Name) > 80 {
				runes := []rune(summaries[i].Name)
				summaries[i].Name = string(runes[:80]) + "..."
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("marshaling sessions: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
