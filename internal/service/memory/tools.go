package memory

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/lorenzorasmussen/mcp-ecosystem/internal/session"
)

const (
	ToolAddMemories      = "add_memories"
	ToolGetAllMemories   = "get_all_memories"
	ToolSearchMemories   = "search_memories"
	ToolDeleteMemories   = "delete_memories"
	ToolBatchAddMemories = "batch_add_memories"
	ToolGetMemoryStats   = "get_memory_stats"
)

type addArgs struct {
	Text string `json:"text"`
	Tags string `json:"tags"`
}

type searchArgs struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
	Tags  string `json:"tags"`
}

type deleteArgs struct {
	Query     string `json:"query"`
	Tags      string `json:"tags"`
	DeleteAll bool   `json:"delete_all"`
}

type batchArgs struct {
	Memories json.RawMessage `json:"memories"`
}

// batchText accepts the array either JSON-encoded in a string, as the tool
// schema documents, or inline.
func (a batchArgs) batchText() string {
	var s string
	if json.Unmarshal(a.Memories, &s) == nil {
		return s
	}
	return string(a.Memories)
}

// Register publishes the memory tools on s.
func (s *Service) Register(srv *server.MCPServer) {
	srv.AddTool(mcp.NewTool(ToolAddMemories,
		mcp.WithDescription("Add a new memory with optional comma-separated tags. Store every relevant piece of information "+
			"that could be useful in future conversations, with complete context and clear descriptions. "+
			"The memory is indexed for semantic search."),
		mcp.WithString("text", mcp.Required(), mcp.Description("The content to store in memory")),
		mcp.WithString("tags", mcp.Description("Optional comma-separated tags for categorization")),
	), s.handle(ToolAddMemories, func(ctx context.Context, raw json.RawMessage) (string, error) {
		var a addArgs
		if err := decodeArgs(raw, &a); err != nil {
			return "", err
		}
		return s.AddMemory(ctx, a.Text, a.Tags)
	}))

	srv.AddTool(mcp.NewTool(ToolGetAllMemories,
		mcp.WithDescription("Retrieve all stored memories for the user. Use this when the complete stored context is needed."),
	), s.handle(ToolGetAllMemories, func(ctx context.Context, _ json.RawMessage) (string, error) {
		return s.GetAllMemories(ctx)
	}))

	srv.AddTool(mcp.NewTool(ToolSearchMemories,
		mcp.WithDescription("Search stored memories with a natural language query, optionally filtered by tags. "+
			"Call this for every user query so existing knowledge is used before answering."),
		mcp.WithString("query", mcp.Required(), mcp.Description("What you are looking for, in plain language")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of results"), mcp.DefaultNumber(DefaultSearchLimit)),
		mcp.WithString("tags", mcp.Description("Optional comma-separated tags; a memory matches if it has any of them")),
	), s.handle(ToolSearchMemories, func(ctx context.Context, raw json.RawMessage) (string, error) {
		var a searchArgs
		if err := decodeArgs(raw, &a); err != nil {
			return "", err
		}
		return s.SearchMemories(ctx, a.Query, a.Limit, a.Tags)
	}))

	srv.AddTool(mcp.NewTool(ToolDeleteMemories,
		mcp.WithDescription("Delete memories. Set delete_all to remove every memory of the user; query or tags report what would match."),
		mcp.WithString("query", mcp.Description("Optional search query selecting memories")),
		mcp.WithString("tags", mcp.Description("Optional comma-separated tags selecting memories")),
		mcp.WithBoolean("delete_all", mcp.Description("Delete all memories of the user"), mcp.DefaultBool(false)),
	), s.handle(ToolDeleteMemories, func(ctx context.Context, raw json.RawMessage) (string, error) {
		var a deleteArgs
		if err := decodeArgs(raw, &a); err != nil {
			return "", err
		}
		return s.DeleteMemories(ctx, a.Query, a.Tags, a.DeleteAll)
	}))

	srv.AddTool(mcp.NewTool(ToolBatchAddMemories,
		mcp.WithDescription(fmt.Sprintf("Add up to %d memories at once. Each is added independently and the result "+
			"reports success or failure per item.", BatchSizeLimit)),
		mcp.WithString("memories", mcp.Required(), mcp.Description(`JSON array of memory strings, e.g. ["memory 1", "memory 2"]`)),
	), s.handle(ToolBatchAddMemories, func(ctx context.Context, raw json.RawMessage) (string, error) {
		var a batchArgs
		if err := decodeArgs(raw, &a); err != nil {
			return "", err
		}
		return s.BatchAddMemories(ctx, a.batchText())
	}))

	srv.AddTool(mcp.NewTool(ToolGetMemoryStats,
		mcp.WithDescription("Get statistics about stored memories: total count, keyword categories and tag usage."),
	), s.handle(ToolGetMemoryStats, func(ctx context.Context, _ json.RawMessage) (string, error) {
		return s.GetMemoryStats(ctx)
	}))
}

type toolFunc func(ctx context.Context, raw json.RawMessage) (string, error)

// handle adapts fn to mcp-go. Every failure, bad arguments included, comes
// back as "Error: ..." text; the handler itself never returns an error.
func (s *Service) handle(name string, fn toolFunc) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id := session.FromContext(ctx)
		ctx, end := s.telemetry.StartTool(ctx, name, id.UserID)

		out, err := s.call(ctx, fn, req)
		end(err)

		if err != nil {
			s.logger.Warn("tool failed", "tool", name, "user_id", id.UserID, "error", err)
		}
		return mcp.NewToolResultText(Render(out, err)), nil
	}
}

func (s *Service) call(ctx context.Context, fn toolFunc, req mcp.CallToolRequest) (string, error) {
	raw, err := json.Marshal(req.Params.Arguments)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return fn(ctx, raw)
}

func decodeArgs(raw json.RawMessage, dst any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}
