package mcp

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	apperrors "github.com/Aman-CERP/hybridrank/internal/errors"
	"github.com/Aman-CERP/hybridrank/internal/search"
	"github.com/Aman-CERP/hybridrank/pkg/version"
)

// ServerName is reported to MCP clients during initialization.
const ServerName = "hybridrank"

// Engine is the part of the search engine the server needs.
type Engine interface {
	Search(ctx context.Context, query string, opts search.SearchOptions) (*search.SearchResponse, error)
	SearchChunks(ctx context.Context, query string, opts search.SearchOptions) (*search.ChunkResponse, error)
	Stats(ctx context.Context) (*search.EngineStats, error)
}

// Server bridges MCP clients with a hybridrank collection.
type Server struct {
	mcp      *mcp.Server
	engine   Engine
	rootPath string
	defaults search.SearchOptions
	logger   *slog.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the logger.
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithDefaultOptions sets the options applied to every query before the
// per-call mode and limit.
func WithDefaultOptions(opts search.SearchOptions) ServerOption {
	return func(s *Server) { s.defaults = opts }
}

// NewServer creates an MCP server over engine. rootPath is reported by
// index_status.
func NewServer(engine Engine, rootPath string, opts ...ServerOption) (*Server, error) {
	if engine == nil {
		return nil, errors.New("search engine is required")
	}

	s := &Server{
		engine:   engine,
		rootPath: rootPath,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.mcp = mcp.NewServer(
		&mcp.Implementation{
			Name:    ServerName,
			Version: version.Version,
		},
		nil,
	)
	s.registerTools()
	return s, nil
}

// MCPServer returns the underlying MCP server instance.
func (s *Server) MCPServer() *mcp.Server {
	return s.mcp
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "search",
		Description: "Ranks the documents of the collection against a natural language or keyword query. Combines BM25 and embedding similarity. Returns each document with its best matching excerpt.",
	}, s.mcpSearchHandler)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "search_chunks",
		Description: "Returns the individual passages that best match a query, without grouping them by document. Use when you need the exact text to quote.",
	}, s.mcpSearchChunksHandler)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "index_status",
		Description: "Reports how many files, chunks and vectors the collection holds and which embedding model built it.",
	}, s.mcpIndexStatusHandler)

	s.logger.Debug("mcp_tools_registered", slog.Int("count", 3))
}

// queryOptions validates input and merges it over the server defaults.
func (s *Server) queryOptions(input SearchInput) (search.SearchOptions, error) {
	if strings.TrimSpace(input.Query) == "" {
		return search.SearchOptions{}, NewInvalidParamsError("query parameter is required and cannot be whitespace only")
	}
	if input.Limit < 0 {
		return search.SearchOptions{}, NewInvalidParamsError("limit must not be negative")
	}

	opts := s.defaults
	if input.Limit > 0 {
		opts.Limit = input.Limit
	}
	if input.Mode != "" {
		mode, err := search.ParseSearchMode(input.Mode)
		if err != nil {
			return search.SearchOptions{}, NewInvalidParamsError(err.Error())
		}
		opts.Mode = mode
	}
	return opts, nil
}

func (s *Server) mcpSearchHandler(ctx context.Context, _ *mcp.CallToolRequest, input SearchInput) (
	*mcp.CallToolResult,
	SearchOutput,
	error,
) {
	opts, err := s.queryOptions(input)
	if err != nil {
		return nil, SearchOutput{}, err
	}

	start := time.Now()
	requestID := generateRequestID()
	resp, err := s.engine.Search(ctx, input.Query, opts)
	if err != nil {
		s.logger.Error("mcp_search_failed", append([]any{
			slog.String("request_id", requestID),
			slog.Duration("duration", time.Since(start)),
		}, apperrors.LogAttrs(err)...)...)
		return nil, SearchOutput{}, MapError(err)
	}

	out := toSearchOutput(resp)
	s.logger.Info("mcp_search_completed",
		slog.String("request_id", requestID),
		slog.Duration("duration", time.Since(start)),
		slog.Int("result_count", len(out.Results)),
		slog.Bool("degraded", resp.Degraded.Any()))

	result := &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: formatSearchResults(input.Query, out)}},
	}
	return result, out, nil
}

func (s *Server) mcpSearchChunksHandler(ctx context.Context, _ *mcp.CallToolRequest, input SearchInput) (
	*mcp.CallToolResult,
	ChunkSearchOutput,
	error,
) {
	opts, err := s.queryOptions(input)
	if err != nil {
		return nil, ChunkSearchOutput{}, err
	}

	start := time.Now()
	resp, err := s.engine.SearchChunks(ctx, input.Query, opts)
	if err != nil {
		s.logger.Error("mcp_search_chunks_failed",
			append([]any{slog.Duration("duration", time.Since(start))}, apperrors.LogAttrs(err)...)...)
		return nil, ChunkSearchOutput{}, MapError(err)
	}

	out := toChunkOutput(resp)
	s.logger.Info("mcp_search_chunks_completed",
		slog.Duration("duration", time.Since(start)),
		slog.Int("result_count", len(out.Chunks)))
	return nil, out, nil
}

func (s *Server) mcpIndexStatusHandler(ctx context.Context, _ *mcp.CallToolRequest, _ IndexStatusInput) (
	*mcp.CallToolResult,
	IndexStatusOutput,
	error,
) {
	stats, err := s.engine.Stats(ctx)
	if err != nil {
		return nil, IndexStatusOutput{}, MapError(err)
	}
	return nil, IndexStatusOutput{
		RootPath:       s.rootPath,
		Files:          stats.Files,
		Chunks:         stats.Chunks,
		Vectors:        stats.Vectors,
		Dimensions:     stats.Dimensions,
		Model:          stats.Model,
		TotalDocuments: stats.Lexical.TotalDocuments,
		AvgDocLength:   stats.Lexical.AverageDocumentLength,
		LexicalVersion: stats.Lexical.Version,
		Ready:          stats.Files > 0,
	}, nil
}

// Serve runs the server over stdio until ctx is canceled or the client
// disconnects.
func (s *Server) Serve(ctx context.Context) error {
	return s.Run(ctx, &mcp.StdioTransport{})
}

// Run serves a single session over transport.
func (s *Server) Run(ctx context.Context, transport mcp.Transport) error {
	s.logger.Info("mcp_server_starting", slog.String("root", s.rootPath))
	err := s.mcp.Run(ctx, transport)
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("mcp_server_stopped", slog.String("error", err.Error()))
		return err
	}
	s.logger.Info("mcp_server_stopped")
	return nil
}

func generateRequestID() string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "unknown"
	}
	return hex.EncodeToString(b)
}
