package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"cortex/internal/logging"
	"cortex/internal/types"
)

// mcpServer adapts one MCP server (streamable HTTP transport) to the source
// contract. The connection is established lazily on first discovery.
type mcpServer struct {
	url string

	mu        sync.Mutex
	client    *client.Client
	connected bool
}

func newMCPServer(url string) *mcpServer {
	return &mcpServer{url: url}
}

func (s *mcpServer) connect(ctx context.Context) error {
	if s.connected {
		return nil
	}

	c, err := client.NewStreamableHttpClient(s.url)
	if err != nil {
		return fmt.Errorf("create MCP client for %s: %w", s.url, err)
	}
	if err := c.Start(ctx); err != nil {
		return fmt.Errorf("start MCP client for %s: %w", s.url, err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "cortex", Version: "0.1.0"}
	initReq.Params.ProtocolVersion = "2024-11-05"
	if _, err := c.Initialize(ctx, initReq); err != nil {
		c.Close()
		return fmt.Errorf("initialize MCP server %s: %w", s.url, err)
	}

	s.client = c
	s.connected = true
	logging.Tools("connected to MCP server %s", s.url)
	return nil
}

func (s *mcpServer) Discover(ctx context.Context) (map[string]types.ToolDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.connect(ctx); err != nil {
		return nil, err
	}

	resp, err := s.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("list tools on %s: %w", s.url, err)
	}

	defs := make(map[string]types.ToolDefinition, len(resp.Tools))
	for _, t := range resp.Tools {
		defs[t.Name] = types.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schemaToMap(t.InputSchema),
		}
	}
	return defs, nil
}

func (s *mcpServer) Invoke(ctx context.Context, name string, args map[string]any) (string, error) {
	s.mu.Lock()
	c := s.client
	s.mu.Unlock()
	if c == nil {
		return "", fmt.Errorf("MCP server %s not connected", s.url)
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	resp, err := c.CallTool(ctx, req)
	if err != nil {
		return "", fmt.Errorf("MCP call %s on %s: %w", name, s.url, err)
	}

	var texts []string
	for _, content := range resp.Content {
		if tc, ok := content.(mcp.TextContent); ok {
			texts = append(texts, tc.Text)
		}
	}
	joined := strings.Join(texts, "\n")
	if resp.IsError {
		if joined == "" {
			joined = "unknown error"
		}
		return "", fmt.Errorf("MCP tool %s failed: %s", name, joined)
	}
	return joined, nil
}

// Close shuts down the server connection.
func (s *mcpServer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	s.connected = false
	return err
}

// schemaToMap round-trips the typed MCP schema through JSON into the plain
// map the provider adapters expect.
func schemaToMap(schema mcp.ToolInputSchema) map[string]any {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}
