// Package tools provides the tool surface executions draw from: builtin
// workspace tools plus tools discovered from MCP servers, filtered through the
// configured allow list.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"cortex/internal/config"
	"cortex/internal/logging"
	"cortex/internal/types"
)

// ErrUnknownTool reports an invocation of a tool that was never discovered
// or is not allowed.
var ErrUnknownTool = errors.New("unknown tool")

// source is one provider of tools: the builtin set or an MCP server.
type source interface {
	Discover(ctx context.Context) (map[string]types.ToolDefinition, error)
	Invoke(ctx context.Context, name string, args map[string]any) (string, error)
}

// =============================================================================
// REGISTRY
// =============================================================================

// Registry merges tool sources behind the ToolInvoker contract. Discovery
// caches the catalog and the name-to-source routing table; Invoke refuses
// anything outside the discovered, allowed set.
type Registry struct {
	sources []source
	allowed map[string]bool // nil means everything discovered is allowed

	mu      sync.Mutex
	catalog map[string]types.ToolDefinition
	routes  map[string]source
}

// NewRegistry builds a registry from configuration: the builtin workspace
// tools plus one MCP source per configured server URL.
func NewRegistry(cfg config.ToolsConfig) *Registry {
	sources := []source{newBuiltin(cfg.WorkspaceRoot)}
	for _, url := range cfg.MCPServers {
		sources = append(sources, newMCPServer(url))
	}

	var allowed map[string]bool
	if len(cfg.Allowed) > 0 {
		allowed = make(map[string]bool, len(cfg.Allowed))
		for _, name := range cfg.Allowed {
			allowed[name] = true
		}
	}

	return &Registry{sources: sources, allowed: allowed}
}

// Discover queries every source and returns the merged, filtered catalog.
// The first source to define a name wins; later duplicates are dropped with
// a warning. A failing MCP server costs its tools, not the whole catalog.
func (r *Registry) Discover(ctx context.Context) (map[string]types.ToolDefinition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	catalog := make(map[string]types.ToolDefinition)
	routes := make(map[string]source)

	for _, src := range r.sources {
		defs, err := src.Discover(ctx)
		if err != nil {
			logging.Tools("source discovery failed, skipping: %v", err)
			continue
		}
		for name, def := range defs {
			if r.allowed != nil && !r.allowed[name] {
				continue
			}
			if _, dup := catalog[name]; dup {
				logging.Tools("duplicate tool %q from a later source, keeping first", name)
				continue
			}
			catalog[name] = def
			routes[name] = src
		}
	}

	r.catalog = catalog
	r.routes = routes
	logging.Tools("discovered %d tools", len(catalog))
	return catalog, nil
}

// Invoke routes a call to the source that owns the tool.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) (string, error) {
	r.mu.Lock()
	src, ok := r.routes[name]
	r.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	logging.ToolsDebug("invoking %s with %v", name, args)
	result, err := src.Invoke(ctx, name, args)
	if err != nil {
		return "", fmt.Errorf("invoke %s: %w", name, err)
	}
	return result, nil
}

// Definitions returns the cached definitions for the named tools, skipping
// names that were never discovered. Plans request tools by name; this is how
// the composer and executor turn those names into schemas.
func (r *Registry) Definitions(names ...string) []types.ToolDefinition {
	r.mu.Lock()
	defer r.mu.Unlock()

	defs := make([]types.ToolDefinition, 0, len(names))
	for _, name := range names {
		if def, ok := r.catalog[name]; ok {
			defs = append(defs, def)
		}
	}
	return defs
}

var _ types.ToolInvoker = (*Registry)(nil)
