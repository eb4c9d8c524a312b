package tools

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"cortex/internal/types"
)

// Output caps. Tool results feed back into the LLM thread, so they are
// bounded rather than streamed.
const (
	maxReadBytes     = 64 * 1024
	maxSearchMatches = 50
	maxListEntries   = 200
)

// builtin serves the workspace tools: list_directory, read_file, search,
// write_file. Every path argument is resolved under root; escapes are
// rejected.
type builtin struct {
	root string
}

func newBuiltin(root string) *builtin {
	if root == "" {
		root = "."
	}
	return &builtin{root: root}
}

func (b *builtin) Discover(ctx context.Context) (map[string]types.ToolDefinition, error) {
	pathProp := map[string]any{"type": "string", "description": "Path relative to the workspace root"}
	return map[string]types.ToolDefinition{
		"list_directory": {
			Name:        "list_directory",
			Description: "List the entries of a workspace directory",
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"path": pathProp},
			},
		},
		"read_file": {
			Name:        "read_file",
			Description: "Read a file from the workspace",
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"path": pathProp},
				"required":   []any{"path"},
			},
		},
		"search": {
			Name:        "search",
			Description: "Search workspace files for a pattern (regular expression)",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"pattern": map[string]any{"type": "string", "description": "Regular expression to search for"},
					"path":    pathProp,
				},
				"required": []any{"pattern"},
			},
		},
		"write_file": {
			Name:        "write_file",
			Description: "Write content to a workspace file, creating parent directories",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path":    pathProp,
					"content": map[string]any{"type": "string"},
				},
				"required": []any{"path", "content"},
			},
		},
	}, nil
}

func (b *builtin) Invoke(ctx context.Context, name string, args map[string]any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	switch name {
	case "list_directory":
		return b.listDirectory(stringArg(args, "path"))
	case "read_file":
		return b.readFile(stringArg(args, "path"))
	case "search":
		return b.search(ctx, stringArg(args, "pattern"), stringArg(args, "path"))
	case "write_file":
		return b.writeFile(stringArg(args, "path"), stringArg(args, "content"))
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
}

// resolve joins rel under the root and rejects traversal outside it.
func (b *builtin) resolve(rel string) (string, error) {
	abs, err := filepath.Abs(filepath.Join(b.root, rel))
	if err != nil {
		return "", err
	}
	rootAbs, err := filepath.Abs(b.root)
	if err != nil {
		return "", err
	}
	if abs != rootAbs && !strings.HasPrefix(abs, rootAbs+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the workspace", rel)
	}
	return abs, nil
}

func (b *builtin) listDirectory(rel string) (string, error) {
	dir, err := b.resolve(rel)
	if err != nil {
		return "", err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for i, e := range entries {
		if i >= maxListEntries {
			fmt.Fprintf(&sb, "... %d more entries\n", len(entries)-i)
			break
		}
		if e.IsDir() {
			fmt.Fprintf(&sb, "%s/\n", e.Name())
		} else {
			fmt.Fprintf(&sb, "%s\n", e.Name())
		}
	}
	if sb.Len() == 0 {
		return "(empty directory)", nil
	}
	return sb.String(), nil
}

func (b *builtin) readFile(rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("read_file: path is required")
	}
	path, err := b.resolve(rel)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	if len(data) > maxReadBytes {
		return string(data[:maxReadBytes]) + fmt.Sprintf("\n... truncated at %d bytes", maxReadBytes), nil
	}
	return string(data), nil
}

func (b *builtin) search(ctx context.Context, pattern, rel string) (string, error) {
	if pattern == "" {
		return "", fmt.Errorf("search: pattern is required")
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return "", fmt.Errorf("search: bad pattern: %w", err)
	}
	start, err := b.resolve(rel)
	if err != nil {
		return "", err
	}

	type match struct {
		path string
		line int
		text string
	}
	var matches []match

	err = filepath.WalkDir(start, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if name := d.Name(); name == ".git" || name == "node_modules" {
				return filepath.SkipDir
			}
			return nil
		}
		if len(matches) >= maxSearchMatches {
			return filepath.SkipAll
		}
		data, err := os.ReadFile(path)
		if err != nil || !isText(data) {
			return nil
		}
		relPath, _ := filepath.Rel(start, path)
		for i, line := range strings.Split(string(data), "\n") {
			if re.MatchString(line) {
				matches = append(matches, match{relPath, i + 1, strings.TrimSpace(line)})
				if len(matches) >= maxSearchMatches {
					break
				}
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	if len(matches) == 0 {
		return "no matches", nil
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].path != matches[j].path {
			return matches[i].path < matches[j].path
		}
		return matches[i].line < matches[j].line
	})

	var sb strings.Builder
	for _, m := range matches {
		fmt.Fprintf(&sb, "%s:%d: %s\n", m.path, m.line, m.text)
	}
	if len(matches) == maxSearchMatches {
		sb.WriteString("... match limit reached\n")
	}
	return sb.String(), nil
}

func (b *builtin) writeFile(rel, content string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("write_file: path is required")
	}
	path, err := b.resolve(rel)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", err
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(content), rel), nil
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

// isText rejects files with NUL bytes in the first block.
func isText(data []byte) bool {
	probe := data
	if len(probe) > 1024 {
		probe = probe[:1024]
	}
	for _, b := range probe {
		if b == 0 {
			return false
		}
	}
	return true
}
