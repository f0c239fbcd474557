package bridge

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	jsonx "antigravity/internal/shared/json"
)

// ToolFunc turns a query into an observation string.
type ToolFunc func(ctx context.Context, query string) (string, error)

// ToolSet is the closed registry of tools the dispatcher recognizes. Names
// are matched case-insensitively.
type ToolSet struct {
	handlers map[string]ToolFunc
}

// NewToolSet builds an empty registry.
func NewToolSet() *ToolSet {
	return &ToolSet{handlers: map[string]ToolFunc{}}
}

// Register adds a tool handler.
func (t *ToolSet) Register(name string, fn ToolFunc) {
	t.handlers[strings.ToLower(name)] = fn
}

// Names returns the registered tool names, sorted.
func (t *ToolSet) Names() []string {
	names := make([]string, 0, len(t.handlers))
	for name := range t.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run dispatches a tool by name. Unknown names return an observation listing
// the available tools rather than an error; the dispatcher feeds it back to
// the model.
func (t *ToolSet) Run(ctx context.Context, name, query string) string {
	fn, ok := t.handlers[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return fmt.Sprintf("Unknown tool %q. Available tools: %s", name, strings.Join(t.Names(), ", "))
	}
	observation, err := fn(ctx, query)
	if err != nil {
		return fmt.Sprintf("Tool %s failed: %v", name, err)
	}
	return observation
}

// normalizeQuery tolerates both a JSON-encoded string and an already-decoded
// object in the tool directive's query field.
func normalizeQuery(query any) string {
	switch q := query.(type) {
	case nil:
		return ""
	case string:
		return q
	default:
		data, err := jsonx.Marshal(q)
		if err != nil {
			return fmt.Sprintf("%v", q)
		}
		return string(data)
	}
}

// queryField extracts a named field from a query that may be JSON or free
// text. Free text is returned as-is for the fallback field.
func queryField(query, field, fallback string) string {
	var decoded map[string]any
	if err := jsonx.Unmarshal([]byte(query), &decoded); err == nil {
		if val, ok := decoded[field].(string); ok {
			return val
		}
		if fallback != "" {
			if val, ok := decoded[fallback].(string); ok {
				return val
			}
		}
		return ""
	}
	if field == fallback || fallback == "" {
		return strings.TrimSpace(query)
	}
	return ""
}

// ListFilesTool returns a tree listing rooted at the query path, defaulting
// to appRoot. Depth is bounded to keep observations model-sized.
func ListFilesTool(appRoot string) ToolFunc {
	return func(_ context.Context, query string) (string, error) {
		root := queryField(query, "path", "path")
		if root == "" {
			root = appRoot
		}
		if !filepath.IsAbs(root) {
			root = filepath.Join(appRoot, root)
		}
		tree, err := renderTree(root, 3, 200)
		if err != nil {
			return "", err
		}
		return tree, nil
	}
}

func renderTree(root string, maxDepth, maxEntries int) (string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return filepath.Base(root), nil
	}

	var b strings.Builder
	b.WriteString(filepath.Base(root) + "/\n")
	count := 0
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if path == root {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		name := d.Name()
		if strings.HasPrefix(name, ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		depth := strings.Count(rel, string(filepath.Separator)) + 1
		if depth > maxDepth {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		count++
		if count > maxEntries {
			return filepath.SkipAll
		}
		indent := strings.Repeat("  ", depth)
		if d.IsDir() {
			b.WriteString(indent + name + "/\n")
		} else {
			b.WriteString(indent + name + "\n")
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if count > maxEntries {
		b.WriteString("  ... (truncated)\n")
	}
	return b.String(), nil
}

// WriteFileTool writes text to a path. Relative paths are anchored under the
// deliverables directory; parent directories are created.
func WriteFileTool(deliverablesDir string) ToolFunc {
	return func(_ context.Context, query string) (string, error) {
		path := queryField(query, "path", "")
		content := queryField(query, "content", "")
		if path == "" {
			return "", fmt.Errorf("write_file requires a path")
		}
		if !filepath.IsAbs(path) {
			path = filepath.Join(deliverablesDir, path)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return "", err
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			return "", err
		}
		return fmt.Sprintf("Wrote %d bytes to %s", len(content), path), nil
	}
}

// ModifyCodeTool replaces the first occurrence of a search string in a file.
// A missing search string is an error, not a silent no-op.
func ModifyCodeTool(appRoot string) ToolFunc {
	return func(_ context.Context, query string) (string, error) {
		path := queryField(query, "path", "")
		search := queryField(query, "search", "")
		replace := queryField(query, "replace", "")
		if path == "" || search == "" {
			return "", fmt.Errorf("modify_code requires path and search")
		}
		if !filepath.IsAbs(path) {
			path = filepath.Join(appRoot, path)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		content := string(data)
		if !strings.Contains(content, search) {
			return "", fmt.Errorf("search text not found in %s", path)
		}
		content = strings.Replace(content, search, replace, 1)
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			return "", err
		}
		return fmt.Sprintf("Modified %s (replaced first occurrence)", path), nil
	}
}

// CollaboratorTool proxies a tool to its remote specialist endpoint through
// the delegation path. The capability itself lives outside this process.
func (b *Bridge) CollaboratorTool(role string) ToolFunc {
	return func(ctx context.Context, query string) (string, error) {
		endpoint, err := b.registry.Resolve(role)
		if err != nil {
			return fmt.Sprintf("Capability %s is offline (no registered endpoint)", role), nil
		}
		return b.postDelegation(ctx, endpoint, query)
	}
}

// DefaultTools wires the closed production tool set.
func (b *Bridge) DefaultTools() *ToolSet {
	tools := NewToolSet()
	tools.Register("list_files", ListFilesTool(b.appRoot))
	tools.Register("write_file", WriteFileTool(b.deliverablesDir))
	tools.Register("modify_code", ModifyCodeTool(b.appRoot))
	tools.Register("market_search", b.CollaboratorTool("market_search"))
	tools.Register("vector_memory", b.CollaboratorTool("vector_memory"))
	tools.Register("google_workspace", b.CollaboratorTool("google_workspace"))
	tools.Register("financial_model", b.CollaboratorTool("financial_model"))
	tools.Register("produce_document", b.CollaboratorTool("produce_document"))
	return tools
}
