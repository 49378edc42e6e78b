// Package mcp implements the tool registry and the Model Context Protocol
// server surface (JSON-RPC 2.0) that exposes registered tools to agents.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/xeipuuv/gojsonschema"
)

// Errors returned by registry operations.
var (
	ErrToolNotFound   = errors.New("tool not found")
	ErrToolExists     = errors.New("tool already registered")
	ErrInvalidParams  = errors.New("invalid params")
	ErrToolDeprecated = errors.New("tool deprecated")
)

// Handler executes a tool call.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Param describes one tool input parameter.
type Param struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Required    bool     `json:"required"`
	Default     any      `json:"default,omitempty"`
	Enum        []any    `json:"enum,omitempty"`
	Items       string   `json:"items,omitempty"` // element type for arrays
}

// Tool is a registered capability.
type Tool struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Category    string   `json:"category,omitempty"`
	Permission  string   `json:"permission,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Version     string   `json:"version,omitempty"`
	Deprecated  bool     `json:"deprecated,omitempty"`
	Params      []Param  `json:"params,omitempty"`

	handler Handler
	schema  *gojsonschema.Schema
}

// InputSchema renders the tool's parameters as a JSON Schema object.
func (t *Tool) InputSchema() map[string]any {
	props := make(map[string]any, len(t.Params))
	var required []string
	for _, p := range t.Params {
		prop := map[string]any{"type": p.Type}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if p.Default != nil {
			prop["default"] = p.Default
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		if p.Type == "array" && p.Items != "" {
			prop["items"] = map[string]any{"type": p.Items}
		}
		props[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		sort.Strings(required)
		schema["required"] = required
	}
	return schema
}

// ToolResult is the uniform execution envelope.
type ToolResult struct {
	Success         bool    `json:"success"`
	Data            any     `json:"data,omitempty"`
	Error           string  `json:"error,omitempty"`
	ExecutionTimeMS float64 `json:"execution_time_ms"`
}

// UsageStats tracks per-tool call counters.
type UsageStats struct {
	Calls       int64     `json:"calls"`
	Failures    int64     `json:"failures"`
	TotalTimeMS float64   `json:"total_time_ms"`
	LastCalled  time.Time `json:"last_called"`
}

// Registry holds tools by name.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
	usage map[string]*UsageStats
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]*Tool),
		usage: make(map[string]*UsageStats),
	}
}

// Register adds a fully-formed tool. Its schema is compiled once here.
func (r *Registry) Register(t *Tool) error {
	if t.Name == "" {
		return fmt.Errorf("tool name required")
	}
	if t.handler == nil {
		return fmt.Errorf("tool %q has no handler", t.Name)
	}
	raw, err := json.Marshal(t.InputSchema())
	if err != nil {
		return fmt.Errorf("schema for %q: %w", t.Name, err)
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fmt.Errorf("compile schema for %q: %w", t.Name, err)
	}
	t.schema = schema

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("%w: %s", ErrToolExists, t.Name)
	}
	r.tools[t.Name] = t
	r.usage[t.Name] = &UsageStats{}
	return nil
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; !ok {
		return false
	}
	delete(r.tools, name)
	delete(r.usage, name)
	return true
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns all tools, name-sorted. Category and tag narrow the result
// when non-empty.
func (r *Registry) List(category, tag string) []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tool, 0, len(r.tools))
	for _, t := range r.tools {
		if category != "" && t.Category != category {
			continue
		}
		if tag != "" && !contains(t.Tags, tag) {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Search matches name and description substrings, case-insensitive.
func (r *Registry) Search(query string) []*Tool {
	q := strings.ToLower(query)
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Tool
	for _, t := range r.tools {
		if strings.Contains(strings.ToLower(t.Name), q) ||
			strings.Contains(strings.ToLower(t.Description), q) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Validate checks args against the tool's schema and applies defaults for
// absent optional parameters. The returned map is a copy.
func (r *Registry) Validate(name string, args map[string]any) (map[string]any, error) {
	t, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	if args == nil {
		args = map[string]any{}
	}
	merged := make(map[string]any, len(args))
	for k, v := range args {
		merged[k] = v
	}
	for _, p := range t.Params {
		if _, present := merged[p.Name]; !present && p.Default != nil {
			merged[p.Name] = p.Default
		}
	}
	result, err := t.schema.Validate(gojsonschema.NewGoLoader(merged))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if !result.Valid() {
		var parts []string
		for _, e := range result.Errors() {
			parts = append(parts, e.String())
		}
		return nil, fmt.Errorf("%w: %s", ErrInvalidParams, strings.Join(parts, "; "))
	}
	return merged, nil
}

// Execute validates then runs the tool, recording usage. Handler errors and
// panics become a failed ToolResult, never a Go error.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	t, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	merged, err := r.Validate(name, args)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	data, runErr := func() (out any, rerr error) {
		defer func() {
			if rec := recover(); rec != nil {
				rerr = fmt.Errorf("tool panicked: %v", rec)
			}
		}()
		return t.handler(ctx, merged)
	}()
	elapsed := float64(time.Since(start).Microseconds()) / 1000.0

	r.mu.Lock()
	if s := r.usage[name]; s != nil {
		s.Calls++
		s.TotalTimeMS += elapsed
		s.LastCalled = time.Now().UTC()
		if runErr != nil {
			s.Failures++
		}
	}
	r.mu.Unlock()

	res := &ToolResult{ExecutionTimeMS: elapsed}
	if runErr != nil {
		res.Error = runErr.Error()
		return res, nil
	}
	res.Success = true
	res.Data = data
	return res, nil
}

// Usage returns a copy of the tool's usage counters.
func (r *Registry) Usage(name string) (UsageStats, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.usage[name]
	if !ok {
		return UsageStats{}, false
	}
	return *s, true
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
