package mcp

import "context"

// ToolBuilder assembles a Tool fluently. Terminal call is Register or Build.
type ToolBuilder struct {
	tool Tool
}

// NewTool starts a builder.
func NewTool(name, description string) *ToolBuilder {
	return &ToolBuilder{tool: Tool{Name: name, Description: description, Version: "1.0.0"}}
}

// Category sets the tool category.
func (b *ToolBuilder) Category(c string) *ToolBuilder {
	b.tool.Category = c
	return b
}

// Permission sets the required permission level.
func (b *ToolBuilder) Permission(p string) *ToolBuilder {
	b.tool.Permission = p
	return b
}

// Tags appends tags.
func (b *ToolBuilder) Tags(tags ...string) *ToolBuilder {
	b.tool.Tags = append(b.tool.Tags, tags...)
	return b
}

// Version overrides the default "1.0.0".
func (b *ToolBuilder) Version(v string) *ToolBuilder {
	b.tool.Version = v
	return b
}

// Deprecated marks the tool deprecated. Deprecated tools still execute but
// are flagged in listings.
func (b *ToolBuilder) Deprecated() *ToolBuilder {
	b.tool.Deprecated = true
	return b
}

// Param adds a parameter.
func (b *ToolBuilder) Param(p Param) *ToolBuilder {
	b.tool.Params = append(b.tool.Params, p)
	return b
}

// StringParam adds a required or optional string parameter.
func (b *ToolBuilder) StringParam(name, description string, required bool) *ToolBuilder {
	return b.Param(Param{Name: name, Type: "string", Description: description, Required: required})
}

// NumberParam adds a number parameter with an optional default.
func (b *ToolBuilder) NumberParam(name, description string, required bool, def any) *ToolBuilder {
	return b.Param(Param{Name: name, Type: "number", Description: description, Required: required, Default: def})
}

// BoolParam adds a boolean parameter.
func (b *ToolBuilder) BoolParam(name, description string, def bool) *ToolBuilder {
	return b.Param(Param{Name: name, Type: "boolean", Description: description, Default: def})
}

// EnumParam adds a string parameter restricted to the given values.
func (b *ToolBuilder) EnumParam(name, description string, required bool, values ...any) *ToolBuilder {
	return b.Param(Param{Name: name, Type: "string", Description: description, Required: required, Enum: values})
}

// ObjectParam adds a free-form object parameter.
func (b *ToolBuilder) ObjectParam(name, description string, required bool) *ToolBuilder {
	return b.Param(Param{Name: name, Type: "object", Description: description, Required: required})
}

// Handler sets the execution function.
func (b *ToolBuilder) Handler(h Handler) *ToolBuilder {
	b.tool.handler = h
	return b
}

// HandlerFunc is sugar for inline handlers.
func (b *ToolBuilder) HandlerFunc(fn func(ctx context.Context, args map[string]any) (any, error)) *ToolBuilder {
	return b.Handler(Handler(fn))
}

// Build returns the assembled tool.
func (b *ToolBuilder) Build() *Tool {
	t := b.tool
	return &t
}

// Register builds and registers the tool in one step.
func (b *ToolBuilder) Register(r *Registry) error {
	return r.Register(b.Build())
}
