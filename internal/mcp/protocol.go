package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// ProtocolVersion is the MCP revision this server speaks.
const ProtocolVersion = "2024-11-05"

// JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// RPCRequest is a JSON-RPC 2.0 request.
type RPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// RPCResponse is a JSON-RPC 2.0 response.
type RPCResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id,omitempty"`
	Result  any       `json:"result,omitempty"`
	Error   *RPCError `json:"error,omitempty"`
}

// Resource is a readable server resource.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
	Reader      func(ctx context.Context) (string, error) `json:"-"`
}

// Prompt is a reusable prompt template.
type Prompt struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
	Render      func(args map[string]string) (string, error) `json:"-"`
}

// PromptArgument describes one prompt template argument.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// ServerInfo identifies this server in the initialize handshake.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Server dispatches MCP methods over JSON-RPC 2.0.
type Server struct {
	info      ServerInfo
	registry  *Registry
	mu        sync.RWMutex
	resources map[string]*Resource
	prompts   map[string]*Prompt
}

// NewServer wraps a tool registry in an MCP server.
func NewServer(info ServerInfo, registry *Registry) *Server {
	return &Server{
		info:      info,
		registry:  registry,
		resources: make(map[string]*Resource),
		prompts:   make(map[string]*Prompt),
	}
}

// AddResource registers a readable resource.
func (s *Server) AddResource(r *Resource) {
	s.mu.Lock()
	s.resources[r.URI] = r
	s.mu.Unlock()
}

// AddPrompt registers a prompt template.
func (s *Server) AddPrompt(p *Prompt) {
	s.mu.Lock()
	s.prompts[p.Name] = p
	s.mu.Unlock()
}

// HandleRaw decodes one JSON-RPC message and returns the encoded response.
// Notifications (no id) return nil.
func (s *Server) HandleRaw(ctx context.Context, raw []byte) []byte {
	var req RPCRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return encode(errorResponse(nil, CodeParseError, "parse error", err.Error()))
	}
	resp := s.Handle(ctx, &req)
	if resp == nil {
		return nil
	}
	return encode(resp)
}

// Handle dispatches a decoded request.
func (s *Server) Handle(ctx context.Context, req *RPCRequest) *RPCResponse {
	if req.JSONRPC != "2.0" || req.Method == "" {
		return errorResponse(req.ID, CodeInvalidRequest, "invalid request", nil)
	}

	var (
		result any
		rpcErr *RPCError
	)
	switch req.Method {
	case "initialize":
		result = s.handleInitialize()
	case "ping":
		result = map[string]any{}
	case "tools/list":
		result = s.handleToolsList()
	case "tools/call":
		result, rpcErr = s.handleToolsCall(ctx, req.Params)
	case "resources/list":
		result = s.handleResourcesList()
	case "resources/read":
		result, rpcErr = s.handleResourcesRead(ctx, req.Params)
	case "prompts/list":
		result = s.handlePromptsList()
	case "prompts/get":
		result, rpcErr = s.handlePromptsGet(req.Params)
	default:
		rpcErr = &RPCError{Code: CodeMethodNotFound, Message: fmt.Sprintf("method %q not found", req.Method)}
	}

	if req.ID == nil {
		// Notification: no response even on error.
		if rpcErr != nil {
			log.Debug().Str("method", req.Method).Int("code", rpcErr.Code).Msg("notification error dropped")
		}
		return nil
	}
	if rpcErr != nil {
		return &RPCResponse{JSONRPC: "2.0", ID: req.ID, Error: rpcErr}
	}
	return &RPCResponse{JSONRPC: "2.0", ID: req.ID, Result: result}
}

func (s *Server) handleInitialize() map[string]any {
	return map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities": map[string]any{
			"tools":     map[string]any{"listChanged": false},
			"resources": map[string]any{"subscribe": false},
			"prompts":   map[string]any{},
		},
		"serverInfo": s.info,
	}
}

func (s *Server) handleToolsList() map[string]any {
	tools := s.registry.List("", "")
	items := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		items = append(items, map[string]any{
			"name":        t.Name,
			"description": t.Description,
			"inputSchema": t.InputSchema(),
		})
	}
	return map[string]any{"tools": items}
}

func (s *Server) handleToolsCall(ctx context.Context, params json.RawMessage) (any, *RPCError) {
	var call struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal(params, &call); err != nil {
		return nil, &RPCError{Code: CodeInvalidParams, Message: "invalid params", Data: err.Error()}
	}
	res, err := s.registry.Execute(ctx, call.Name, call.Arguments)
	if err != nil {
		switch {
		case errors.Is(err, ErrToolNotFound):
			return nil, &RPCError{Code: CodeMethodNotFound, Message: err.Error()}
		case errors.Is(err, ErrInvalidParams):
			return nil, &RPCError{Code: CodeInvalidParams, Message: err.Error()}
		default:
			return nil, &RPCError{Code: CodeInternalError, Message: err.Error()}
		}
	}

	var text string
	if res.Success {
		raw, merr := json.Marshal(res.Data)
		if merr != nil {
			return nil, &RPCError{Code: CodeInternalError, Message: merr.Error()}
		}
		text = string(raw)
	} else {
		text = res.Error
	}
	return map[string]any{
		"content": []map[string]any{{"type": "text", "text": text}},
		"isError": !res.Success,
	}, nil
}

func (s *Server) handleResourcesList() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]*Resource, 0, len(s.resources))
	for _, r := range s.resources {
		items = append(items, r)
	}
	return map[string]any{"resources": items}
}

func (s *Server) handleResourcesRead(ctx context.Context, params json.RawMessage) (any, *RPCError) {
	var p struct {
		URI string `json:"uri"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: CodeInvalidParams, Message: "invalid params", Data: err.Error()}
	}
	s.mu.RLock()
	res, ok := s.resources[p.URI]
	s.mu.RUnlock()
	if !ok {
		return nil, &RPCError{Code: CodeInvalidParams, Message: fmt.Sprintf("unknown resource %q", p.URI)}
	}
	text, err := res.Reader(ctx)
	if err != nil {
		return nil, &RPCError{Code: CodeInternalError, Message: err.Error()}
	}
	mime := res.MimeType
	if mime == "" {
		mime = "text/plain"
	}
	return map[string]any{
		"contents": []map[string]any{{"uri": p.URI, "mimeType": mime, "text": text}},
	}, nil
}

func (s *Server) handlePromptsList() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]*Prompt, 0, len(s.prompts))
	for _, p := range s.prompts {
		items = append(items, p)
	}
	return map[string]any{"prompts": items}
}

func (s *Server) handlePromptsGet(params json.RawMessage) (any, *RPCError) {
	var p struct {
		Name      string            `json:"name"`
		Arguments map[string]string `json:"arguments"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: CodeInvalidParams, Message: "invalid params", Data: err.Error()}
	}
	s.mu.RLock()
	prompt, ok := s.prompts[p.Name]
	s.mu.RUnlock()
	if !ok {
		return nil, &RPCError{Code: CodeInvalidParams, Message: fmt.Sprintf("unknown prompt %q", p.Name)}
	}
	text, err := prompt.Render(p.Arguments)
	if err != nil {
		return nil, &RPCError{Code: CodeInternalError, Message: err.Error()}
	}
	return map[string]any{
		"description": prompt.Description,
		"messages": []map[string]any{
			{"role": "user", "content": map[string]any{"type": "text", "text": text}},
		},
	}, nil
}

func errorResponse(id any, code int, msg string, data any) *RPCResponse {
	return &RPCResponse{JSONRPC: "2.0", ID: id, Error: &RPCError{Code: code, Message: msg, Data: data}}
}

func encode(resp *RPCResponse) []byte {
	raw, err := json.Marshal(resp)
	if err != nil {
		fallback := RPCResponse{JSONRPC: "2.0", ID: resp.ID, Error: &RPCError{Code: CodeInternalError, Message: "encode failure"}}
		raw, _ = json.Marshal(fallback)
	}
	return raw
}
