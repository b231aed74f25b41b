// Copyright 2025 The LlamaFarm Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package tools connects projects to their MCP servers and turns MCP
// tools into definitions the chat clients can call.
//
// Transport support:
//   - stdio: mcp-go client over a subprocess
//   - http, sse: JSON-RPC over pkg/httpclient, with SSE-framed
//     responses handled transparently
package tools

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/llamafarm/llamafarm/pkg/config"
	"github.com/llamafarm/llamafarm/pkg/httpclient"
	"github.com/llamafarm/llamafarm/pkg/logger"
)

const (
	protocolVersion = "2024-11-05"
	clientName      = "llamafarm"
	clientVersion   = "0.1.0"

	// sseResponseTimeout bounds reading one SSE-framed JSON-RPC response.
	sseResponseTimeout = 5 * time.Minute
)

// ErrServerNotConfigured is returned for names absent from the project.
var ErrServerNotConfigured = errors.New("mcp server not configured")

// Tool is one tool a server exposes.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// session is one live connection to an MCP server.
type session struct {
	server config.MCPServer

	stdio    *client.Client     // stdio transport
	http     *httpclient.Client // http and sse: initialize and tools/list
	httpCall *httpclient.Client // http and sse: tools/call, never retried
	sid      string             // streamable-http session id

	mu    sync.Mutex
	tools []Tool // cached until the session closes
	idSeq int
}

// Service owns at most one persistent session per configured server.
type Service struct {
	servers map[string]config.MCPServer

	mu       sync.Mutex
	sessions map[string]*session
}

// NewService builds a service over the project's MCP server configs.
func NewService(servers []config.MCPServer) *Service {
	byName := make(map[string]config.MCPServer, len(servers))
	for _, srv := range servers {
		byName[srv.Name] = srv
	}
	return &Service{
		servers:  byName,
		sessions: make(map[string]*session),
	}
}

// ListServers returns the configured server names, sorted.
func (s *Service) ListServers() []string {
	names := make([]string, 0, len(s.servers))
	for name := range s.servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ListTools lists a server's tools, opening the session if needed. The
// result is cached per server for the session's lifetime.
func (s *Service) ListTools(ctx context.Context, server string) ([]Tool, error) {
	sess, err := s.GetOrCreatePersistentSession(ctx, server)
	if err != nil {
		return nil, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.tools != nil {
		return sess.tools, nil
	}

	tools, err := sess.listTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list tools on %q: %w", server, err)
	}
	sess.tools = tools
	return tools, nil
}

// CallTool invokes a tool on a server's persistent session. Tool-level
// failures come back as the text result with ok=false; transport
// failures are returned as errors.
func (s *Service) CallTool(ctx context.Context, server, tool string, args map[string]any) (string, bool, error) {
	sess, err := s.GetOrCreatePersistentSession(ctx, server)
	if err != nil {
		return "", false, err
	}
	return sess.callTool(ctx, tool, args)
}

// GetOrCreatePersistentSession returns the open session for server,
// initializing one on first use. Initialization failures leave no
// partial state behind.
func (s *Service) GetOrCreatePersistentSession(ctx context.Context, server string) (*session, error) {
	cfg, ok := s.servers[server]
	if !ok {
		return nil, fmt.Errorf("%q: %w", server, ErrServerNotConfigured)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[server]; ok {
		return sess, nil
	}

	sess, err := openSession(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open session to %q: %w", server, err)
	}
	s.sessions[server] = sess
	return sess, nil
}

// ClosePersistentSession closes and forgets the session for server.
func (s *Service) ClosePersistentSession(server string) error {
	s.mu.Lock()
	sess, ok := s.sessions[server]
	delete(s.sessions, server)
	s.mu.Unlock()

	if !ok {
		return nil
	}
	return sess.close()
}

// CloseAll closes every open session.
func (s *Service) CloseAll() {
	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make(map[string]*session)
	s.mu.Unlock()

	log := logger.GetLogger("tools")
	for name, sess := range sessions {
		if err := sess.close(); err != nil {
			log.Warn("failed to close mcp session", "server", name, "error", err)
		}
	}
}

// openSession validates the transport invariants and connects.
func openSession(ctx context.Context, cfg config.MCPServer) (*session, error) {
	switch cfg.Transport {
	case config.TransportStdio:
		if cfg.Command == "" {
			return nil, fmt.Errorf("stdio transport requires command")
		}
		return openStdioSession(ctx, cfg)
	case config.TransportHTTP, config.TransportSSE:
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("%s transport requires base_url", cfg.Transport)
		}
		return openHTTPSession(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

func openStdioSession(ctx context.Context, cfg config.MCPServer) (*session, error) {
	env := make([]string, 0, len(cfg.Env))
	for k, v := range cfg.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	mcpClient, err := client.NewStdioMCPClient(cfg.Command, env, cfg.Args...)
	if err != nil {
		return nil, fmt.Errorf("failed to create mcp client: %w", err)
	}
	if err := mcpClient.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start mcp client: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: clientName, Version: clientVersion}
	initReq.Params.ProtocolVersion = protocolVersion
	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		// Partial init: tear the child down before surfacing the error.
		mcpClient.Close()
		return nil, fmt.Errorf("failed to initialize: %w", err)
	}

	logger.GetLogger("tools").Info("mcp session opened",
		"server", cfg.Name, "transport", "stdio", "command", cfg.Command)
	return &session{server: cfg, stdio: mcpClient}, nil
}

func openHTTPSession(ctx context.Context, cfg config.MCPServer) (*session, error) {
	sess := &session{
		server: cfg,
		http: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
			httpclient.WithMaxRetries(2),
			httpclient.WithBaseDelay(time.Second),
		),
		// Tool calls are not known to be idempotent.
		httpCall: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 5 * time.Minute}),
			httpclient.WithRetryStrategy(httpclient.NoRetryStrategy),
		),
	}

	resp, err := sess.rpc(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"clientInfo":      map[string]any{"name": clientName, "version": clientVersion},
		"capabilities":    map[string]any{},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize: %w", err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("initialize error: %s", resp.Error.Message)
	}

	logger.GetLogger("tools").Info("mcp session opened",
		"server", cfg.Name, "transport", cfg.Transport, "base_url", cfg.BaseURL)
	return sess, nil
}

func (s *session) close() error {
	if s.stdio != nil {
		return s.stdio.Close()
	}
	return nil
}

func (s *session) listTools(ctx context.Context) ([]Tool, error) {
	if s.stdio != nil {
		resp, err := s.stdio.ListTools(ctx, mcp.ListToolsRequest{})
		if err != nil {
			return nil, err
		}
		tools := make([]Tool, 0, len(resp.Tools))
		for _, t := range resp.Tools {
			tools = append(tools, Tool{
				Name:        t.Name,
				Description: t.Description,
				InputSchema: schemaToMap(t.InputSchema),
			})
		}
		return tools, nil
	}

	resp, err := s.rpc(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("tools/list error: %s", resp.Error.Message)
	}

	resultMap, ok := resp.Result.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("unexpected tools/list result shape")
	}
	rawTools, ok := resultMap["tools"].([]any)
	if !ok {
		return nil, fmt.Errorf("tools/list result missing tools")
	}

	tools := make([]Tool, 0, len(rawTools))
	for _, raw := range rawTools {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		tool := Tool{}
		tool.Name, _ = m["name"].(string)
		tool.Description, _ = m["description"].(string)
		tool.InputSchema, _ = m["inputSchema"].(map[string]any)
		if tool.Name != "" {
			tools = append(tools, tool)
		}
	}
	return tools, nil
}

// callTool returns (text, ok, err): ok=false marks a tool-level error
// whose text still belongs in the conversation.
func (s *session) callTool(ctx context.Context, name string, args map[string]any) (string, bool, error) {
	if s.stdio != nil {
		req := mcp.CallToolRequest{}
		req.Params.Name = name
		req.Params.Arguments = args

		resp, err := s.stdio.CallTool(ctx, req)
		if err != nil {
			return "", false, fmt.Errorf("call failed: %w", err)
		}

		var texts []string
		for _, content := range resp.Content {
			if tc, ok := content.(mcp.TextContent); ok {
				texts = append(texts, tc.Text)
			}
		}
		text := strings.Join(texts, "\n")
		if resp.IsError {
			if text == "" {
				text = "unknown tool error"
			}
			return text, false, nil
		}
		return text, true, nil
	}

	resp, err := s.rpc(ctx, "tools/call", map[string]any{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return "", false, fmt.Errorf("call failed: %w", err)
	}
	if resp.Error != nil {
		return resp.Error.Message, false, nil
	}

	resultMap, ok := resp.Result.(map[string]any)
	if !ok {
		raw, _ := json.Marshal(resp.Result)
		return string(raw), true, nil
	}

	var texts []string
	if content, ok := resultMap["content"].([]any); ok {
		for _, c := range content {
			if cm, ok := c.(map[string]any); ok && cm["type"] == "text" {
				if text, ok := cm["text"].(string); ok {
					texts = append(texts, text)
				}
			}
		}
	}
	text := strings.Join(texts, "\n")
	if isError, _ := resultMap["isError"].(bool); isError {
		if text == "" {
			text = "unknown tool error"
		}
		return text, false, nil
	}
	return text, true, nil
}

type jsonRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Result  any           `json:"result,omitempty"`
	Error   *jsonRPCError `json:"error,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// rpc sends one JSON-RPC request to the server, handling both plain
// JSON and SSE-framed responses.
func (s *session) rpc(ctx context.Context, method string, params any) (*jsonRPCResponse, error) {
	s.mu.Lock()
	s.idSeq++
	id := s.idSeq
	sid := s.sid
	s.mu.Unlock()

	body, err := json.Marshal(jsonRPCRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.server.BaseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range s.server.Headers {
		req.Header.Set(k, v)
	}
	if sid != "" {
		req.Header.Set("mcp-session-id", sid)
	}

	hc := s.http
	if method == "tools/call" {
		hc = s.httpCall
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if newSID := resp.Header.Get("mcp-session-id"); newSID != "" {
		s.mu.Lock()
		s.sid = newSID
		s.mu.Unlock()
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, string(msg))
	}

	if strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		return readSSEResponse(resp.Body)
	}

	var decoded jsonRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &decoded, nil
}

// readSSEResponse extracts the first complete JSON-RPC message from an
// SSE stream.
func readSSEResponse(body io.Reader) (*jsonRPCResponse, error) {
	type result struct {
		resp *jsonRPCResponse
		err  error
	}
	ch := make(chan result, 1)

	go func() {
		reader := bufio.NewReader(body)
		var data strings.Builder

		flush := func() *jsonRPCResponse {
			if data.Len() == 0 {
				return nil
			}
			var resp jsonRPCResponse
			if err := json.Unmarshal([]byte(data.String()), &resp); err == nil {
				return &resp
			}
			data.Reset()
			return nil
		}

		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if resp := flush(); resp != nil {
					ch <- result{resp: resp}
					return
				}
				ch <- result{err: fmt.Errorf("sse stream ended without a complete message")}
				return
			}
			line = strings.TrimSpace(line)
			if line == "" {
				if resp := flush(); resp != nil {
					ch <- result{resp: resp}
					return
				}
				continue
			}
			if strings.HasPrefix(line, "data:") {
				data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
			}
		}
	}()

	select {
	case res := <-ch:
		return res.resp, res.err
	case <-time.After(sseResponseTimeout):
		return nil, fmt.Errorf("timed out reading sse response after %v", sseResponseTimeout)
	}
}

func schemaToMap(schema mcp.ToolInputSchema) map[string]any {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}
