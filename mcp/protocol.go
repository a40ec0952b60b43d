// Package mcp implements the authenticated JSON-RPC dispatcher that
// exposes the financial tools to protocol clients.
package mcp

import (
	"encoding/json"
)

// protocolVersion pins the protocol revision this server speaks.
const protocolVersion = "2025-06-18"

const (
	serverName    = "monarch-mcp-oauth"
	serverVersion = "1.0.0"
)

// JSON-RPC 2.0 error codes used by the dispatcher.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
)

// rpcMethod is the closed set of methods the dispatcher accepts.
// Anything outside this set is answered with method-not-found before
// any further processing.
type rpcMethod string

const (
	methodInitialize  rpcMethod = "initialize"
	methodInitialized rpcMethod = "notifications/initialized"
	methodPing        rpcMethod = "ping"
	methodToolsList   rpcMethod = "tools/list"
	methodToolsCall   rpcMethod = "tools/call"
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func resultResponse(id, result any) rpcResponse {
	return rpcResponse{JSONRPC: "2.0", ID: id, Result: result}
}

func errorResponse(id any, code int, message string) rpcResponse {
	return rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: message}}
}

type initializeResult struct {
	ProtocolVersion string       `json:"protocolVersion"`
	Capabilities    capabilities `json:"capabilities"`
	ServerInfo      serverInfo   `json:"serverInfo"`
}

type capabilities struct {
	Tools toolsCapability `json:"tools"`
}

type toolsCapability struct {
	ListChanged bool `json:"listChanged"`
}

type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type toolsListResult struct {
	Tools []Tool `json:"tools"`
}

// callResult is the tools/call result envelope.
type callResult struct {
	Content []contentItem `json:"content"`
}

type contentItem struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func textContent(text string) callResult {
	return callResult{Content: []contentItem{{Type: "text", Text: text}}}
}
