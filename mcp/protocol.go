package mcp

import (
	"encoding/json"
	"fmt"

	"github.com/viable-systems/vsm-mcp-sub004/core"
)

// Protocol constants. The version string is part of the wire contract and
// must match what tool servers expect in the initialize request.
const (
	ProtocolVersion = "2024-11-05"

	methodInitialize = "initialize"
	methodToolsList  = "tools/list"
	methodToolsCall  = "tools/call"
	methodShutdown   = "shutdown"
)

// rpcRequest is one outbound JSON-RPC 2.0 message. A request without an ID
// is a notification and gets no response.
type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      *int64      `json:"id,omitempty"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// rpcMessage is one inbound line, which may be a response (ID set, Result
// or Error set) or a notification from the server (Method set, no ID).
type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC error object returned by a tool server. The code
// and payload are passed through to callers untouched.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.Code, e.Message)
}

// initializeParams is the fixed handshake payload sent to every server.
type initializeParams struct {
	ProtocolVersion string     `json:"protocolVersion"`
	ClientInfo      clientInfo `json:"clientInfo"`
}

type clientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// toolsListResult is the tools/list response body.
type toolsListResult struct {
	Tools []core.ToolSpec `json:"tools"`
}

// toolCallParams is the tools/call request body.
type toolCallParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}
