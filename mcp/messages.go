package mcp

// Method is an MCP method identifier used in JSON-RPC messages.
type Method string

// MCP method names and notifications.
const (
	InitializeMethod Method = "initialize"

	ToolsListMethod Method = "tools/list"
	ToolsCallMethod Method = "tools/call"

	LoggingMessageNotificationMethod Method = "notifications/message"

	PingMethod                 Method = "ping"
	ProgressNotificationMethod Method = "notifications/progress"
)

// ProgressNotificationParams conveys progress of a long-running operation.
// The token may be a string or a number.
type ProgressNotificationParams struct {
	ProgressToken any     `json:"progressToken"`
	Progress      float64 `json:"progress"`
}

// InitializeRequest starts the MCP initialization handshake. Only the
// protocol version is read; capabilities are relayed untouched.
type InitializeRequest struct {
	ProtocolVersion string `json:"protocolVersion"`
}

// InitializeResult returns negotiated capabilities and server info.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      ImplementationInfo `json:"serverInfo"`
}

// ListToolsResult returns the available tools.
type ListToolsResult struct {
	Tools []Tool `json:"tools"`
}

// CallToolRequest names a tool and carries its arguments.
type CallToolRequest struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// CallToolResult represents a tool invocation result.
type CallToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitzero"`
}

// LoggingMessageNotificationParams is a log line sent by the server.
type LoggingMessageNotificationParams struct {
	Level LoggingLevel `json:"level"`
	Data  any          `json:"data"`
}
