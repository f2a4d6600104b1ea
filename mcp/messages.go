package mcp

import "encoding/json"

// Method names the engine knows about. The full catalog of tool, resource,
// and prompt operations is owned by the registration layer; only the methods
// needed by the session and transport engine are enumerated here.
type Method string

const (
	InitializeMethod Method = "initialize"
	PingMethod       Method = "ping"

	InitializedNotificationMethod Method = "notifications/initialized"
	CancelledNotificationMethod   Method = "notifications/cancelled"
	ProgressNotificationMethod    Method = "notifications/progress"

	// Client-side capabilities invoked by the server.
	SamplingCreateMessageMethod Method = "sampling/createMessage"
	RootsListMethod             Method = "roots/list"
	ElicitationCreateMethod     Method = "elicitation/create"

	// Common server operations. These are dispatched through the
	// collaborator-supplied handler table, not implemented here.
	ToolsListMethod     Method = "tools/list"
	ToolsCallMethod     Method = "tools/call"
	ResourcesListMethod Method = "resources/list"
	ResourcesReadMethod Method = "resources/read"
	PromptsListMethod   Method = "prompts/list"
	PromptsGetMethod    Method = "prompts/get"

	// Long-running operation polling.
	TasksGetMethod    Method = "tasks/get"
	TasksResultMethod Method = "tasks/result"
	TasksListMethod   Method = "tasks/list"
	TasksCancelMethod Method = "tasks/cancel"
)

// LatestProtocolVersion is the newest protocol revision this engine speaks.
const LatestProtocolVersion = "2025-06-18"

// SupportedProtocolVersions lists the revisions the engine accepts during
// negotiation, newest first.
var SupportedProtocolVersions = []string{
	"2025-06-18",
	"2025-03-26",
	"2024-11-05",
}

// IsSupportedProtocolVersion reports whether v is a revision this engine can
// speak.
func IsSupportedProtocolVersion(v string) bool {
	for _, s := range SupportedProtocolVersions {
		if s == v {
			return true
		}
	}
	return false
}

// ImplementationInfo describes the implementation name and version.
type ImplementationInfo struct {
	Name    string `json:"name"`
	Title   string `json:"title,omitempty"`
	Version string `json:"version"`
}

// InitializeRequest starts the initialization handshake.
type InitializeRequest struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      ImplementationInfo `json:"clientInfo"`
}

// InitializeResult returns negotiated capabilities and server info.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      ImplementationInfo `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}

// EmptyResult is the empty success payload.
type EmptyResult struct{}

// CancelledNotificationParams informs the peer that a request was cancelled.
type CancelledNotificationParams struct {
	RequestID json.RawMessage `json:"requestId"`
	Reason    string          `json:"reason,omitempty"`
}

// ProgressNotificationParams conveys progress of a long-running operation.
type ProgressNotificationParams struct {
	ProgressToken any     `json:"progressToken"`
	Progress      float64 `json:"progress"`
	Total         float64 `json:"total,omitempty"`
	Message       string  `json:"message,omitempty"`
}
