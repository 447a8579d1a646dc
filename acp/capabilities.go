package acp

import (
	"encoding/json"
	"strings"
)

// ProtocolVersion is the ACP protocol version this client speaks.
const ProtocolVersion = 1

// FSCapabilities declares which file-system tool surfaces the client
// offers. This client offers none; any fs/* request is rejected at
// dispatch regardless, as defense in depth against agents that ignore
// the negotiated capabilities.
type FSCapabilities struct {
	ReadTextFile  bool `json:"readTextFile"`
	WriteTextFile bool `json:"writeTextFile"`
}

// Capabilities is the client-capability object sent during initialize.
type Capabilities struct {
	FS       FSCapabilities `json:"fs"`
	Terminal bool           `json:"terminal"`
}

// ClientInfo identifies this client to the agent.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeParams is the params object of the initialize request.
type InitializeParams struct {
	ProtocolVersion    int          `json:"protocolVersion"`
	ClientCapabilities Capabilities `json:"clientCapabilities"`
	ClientInfo         ClientInfo   `json:"clientInfo"`
}

// InitializeResult is the agent's reply to initialize. Agent capability
// details are kept raw; the engine only needs the protocol version.
type InitializeResult struct {
	ProtocolVersion   int             `json:"protocolVersion"`
	AgentCapabilities json.RawMessage `json:"agentCapabilities,omitempty"`
	AuthMethods       json.RawMessage `json:"authMethods,omitempty"`
}

// ClientCapabilities returns the capability set this client negotiates:
// no file-system or terminal support.
func ClientCapabilities() Capabilities {
	return Capabilities{}
}

// IsUnsupportedMethod reports whether an agent request targets a tool
// surface this client never implements.
func IsUnsupportedMethod(method string) bool {
	return strings.HasPrefix(method, "fs/") || strings.HasPrefix(method, "terminal/")
}
