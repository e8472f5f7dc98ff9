package bridge

// Frame type discriminators. Every message on the agent connection is a
// single self-describing envelope so either side can dispatch on kind.
const (
	frameRegister        = "register"
	frameExecuteRequest  = "execute_request"
	frameExecuteResponse = "execute_response"
	framePing            = "ping"
	framePong            = "pong"
)

// frame is the wire envelope for the remote agent protocol. Fields are
// populated according to Type; unused fields are omitted.
type frame struct {
	Type string `json:"type"`

	// register
	AgentID      string   `json:"agent_id,omitempty"`
	Tool         string   `json:"tool,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`

	// execute_request
	RequestID string         `json:"request_id,omitempty"`
	ToolName  string         `json:"tool_name,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty"`

	// execute_response (RequestID shared with execute_request)
	Result  string `json:"result,omitempty"`
	Success *bool  `json:"success,omitempty"`
}
