// Package wsproto implements the JSON frame codec for the WebSocket
// control protocol: state sync, RPC, streaming RPC, and the chat relay
// frames. Invalid JSON and frames without a type are ignored, not treated
// as fatal; frames of a type this package does not define are decoded
// like any other and left to the caller.
package wsproto

import "encoding/json"

const (
	TypeAgentState          = "cf_agent_state"
	TypeRPC                 = "rpc"
	TypeChatRequest         = "cf_agent_use_chat_request"
	TypeChatResponse        = "cf_agent_use_chat_response"
	TypeChatRequestCancel   = "cf_agent_chat_request_cancel"
	TypeChatMessages        = "cf_agent_chat_messages"
	TypeChatClear           = "cf_agent_chat_clear"
)

// Envelope is the minimal shape every inbound frame must have to be
// dispatched: a type discriminant plus its raw payload.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// Decode extracts the type discriminant from a raw WS text frame. A
// malformed frame or one missing "type" returns ok=false; the caller
// should silently ignore it, per the spec.
func Decode(data []byte) (Envelope, bool) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return Envelope{}, false
	}
	if probe.Type == "" {
		return Envelope{}, false
	}
	return Envelope{Type: probe.Type, Raw: data}, true
}

type StateFrame struct {
	Type  string          `json:"type"`
	State json.RawMessage `json:"state"`
}

func DecodeStateFrame(raw json.RawMessage) (StateFrame, error) {
	var f StateFrame
	err := json.Unmarshal(raw, &f)
	return f, err
}

func EncodeStateFrame(state json.RawMessage) ([]byte, error) {
	return json.Marshal(StateFrame{Type: TypeAgentState, State: state})
}

type RPCRequestFrame struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Args   json.RawMessage `json:"args"`
}

func DecodeRPCRequest(raw json.RawMessage) (RPCRequestFrame, error) {
	var f RPCRequestFrame
	err := json.Unmarshal(raw, &f)
	return f, err
}

type RPCResponseFrame struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Result  any    `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
	Done    *bool  `json:"done,omitempty"`
}

func EncodeRPCResponse(f RPCResponseFrame) ([]byte, error) {
	f.Type = TypeRPC
	return json.Marshal(f)
}

type ChatRequestFrame struct {
	Type string          `json:"type"`
	ID   string          `json:"id"`
	Init json.RawMessage `json:"init"`
}

func DecodeChatRequest(raw json.RawMessage) (ChatRequestFrame, error) {
	var f ChatRequestFrame
	err := json.Unmarshal(raw, &f)
	return f, err
}

type ChatResponseFrame struct {
	Type string          `json:"type"`
	ID   string          `json:"id"`
	Body json.RawMessage `json:"body"`
	Done bool            `json:"done"`
}

func EncodeChatResponse(f ChatResponseFrame) ([]byte, error) {
	f.Type = TypeChatResponse
	return json.Marshal(f)
}

type ChatCancelFrame struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

func DecodeChatCancel(raw json.RawMessage) (ChatCancelFrame, error) {
	var f ChatCancelFrame
	err := json.Unmarshal(raw, &f)
	return f, err
}

// ChatMessagesFrame is the bidirectional sync-of-message-array frame. The
// spec's source carries two adjacent, identical variants of this outgoing
// message in its union type — treated here as the single case it actually
// is.
type ChatMessagesFrame struct {
	Type     string          `json:"type"`
	Messages json.RawMessage `json:"messages"`
}

func EncodeChatMessages(messages json.RawMessage) ([]byte, error) {
	return json.Marshal(ChatMessagesFrame{Type: TypeChatMessages, Messages: messages})
}

func DecodeChatMessages(raw json.RawMessage) (ChatMessagesFrame, error) {
	var f ChatMessagesFrame
	err := json.Unmarshal(raw, &f)
	return f, err
}
