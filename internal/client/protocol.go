package client

import "encoding/json"

// Message kinds of the middleware websocket protocol.
const (
	msgConnect   = "connect"
	msgConnected = "connected"
	msgFailed    = "failed"
	msgMethod    = "method"
	msgResult    = "result"
	msgPing      = "ping"
	msgPong      = "pong"
	msgSub       = "sub"
	msgUnsub     = "unsub"
	msgReady     = "ready"
	msgNoSub     = "nosub"
	msgAdded     = "added"
	msgChanged   = "changed"
	msgRemoved   = "removed"
)

const protocolVersion = "1"

// outbound is every frame the client sends.
type outbound struct {
	ID      string   `json:"id,omitempty"`
	Msg     string   `json:"msg"`
	Method  string   `json:"method,omitempty"`
	Params  any      `json:"params,omitempty"` // non-nil for method frames, even when empty
	Name    string   `json:"name,omitempty"`
	Version string   `json:"version,omitempty"`
	Support []string `json:"support,omitempty"`
}

// inbound is the union of frames the server sends.
type inbound struct {
	ID         json.RawMessage `json:"id,omitempty"`
	Msg        string          `json:"msg"`
	Session    string          `json:"session,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      *wireError      `json:"error,omitempty"`
	Collection string          `json:"collection,omitempty"`
	Fields     json.RawMessage `json:"fields,omitempty"`
	Subs       []string        `json:"subs,omitempty"`
}

type wireError struct {
	Error   int    `json:"error"`
	Errname string `json:"errname"`
	Reason  string `json:"reason"`
}

// Op is the kind of change carried by a pushed Event.
type Op string

const (
	OpAdded   Op = "ADDED"
	OpChanged Op = "CHANGED"
	OpRemoved Op = "REMOVED"
)

// Event is one pushed change for a subscribed collection.
type Event struct {
	Collection string
	Op         Op
	ID         any
	Fields     map[string]any
}

// EventHandler receives pushed events. Handlers run on the client's read
// loop and must not block.
type EventHandler func(Event)

// callID returns the frame id when it is a JSON string.
func (m *inbound) callID() string {
	var id string
	if err := json.Unmarshal(m.ID, &id); err != nil {
		return ""
	}
	return id
}

// eventID decodes the frame id into a string or float64.
func (m *inbound) eventID() any {
	if len(m.ID) == 0 {
		return nil
	}
	var id any
	if err := json.Unmarshal(m.ID, &id); err != nil {
		return nil
	}
	return id
}

func opFromMsg(msg string) Op {
	switch msg {
	case msgAdded:
		return OpAdded
	case msgRemoved:
		return OpRemoved
	}
	return OpChanged
}
