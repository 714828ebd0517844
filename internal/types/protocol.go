// Package types defines the wire protocol shared with browser clients and
// the application error taxonomy.
//
// Messages travel as self-describing tagged JSON objects with exactly one
// top-level key naming the variant:
//
//	{"Join":{"room":"r1","name":"alice"}}
//	{"Progress":{"id":"alice","pos":7}}
//
// All timestamps are unsigned integer milliseconds. Client timestamps are
// advisory only; the server clock is authoritative.
package types

import (
	"encoding/json"
)

type Join struct {
	Room string `json:"room"`
	Name string `json:"name"`
}

type Key struct {
	Ch string `json:"ch"`
	TS uint64 `json:"ts"`
}

type Reset struct{}

// ClientMsg is the tagged union of messages a client may send. Exactly one
// field is non-nil on a well-formed message.
type ClientMsg struct {
	Join  *Join  `json:"Join,omitempty"`
	Key   *Key   `json:"Key,omitempty"`
	Reset *Reset `json:"Reset,omitempty"`
}

type Lobby struct {
	Players []string `json:"players"`
}

type Countdown struct {
	Passage   string `json:"passage"`
	StartsIn  int64  `json:"starts_in_ms"`
}

type Start struct {
	T0 int64 `json:"t0_ms"`
}

type Progress struct {
	ID  string `json:"id"`
	Pos int    `json:"pos"`
}

type Finish struct {
	ID     string  `json:"id"`
	WPM    float64 `json:"wpm"`
	NetWPM float64 `json:"net_wpm"`
}

type StateChange struct {
	State RoomState `json:"state"`
}

type ErrorMsg struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// ServerMsg is the tagged union of messages the server broadcasts or sends
// to an individual subscriber. Exactly one field is non-nil.
type ServerMsg struct {
	Lobby       *Lobby       `json:"Lobby,omitempty"`
	Countdown   *Countdown   `json:"Countdown,omitempty"`
	Start       *Start       `json:"Start,omitempty"`
	Progress    *Progress    `json:"Progress,omitempty"`
	Finish      *Finish      `json:"Finish,omitempty"`
	StateChange *StateChange `json:"StateChange,omitempty"`
	Error       *ErrorMsg    `json:"Error,omitempty"`
}

func (m ClientMsg) tagCount() int {
	n := 0
	if m.Join != nil {
		n++
	}
	if m.Key != nil {
		n++
	}
	if m.Reset != nil {
		n++
	}
	return n
}

func (m ServerMsg) tagCount() int {
	n := 0
	if m.Lobby != nil {
		n++
	}
	if m.Countdown != nil {
		n++
	}
	if m.Start != nil {
		n++
	}
	if m.Progress != nil {
		n++
	}
	if m.Finish != nil {
		n++
	}
	if m.StateChange != nil {
		n++
	}
	if m.Error != nil {
		n++
	}
	return n
}

func EncodeClient(m ClientMsg) ([]byte, error) {
	if m.tagCount() != 1 {
		return nil, NewError(ErrMalformedMessage, "message must carry exactly one tag")
	}
	return json.Marshal(m)
}

// DecodeClient parses a client frame. Unknown tags, zero tags, multiple
// tags and invalid payloads all surface as malformed_message.
func DecodeClient(data []byte) (ClientMsg, error) {
	var tags map[string]json.RawMessage
	if err := json.Unmarshal(data, &tags); err != nil {
		return ClientMsg{}, WrapError(ErrMalformedMessage, "invalid frame", err)
	}
	if len(tags) != 1 {
		return ClientMsg{}, NewError(ErrMalformedMessage, "frame must carry exactly one tag")
	}
	var m ClientMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return ClientMsg{}, WrapError(ErrMalformedMessage, "invalid frame", err)
	}
	if m.tagCount() != 1 {
		return ClientMsg{}, NewError(ErrMalformedMessage, "frame must carry exactly one tag")
	}
	if m.Join != nil && (m.Join.Room == "" || m.Join.Name == "") {
		return ClientMsg{}, NewError(ErrMalformedMessage, "join requires room and name")
	}
	if m.Key != nil && len(m.Key.Ch) != 1 {
		return ClientMsg{}, NewError(ErrMalformedMessage, "key requires a single character")
	}
	return m, nil
}

func EncodeServer(m ServerMsg) ([]byte, error) {
	if m.tagCount() != 1 {
		return nil, NewError(ErrMalformedMessage, "message must carry exactly one tag")
	}
	return json.Marshal(m)
}

func DecodeServer(data []byte) (ServerMsg, error) {
	var m ServerMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return ServerMsg{}, WrapError(ErrMalformedMessage, "invalid frame", err)
	}
	if m.tagCount() != 1 {
		return ServerMsg{}, NewError(ErrMalformedMessage, "frame must carry exactly one tag")
	}
	return m, nil
}
