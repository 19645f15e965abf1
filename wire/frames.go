// Package wire defines the JSON frames exchanged over the real-time
// connection.
package wire

import (
	"github.com/bytedance/sonic"

	"boardsync/domain"
)

// Frame types sent by clients.
const (
	TypeJoin  = "join"
	TypeLeave = "leave"
	TypePing  = "ping"
)

// Frame types sent by the server.
const (
	TypeHello  = "hello"
	TypeJoined = "joined"
	TypeLeft   = "left"
	TypePong   = "pong"
	TypeError  = "error"
	TypeEvent  = "event"
)

// Error codes carried by error frames.
const (
	CodeInvalidArgument   = "INVALID_ARGUMENT"
	CodeUnauthorized      = "UNAUTHORIZED"
	CodeNotFound          = "NOT_FOUND"
	CodeResourceExhausted = "RESOURCE_EXHAUSTED"
	CodeInternal          = "INTERNAL"
)

// ClientFrame is a command sent by a client.
type ClientFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	Room      string `json:"room,omitempty"`
}

// ServerFrame is anything the server pushes to a client. A hello frame
// carries the connection ID the client sends back on REST writes so its
// own events are not echoed.
type ServerFrame struct {
	Type         string              `json:"type"`
	RequestID    string              `json:"requestId,omitempty"`
	ConnectionID domain.ConnectionID `json:"connectionId,omitempty"`
	Room         domain.RoomID       `json:"room,omitempty"`
	Event        *domain.DomainEvent `json:"event,omitempty"`
	Error        *Error              `json:"error,omitempty"`
}

type Error struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// EncodeEvent renders the event frame once so it can be shared by every
// recipient.
func EncodeEvent(ev domain.DomainEvent) ([]byte, error) {
	return sonic.Marshal(ServerFrame{Type: TypeEvent, Event: &ev})
}

func Encode(f ServerFrame) ([]byte, error) {
	return sonic.Marshal(f)
}

func EncodeError(requestID, code, message string, retryable bool) []byte {
	data, err := sonic.Marshal(ServerFrame{
		Type:      TypeError,
		RequestID: requestID,
		Error:     &Error{Code: code, Message: message, Retryable: retryable},
	})
	if err != nil {
		return []byte(`{"type":"error","error":{"code":"INTERNAL","message":"encode error"}}`)
	}
	return data
}

func DecodeClient(data []byte) (ClientFrame, error) {
	var f ClientFrame
	err := sonic.Unmarshal(data, &f)
	return f, err
}

func DecodeServer(data []byte) (ServerFrame, error) {
	var f ServerFrame
	err := sonic.Unmarshal(data, &f)
	return f, err
}
