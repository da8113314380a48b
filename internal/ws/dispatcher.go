package ws

import (
	"log"
	"time"

	"github.com/whisper/livechat/internal/protocol"
)

// MessageHandler handles one parsed client message. msg is the concrete
// struct returned by protocol.ParseClientMessage.
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes incoming WebSocket messages to registered handlers
// by message type. Ping is answered internally; malformed or unsupported
// messages get an error reply.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
}

// NewMessageDispatcher creates an empty MessageDispatcher.
func NewMessageDispatcher() *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
	}
}

// Register associates a MessageHandler with a message type, replacing any
// previous registration.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the server's onMessage callback.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.Printf("ws: dispatch parse error session=%s: %v", conn.ID, err)
		SendError(conn, "", protocol.CodeInvalidMessage, "invalid message format")
		return
	}

	if msgType == protocol.TypePing {
		d.sendPong(conn)
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		log.Printf("ws: unsupported message type=%q session=%s", msgType, conn.ID)
		SendError(conn, "", protocol.CodeInvalidMessage, "unsupported message type")
		return
	}

	handler(conn, msg)
}

// Send encodes payload as a server message of msgType and writes it to conn.
// Failures are logged.
func Send(conn *Connection, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("ws: failed to build %s message session=%s: %v", msgType, conn.ID, err)
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		log.Printf("ws: failed to send %s message session=%s: %v", msgType, conn.ID, err)
	}
}

// SendError sends a structured error reply, tagged with ref when the error
// concerns a subscription.
func SendError(conn *Connection, ref, code, message string) {
	Send(conn, protocol.TypeError, protocol.ErrorMsg{
		Ref:     ref,
		Code:    code,
		Message: message,
	})
}

func (d *MessageDispatcher) sendPong(conn *Connection) {
	conn.LastPing = time.Now()
	Send(conn, protocol.TypePong, protocol.PongMsg{})
}
