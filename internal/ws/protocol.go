package ws

import (
	"encoding/json"

	"github.com/nblistener/backend/internal/monitor"
	"github.com/nblistener/backend/internal/session"
)

type MessageType string

// Server to client.
const (
	MsgSnapshot     MessageType = "snapshot"
	MsgDelta        MessageType = "delta"
	MsgSessionEnded MessageType = "session_ended"
	MsgSourceHealth MessageType = "source_health"
	MsgActive       MessageType = "active"
	MsgError        MessageType = "error"
)

// Client to server.
const (
	MsgNotebookOpened MessageType = "notebook_opened"
	MsgNotebookClosed MessageType = "notebook_closed"
	MsgCurrentChanged MessageType = "current_changed"
)

type WSMessage struct {
	Type    MessageType `json:"type"`
	Payload interface{} `json:"payload"`
}

// ClientMessage is a message read from a websocket client. Payload is
// decoded according to Type.
type ClientMessage struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type SnapshotPayload struct {
	Notebooks []session.TrackedNotebook `json:"notebooks"`
	Active    session.NotebookID        `json:"active,omitempty"`
	Source    string                    `json:"source"`
	Health    monitor.HealthReport      `json:"health"`
}

type DeltaPayload struct {
	Changes []session.Change `json:"changes"`
}

type SessionEndedPayload struct {
	Notebook  session.NotebookID `json:"notebook"`
	Path      string             `json:"path"`
	SessionID string             `json:"sessionId"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

type NotebookOpenedPayload struct {
	WidgetID string             `json:"widgetId,omitempty"`
	ID       session.NotebookID `json:"id"`
	Path     string             `json:"path"`
	Name     string             `json:"name,omitempty"`
}

type NotebookClosedPayload struct {
	WidgetID string             `json:"widgetId,omitempty"`
	ID       session.NotebookID `json:"id,omitempty"`
}

type CurrentChangedPayload struct {
	WidgetID string `json:"widgetId"`
}
