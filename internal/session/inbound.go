package session

import (
	"bytes"
	"encoding/json"
	"log/slog"

	"github.com/dontdude/replbox/internal/domain"
)

// inboundMessage is the structured client message, e.g. {"type":"input","data":"42"}.
type inboundMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// ParseInbound classifies one client message. ok is false for a well-formed
// object whose type is neither "input" nor "close_input"; such messages are
// ignored. Anything that does not decode as the structured form, including
// a data field that is an object or array, is sent to stdin verbatim.
func ParseInbound(sessionID string, data []byte) (ev domain.InputEvent, ok bool) {
	raw := domain.InputEvent{SessionID: sessionID, Payload: string(data), Kind: domain.InputData}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return raw, true
	}
	var msg inboundMessage
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return raw, true
	}

	switch msg.Type {
	case "input":
		text, scalar := scalarText(msg.Data)
		if !scalar {
			return raw, true
		}
		return domain.InputEvent{SessionID: sessionID, Payload: text, Kind: domain.InputData}, true
	case "close_input":
		return domain.InputEvent{SessionID: sessionID, Kind: domain.InputClose}, true
	default:
		slog.Debug("Ignoring message of unknown type", "sessionID", sessionID, "type", msg.Type)
		return domain.InputEvent{}, false
	}
}

// scalarText renders a JSON scalar as text: strings are unquoted, numbers and
// booleans keep their literal form, and a missing or null value is empty.
func scalarText(v json.RawMessage) (string, bool) {
	if len(v) == 0 || string(v) == "null" {
		return "", true
	}
	switch v[0] {
	case '{', '[':
		return "", false
	case '"':
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return "", false
		}
		return s, true
	default:
		return string(v), true
	}
}
