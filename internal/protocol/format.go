package protocol

import (
	"bytes"
	"encoding/json"
)

var genericErrorFrame = []byte(`{"type":"error","message":"internal error","code":"internal_error"}`)

// Format serializes an event into one server-sent-events frame. It never
// fails: anything it cannot encode becomes a generic error frame.
func Format(e Event) []byte {
	typ, data := encode(e)
	var buf bytes.Buffer
	buf.Grow(len(data) + len(typ) + 16)
	buf.WriteString("event: ")
	buf.WriteString(string(typ))
	buf.WriteString("\ndata: ")
	buf.Write(data)
	buf.WriteString("\n\n")
	return buf.Bytes()
}

// Encode returns the JSON object for an event, as sent over websockets.
func Encode(e Event) []byte {
	_, data := encode(e)
	return data
}

func encode(e Event) (EventType, []byte) {
	typ, ok := knownType(e)
	if !ok {
		return TypeError, genericErrorFrame
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return TypeError, genericErrorFrame
	}
	if !bytes.HasPrefix(payload, []byte("{")) {
		return TypeError, genericErrorFrame
	}

	// Inline the discriminator so each frame is self-describing.
	out := make([]byte, 0, len(payload)+len(typ)+12)
	out = append(out, `{"type":"`...)
	out = append(out, typ...)
	out = append(out, '"')
	if len(payload) > 2 {
		out = append(out, ',')
	}
	out = append(out, payload[1:]...)
	return typ, out
}

func knownType(e Event) (EventType, bool) {
	switch v := e.(type) {
	case Start, Chunk, Contextual, Metadata, Suggestion, Complete, Error:
		return v.eventType(), true
	case *Start, *Chunk, *Contextual, *Metadata, *Suggestion, *Complete, *Error:
		if isNilPointer(v) {
			return "", false
		}
		return v.eventType(), true
	default:
		return "", false
	}
}

func isNilPointer(e Event) bool {
	switch v := e.(type) {
	case *Start:
		return v == nil
	case *Chunk:
		return v == nil
	case *Contextual:
		return v == nil
	case *Metadata:
		return v == nil
	case *Suggestion:
		return v == nil
	case *Complete:
		return v == nil
	case *Error:
		return v == nil
	}
	return true
}
