package errors

import "encoding/json"

// WireError is the stable JSON shape (spec §7) for user-visible errors
// surfaced on our own outgoing messages or the admin surface. It
// deliberately carries no machine-readable code: hostile-input kinds never
// reach this path (they are dropped, not serialized), and everything that
// does reach it is a human-facing string.
type WireError struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// NewWireError builds the stable error shape from a message.
func NewWireError(message string) WireError {
	return WireError{Type: "error", Error: message}
}

// MarshalWireError renders a TypedError (or any error) into the stable
// `{type: "error", error: <message>}` shape used for outgoing messages.
func MarshalWireError(err error) ([]byte, error) {
	return json.Marshal(NewWireError(err.Error()))
}
