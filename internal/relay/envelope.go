// Package relay carries ceremony traffic between the service and an
// embedded client frame over an opaque message bus. Envelopes are
// scoped to a relay session id; subscribers never see traffic for other
// sessions.
package relay

import "encoding/json"

// Kind is the envelope message type.
type Kind string

const (
	// KindReady is sent by the client frame once it is listening.
	KindReady Kind = "ready"
	// KindInit carries ceremony options from the service to the frame.
	KindInit Kind = "init"
	// KindResponse carries the authenticator response back.
	KindResponse Kind = "response"
	// KindError carries a platform error report.
	KindError Kind = "error"
	// KindCancel reports a user decline.
	KindCancel Kind = "cancel"
	// KindClose ends the relay session.
	KindClose Kind = "close"
)

// Envelope is the typed message unit on the bus.
type Envelope struct {
	Type      Kind            `json:"type"`
	SessionID string          `json:"sessionId"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}
