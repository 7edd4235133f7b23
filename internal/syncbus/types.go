package syncbus

import "time"

// EventKind identifies the class of a session event.
type EventKind string

const (
	// KindLogin signals that a process completed an interactive or silent login.
	KindLogin EventKind = "login"

	// KindLogout signals that a process signed the session out.
	KindLogout EventKind = "logout"

	// KindTokenRefreshed signals that a process obtained a fresh credential.
	KindTokenRefreshed EventKind = "token_refreshed"
)

// Event is the envelope carried between processes sharing a state directory.
// Payload holds non-sensitive metadata only; token values never travel on
// the bus.
type Event struct {
	// ID uniquely identifies the physical event for dedup across delivery
	// paths.
	ID string `json:"id"`

	// Kind is the event class.
	Kind EventKind `json:"kind"`

	// Payload carries event metadata such as expiry timestamps.
	Payload map[string]string `json:"payload,omitempty"`

	// Origin is the PID of the publishing process.
	Origin int `json:"origin"`

	// Timestamp records when the event was published.
	Timestamp time.Time `json:"timestamp"`
}

// Handler receives events delivered by the bus. Handlers run on their own
// goroutines and must not assume delivery ordering across kinds.
type Handler func(Event)
