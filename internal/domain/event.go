package domain

import "time"

// EventType enumerates broker stream events.
type EventType string

const (
	EventPositionCreated EventType = "position-created"
	EventPositionUpdated EventType = "position-updated"
	EventPositionRemoved EventType = "position-removed"
	EventAccountInfo     EventType = "account-info-updated"
)

// PositionEvent is one message from a source account's position stream.
type PositionEvent struct {
	Type      EventType
	AccountID string
	Position  Position
	Account   AccountInfo // populated for EventAccountInfo only
	At        time.Time
}
