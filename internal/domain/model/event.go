package model

import (
	"time"

	"github.com/google/uuid"
)

// EventKind enumerates every notification the engine can emit.
type EventKind string

const (
	EventMessageNew     EventKind = "messageNew"
	EventMessageDeleted EventKind = "messageDeleted"
	EventMessageUpdated EventKind = "messageUpdated"
	EventMailboxReset   EventKind = "mailboxReset"
	EventMailboxDeleted EventKind = "mailboxDeleted"
	EventMailboxNew     EventKind = "mailboxNew"
	EventAuthError      EventKind = "authenticationError"
	EventConnectError   EventKind = "connectError"
	EventMessageSent    EventKind = "messageSent"
	EventMessageFailed  EventKind = "messageFailed"
	EventMessageBounce  EventKind = "messageBounce"
	EventTest           EventKind = "test"
)

// Event is the envelope delivered to webhook consumers. Delivery is
// at-least-once; Nonce lets consumers deduplicate.
type Event struct {
	Account string    `json:"account"`
	Date    time.Time `json:"date"`
	Event   EventKind `json:"event"`
	Data    any       `json:"data,omitempty"`
	Nonce   string    `json:"nonce"`
}

// NewEvent stamps an envelope with the current time and a fresh nonce.
func NewEvent(account string, kind EventKind, data any) *Event {
	return &Event{
		Account: account,
		Date:    time.Now().UTC(),
		Event:   kind,
		Data:    data,
		Nonce:   uuid.NewString(),
	}
}
