// Package imapclient adapts the IMAP protocol library into the narrow
// capability the sync engine consumes: a connection lifecycle, a stream
// of tagged mailbox events, and per-message operations. The engine
// never sees protocol types.
package imapclient

import (
	"context"
	"time"
)

// Config is everything needed to open one authenticated session.
type Config struct {
	Host     string
	Port     int
	TLS      bool
	Insecure bool

	User string
	Pass string

	// OAuthToken, when set, selects SASL OAUTHBEARER instead of LOGIN.
	OAuthToken string

	// Mailbox selected for the steady-state watch loop. Defaults to INBOX.
	Mailbox string
}

// ChangeKind tags events observed on a live connection.
type ChangeKind string

const (
	ChangeExists  ChangeKind = "exists"
	ChangeExpunge ChangeKind = "expunge"
	ChangeFlags   ChangeKind = "flags"
	ChangeMailbox ChangeKind = "mailbox"
	ChangeClosed  ChangeKind = "closed"
)

// Change is one observation from the watch loop. Events for a session
// are delivered in the order the connection observed them, on a bounded
// channel that closes when the session dies.
type Change struct {
	Kind    ChangeKind
	Mailbox string
	SeqNum  uint32
	UID     uint32
	Flags   []string
	Err     error
}

// MailboxInfo summarizes one mailbox from discovery.
type MailboxInfo struct {
	Name        string
	Delimiter   string
	Messages    uint32
	UIDNext     uint32
	UIDValidity uint32
}

// MessageInfo is the envelope-level view of one message.
type MessageInfo struct {
	UID          uint32
	SeqNum       uint32
	Subject      string
	From         string
	To           []string
	MessageID    string
	Flags        []string
	InternalDate time.Time
	Size         uint32
}

// Session is one live, authenticated IMAP connection. All methods are
// serialized by the implementation; the watch loop pauses around
// commands.
type Session interface {
	// Mailboxes performs discovery over the account's mailbox tree.
	Mailboxes(ctx context.Context) ([]MailboxInfo, error)
	// Watch starts the IDLE-with-poll-fallback loop on the configured
	// mailbox and returns the change stream. Closing the session closes
	// the stream.
	Watch(ctx context.Context) (<-chan Change, error)

	ListMessages(ctx context.Context, mailbox string, offset, limit uint32) ([]MessageInfo, error)
	GetMessage(ctx context.Context, mailbox string, uid uint32) (*MessageInfo, error)
	GetText(ctx context.Context, mailbox string, uid uint32, maxBytes int) (string, error)
	GetRawMessage(ctx context.Context, mailbox string, uid uint32) ([]byte, error)
	GetAttachment(ctx context.Context, mailbox string, uid uint32, part string) ([]byte, error)
	UpdateFlags(ctx context.Context, mailbox string, uid uint32, add, remove []string) error
	Move(ctx context.Context, mailbox string, uid uint32, dest string) error
	Delete(ctx context.Context, mailbox string, uid uint32) error
	Append(ctx context.Context, mailbox string, raw []byte, flags []string) error
	CreateMailbox(ctx context.Context, name string) error
	DeleteMailbox(ctx context.Context, name string) error

	Close() error
}

// Dialer opens sessions. The engine holds the interface so worker tests
// can substitute a scripted fake.
type Dialer interface {
	Dial(ctx context.Context, cfg Config) (Session, error)
}
