package imapclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	idle "github.com/emersion/go-imap-idle"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-sasl"
)

const (
	dialTimeout  = 15 * time.Second
	watchBuffer  = 256
	pollInterval = 5 * time.Minute
)

type netDialer struct{}

// NewDialer returns the production dialer backed by the go-imap client.
func NewDialer() Dialer { return netDialer{} }

func (netDialer) Dial(ctx context.Context, cfg Config) (Session, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	d := &net.Dialer{Timeout: dialTimeout}
	tlsCfg := &tls.Config{ServerName: cfg.Host, InsecureSkipVerify: cfg.Insecure}

	var (
		c   *client.Client
		err error
	)
	if cfg.TLS {
		c, err = client.DialWithDialerTLS(d, addr, tlsCfg)
	} else {
		c, err = client.DialWithDialer(d, addr)
		if err == nil {
			if ok, _ := c.SupportStartTLS(); ok {
				if err = c.StartTLS(tlsCfg); err != nil {
					_ = c.Logout()
					return nil, fmt.Errorf("imap: starttls: %w", err)
				}
			}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("imap: dial %s: %w", addr, err)
	}

	if cfg.OAuthToken != "" {
		auth := sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
			Username: cfg.User,
			Token:    cfg.OAuthToken,
			Host:     cfg.Host,
			Port:     cfg.Port,
		})
		err = c.Authenticate(auth)
	} else {
		err = c.Login(cfg.User, cfg.Pass)
	}
	if err != nil {
		_ = c.Logout()
		return nil, &AuthError{Err: err}
	}

	mailbox := cfg.Mailbox
	if mailbox == "" {
		mailbox = "INBOX"
	}
	return &session{c: c, cfg: cfg, mailbox: mailbox}, nil
}

// AuthError marks a rejected login so callers can distinguish it from a
// transport failure.
type AuthError struct{ Err error }

func (e *AuthError) Error() string { return fmt.Sprintf("imap: authentication failed: %v", e.Err) }
func (e *AuthError) Unwrap() error { return e.Err }

type session struct {
	c       *client.Client
	cfg     Config
	mailbox string

	// cmdMu serializes commands; the watch loop leaves IDLE before any
	// command runs and re-enters afterwards.
	cmdMu    sync.Mutex
	idleStop chan struct{}
	closed   bool
}

func (s *session) Mailboxes(ctx context.Context) ([]MailboxInfo, error) {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()
	ch := make(chan *imap.MailboxInfo, 32)
	done := make(chan error, 1)
	go func() { done <- s.c.List("", "*", ch) }()
	var out []MailboxInfo
	for mi := range ch {
		out = append(out, MailboxInfo{Name: mi.Name, Delimiter: mi.Delimiter})
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("imap: list mailboxes: %w", err)
	}
	for i := range out {
		status, err := s.c.Status(out[i].Name, []imap.StatusItem{imap.StatusMessages, imap.StatusUidNext, imap.StatusUidValidity})
		if err != nil {
			continue
		}
		out[i].Messages = status.Messages
		out[i].UIDNext = status.UidNext
		out[i].UIDValidity = status.UidValidity
	}
	return out, nil
}

func (s *session) Watch(ctx context.Context) (<-chan Change, error) {
	s.cmdMu.Lock()
	if _, err := s.c.Select(s.mailbox, false); err != nil {
		s.cmdMu.Unlock()
		return nil, fmt.Errorf("imap: select %s: %w", s.mailbox, err)
	}
	updates := make(chan client.Update, watchBuffer)
	s.c.Updates = updates
	s.idleStop = make(chan struct{})
	s.cmdMu.Unlock()

	out := make(chan Change, watchBuffer)
	idleClient := idle.NewClient(s.c)

	idleDone := make(chan error, 1)
	go func() {
		idleDone <- idleClient.IdleWithFallback(s.idleStop, pollInterval)
	}()

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-idleDone:
				out <- Change{Kind: ChangeClosed, Err: err}
				return
			case upd := <-updates:
				for _, ev := range translate(s.mailbox, upd) {
					select {
					case out <- ev:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return out, nil
}

func translate(mailbox string, upd client.Update) []Change {
	switch u := upd.(type) {
	case *client.MailboxUpdate:
		return []Change{{Kind: ChangeExists, Mailbox: mailbox, SeqNum: u.Mailbox.Messages}}
	case *client.ExpungeUpdate:
		return []Change{{Kind: ChangeExpunge, Mailbox: mailbox, SeqNum: u.SeqNum}}
	case *client.MessageUpdate:
		flags := u.Message.Flags
		return []Change{{Kind: ChangeFlags, Mailbox: mailbox, SeqNum: u.Message.SeqNum, UID: u.Message.Uid, Flags: flags}}
	}
	return nil
}

func (s *session) withSelected(mailbox string, fn func() error) error {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()
	if _, err := s.c.Select(mailbox, false); err != nil {
		return fmt.Errorf("imap: select %s: %w", mailbox, err)
	}
	return fn()
}

func (s *session) ListMessages(ctx context.Context, mailbox string, offset, limit uint32) ([]MessageInfo, error) {
	var out []MessageInfo
	err := s.withSelected(mailbox, func() error {
		status, err := s.c.Status(mailbox, []imap.StatusItem{imap.StatusMessages})
		if err != nil {
			return err
		}
		if status.Messages == 0 || offset >= status.Messages {
			return nil
		}
		// Newest first: walk sequence numbers down from the top.
		to := status.Messages - offset
		from := uint32(1)
		if limit > 0 && to > limit {
			from = to - limit + 1
		}
		seqset := new(imap.SeqSet)
		seqset.AddRange(from, to)
		ch := make(chan *imap.Message, 64)
		done := make(chan error, 1)
		go func() {
			done <- s.c.Fetch(seqset, []imap.FetchItem{imap.FetchEnvelope, imap.FetchFlags, imap.FetchUid, imap.FetchInternalDate, imap.FetchRFC822Size}, ch)
		}()
		for msg := range ch {
			out = append(out, toInfo(msg))
		}
		return <-done
	})
	if err != nil {
		return nil, fmt.Errorf("imap: list messages: %w", err)
	}
	// Reverse into newest-first order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func toInfo(msg *imap.Message) MessageInfo {
	mi := MessageInfo{
		UID:          msg.Uid,
		SeqNum:       msg.SeqNum,
		Flags:        msg.Flags,
		InternalDate: msg.InternalDate,
		Size:         msg.Size,
	}
	if env := msg.Envelope; env != nil {
		mi.Subject = env.Subject
		mi.MessageID = env.MessageId
		if len(env.From) > 0 {
			mi.From = env.From[0].Address()
		}
		for _, to := range env.To {
			mi.To = append(mi.To, to.Address())
		}
	}
	return mi
}

func (s *session) fetchOne(mailbox string, uid uint32, items []imap.FetchItem) (*imap.Message, error) {
	var msg *imap.Message
	err := s.withSelected(mailbox, func() error {
		seqset := new(imap.SeqSet)
		seqset.AddNum(uid)
		ch := make(chan *imap.Message, 1)
		done := make(chan error, 1)
		go func() { done <- s.c.UidFetch(seqset, items, ch) }()
		for m := range ch {
			msg = m
		}
		return <-done
	})
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, fmt.Errorf("imap: message %d not found in %s", uid, mailbox)
	}
	return msg, nil
}

func (s *session) GetMessage(ctx context.Context, mailbox string, uid uint32) (*MessageInfo, error) {
	msg, err := s.fetchOne(mailbox, uid, []imap.FetchItem{imap.FetchEnvelope, imap.FetchFlags, imap.FetchUid, imap.FetchInternalDate, imap.FetchRFC822Size})
	if err != nil {
		return nil, err
	}
	mi := toInfo(msg)
	return &mi, nil
}

func (s *session) GetText(ctx context.Context, mailbox string, uid uint32, maxBytes int) (string, error) {
	section := &imap.BodySectionName{BodyPartName: imap.BodyPartName{Specifier: imap.TextSpecifier}}
	msg, err := s.fetchOne(mailbox, uid, []imap.FetchItem{section.FetchItem(), imap.FetchUid})
	if err != nil {
		return "", err
	}
	body := msg.GetBody(section)
	if body == nil {
		return "", nil
	}
	var limited io.Reader = body
	if maxBytes > 0 {
		limited = io.LimitReader(body, int64(maxBytes))
	}
	buf := new(bytes.Buffer)
	if _, err := io.Copy(buf, limited); err != nil {
		return "", fmt.Errorf("imap: read text: %w", err)
	}
	return buf.String(), nil
}

func (s *session) GetRawMessage(ctx context.Context, mailbox string, uid uint32) ([]byte, error) {
	section := &imap.BodySectionName{}
	msg, err := s.fetchOne(mailbox, uid, []imap.FetchItem{section.FetchItem(), imap.FetchUid})
	if err != nil {
		return nil, err
	}
	body := msg.GetBody(section)
	if body == nil {
		return nil, nil
	}
	return io.ReadAll(body)
}

func (s *session) GetAttachment(ctx context.Context, mailbox string, uid uint32, part string) ([]byte, error) {
	var path []int
	for _, p := range strings.Split(part, ".") {
		var n int
		if _, err := fmt.Sscanf(p, "%d", &n); err != nil {
			return nil, fmt.Errorf("imap: bad part path %q", part)
		}
		path = append(path, n)
	}
	section := &imap.BodySectionName{BodyPartName: imap.BodyPartName{Path: path}}
	msg, err := s.fetchOne(mailbox, uid, []imap.FetchItem{section.FetchItem(), imap.FetchUid})
	if err != nil {
		return nil, err
	}
	body := msg.GetBody(section)
	if body == nil {
		return nil, nil
	}
	return io.ReadAll(body)
}

func (s *session) UpdateFlags(ctx context.Context, mailbox string, uid uint32, add, remove []string) error {
	return s.withSelected(mailbox, func() error {
		seqset := new(imap.SeqSet)
		seqset.AddNum(uid)
		if len(add) > 0 {
			item := imap.FormatFlagsOp(imap.AddFlags, true)
			if err := s.c.UidStore(seqset, item, toAny(add), nil); err != nil {
				return err
			}
		}
		if len(remove) > 0 {
			item := imap.FormatFlagsOp(imap.RemoveFlags, true)
			if err := s.c.UidStore(seqset, item, toAny(remove), nil); err != nil {
				return err
			}
		}
		return nil
	})
}

func toAny(flags []string) []any {
	out := make([]any, len(flags))
	for i, f := range flags {
		out[i] = f
	}
	return out
}

func (s *session) Move(ctx context.Context, mailbox string, uid uint32, dest string) error {
	return s.withSelected(mailbox, func() error {
		seqset := new(imap.SeqSet)
		seqset.AddNum(uid)
		if err := s.c.UidCopy(seqset, dest); err != nil {
			return err
		}
		item := imap.FormatFlagsOp(imap.AddFlags, true)
		if err := s.c.UidStore(seqset, item, []any{imap.DeletedFlag}, nil); err != nil {
			return err
		}
		return s.c.Expunge(nil)
	})
}

func (s *session) Delete(ctx context.Context, mailbox string, uid uint32) error {
	return s.withSelected(mailbox, func() error {
		seqset := new(imap.SeqSet)
		seqset.AddNum(uid)
		item := imap.FormatFlagsOp(imap.AddFlags, true)
		if err := s.c.UidStore(seqset, item, []any{imap.DeletedFlag}, nil); err != nil {
			return err
		}
		return s.c.Expunge(nil)
	})
}

func (s *session) Append(ctx context.Context, mailbox string, raw []byte, flags []string) error {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()
	return s.c.Append(mailbox, flags, time.Now(), bytes.NewReader(raw))
}

func (s *session) CreateMailbox(ctx context.Context, name string) error {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()
	return s.c.Create(name)
}

func (s *session) DeleteMailbox(ctx context.Context, name string) error {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()
	return s.c.Delete(name)
}

func (s *session) Close() error {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.idleStop != nil {
		close(s.idleStop)
		s.idleStop = nil
	}
	return s.c.Logout()
}
