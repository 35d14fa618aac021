package imapworker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/imapmux/imapmux/internal/accounts"
	"github.com/imapmux/imapmux/internal/adapter/bus"
	"github.com/imapmux/imapmux/internal/domain/model"
	"github.com/imapmux/imapmux/internal/imapclient"
	"github.com/imapmux/imapmux/internal/queue"
)

const (
	notifyAttempts  = 10
	notifyBaseDelay = 5 * time.Second
)

// Session is the per-account connection actor. One goroutine drives the
// state machine; commands from the RPC surface serialize on the live
// imapclient session underneath.
type Session struct {
	account string
	deps    *deps

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu         sync.Mutex
	state      model.AccountState
	conn       imapclient.Session
	mailboxes  []imapclient.MailboxInfo
	lastExists uint32
}

type deps struct {
	registry accounts.Registrar
	enqueue  queue.Enqueuer
	dialer   imapclient.Dialer
	tokens   TokenSource
	ring     *LogRing
	bus      bus.Dispatcher
	logger   *slog.Logger

	// onDisconnect hands the account back to the assignment controller
	// for damped reassignment.
	onDisconnect func(account string)
}

// TokenSource refreshes OAuth2 access tokens for provider accounts.
type TokenSource interface {
	AccessToken(ctx context.Context, oc *model.OAuth2Config) (string, time.Time, error)
}

func newSession(account string, d *deps) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		account: account,
		deps:    d,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		state:   model.StateInit,
	}
	go s.run()
	return s
}

// Stop shuts the session down and waits for the actor to exit.
func (s *Session) Stop() {
	s.cancel()
	<-s.done
}

func (s *Session) State() model.AccountState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// setState publishes every transition: hash write for API reads, change
// message for live listeners, log ring when enabled.
func (s *Session) setState(state model.AccountState, lastErr *model.LastError) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.deps.registry.UpdateState(ctx, s.account, state, lastErr); err != nil {
		s.deps.logger.Warn("state write failed", "account", s.account, "state", state, "err", err)
	}
	_ = s.deps.bus.Publish(ctx, model.TopicState, &model.ControlMessage{
		Cmd: model.CmdChange, Account: s.account, State: state, Error: lastErr,
	})
	s.log(ctx, "info", "state changed", state)
}

func (s *Session) log(ctx context.Context, level, message string, state model.AccountState) {
	account, err := s.deps.registry.Load(ctx, s.account)
	if err != nil || !account.Logs {
		return
	}
	_ = s.deps.ring.Append(ctx, s.account, &LogEntry{Level: level, Message: message, State: string(state)})
}

// emit enqueues a notification job for the event.
func (s *Session) emit(ctx context.Context, kind model.EventKind, data any) {
	ev := model.NewEvent(s.account, kind, data)
	payload, err := json.Marshal(ev)
	if err != nil {
		s.deps.logger.Error("event encode failed", "account", s.account, "event", kind, "err", err)
		return
	}
	if _, err := s.deps.enqueue.Enqueue(ctx, model.QueueNotify, payload, queue.Options{
		Attempts:  notifyAttempts,
		BaseDelay: notifyBaseDelay,
	}); err != nil {
		s.deps.logger.Error("event enqueue failed", "account", s.account, "event", kind, "err", err)
		return
	}
	_ = s.deps.bus.Publish(ctx, model.TopicMetrics, &model.ControlMessage{
		Cmd: model.CmdMetrics, Key: "events", Value: 1,
	})
}

func (s *Session) run() {
	defer close(s.done)
	defer func() {
		s.mu.Lock()
		conn := s.conn
		s.conn = nil
		s.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
	}()

	account, err := s.deps.registry.Load(s.ctx, s.account)
	if errors.Is(err, accounts.ErrNotFound) || (err == nil && !account.HasCredentials()) {
		// Credentials tombstoned: park until the record is re-created.
		s.setState(model.StateUnset, nil)
		return
	}
	if err != nil {
		s.deps.logger.Error("account load failed", "account", s.account, "err", err)
		s.disconnect()
		return
	}

	s.setState(model.StateConnecting, nil)
	conn, err := s.connect(account)
	if err != nil {
		var authErr *imapclient.AuthError
		lastErr := &model.LastError{Message: err.Error(), Time: time.Now().UTC()}
		if errors.As(err, &authErr) || isCoded(err, model.CodeAuthFailed) {
			lastErr.Code = model.CodeAuthFailed
			s.setState(model.StateAuthError, lastErr)
			s.emit(s.ctx, model.EventAuthError, map[string]any{"error": err.Error()})
			// Terminal until an operator fixes credentials; the update
			// control message reassigns us.
			return
		}
		lastErr.Code = model.CodeConnectFailed
		s.setState(model.StateConnectError, lastErr)
		s.emit(s.ctx, model.EventConnectError, map[string]any{"error": err.Error()})
		s.disconnect()
		return
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	s.setState(model.StateSyncing, nil)
	if err := s.syncMailboxes(); err != nil {
		s.deps.logger.Warn("mailbox discovery failed", "account", s.account, "err", err)
		s.disconnect()
		return
	}

	changes, err := conn.Watch(s.ctx)
	if err != nil {
		s.deps.logger.Warn("watch failed", "account", s.account, "err", err)
		s.disconnect()
		return
	}
	s.setState(model.StateConnected, nil)

	for {
		select {
		case <-s.ctx.Done():
			s.setState(model.StateDisconnected, nil)
			return
		case change, ok := <-changes:
			if !ok {
				s.disconnect()
				return
			}
			if change.Kind == imapclient.ChangeClosed {
				s.disconnect()
				return
			}
			s.handleChange(account, change)
		}
	}
}

func (s *Session) connect(account *model.Account) (imapclient.Session, error) {
	cfg := imapclient.Config{}
	switch {
	case account.OAuth2 != nil:
		token, expires, err := s.deps.tokens.AccessToken(s.ctx, account.OAuth2)
		if err != nil {
			return nil, err
		}
		_ = s.deps.registry.CacheAccessToken(s.ctx, s.account, token, expires)
		cfg.User = account.OAuth2.User
		cfg.OAuthToken = token
		if account.IMAP != nil {
			cfg.Host, cfg.Port, cfg.TLS = account.IMAP.Host, account.IMAP.Port, account.IMAP.TLS
		}
	case account.IMAP != nil:
		cfg.Host, cfg.Port, cfg.TLS = account.IMAP.Host, account.IMAP.Port, account.IMAP.TLS
		cfg.User, cfg.Pass = account.IMAP.User, account.IMAP.Pass
	default:
		return nil, model.NewError(model.CodeInvalidInput, 400, "account %s has no imap configuration", s.account)
	}
	return s.deps.dialer.Dial(s.ctx, cfg)
}

// syncMailboxes diffs the mailbox tree against the previous discovery
// and emits mailboxNew / mailboxDeleted for the changes.
func (s *Session) syncMailboxes() error {
	s.mu.Lock()
	conn := s.conn
	prev := s.mailboxes
	s.mu.Unlock()
	if conn == nil {
		return errors.New("no connection")
	}
	next, err := conn.Mailboxes(s.ctx)
	if err != nil {
		return err
	}
	known := make(map[string]struct{}, len(prev))
	for _, mb := range prev {
		known[mb.Name] = struct{}{}
	}
	current := make(map[string]struct{}, len(next))
	for _, mb := range next {
		current[mb.Name] = struct{}{}
		if _, ok := known[mb.Name]; !ok && len(prev) > 0 {
			s.emit(s.ctx, model.EventMailboxNew, map[string]any{"path": mb.Name})
		}
	}
	for name := range known {
		if _, ok := current[name]; !ok {
			s.emit(s.ctx, model.EventMailboxDeleted, map[string]any{"path": name})
		}
	}
	s.mu.Lock()
	s.mailboxes = next
	for _, mb := range next {
		if mb.Name == "INBOX" {
			s.lastExists = mb.Messages
		}
	}
	s.mu.Unlock()
	return nil
}

func (s *Session) handleChange(account *model.Account, change imapclient.Change) {
	switch change.Kind {
	case imapclient.ChangeExists:
		s.mu.Lock()
		prev := s.lastExists
		s.lastExists = change.SeqNum
		conn := s.conn
		s.mu.Unlock()
		if change.SeqNum <= prev || conn == nil {
			return
		}
		// Fetch envelopes for the new tail and gate on notifyFrom.
		msgs, err := conn.ListMessages(s.ctx, change.Mailbox, 0, change.SeqNum-prev)
		if err != nil {
			s.deps.logger.Warn("fetch of new messages failed", "account", s.account, "err", err)
			return
		}
		for i := len(msgs) - 1; i >= 0; i-- {
			msg := msgs[i]
			if !account.NotifyFrom.IsZero() && msg.InternalDate.Before(account.NotifyFrom) {
				continue
			}
			s.emit(s.ctx, model.EventMessageNew, map[string]any{
				"path":      change.Mailbox,
				"uid":       msg.UID,
				"subject":   msg.Subject,
				"from":      msg.From,
				"messageId": msg.MessageID,
				"date":      msg.InternalDate,
			})
		}
	case imapclient.ChangeExpunge:
		s.mu.Lock()
		if s.lastExists > 0 {
			s.lastExists--
		}
		s.mu.Unlock()
		s.emit(s.ctx, model.EventMessageDeleted, map[string]any{
			"path": change.Mailbox,
			"seq":  change.SeqNum,
		})
	case imapclient.ChangeFlags:
		s.emit(s.ctx, model.EventMessageUpdated, map[string]any{
			"path":  change.Mailbox,
			"uid":   change.UID,
			"seq":   change.SeqNum,
			"flags": change.Flags,
		})
	case imapclient.ChangeMailbox:
		if err := s.syncMailboxes(); err != nil {
			s.deps.logger.Warn("mailbox resync failed", "account", s.account, "err", err)
		}
	}
}

// disconnect marks the account disconnected and hands it back to the
// assignment controller for damped reassignment.
func (s *Session) disconnect() {
	select {
	case <-s.ctx.Done():
		// Deliberate unassign; the controller already knows.
		s.setState(model.StateDisconnected, nil)
		return
	default:
	}
	if s.deps.onDisconnect != nil {
		s.deps.onDisconnect(s.account)
	}
}

func isCoded(err error, code string) bool {
	var me *model.Error
	return errors.As(err, &me) && me.Code == code
}
