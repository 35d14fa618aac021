package imapworker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imapmux/imapmux/internal/accounts"
	"github.com/imapmux/imapmux/internal/adapter/bus"
	"github.com/imapmux/imapmux/internal/adapter/kv"
	"github.com/imapmux/imapmux/internal/domain/model"
	"github.com/imapmux/imapmux/internal/imapclient"
	"github.com/imapmux/imapmux/internal/queue"
	"github.com/imapmux/imapmux/internal/settings"
)

type fakeSession struct {
	mu        sync.Mutex
	mailboxes []imapclient.MailboxInfo
	messages  []imapclient.MessageInfo
	changes   chan imapclient.Change
	closed    bool
}

func (s *fakeSession) Mailboxes(context.Context) ([]imapclient.MailboxInfo, error) {
	return s.mailboxes, nil
}

func (s *fakeSession) Watch(context.Context) (<-chan imapclient.Change, error) {
	return s.changes, nil
}

func (s *fakeSession) ListMessages(_ context.Context, _ string, _, limit uint32) ([]imapclient.MessageInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit > 0 && int(limit) < len(s.messages) {
		return s.messages[:limit], nil
	}
	return s.messages, nil
}

func (s *fakeSession) GetMessage(context.Context, string, uint32) (*imapclient.MessageInfo, error) {
	return nil, nil
}
func (s *fakeSession) GetText(context.Context, string, uint32, int) (string, error) { return "", nil }
func (s *fakeSession) GetRawMessage(context.Context, string, uint32) ([]byte, error) {
	return nil, nil
}
func (s *fakeSession) GetAttachment(context.Context, string, uint32, string) ([]byte, error) {
	return nil, nil
}
func (s *fakeSession) UpdateFlags(context.Context, string, uint32, []string, []string) error {
	return nil
}
func (s *fakeSession) Move(context.Context, string, uint32, string) error     { return nil }
func (s *fakeSession) Delete(context.Context, string, uint32) error           { return nil }
func (s *fakeSession) Append(context.Context, string, []byte, []string) error { return nil }
func (s *fakeSession) CreateMailbox(context.Context, string) error            { return nil }
func (s *fakeSession) DeleteMailbox(context.Context, string) error            { return nil }

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.changes)
	}
	return nil
}

type fakeDialer struct {
	session *fakeSession
	err     error
}

func (d *fakeDialer) Dial(context.Context, imapclient.Config) (imapclient.Session, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.session, nil
}

type staticTokens struct{}

func (staticTokens) AccessToken(context.Context, *model.OAuth2Config) (string, time.Time, error) {
	return "tok", time.Now().Add(time.Hour), nil
}

type sessionFixture struct {
	registry accounts.Registrar
	engine   *queue.Engine
	deps     *deps
	dialer   *fakeDialer

	mu           sync.Mutex
	disconnected []string
}

func newSessionFixture(t *testing.T) *sessionFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	logger := slog.Default()
	store := kv.NewStoreWithClient(rdb, "test", logger)
	dispatcher := bus.NewDispatcher(logger)
	t.Cleanup(func() { _ = dispatcher.Close() })
	set := settings.NewService(store, dispatcher, logger)
	engine := queue.NewEngine(store, set, logger)
	registry := accounts.NewRegistry(store, dispatcher, accounts.RegistryConfig{}, logger)

	f := &sessionFixture{registry: registry, engine: engine}
	f.dialer = &fakeDialer{session: &fakeSession{
		mailboxes: []imapclient.MailboxInfo{{Name: "INBOX", Messages: 0}},
		changes:   make(chan imapclient.Change, 16),
	}}
	f.deps = &deps{
		registry: registry,
		enqueue:  engine,
		dialer:   f.dialer,
		tokens:   staticTokens{},
		ring:     NewLogRing(store, 100),
		bus:      dispatcher,
		logger:   logger,
		onDisconnect: func(account string) {
			f.mu.Lock()
			f.disconnected = append(f.disconnected, account)
			f.mu.Unlock()
		},
	}
	return f
}

func (f *sessionFixture) createAccount(t *testing.T, account *model.Account) {
	t.Helper()
	require.NoError(t, f.registry.Create(context.Background(), account))
}

func (f *sessionFixture) awaitState(t *testing.T, id string, want model.AccountState) {
	t.Helper()
	require.Eventually(t, func() bool {
		account, err := f.registry.Load(context.Background(), id)
		return err == nil && account.State == want
	}, 2*time.Second, 10*time.Millisecond, "account never reached %s", want)
}

func (f *sessionFixture) drainNotify(t *testing.T) []*model.Event {
	t.Helper()
	ctx := context.Background()
	var out []*model.Event
	for {
		job, err := f.engine.Reserve(ctx, model.QueueNotify, "t", time.Minute)
		require.NoError(t, err)
		if job == nil {
			return out
		}
		ev := new(model.Event)
		require.NoError(t, json.Unmarshal(job.Payload, ev))
		out = append(out, ev)
		require.NoError(t, f.engine.Ack(ctx, job, "seen"))
	}
}

func TestSessionReachesConnected(t *testing.T) {
	f := newSessionFixture(t)
	f.createAccount(t, &model.Account{
		ID:   "acct-1",
		IMAP: &model.ServerConfig{Host: "imap.example.com", Port: 993, TLS: true, User: "u", Pass: "p"},
	})
	s := newSession("acct-1", f.deps)
	defer s.Stop()
	f.awaitState(t, "acct-1", model.StateConnected)
}

func TestSessionWithoutCredentialsParksUnset(t *testing.T) {
	f := newSessionFixture(t)
	f.createAccount(t, &model.Account{ID: "acct-1"})
	s := newSession("acct-1", f.deps)
	defer s.Stop()
	f.awaitState(t, "acct-1", model.StateUnset)
	f.mu.Lock()
	assert.Empty(t, f.disconnected)
	f.mu.Unlock()
}

func TestAuthFailureIsTerminalUntilOperatorChange(t *testing.T) {
	f := newSessionFixture(t)
	f.dialer.err = &imapclient.AuthError{Err: assert.AnError}
	f.createAccount(t, &model.Account{
		ID:   "acct-1",
		IMAP: &model.ServerConfig{Host: "imap.example.com", Port: 993, User: "u", Pass: "bad"},
	})
	s := newSession("acct-1", f.deps)
	defer s.Stop()
	f.awaitState(t, "acct-1", model.StateAuthError)

	account, err := f.registry.Load(context.Background(), "acct-1")
	require.NoError(t, err)
	require.NotNil(t, account.LastError)
	assert.Equal(t, model.CodeAuthFailed, account.LastError.Code)

	events := f.drainNotify(t)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventAuthError, events[0].Event)
	// Auth errors wait for operator intervention, no damped reconnect.
	f.mu.Lock()
	assert.Empty(t, f.disconnected)
	f.mu.Unlock()
}

func TestConnectErrorReportsDisconnect(t *testing.T) {
	f := newSessionFixture(t)
	f.dialer.err = assert.AnError
	f.createAccount(t, &model.Account{
		ID:   "acct-1",
		IMAP: &model.ServerConfig{Host: "imap.example.com", Port: 993, User: "u", Pass: "p"},
	})
	s := newSession("acct-1", f.deps)
	defer s.Stop()
	f.awaitState(t, "acct-1", model.StateConnectError)

	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return len(f.disconnected) == 1
	}, time.Second, 10*time.Millisecond)

	events := f.drainNotify(t)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventConnectError, events[0].Event)
}

func TestNewMessagesRespectNotifyFrom(t *testing.T) {
	f := newSessionFixture(t)
	watermark := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	f.createAccount(t, &model.Account{
		ID:         "acct-1",
		IMAP:       &model.ServerConfig{Host: "imap.example.com", Port: 993, User: "u", Pass: "p"},
		NotifyFrom: watermark,
	})
	fs := f.dialer.session
	s := newSession("acct-1", f.deps)
	defer s.Stop()
	f.awaitState(t, "acct-1", model.StateConnected)

	fs.mu.Lock()
	fs.messages = []imapclient.MessageInfo{
		{UID: 11, Subject: "new enough", InternalDate: watermark.Add(time.Hour)},
		{UID: 10, Subject: "too old", InternalDate: watermark.Add(-time.Hour)},
	}
	fs.mu.Unlock()
	fs.changes <- imapclient.Change{Kind: imapclient.ChangeExists, Mailbox: "INBOX", SeqNum: 2}

	var events []*model.Event
	require.Eventually(t, func() bool {
		events = append(events, f.drainNotify(t)...)
		return len(events) >= 1
	}, 2*time.Second, 20*time.Millisecond)
	// Give a misbehaving gate a beat to emit the suppressed event too.
	time.Sleep(100 * time.Millisecond)
	events = append(events, f.drainNotify(t)...)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventMessageNew, events[0].Event)
	data := events[0].Data.(map[string]any)
	assert.EqualValues(t, 11, data["uid"])
}

func TestEventOrderingWithinConnection(t *testing.T) {
	f := newSessionFixture(t)
	f.createAccount(t, &model.Account{
		ID:   "acct-1",
		IMAP: &model.ServerConfig{Host: "imap.example.com", Port: 993, User: "u", Pass: "p"},
	})
	fs := f.dialer.session
	s := newSession("acct-1", f.deps)
	defer s.Stop()
	f.awaitState(t, "acct-1", model.StateConnected)

	fs.mu.Lock()
	fs.messages = []imapclient.MessageInfo{{UID: 1, Subject: "first", InternalDate: time.Now()}}
	fs.mu.Unlock()
	fs.changes <- imapclient.Change{Kind: imapclient.ChangeExists, Mailbox: "INBOX", SeqNum: 1}
	fs.changes <- imapclient.Change{Kind: imapclient.ChangeExpunge, Mailbox: "INBOX", SeqNum: 1}
	fs.mu.Lock()
	fs.messages = []imapclient.MessageInfo{{UID: 2, Subject: "second", InternalDate: time.Now()}}
	fs.mu.Unlock()
	fs.changes <- imapclient.Change{Kind: imapclient.ChangeExists, Mailbox: "INBOX", SeqNum: 1}

	var events []*model.Event
	require.Eventually(t, func() bool {
		events = append(events, f.drainNotify(t)...)
		return len(events) >= 3
	}, 2*time.Second, 20*time.Millisecond)
	require.Len(t, events, 3)
	assert.Equal(t, model.EventMessageNew, events[0].Event)
	assert.Equal(t, model.EventMessageDeleted, events[1].Event)
	assert.Equal(t, model.EventMessageNew, events[2].Event)
}
