// Package smtpserver is the optional submission endpoint: clients
// authenticate with an account id and API token, and accepted messages
// enter the submit queue exactly like API submissions.
package smtpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/google/uuid"

	"github.com/imapmux/imapmux/internal/accounts"
	"github.com/imapmux/imapmux/internal/domain/model"
	"github.com/imapmux/imapmux/internal/outbox"
	"github.com/imapmux/imapmux/internal/queue"
	"github.com/imapmux/imapmux/internal/tokens"
)

const maxMessageBytes = 25 * 1024 * 1024

// Config selects the listener.
type Config struct {
	Addr    string
	Enabled bool
}

type Server struct {
	cfg      Config
	registry accounts.Registrar
	tokens   *tokens.Service
	blobs    *outbox.Store
	enqueue  queue.Enqueuer
	logger   *slog.Logger

	srv *smtp.Server
}

func NewServer(cfg Config, registry accounts.Registrar, tok *tokens.Service, blobs *outbox.Store, enq queue.Enqueuer, logger *slog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		registry: registry,
		tokens:   tok,
		blobs:    blobs,
		enqueue:  enq,
		logger:   logger,
	}
	srv := smtp.NewServer(s)
	srv.Addr = cfg.Addr
	srv.Domain = "imapmux"
	srv.MaxMessageBytes = maxMessageBytes
	srv.ReadTimeout = time.Minute
	srv.WriteTimeout = time.Minute
	srv.AllowInsecureAuth = true
	s.srv = srv
	return s
}

// Serve blocks on the listener until Close.
func (s *Server) Serve() error {
	s.logger.Info("smtp reception listening", "addr", s.cfg.Addr)
	err := s.srv.ListenAndServe()
	if errors.Is(err, smtp.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Close() error { return s.srv.Close() }

// NewSession implements smtp.Backend.
func (s *Server) NewSession(c *smtp.Conn) (smtp.Session, error) {
	return &session{server: s}, nil
}

type session struct {
	server  *Server
	account string
	from    string
	to      []string
}

// AuthPlain takes the account id as username and an api-scoped token as
// password.
func (sess *session) AuthPlain(username, password string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := sess.server.tokens.Authenticate(ctx, password, tokens.ScopeAPI); err != nil {
		return smtp.ErrAuthFailed
	}
	if _, err := sess.server.registry.Load(ctx, username); err != nil {
		return smtp.ErrAuthFailed
	}
	sess.account = username
	return nil
}

func (sess *session) Mail(from string, opts *smtp.MailOptions) error {
	if sess.account == "" {
		return smtp.ErrAuthRequired
	}
	sess.from = from
	return nil
}

func (sess *session) Rcpt(to string, opts *smtp.RcptOptions) error {
	sess.to = append(sess.to, to)
	return nil
}

func (sess *session) Data(r io.Reader) error {
	raw, err := io.ReadAll(io.LimitReader(r, maxMessageBytes))
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	queueID := uuid.NewString()
	messageID := fmt.Sprintf("%s@imapmux", uuid.NewString())
	if err := sess.server.blobs.Put(ctx, sess.account, queueID, &outbox.Message{
		From:      sess.from,
		To:        sess.to,
		Raw:       raw,
		MessageID: messageID,
		Created:   time.Now().UTC(),
	}); err != nil {
		return err
	}
	payload, err := json.Marshal(&model.SubmitPayload{Account: sess.account, QueueID: queueID, MessageID: messageID})
	if err != nil {
		return err
	}
	if _, err := sess.server.enqueue.Enqueue(ctx, model.QueueSubmit, payload, queue.Options{
		Attempts:  10,
		BaseDelay: 5 * time.Second,
		DedupeKey: sess.account + ":" + queueID,
	}); err != nil {
		return err
	}
	sess.server.logger.Info("message accepted for submission", "account", sess.account, "queueId", queueID)
	return nil
}

func (sess *session) Reset() {
	sess.from = ""
	sess.to = nil
}

func (sess *session) Logout() error { return nil }
