// Package smtpclient is the submission side of the engine: it carries a
// composed message to the account's configured SMTP endpoint.
package smtpclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/imapmux/imapmux/internal/domain/model"
)

// Request is one message to hand to the upstream server.
type Request struct {
	From string
	To   []string
	Raw  []byte

	// OAuthToken switches authentication to OAUTHBEARER.
	OAuthToken string
}

// Sender submits messages for an account. Implemented here over the
// go-smtp client; faked in worker tests.
type Sender interface {
	Send(ctx context.Context, cfg *model.ServerConfig, req *Request) error
}

type sender struct{}

func NewSender() Sender { return sender{} }

const submitTimeout = 2 * time.Minute

func (sender) Send(ctx context.Context, cfg *model.ServerConfig, req *Request) error {
	if cfg == nil || cfg.Host == "" {
		return model.NewError(model.CodeInvalidInput, 400, "account has no smtp configuration")
	}
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	tlsCfg := &tls.Config{ServerName: cfg.Host}

	var (
		c   *smtp.Client
		err error
	)
	dctx, cancel := context.WithTimeout(ctx, submitTimeout)
	defer cancel()
	d := net.Dialer{}
	conn, err := d.DialContext(dctx, "tcp", addr)
	if err != nil {
		return model.NewError(model.CodeConnectFailed, 502, "smtp dial %s: %v", addr, err)
	}
	if cfg.TLS {
		c = smtp.NewClient(tls.Client(conn, tlsCfg))
	} else {
		c = smtp.NewClient(conn)
		if err := c.StartTLS(tlsCfg); err != nil && !isUnsupported(err) {
			_ = c.Close()
			return wrap(err)
		}
	}
	defer c.Close()

	var auth sasl.Client
	switch {
	case req.OAuthToken != "":
		auth = sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
			Username: cfg.User,
			Token:    req.OAuthToken,
			Host:     cfg.Host,
			Port:     cfg.Port,
		})
	case cfg.User != "":
		auth = sasl.NewPlainClient("", cfg.User, cfg.Pass)
	}
	if auth != nil {
		if err := c.Auth(auth); err != nil {
			return wrap(err)
		}
	}
	if err := c.SendMail(req.From, req.To, bytes.NewReader(req.Raw)); err != nil {
		return wrap(err)
	}
	return nil
}

// wrap lifts SMTP status codes into the engine's coded error shape so
// the submission worker can tell permanent 5xx replies from transient
// failures.
func wrap(err error) error {
	var serr *smtp.SMTPError
	if ok := asSMTPError(err, &serr); ok {
		return model.NewError(model.CodeSubmitFailed, serr.Code, "smtp: %s", strings.TrimSpace(serr.Message))
	}
	return model.NewError(model.CodeConnectFailed, 502, "smtp: %v", err)
}

func asSMTPError(err error, out **smtp.SMTPError) bool {
	for err != nil {
		if serr, ok := err.(*smtp.SMTPError); ok {
			*out = serr
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func isUnsupported(err error) bool {
	var serr *smtp.SMTPError
	return asSMTPError(err, &serr) && serr.Code == 502
}
