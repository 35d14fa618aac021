package imapworker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/imapmux/imapmux/internal/domain/model"
	"github.com/imapmux/imapmux/internal/imapclient"
	"github.com/imapmux/imapmux/internal/outbox"
	"github.com/imapmux/imapmux/internal/queue"
	"github.com/imapmux/imapmux/internal/smtpclient"
)

const (
	rpcTimeout     = 30 * time.Second
	submitAttempts = 10
	submitBase     = 5 * time.Second
)

type listParams struct {
	Mailbox  string `json:"path"`
	Page     uint32 `json:"page"`
	PageSize uint32 `json:"pageSize"`
}

type messageParams struct {
	Mailbox  string `json:"path"`
	UID      uint32 `json:"uid"`
	Part     string `json:"part,omitempty"`
	MaxBytes int    `json:"maxBytes,omitempty"`
}

type updateParams struct {
	Mailbox string   `json:"path"`
	UID     uint32   `json:"uid"`
	Add     []string `json:"addFlags,omitempty"`
	Remove  []string `json:"removeFlags,omitempty"`
}

type moveParams struct {
	Mailbox     string `json:"path"`
	UID         uint32 `json:"uid"`
	Destination string `json:"destination"`
}

type submitParams struct {
	QueueID string `json:"queueId"`

	// Legacy producers still write qId.
	LegacyQueueID string `json:"qId,omitempty"`
}

type queueParams struct {
	From string   `json:"from"`
	To   []string `json:"to"`
	Raw  []byte   `json:"raw"`
}

type uploadParams struct {
	Mailbox string   `json:"path"`
	Raw     []byte   `json:"raw"`
	Flags   []string `json:"flags,omitempty"`
}

type mailboxParams struct {
	Path string `json:"path"`
}

type contactsParams struct {
	Mailbox string `json:"path,omitempty"`
	Limit   uint32 `json:"limit,omitempty"`
}

// handle answers one routed call. Ownership is re-checked here as
// defense in depth: the supervisor routes by the assignment map, but a
// reassignment can race the call.
func (w *Worker) handle(call *model.Call) {
	result := &model.CallResult{MID: call.MID}
	defer func() {
		if w.resolve != nil {
			w.resolve(result)
		}
	}()

	w.mu.Lock()
	sess := w.sessions[call.Account]
	w.mu.Unlock()
	if sess == nil {
		result.Err = model.ErrNoActiveHandler(call.Account)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()

	resp, err := w.dispatch(ctx, sess, call)
	if err != nil {
		var me *model.Error
		if errors.As(err, &me) {
			result.Err = me
			return
		}
		result.Err = model.NewError(model.CodeConnectFailed, 502, "%s failed: %v", call.Op, err)
		return
	}
	result.Response = resp
}

func (w *Worker) dispatch(ctx context.Context, sess *Session, call *model.Call) (any, error) {
	conn := func() (imapclient.Session, error) {
		sess.mu.Lock()
		defer sess.mu.Unlock()
		if sess.conn == nil {
			return nil, model.ErrNoActiveHandler(call.Account)
		}
		return sess.conn, nil
	}

	switch call.Op {
	case model.OpListMessages:
		var p listParams
		if err := decode(call.Params, &p); err != nil {
			return nil, err
		}
		c, err := conn()
		if err != nil {
			return nil, err
		}
		if p.PageSize == 0 {
			p.PageSize = 20
		}
		if p.Mailbox == "" {
			p.Mailbox = "INBOX"
		}
		return c.ListMessages(ctx, p.Mailbox, p.Page*p.PageSize, p.PageSize)

	case model.OpGetMessage:
		var p messageParams
		if err := decode(call.Params, &p); err != nil {
			return nil, err
		}
		c, err := conn()
		if err != nil {
			return nil, err
		}
		return c.GetMessage(ctx, p.Mailbox, p.UID)

	case model.OpGetText:
		var p messageParams
		if err := decode(call.Params, &p); err != nil {
			return nil, err
		}
		c, err := conn()
		if err != nil {
			return nil, err
		}
		return c.GetText(ctx, p.Mailbox, p.UID, p.MaxBytes)

	case model.OpGetRawMessage:
		var p messageParams
		if err := decode(call.Params, &p); err != nil {
			return nil, err
		}
		c, err := conn()
		if err != nil {
			return nil, err
		}
		return c.GetRawMessage(ctx, p.Mailbox, p.UID)

	case model.OpGetAttachment:
		var p messageParams
		if err := decode(call.Params, &p); err != nil {
			return nil, err
		}
		c, err := conn()
		if err != nil {
			return nil, err
		}
		return c.GetAttachment(ctx, p.Mailbox, p.UID, p.Part)

	case model.OpUpdateMessage:
		var p updateParams
		if err := decode(call.Params, &p); err != nil {
			return nil, err
		}
		c, err := conn()
		if err != nil {
			return nil, err
		}
		return nil, c.UpdateFlags(ctx, p.Mailbox, p.UID, p.Add, p.Remove)

	case model.OpMoveMessage:
		var p moveParams
		if err := decode(call.Params, &p); err != nil {
			return nil, err
		}
		c, err := conn()
		if err != nil {
			return nil, err
		}
		return nil, c.Move(ctx, p.Mailbox, p.UID, p.Destination)

	case model.OpDeleteMessage:
		var p messageParams
		if err := decode(call.Params, &p); err != nil {
			return nil, err
		}
		c, err := conn()
		if err != nil {
			return nil, err
		}
		return nil, c.Delete(ctx, p.Mailbox, p.UID)

	case model.OpSubmitMessage:
		var p submitParams
		if err := decode(call.Params, &p); err != nil {
			return nil, err
		}
		return w.submitMessage(ctx, sess, call.Account, &p)

	case model.OpQueueMessage:
		var p queueParams
		if err := decode(call.Params, &p); err != nil {
			return nil, err
		}
		return w.queueMessage(ctx, call.Account, &p)

	case model.OpUploadMessage:
		var p uploadParams
		if err := decode(call.Params, &p); err != nil {
			return nil, err
		}
		c, err := conn()
		if err != nil {
			return nil, err
		}
		return nil, c.Append(ctx, p.Mailbox, p.Raw, p.Flags)

	case model.OpCreateMailbox:
		var p mailboxParams
		if err := decode(call.Params, &p); err != nil {
			return nil, err
		}
		c, err := conn()
		if err != nil {
			return nil, err
		}
		return nil, c.CreateMailbox(ctx, p.Path)

	case model.OpDeleteMailbox:
		var p mailboxParams
		if err := decode(call.Params, &p); err != nil {
			return nil, err
		}
		c, err := conn()
		if err != nil {
			return nil, err
		}
		return nil, c.DeleteMailbox(ctx, p.Path)

	case model.OpBuildContacts:
		var p contactsParams
		if err := decode(call.Params, &p); err != nil {
			return nil, err
		}
		c, err := conn()
		if err != nil {
			return nil, err
		}
		return buildContacts(ctx, c, p)
	}
	return nil, model.NewError(model.CodeInvalidInput, 400, "unknown operation %q", call.Op)
}

// submitMessage delivers a queued blob over SMTP. Called by the
// submission worker through the supervisor.
func (w *Worker) submitMessage(ctx context.Context, sess *Session, accountID string, p *submitParams) (any, error) {
	queueID := p.QueueID
	if queueID == "" {
		queueID = p.LegacyQueueID
	}
	msg, err := w.blobs.Get(ctx, accountID, queueID)
	if errors.Is(err, outbox.ErrNotFound) {
		return nil, model.NewError(model.CodeNotFound, 404, "queued message %s is gone", queueID)
	}
	if err != nil {
		return nil, err
	}
	account, err := w.deps.registry.Load(ctx, accountID)
	if err != nil {
		return nil, err
	}
	req := &smtpclient.Request{From: msg.From, To: msg.To, Raw: msg.Raw}
	if account.OAuth2 != nil {
		token, expires, err := w.deps.tokens.AccessToken(ctx, account.OAuth2)
		if err != nil {
			return nil, err
		}
		_ = w.deps.registry.CacheAccessToken(ctx, accountID, token, expires)
		req.OAuthToken = token
	}
	if err := w.sender.Send(ctx, account.SMTP, req); err != nil {
		return nil, err
	}
	if account.CopyOnSend {
		sess.mu.Lock()
		conn := sess.conn
		sess.mu.Unlock()
		if conn != nil {
			if err := conn.Append(ctx, "Sent", msg.Raw, []string{"\\Seen"}); err != nil {
				w.deps.logger.Warn("copy to sent failed", "account", accountID, "err", err)
			}
		}
	}
	return map[string]any{"messageId": msg.MessageID, "queueId": queueID}, nil
}

// queueMessage stores the blob and enqueues the submission job. Same
// queueId replaces the prior pending entry end to end.
func (w *Worker) queueMessage(ctx context.Context, accountID string, p *queueParams) (any, error) {
	if len(p.Raw) == 0 || len(p.To) == 0 {
		return nil, model.NewError(model.CodeInvalidInput, 400, "message needs raw content and recipients")
	}
	queueID := uuid.NewString()
	messageID := uuid.NewString() + "@imapmux"
	if err := w.blobs.Put(ctx, accountID, queueID, &outbox.Message{
		From:      p.From,
		To:        p.To,
		Raw:       p.Raw,
		MessageID: messageID,
		Created:   time.Now().UTC(),
	}); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(&model.SubmitPayload{Account: accountID, QueueID: queueID, MessageID: messageID})
	if err != nil {
		return nil, err
	}
	jobID, err := w.deps.enqueue.Enqueue(ctx, model.QueueSubmit, payload, queue.Options{
		Attempts:  submitAttempts,
		BaseDelay: submitBase,
		DedupeKey: accountID + ":" + queueID,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"queueId": queueID, "jobId": jobID, "messageId": messageID}, nil
}

// buildContacts aggregates sender addresses over the recent envelope
// window of the mailbox.
func buildContacts(ctx context.Context, c imapclient.Session, p contactsParams) (any, error) {
	if p.Mailbox == "" {
		p.Mailbox = "INBOX"
	}
	if p.Limit == 0 {
		p.Limit = 500
	}
	msgs, err := c.ListMessages(ctx, p.Mailbox, 0, p.Limit)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]int)
	for _, msg := range msgs {
		if msg.From != "" {
			seen[msg.From]++
		}
		for _, to := range msg.To {
			seen[to]++
		}
	}
	type contact struct {
		Address string `json:"address"`
		Count   int    `json:"count"`
	}
	out := make([]contact, 0, len(seen))
	for addr, n := range seen {
		out = append(out, contact{Address: addr, Count: n})
	}
	return out, nil
}

func decode(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return model.NewError(model.CodeInvalidInput, 400, "bad parameters: %v", err)
	}
	return nil
}
