package accounts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/imapmux/imapmux/internal/adapter/bus"
	"github.com/imapmux/imapmux/internal/adapter/kv"
	"github.com/imapmux/imapmux/internal/domain/model"
)

// ErrNotFound is returned when no record exists for the account id.
var ErrNotFound = errors.New("accounts: not found")

// Registrar is the durable account catalog. All record writes go
// through it; the owning worker is limited to UpdateState and the
// cached OAuth2 access token.
type Registrar interface {
	Create(ctx context.Context, account *model.Account) error
	Load(ctx context.Context, id string) (*model.Account, error)
	Update(ctx context.Context, id string, patch func(*model.Account) error) (*model.Account, error)
	UpdateState(ctx context.Context, id string, state model.AccountState, lastErr *model.LastError) error
	CacheAccessToken(ctx context.Context, id, token string, expires time.Time) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, stateFilter model.AccountState, page, pageSize int) (*Page, error)
	IDs(ctx context.Context) ([]string, error)
}

// Page is one slice of the account listing.
type Page struct {
	Accounts []*model.Account `json:"accounts"`
	Total    int              `json:"total"`
	Page     int              `json:"page"`
	Pages    int              `json:"pages"`
}

type registry struct {
	store  *kv.Store
	bus    bus.Dispatcher
	secret string
	logger *slog.Logger
}

// RegistryConfig carries the optional at-rest encryption secret.
type RegistryConfig struct {
	EncryptionSecret string
}

func NewRegistry(store *kv.Store, dispatcher bus.Dispatcher, cfg RegistryConfig, logger *slog.Logger) Registrar {
	return &registry{store: store, bus: dispatcher, secret: cfg.EncryptionSecret, logger: logger}
}

func (r *registry) setKey() string             { return r.store.Key("accounts") }
func (r *registry) recordKey(id string) string { return r.store.Key("iad", id) }
func (r *registry) logKey(id string) string    { return r.store.Key("iah", id) }
func (r *registry) queueKey(id string) string  { return r.store.Key("iaq", id) }

// Create writes the record, adds the id to the accounts set and
// announces the membership change. Re-creating an existing id is an
// idempotent update of the stored fields.
func (r *registry) Create(ctx context.Context, account *model.Account) error {
	if account.ID == "" || len(account.ID) > 256 {
		return model.NewError(model.CodeInvalidInput, 400, "invalid account id")
	}
	if account.State == "" {
		account.State = model.StateInit
	}
	now := time.Now().UTC()
	if account.Created.IsZero() {
		account.Created = now
	}
	account.Updated = now

	fields, err := r.encode(account)
	if err != nil {
		return err
	}
	err = r.store.Retry(ctx, "accounts.create", func() error {
		pipe := r.store.Client().TxPipeline()
		pipe.HSet(ctx, r.recordKey(account.ID), fields)
		pipe.SAdd(ctx, r.setKey(), account.ID)
		_, err := pipe.Exec(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("accounts: create %s: %w", account.ID, err)
	}
	return r.bus.Publish(ctx, model.TopicAccounts, &model.ControlMessage{Cmd: model.CmdNew, Account: account.ID})
}

func (r *registry) Load(ctx context.Context, id string) (*model.Account, error) {
	raw, err := r.store.Client().HGetAll(ctx, r.recordKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("accounts: load %s: %w", id, err)
	}
	if len(raw) == 0 {
		return nil, ErrNotFound
	}
	return r.decode(id, raw)
}

// Update merges a patch into the stored record. When a
// connection-affecting field changed, the owning worker is told to
// reconnect via an update control message.
func (r *registry) Update(ctx context.Context, id string, patch func(*model.Account) error) (*model.Account, error) {
	prev, err := r.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	next := *prev
	if prev.IMAP != nil {
		cp := *prev.IMAP
		next.IMAP = &cp
	}
	if prev.SMTP != nil {
		cp := *prev.SMTP
		next.SMTP = &cp
	}
	if prev.OAuth2 != nil {
		cp := *prev.OAuth2
		next.OAuth2 = &cp
	}
	if err := patch(&next); err != nil {
		return nil, err
	}
	if !next.NotifyFrom.IsZero() && next.NotifyFrom.Before(prev.NotifyFrom) {
		// notifyFrom only moves forward.
		next.NotifyFrom = prev.NotifyFrom
	}
	next.ID = id
	next.Updated = time.Now().UTC()

	fields, err := r.encode(&next)
	if err != nil {
		return nil, err
	}
	err = r.store.Retry(ctx, "accounts.update", func() error {
		return r.store.Client().HSet(ctx, r.recordKey(id), fields).Err()
	})
	if err != nil {
		return nil, fmt.Errorf("accounts: update %s: %w", id, err)
	}
	if model.ConnectionAffecting(prev, &next) {
		if err := r.bus.Publish(ctx, model.TopicAccounts, &model.ControlMessage{Cmd: model.CmdUpdate, Account: id}); err != nil {
			return nil, err
		}
	}
	return &next, nil
}

// UpdateState is the worker-side write path: state plus last error.
func (r *registry) UpdateState(ctx context.Context, id string, state model.AccountState, lastErr *model.LastError) error {
	fields := map[string]any{"state": string(state)}
	if lastErr != nil {
		raw, err := json.Marshal(lastErr)
		if err != nil {
			return err
		}
		fields["lastError"] = string(raw)
	} else {
		fields["lastError"] = ""
	}
	// A worker racing a delete must not resurrect the record: write
	// only while the hash still exists.
	exists, err := r.store.Client().Exists(ctx, r.recordKey(id)).Result()
	if err != nil || exists == 0 {
		return err
	}
	return r.store.Client().HSet(ctx, r.recordKey(id), fields).Err()
}

// CacheAccessToken persists the refreshed OAuth2 access token.
func (r *registry) CacheAccessToken(ctx context.Context, id, token string, expires time.Time) error {
	exists, err := r.store.Client().Exists(ctx, r.recordKey(id)).Result()
	if err != nil || exists == 0 {
		return err
	}
	return r.store.Client().HSet(ctx, r.recordKey(id),
		"oauth2AccessToken", token,
		"oauth2Expires", expires.UTC().Format(time.RFC3339Nano),
	).Err()
}

// Delete tombstones credentials first so an in-flight worker sees auth
// gone, then removes set membership and every per-account key. A second
// invocation on the same id is a no-op.
func (r *registry) Delete(ctx context.Context, id string) error {
	removed, err := r.store.Client().SRem(ctx, r.setKey(), id).Result()
	if err != nil {
		return fmt.Errorf("accounts: delete %s: %w", id, err)
	}
	// Tombstone before dropping the record: the worker's next
	// credential read yields nothing and the session parks as unset.
	r.store.Client().HDel(ctx, r.recordKey(id), "imap", "smtp", "oauth2", "oauth2AccessToken")

	err = r.store.Retry(ctx, "accounts.delete", func() error {
		return r.store.Client().Del(ctx, r.recordKey(id), r.logKey(id), r.queueKey(id)).Err()
	})
	if err != nil {
		return fmt.Errorf("accounts: drop keys for %s: %w", id, err)
	}
	if removed == 0 {
		return nil
	}
	return r.bus.Publish(ctx, model.TopicAccounts, &model.ControlMessage{Cmd: model.CmdDelete, Account: id})
}

func (r *registry) IDs(ctx context.Context) ([]string, error) {
	ids, err := r.store.Client().SMembers(ctx, r.setKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("accounts: list ids: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *registry) List(ctx context.Context, stateFilter model.AccountState, page, pageSize int) (*Page, error) {
	if pageSize <= 0 {
		pageSize = 20
	}
	if page < 0 {
		page = 0
	}
	ids, err := r.IDs(ctx)
	if err != nil {
		return nil, err
	}
	all := make([]*model.Account, 0, len(ids))
	for _, id := range ids {
		account, err := r.Load(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if stateFilter != "" && account.State != stateFilter {
			continue
		}
		all = append(all, account)
	}
	total := len(all)
	pages := (total + pageSize - 1) / pageSize
	start := page * pageSize
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return &Page{Accounts: all[start:end], Total: total, Page: page, Pages: pages}, nil
}

// encode flattens the record into hash fields. Nested credential
// structs are stored as JSON strings with their secrets sealed.
func (r *registry) encode(a *model.Account) (map[string]any, error) {
	fields := map[string]any{
		"account": a.ID,
		"name":    a.Name,
		"email":   a.Email,
		"state":   string(a.State),
		"copy":    boolField(a.CopyOnSend),
		"logs":    boolField(a.Logs),
		"created": a.Created.UTC().Format(time.RFC3339Nano),
		"updated": a.Updated.UTC().Format(time.RFC3339Nano),
	}
	if !a.NotifyFrom.IsZero() {
		fields["notifyFrom"] = a.NotifyFrom.UTC().Format(time.RFC3339Nano)
	}
	if a.LastError != nil {
		raw, err := json.Marshal(a.LastError)
		if err != nil {
			return nil, err
		}
		fields["lastError"] = string(raw)
	}
	if a.IMAP != nil {
		sealed := *a.IMAP
		pass, err := Seal(r.secret, sealed.Pass)
		if err != nil {
			return nil, err
		}
		sealed.Pass = pass
		raw, err := json.Marshal(&sealed)
		if err != nil {
			return nil, err
		}
		fields["imap"] = string(raw)
	}
	if a.SMTP != nil {
		sealed := *a.SMTP
		pass, err := Seal(r.secret, sealed.Pass)
		if err != nil {
			return nil, err
		}
		sealed.Pass = pass
		raw, err := json.Marshal(&sealed)
		if err != nil {
			return nil, err
		}
		fields["smtp"] = string(raw)
	}
	if a.OAuth2 != nil {
		sealed := *a.OAuth2
		token, err := Seal(r.secret, sealed.RefreshToken)
		if err != nil {
			return nil, err
		}
		sealed.RefreshToken = token
		sealed.AccessToken = ""
		raw, err := json.Marshal(&sealed)
		if err != nil {
			return nil, err
		}
		fields["oauth2"] = string(raw)
		if a.OAuth2.AccessToken != "" {
			fields["oauth2AccessToken"] = a.OAuth2.AccessToken
			fields["oauth2Expires"] = a.OAuth2.AccessTokenExpires.UTC().Format(time.RFC3339Nano)
		}
	}
	return fields, nil
}

func (r *registry) decode(id string, raw map[string]string) (*model.Account, error) {
	a := &model.Account{
		ID:    id,
		Name:  raw["name"],
		Email: raw["email"],
		State: model.AccountState(raw["state"]),
	}
	if !a.State.Valid() {
		a.State = model.StateInit
	}
	a.CopyOnSend = raw["copy"] == "1"
	a.Logs = raw["logs"] == "1"
	a.Created = parseTime(raw["created"])
	a.Updated = parseTime(raw["updated"])
	a.NotifyFrom = parseTime(raw["notifyFrom"])
	if v := raw["lastError"]; v != "" {
		le := new(model.LastError)
		if err := json.Unmarshal([]byte(v), le); err == nil {
			a.LastError = le
		}
	}
	if v := raw["imap"]; v != "" {
		sc := new(model.ServerConfig)
		if err := json.Unmarshal([]byte(v), sc); err != nil {
			return nil, fmt.Errorf("accounts: decode imap config for %s: %w", id, err)
		}
		pass, err := Open(r.secret, sc.Pass)
		if err != nil {
			return nil, fmt.Errorf("accounts: %s: %w", id, err)
		}
		sc.Pass = pass
		a.IMAP = sc
	}
	if v := raw["smtp"]; v != "" {
		sc := new(model.ServerConfig)
		if err := json.Unmarshal([]byte(v), sc); err != nil {
			return nil, fmt.Errorf("accounts: decode smtp config for %s: %w", id, err)
		}
		pass, err := Open(r.secret, sc.Pass)
		if err != nil {
			return nil, fmt.Errorf("accounts: %s: %w", id, err)
		}
		sc.Pass = pass
		a.SMTP = sc
	}
	if v := raw["oauth2"]; v != "" {
		oc := new(model.OAuth2Config)
		if err := json.Unmarshal([]byte(v), oc); err != nil {
			return nil, fmt.Errorf("accounts: decode oauth2 config for %s: %w", id, err)
		}
		token, err := Open(r.secret, oc.RefreshToken)
		if err != nil {
			return nil, fmt.Errorf("accounts: %s: %w", id, err)
		}
		oc.RefreshToken = token
		oc.AccessToken = raw["oauth2AccessToken"]
		oc.AccessTokenExpires = parseTime(raw["oauth2Expires"])
		a.OAuth2 = oc
	}
	return a, nil
}

func boolField(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

func parseTime(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}
