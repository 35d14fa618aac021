// Package httphandler is the thin JSON surface over the core: account
// CRUD passes through the registry, account-scoped reads and submits go
// through the supervisor's router, and metrics ride promhttp.
package httphandler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/imapmux/imapmux/internal/accounts"
	"github.com/imapmux/imapmux/internal/domain/model"
	"github.com/imapmux/imapmux/internal/metrics"
	"github.com/imapmux/imapmux/internal/queue"
	"github.com/imapmux/imapmux/internal/settings"
	"github.com/imapmux/imapmux/internal/supervisor"
	"github.com/imapmux/imapmux/internal/tokens"
	imapworker "github.com/imapmux/imapmux/internal/worker/imap"
)

// Config selects the listener address.
type Config struct {
	Addr string
}

type API struct {
	cfg      Config
	registry accounts.Registrar
	router   *supervisor.Router
	engine   *queue.Engine
	tokens   *tokens.Service
	settings *settings.Service
	metrics  *metrics.Registry
	ring     *imapworker.LogRing
	logger   *slog.Logger
}

func NewAPI(
	cfg Config,
	registry accounts.Registrar,
	router *supervisor.Router,
	engine *queue.Engine,
	tok *tokens.Service,
	set *settings.Service,
	reg *metrics.Registry,
	ring *imapworker.LogRing,
	logger *slog.Logger,
) *API {
	return &API{
		cfg:      cfg,
		registry: registry,
		router:   router,
		engine:   engine,
		tokens:   tok,
		settings: set,
		metrics:  reg,
		ring:     ring,
		logger:   logger,
	}
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.With(a.auth(tokens.ScopeMetrics)).Method(http.MethodGet, "/metrics",
		promhttp.HandlerFor(a.metrics.Prometheus(), promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Use(a.auth(tokens.ScopeAPI))

		r.Get("/accounts", a.listAccounts)
		r.Post("/account", a.createAccount)
		r.Route("/account/{id}", func(r chi.Router) {
			r.Get("/", a.getAccount)
			r.Put("/", a.updateAccount)
			r.Delete("/", a.deleteAccount)
			r.Get("/logs", a.accountLogs)
			r.Get("/messages", a.proxy(model.OpListMessages))
			r.Get("/message", a.proxy(model.OpGetMessage))
			r.Get("/text", a.proxy(model.OpGetText))
			r.Get("/contacts", a.proxy(model.OpBuildContacts))
			r.Post("/submit", a.proxy(model.OpQueueMessage))
			r.Post("/mailbox", a.proxy(model.OpCreateMailbox))
			r.Delete("/mailbox", a.proxy(model.OpDeleteMailbox))
		})
		r.Post("/webhook/test", a.webhookTest)
		r.Get("/settings/{key}", a.getSetting)
		r.Put("/settings/{key}", a.putSetting)
	})
	return r
}

// Serve blocks on the HTTP listener.
func (a *API) Serve() error {
	a.logger.Info("api listening", "addr", a.cfg.Addr)
	srv := &http.Server{Addr: a.cfg.Addr, Handler: a.Handler(), ReadHeaderTimeout: 10 * time.Second}
	return srv.ListenAndServe()
}

func (a *API) auth(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if token == "" {
				writeError(w, model.NewError(model.CodeAuthFailed, 401, "missing bearer token"))
				return
			}
			if _, err := a.tokens.Authenticate(r.Context(), token, scope); err != nil {
				writeError(w, model.NewError(model.CodeAuthFailed, 403, "access denied"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (a *API) listAccounts(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("pageSize"))
	state := model.AccountState(r.URL.Query().Get("state"))
	out, err := a.registry.List(r.Context(), state, page, pageSize)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) createAccount(w http.ResponseWriter, r *http.Request) {
	account := new(model.Account)
	if err := json.NewDecoder(r.Body).Decode(account); err != nil {
		writeError(w, model.NewError(model.CodeInvalidInput, 400, "bad account document: %v", err))
		return
	}
	if err := a.registry.Create(r.Context(), account); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"account": account.ID, "state": string(account.State)})
}

func (a *API) getAccount(w http.ResponseWriter, r *http.Request) {
	account, err := a.registry.Load(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, accounts.ErrNotFound) {
		writeError(w, model.NewError(model.CodeNotFound, 404, "account not found"))
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	// Secrets never leave over the API.
	if account.IMAP != nil {
		account.IMAP.Pass = ""
	}
	if account.SMTP != nil {
		account.SMTP.Pass = ""
	}
	if account.OAuth2 != nil {
		account.OAuth2.RefreshToken = ""
		account.OAuth2.AccessToken = ""
	}
	writeJSON(w, http.StatusOK, account)
}

func (a *API) updateAccount(w http.ResponseWriter, r *http.Request) {
	patch := new(model.Account)
	if err := json.NewDecoder(r.Body).Decode(patch); err != nil {
		writeError(w, model.NewError(model.CodeInvalidInput, 400, "bad patch document: %v", err))
		return
	}
	account, err := a.registry.Update(r.Context(), chi.URLParam(r, "id"), func(current *model.Account) error {
		if patch.Name != "" {
			current.Name = patch.Name
		}
		if patch.Email != "" {
			current.Email = patch.Email
		}
		if patch.IMAP != nil {
			current.IMAP = patch.IMAP
		}
		if patch.SMTP != nil {
			current.SMTP = patch.SMTP
		}
		if patch.OAuth2 != nil {
			current.OAuth2 = patch.OAuth2
		}
		if !patch.NotifyFrom.IsZero() {
			current.NotifyFrom = patch.NotifyFrom
		}
		current.CopyOnSend = patch.CopyOnSend
		current.Logs = patch.Logs
		return nil
	})
	if errors.Is(err, accounts.ErrNotFound) {
		writeError(w, model.NewError(model.CodeNotFound, 404, "account not found"))
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"account": account.ID})
}

func (a *API) deleteAccount(w http.ResponseWriter, r *http.Request) {
	if err := a.registry.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (a *API) accountLogs(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.ParseInt(r.URL.Query().Get("limit"), 10, 64)
	entries, err := a.ring.Read(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// proxy routes an account-scoped operation through the supervisor. GET
// parameters arrive as query values, POST bodies as JSON.
func (a *API) proxy(op string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var params any
		if r.Method == http.MethodGet || r.Body == nil {
			values := map[string]any{}
			for k, v := range r.URL.Query() {
				if len(v) == 0 {
					continue
				}
				if n, err := strconv.Atoi(v[0]); err == nil {
					values[k] = n
				} else {
					values[k] = v[0]
				}
			}
			params = values
		} else {
			raw := json.RawMessage{}
			if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
				writeError(w, model.NewError(model.CodeInvalidInput, 400, "bad request body: %v", err))
				return
			}
			params = raw
		}
		resp, err := a.router.Call(r.Context(), id, op, params)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (a *API) webhookTest(w http.ResponseWriter, r *http.Request) {
	ev := model.NewEvent("", model.EventTest, map[string]any{"probe": true})
	payload, err := json.Marshal(ev)
	if err != nil {
		writeError(w, err)
		return
	}
	jobID, err := a.engine.Enqueue(r.Context(), model.QueueNotify, payload, queue.Options{Attempts: 1})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"jobId": jobID})
}

func (a *API) getSetting(w http.ResponseWriter, r *http.Request) {
	var value json.RawMessage
	var raw string
	ok, err := a.settings.Get(r.Context(), chi.URLParam(r, "key"), &raw)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, model.NewError(model.CodeNotFound, 404, "setting not present"))
		return
	}
	value = json.RawMessage(raw)
	if !json.Valid(value) {
		value, _ = json.Marshal(raw)
	}
	writeJSON(w, http.StatusOK, map[string]json.RawMessage{"value": value})
}

func (a *API) putSetting(w http.ResponseWriter, r *http.Request) {
	var value any
	if err := json.NewDecoder(r.Body).Decode(&value); err != nil {
		writeError(w, model.NewError(model.CodeInvalidInput, 400, "bad setting value: %v", err))
		return
	}
	if err := a.settings.Set(r.Context(), chi.URLParam(r, "key"), value); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"saved": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	var me *model.Error
	if errors.As(err, &me) {
		writeJSON(w, me.StatusCode, me)
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
}
