package model

import (
	"time"
)

// AccountState tracks the connection lifecycle of a synced account.
type AccountState string

const (
	StateInit         AccountState = "init"
	StateConnecting   AccountState = "connecting"
	StateSyncing      AccountState = "syncing"
	StateConnected    AccountState = "connected"
	StateAuthError    AccountState = "authenticationError"
	StateConnectError AccountState = "connectError"
	StateUnset        AccountState = "unset"
	StateDisconnected AccountState = "disconnected"
)

// Valid reports whether s is one of the known lifecycle states.
func (s AccountState) Valid() bool {
	switch s {
	case StateInit, StateConnecting, StateSyncing, StateConnected,
		StateAuthError, StateConnectError, StateUnset, StateDisconnected:
		return true
	}
	return false
}

// ServerConfig describes one endpoint of an imap+smtp credential pair.
type ServerConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	TLS  bool   `json:"secure"`
	User string `json:"auth_user,omitempty"`
	// Pass is sealed at rest when an encryption secret is configured.
	Pass string `json:"auth_pass,omitempty"`
}

// OAuth2Config carries provider-backed credentials. RefreshToken is sealed
// at rest; AccessToken is a worker-maintained cache.
type OAuth2Config struct {
	Provider           string    `json:"provider"`
	User               string    `json:"auth_user"`
	RefreshToken       string    `json:"refresh_token,omitempty"`
	AccessToken        string    `json:"access_token,omitempty"`
	AccessTokenExpires time.Time `json:"expires,omitempty"`
}

// LastError is the most recent terminal error observed for an account.
type LastError struct {
	Code    string    `json:"code"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// Account is the durable record of one registered mail account.
// Writes go through the registry; the owning worker is limited to
// State, LastError and the cached OAuth2 access token.
type Account struct {
	ID    string       `json:"account"`
	Name  string       `json:"name,omitempty"`
	Email string       `json:"email,omitempty"`
	State AccountState `json:"state"`

	IMAP   *ServerConfig `json:"imap,omitempty"`
	SMTP   *ServerConfig `json:"smtp,omitempty"`
	OAuth2 *OAuth2Config `json:"oauth2,omitempty"`

	LastError *LastError `json:"lastError,omitempty"`

	// NotifyFrom is the monotonic watermark below which messageNew
	// events are suppressed.
	NotifyFrom time.Time `json:"notifyFrom,omitempty"`
	CopyOnSend bool      `json:"copy,omitempty"`
	Logs       bool      `json:"logs,omitempty"`

	Created time.Time `json:"created,omitempty"`
	Updated time.Time `json:"updated,omitempty"`
}

// HasCredentials reports whether the account still carries something a
// worker could authenticate with. Deleted accounts are tombstoned by
// clearing credentials first, so an in-flight worker observes this as
// auth gone and parks the session in the unset state.
func (a *Account) HasCredentials() bool {
	if a.OAuth2 != nil && (a.OAuth2.RefreshToken != "" || a.OAuth2.AccessToken != "") {
		return true
	}
	return a.IMAP != nil && a.IMAP.Host != ""
}

// ConnectionAffecting reports whether the patch touches fields that
// require the owning worker to reconnect.
func ConnectionAffecting(prev, next *Account) bool {
	if (prev.IMAP == nil) != (next.IMAP == nil) || (prev.OAuth2 == nil) != (next.OAuth2 == nil) {
		return true
	}
	if prev.IMAP != nil && next.IMAP != nil && *prev.IMAP != *next.IMAP {
		return true
	}
	if prev.OAuth2 != nil && next.OAuth2 != nil {
		if prev.OAuth2.Provider != next.OAuth2.Provider ||
			prev.OAuth2.User != next.OAuth2.User ||
			prev.OAuth2.RefreshToken != next.OAuth2.RefreshToken {
			return true
		}
	}
	if prev.SMTP != nil && next.SMTP != nil && *prev.SMTP != *next.SMTP {
		return true
	}
	return (prev.SMTP == nil) != (next.SMTP == nil)
}
