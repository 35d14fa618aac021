// Package tokens manages API access tokens: random secrets stored only
// as digests, with msgpack-based export/import so a token can move
// between instances without losing its authorization.
package tokens

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/imapmux/imapmux/internal/adapter/kv"
)

// Scopes a token may carry.
const (
	ScopeAll     = "*"
	ScopeAPI     = "api"
	ScopeMetrics = "metrics"
)

var validScopes = map[string]struct{}{ScopeAll: {}, ScopeAPI: {}, ScopeMetrics: {}}

// ErrDenied is returned for unknown tokens and scope mismatches alike,
// so callers cannot probe which tokens exist.
var ErrDenied = errors.New("tokens: access denied")

// Meta is the stored description of one token. The secret itself never
// touches the store.
type Meta struct {
	ID          string    `json:"id" msgpack:"id"`
	Description string    `json:"description" msgpack:"description"`
	Scopes      []string  `json:"scopes" msgpack:"scopes"`
	Created     time.Time `json:"created" msgpack:"created"`
}

// export is the msgpack shape moved between instances. Key carries the
// raw secret so import regenerates the same effective authorization.
type export struct {
	Meta Meta   `msgpack:"meta"`
	Key  []byte `msgpack:"key"`
}

type Service struct {
	store *kv.Store
}

func NewService(store *kv.Store) *Service { return &Service{store: store} }

func (s *Service) key() string { return s.store.Key("tokens") }

func digest(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Encode renders the raw secret the way it is handed to operators.
func Encode(raw []byte) string { return base64.RawURLEncoding.EncodeToString(raw) }

// Issue creates a token with the given scopes and returns its printable
// secret. The store keeps only the digest.
func (s *Service) Issue(ctx context.Context, description string, scopes []string) (string, *Meta, error) {
	if len(scopes) == 0 {
		scopes = []string{ScopeAPI}
	}
	for _, sc := range scopes {
		if _, ok := validScopes[sc]; !ok {
			return "", nil, fmt.Errorf("tokens: unknown scope %q", sc)
		}
	}
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, fmt.Errorf("tokens: generate: %w", err)
	}
	meta := &Meta{
		ID:          digest(raw)[:16],
		Description: description,
		Scopes:      scopes,
		Created:     time.Now().UTC(),
	}
	if err := s.put(ctx, raw, meta); err != nil {
		return "", nil, err
	}
	return Encode(raw), meta, nil
}

func (s *Service) put(ctx context.Context, raw []byte, meta *Meta) error {
	doc, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	if err := s.store.Client().HSet(ctx, s.key(), digest(raw), string(doc)).Err(); err != nil {
		return fmt.Errorf("tokens: store: %w", err)
	}
	return nil
}

// Export serializes an issued token (secret included) as
// base64url-encoded msgpack.
func (s *Service) Export(ctx context.Context, token string) (string, error) {
	raw, meta, err := s.lookup(ctx, token)
	if err != nil {
		return "", err
	}
	blob, err := msgpack.Marshal(&export{Meta: *meta, Key: raw})
	if err != nil {
		return "", fmt.Errorf("tokens: export: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(blob), nil
}

// Import installs an exported token. The regenerated digest matches the
// origin instance, so the same secret authorizes here too.
func (s *Service) Import(ctx context.Context, data string) (*Meta, error) {
	blob, err := base64.RawURLEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("tokens: decode import: %w", err)
	}
	var exp export
	if err := msgpack.Unmarshal(blob, &exp); err != nil {
		return nil, fmt.Errorf("tokens: unpack import: %w", err)
	}
	if len(exp.Key) == 0 {
		return nil, errors.New("tokens: import carries no key")
	}
	for _, sc := range exp.Meta.Scopes {
		if _, ok := validScopes[sc]; !ok {
			return nil, fmt.Errorf("tokens: import carries unknown scope %q", sc)
		}
	}
	if err := s.put(ctx, exp.Key, &exp.Meta); err != nil {
		return nil, err
	}
	return &exp.Meta, nil
}

// Delete revokes a token by its printable secret.
func (s *Service) Delete(ctx context.Context, token string) error {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return ErrDenied
	}
	return s.store.Client().HDel(ctx, s.key(), digest(raw)).Err()
}

// Authenticate checks the token exists and carries the required scope.
func (s *Service) Authenticate(ctx context.Context, token, scope string) (*Meta, error) {
	_, meta, err := s.lookup(ctx, token)
	if err != nil {
		return nil, err
	}
	for _, sc := range meta.Scopes {
		if sc == ScopeAll || sc == scope {
			return meta, nil
		}
	}
	return nil, ErrDenied
}

func (s *Service) lookup(ctx context.Context, token string) ([]byte, *Meta, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, nil, ErrDenied
	}
	doc, err := s.store.Client().HGet(ctx, s.key(), digest(raw)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil, ErrDenied
	}
	if err != nil {
		return nil, nil, fmt.Errorf("tokens: lookup: %w", err)
	}
	meta := new(Meta)
	if err := json.Unmarshal([]byte(doc), meta); err != nil {
		return nil, nil, fmt.Errorf("tokens: decode meta: %w", err)
	}
	return raw, meta, nil
}
