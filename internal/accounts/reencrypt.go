package accounts

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/imapmux/imapmux/internal/adapter/kv"
	"github.com/imapmux/imapmux/internal/domain/model"
)

// ReEncrypt re-seals every stored credential field under a new secret.
// Values sealed with the previous secret are opened first; plaintext
// values are sealed in place. Returns the number of rewritten accounts.
func ReEncrypt(ctx context.Context, store *kv.Store, previous, next string) (int, error) {
	ids, err := store.Client().SMembers(ctx, store.Key("accounts")).Result()
	if err != nil {
		return 0, fmt.Errorf("accounts: list for re-encrypt: %w", err)
	}
	rewritten := 0
	for _, id := range ids {
		key := store.Key("iad", id)
		raw, err := store.Client().HGetAll(ctx, key).Result()
		if err != nil {
			return rewritten, fmt.Errorf("accounts: read %s: %w", id, err)
		}
		fields := map[string]any{}
		for _, name := range []string{"imap", "smtp"} {
			doc := raw[name]
			if doc == "" {
				continue
			}
			sc := new(model.ServerConfig)
			if err := json.Unmarshal([]byte(doc), sc); err != nil {
				return rewritten, fmt.Errorf("accounts: decode %s of %s: %w", name, id, err)
			}
			plain, err := Open(previous, sc.Pass)
			if err != nil {
				return rewritten, fmt.Errorf("accounts: open %s secret of %s: %w", name, id, err)
			}
			sealed, err := Seal(next, plain)
			if err != nil {
				return rewritten, err
			}
			sc.Pass = sealed
			out, err := json.Marshal(sc)
			if err != nil {
				return rewritten, err
			}
			fields[name] = string(out)
		}
		if doc := raw["oauth2"]; doc != "" {
			oc := new(model.OAuth2Config)
			if err := json.Unmarshal([]byte(doc), oc); err != nil {
				return rewritten, fmt.Errorf("accounts: decode oauth2 of %s: %w", id, err)
			}
			plain, err := Open(previous, oc.RefreshToken)
			if err != nil {
				return rewritten, fmt.Errorf("accounts: open refresh token of %s: %w", id, err)
			}
			sealed, err := Seal(next, plain)
			if err != nil {
				return rewritten, err
			}
			oc.RefreshToken = sealed
			out, err := json.Marshal(oc)
			if err != nil {
				return rewritten, err
			}
			fields["oauth2"] = string(out)
		}
		if len(fields) == 0 {
			continue
		}
		if err := store.Client().HSet(ctx, key, fields).Err(); err != nil {
			return rewritten, fmt.Errorf("accounts: rewrite %s: %w", id, err)
		}
		rewritten++
	}
	return rewritten, nil
}
