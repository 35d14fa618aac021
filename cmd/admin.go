package cmd

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/urfave/cli/v2"
	"golang.org/x/crypto/pbkdf2"

	"github.com/imapmux/imapmux/config"
	"github.com/imapmux/imapmux/internal/accounts"
	"github.com/imapmux/imapmux/internal/adapter/kv"
	"github.com/imapmux/imapmux/internal/settings"
	"github.com/imapmux/imapmux/internal/tokens"
)

// adminStore builds the minimal stack the offline commands need: just
// config and the KV adapter, no worker pools.
func adminStore(c *cli.Context) (*kv.Store, *config.Config, error) {
	cfg, err := config.LoadConfig(c.String("config_file"))
	if err != nil {
		return nil, nil, err
	}
	logger := slog.Default()
	store := kv.NewStore(kv.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		Prefix:   cfg.Redis.Prefix,
	}, logger)
	if err := store.Ping(c.Context); err != nil {
		return nil, nil, fmt.Errorf("kv store unreachable: %w", err)
	}
	return store, cfg, nil
}

func encryptCmd() *cli.Command {
	return &cli.Command{
		Name:  "encrypt",
		Usage: "Re-encrypt stored account secrets with a new key",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "secret", Usage: "New encryption secret", Required: true},
			&cli.StringFlag{Name: "previous", Usage: "Secret the data is currently sealed with"},
		},
		Action: func(c *cli.Context) error {
			store, cfg, err := adminStore(c)
			if err != nil {
				return err
			}
			defer store.Close()
			previous := c.String("previous")
			if previous == "" {
				previous = cfg.EncryptionSecret
			}
			n, err := accounts.ReEncrypt(c.Context, store, previous, c.String("secret"))
			if err != nil {
				return err
			}
			fmt.Printf("re-encrypted %d accounts\n", n)
			return nil
		},
	}
}

func scanCmd() *cli.Command {
	return &cli.Command{
		Name:  "scan",
		Usage: "Iterate stored state for diagnostics",
		Action: func(c *cli.Context) error {
			store, _, err := adminStore(c)
			if err != nil {
				return err
			}
			defer store.Close()
			ctx := c.Context
			var cursor uint64
			pattern := store.Key("*")
			for {
				keys, next, err := store.Client().Scan(ctx, cursor, pattern, 100).Result()
				if err != nil {
					return err
				}
				for _, key := range keys {
					kind, err := store.Client().Type(ctx, key).Result()
					if err != nil {
						continue
					}
					size := keySize(ctx, store, key, kind)
					fmt.Printf("%-8s %8d  %s\n", kind, size, key)
				}
				cursor = next
				if cursor == 0 {
					return nil
				}
			}
		},
	}
}

func keySize(ctx context.Context, store *kv.Store, key, kind string) int64 {
	switch kind {
	case "hash":
		n, _ := store.Client().HLen(ctx, key).Result()
		return n
	case "list":
		n, _ := store.Client().LLen(ctx, key).Result()
		return n
	case "set":
		n, _ := store.Client().SCard(ctx, key).Result()
		return n
	case "zset":
		n, _ := store.Client().ZCard(ctx, key).Result()
		return n
	default:
		n, _ := store.Client().StrLen(ctx, key).Result()
		return n
	}
}

const passwordAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func passwordCmd() *cli.Command {
	return &cli.Command{
		Name:  "password",
		Usage: "Set the admin password",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "password", Usage: "Password to set (generated when absent)"},
			&cli.BoolFlag{Name: "hash", Usage: "Print the stored hash instead of the password"},
		},
		Action: func(c *cli.Context) error {
			password := c.String("password")
			generated := password == ""
			if generated {
				var sb strings.Builder
				for i := 0; i < 16; i++ {
					n, err := rand.Int(rand.Reader, big.NewInt(int64(len(passwordAlphabet))))
					if err != nil {
						return cli.Exit(err.Error(), 1)
					}
					sb.WriteByte(passwordAlphabet[n.Int64()])
				}
				password = sb.String()
			}
			if len(password) < 8 {
				return cli.Exit("password must be at least 8 characters", 1)
			}
			store, _, err := adminStore(c)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			defer store.Close()

			salt := make([]byte, 16)
			if _, err := rand.Read(salt); err != nil {
				return cli.Exit(err.Error(), 1)
			}
			hash := pbkdf2.Key([]byte(password), salt, 25000, 32, sha256.New)
			record := map[string]string{
				"salt": base64.RawURLEncoding.EncodeToString(salt),
				"hash": base64.RawURLEncoding.EncodeToString(hash),
			}
			doc, err := json.Marshal(record)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			if err := store.Client().HSet(c.Context, store.Key("settings"), settings.KeyAdminPassword, string(doc)).Err(); err != nil {
				return cli.Exit(err.Error(), 1)
			}
			if c.Bool("hash") {
				fmt.Println(base64.RawURLEncoding.EncodeToString(hash))
			} else if generated {
				fmt.Println(password)
			} else {
				fmt.Println("password updated")
			}
			return nil
		},
	}
}

func tokensCmd() *cli.Command {
	return &cli.Command{
		Name:  "tokens",
		Usage: "Manage API access tokens",
		Subcommands: []*cli.Command{
			{
				Name:  "issue",
				Usage: "Create a new token",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "description"},
					&cli.StringSliceFlag{Name: "scope", Usage: "Token scopes (*, api, metrics)"},
				},
				Action: func(c *cli.Context) error {
					store, _, err := adminStore(c)
					if err != nil {
						return err
					}
					defer store.Close()
					svc := tokens.NewService(store)
					token, meta, err := svc.Issue(c.Context, c.String("description"), c.StringSlice("scope"))
					if err != nil {
						return err
					}
					fmt.Printf("id: %s\ntoken: %s\n", meta.ID, token)
					return nil
				},
			},
			{
				Name:  "export",
				Usage: "Export a token as portable base64url msgpack",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "token", Required: true},
				},
				Action: func(c *cli.Context) error {
					store, _, err := adminStore(c)
					if err != nil {
						return err
					}
					defer store.Close()
					svc := tokens.NewService(store)
					data, err := svc.Export(c.Context, c.String("token"))
					if err != nil {
						return err
					}
					fmt.Println(data)
					return nil
				},
			},
			{
				Name:  "import",
				Usage: "Install an exported token",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "data", Required: true},
				},
				Action: func(c *cli.Context) error {
					store, _, err := adminStore(c)
					if err != nil {
						return err
					}
					defer store.Close()
					svc := tokens.NewService(store)
					meta, err := svc.Import(c.Context, c.String("data"))
					if err != nil {
						return err
					}
					fmt.Printf("imported token %s (scopes %s)\n", meta.ID, strings.Join(meta.Scopes, ","))
					return nil
				},
			},
		},
	}
}
