// Package outbox keeps the durable message blobs behind submission
// jobs. The queue job only references account and queueId; the message
// itself lives here, so a lost job never loses mail.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/imapmux/imapmux/internal/adapter/kv"
)

// ErrNotFound is returned when the blob was already removed — usually a
// race with account deletion or terminal cleanup.
var ErrNotFound = errors.New("outbox: message not found")

// Message is the stored submission payload.
type Message struct {
	From      string    `msgpack:"from"`
	To        []string  `msgpack:"to"`
	Raw       []byte    `msgpack:"raw"`
	MessageID string    `msgpack:"messageId"`
	Created   time.Time `msgpack:"created"`
}

type Store struct {
	store *kv.Store
}

func NewStore(store *kv.Store) *Store { return &Store{store: store} }

func (s *Store) key(account string) string { return s.store.Key("iaq", account) }

// Put writes the blob before the job referencing it is enqueued.
// Re-putting the same queueId is last-write-wins.
func (s *Store) Put(ctx context.Context, account, queueID string, msg *Message) error {
	blob, err := msgpack.Marshal(msg)
	if err != nil {
		return fmt.Errorf("outbox: encode: %w", err)
	}
	if err := s.store.Client().HSet(ctx, s.key(account), queueID, blob).Err(); err != nil {
		return fmt.Errorf("outbox: store %s/%s: %w", account, queueID, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, account, queueID string) (*Message, error) {
	blob, err := s.store.Client().HGet(ctx, s.key(account), queueID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("outbox: load %s/%s: %w", account, queueID, err)
	}
	msg := new(Message)
	if err := msgpack.Unmarshal(blob, msg); err != nil {
		return nil, fmt.Errorf("outbox: decode %s/%s: %w", account, queueID, err)
	}
	return msg, nil
}

// Delete removes the blob once its job reached a terminal state.
func (s *Store) Delete(ctx context.Context, account, queueID string) error {
	return s.store.Client().HDel(ctx, s.key(account), queueID).Err()
}
