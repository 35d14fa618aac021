package imapworker

import (
	"context"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/imapmux/imapmux/internal/adapter/kv"
)

// LogEntry is one line of an account's bounded diagnostic log.
type LogEntry struct {
	Time    time.Time `msgpack:"t"`
	Level   string    `msgpack:"l"`
	Message string    `msgpack:"m"`
	State   string    `msgpack:"s,omitempty"`
}

// LogRing appends msgpack-encoded entries to the per-account log list,
// trimmed to maxLines. Only the owning worker writes; the API reads.
type LogRing struct {
	store    *kv.Store
	maxLines int64
}

func NewLogRing(store *kv.Store, maxLines int64) *LogRing {
	if maxLines <= 0 {
		maxLines = 10000
	}
	return &LogRing{store: store, maxLines: maxLines}
}

func (r *LogRing) key(account string) string { return r.store.Key("iah", account) }

// Append writes one entry. Ring failures are non-fatal for the session;
// callers ignore the error except for logging.
func (r *LogRing) Append(ctx context.Context, account string, entry *LogEntry) error {
	if entry.Time.IsZero() {
		entry.Time = time.Now().UTC()
	}
	blob, err := msgpack.Marshal(entry)
	if err != nil {
		return err
	}
	pipe := r.store.Client().TxPipeline()
	pipe.LPush(ctx, r.key(account), blob)
	pipe.LTrim(ctx, r.key(account), 0, r.maxLines-1)
	_, err = pipe.Exec(ctx)
	return err
}

// Read returns up to limit entries, newest first.
func (r *LogRing) Read(ctx context.Context, account string, limit int64) ([]*LogEntry, error) {
	if limit <= 0 {
		limit = r.maxLines
	}
	rows, err := r.store.Client().LRange(ctx, r.key(account), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*LogEntry, 0, len(rows))
	for _, row := range rows {
		entry := new(LogEntry)
		if err := msgpack.Unmarshal([]byte(row), entry); err != nil {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}
