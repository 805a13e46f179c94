package storage

import (
	"context"
	logx "relaybot/pkg/logx"
	"time"
)

// Store is the persistence API used by the relay engine.
//
// The store is authoritative for original<->delivered mappings; the
// in-memory cache only accelerates it and can always be repopulated.
type Store interface {
	// SaveMessageNow upserts a single row immediately, outside the batch
	// path. Used when a later step needs the row to exist first.
	SaveMessageNow(ctx context.Context, rec MessageRecord) error

	// UpdateContent updates content and updated_at only. It never touches
	// relayed_id.
	UpdateContent(ctx context.Context, originalID, content string, editedAt time.Time) error

	// SetRelayedID records the delivered identity for an original id.
	// It is idempotent for the same value and retries briefly when the
	// original row has not landed yet (the row write and the delivery
	// completion race). After exhausting retries it returns (false, nil):
	// the relay itself succeeded even if the bookkeeping did not.
	SetRelayedID(ctx context.Context, originalID, relayedID string) (bool, error)

	FindByOriginalID(ctx context.Context, originalID string) (MessageRecord, bool, error)
	FindByRelayedID(ctx context.Context, relayedID string) (MessageRecord, bool, error)

	// FindByContent is a best-effort fallback: exact content equality
	// within a recent window, restricted to rows with no relayed_id yet.
	// It can mismatch on duplicate content; callers must treat a hit as a
	// heuristic, not a stored mapping.
	FindByContent(ctx context.Context, content string, since time.Time) (MessageRecord, bool, error)

	// FlushBatch upserts every record in one transaction, all-or-nothing.
	// The message upsert never writes relayed_id on conflict.
	FlushBatch(ctx context.Context, msgs []MessageRecord, members []MemberRecord) error

	FindMember(ctx context.Context, userID, guildID string) (MemberRecord, bool, error)

	// PruneBefore deletes message rows created before cutoff and member
	// rows last seen before cutoff. Returns rows removed.
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)

	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// Open initializes the SQLite store at cfg.Path.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	return openSQLite(cfg, log)
}
