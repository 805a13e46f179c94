package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	logx "relaybot/pkg/logx"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const (
	setRelayedAttempts = 3
	setRelayedDelay    = 25 * time.Millisecond
)

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const messageUpsertSQL = `
INSERT INTO message_relations(original_id, channel_id, guild_id, author_id, author_name, content, relayed_id, created_at, updated_at)
VALUES(?,?,?,?,?,?,?,?,?)
ON CONFLICT(original_id) DO UPDATE SET
  content     = excluded.content,
  author_name = excluded.author_name,
  updated_at  = excluded.updated_at`

const memberUpsertSQL = `
INSERT INTO channel_members(user_id, guild_id, display_name, guild_name, roles, status, platforms, last_seen)
VALUES(?,?,?,?,?,?,?,?)
ON CONFLICT(user_id, guild_id) DO UPDATE SET
  display_name = excluded.display_name,
  guild_name   = excluded.guild_name,
  roles        = excluded.roles,
  status       = excluded.status,
  platforms    = excluded.platforms,
  last_seen    = excluded.last_seen`

func (s *sqliteStore) SaveMessageNow(ctx context.Context, rec MessageRecord) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	if strings.TrimSpace(rec.OriginalID) == "" {
		return errors.New("storage: original id is required")
	}
	fillTimes(&rec)
	_, err := s.db.ExecContext(ctx, messageUpsertSQL, messageArgs(rec)...)
	return err
}

func (s *sqliteStore) UpdateContent(ctx context.Context, originalID, content string, editedAt time.Time) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	if editedAt.IsZero() {
		editedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE message_relations SET content = ?, updated_at = ? WHERE original_id = ?`,
		content, editedAt.UnixMilli(), originalID,
	)
	return err
}

func (s *sqliteStore) SetRelayedID(ctx context.Context, originalID, relayedID string) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrClosed
	}
	if originalID == "" || relayedID == "" {
		return false, errors.New("storage: empty id")
	}

	for attempt := 1; ; attempt++ {
		res, err := s.db.ExecContext(ctx,
			`UPDATE message_relations SET relayed_id = ?, updated_at = ?
			 WHERE original_id = ? AND relayed_id IN ('', ?)`,
			relayedID, time.Now().UnixMilli(), originalID, relayedID,
		)
		if err != nil {
			return false, err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return true, nil
		}

		// Zero rows: either the original row has not landed yet, or it is
		// already mapped to a different delivery. Only the former retries.
		existing, ok, err := s.FindByOriginalID(ctx, originalID)
		if err != nil {
			return false, err
		}
		if ok {
			if existing.RelayedID == relayedID {
				return true, nil
			}
			s.log.Warn("storage: refusing to remap original id",
				logx.String("original_id", originalID),
			)
			return false, nil
		}
		if attempt >= setRelayedAttempts {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(setRelayedDelay):
		}
	}
}

const messageSelectSQL = `
SELECT original_id, channel_id, guild_id, author_id, author_name, content, relayed_id, created_at, updated_at
FROM message_relations`

func (s *sqliteStore) FindByOriginalID(ctx context.Context, originalID string) (MessageRecord, bool, error) {
	if s == nil || s.db == nil {
		return MessageRecord{}, false, ErrClosed
	}
	row := s.db.QueryRowContext(ctx, messageSelectSQL+` WHERE original_id = ?`, originalID)
	return scanMessage(row)
}

func (s *sqliteStore) FindByRelayedID(ctx context.Context, relayedID string) (MessageRecord, bool, error) {
	if s == nil || s.db == nil {
		return MessageRecord{}, false, ErrClosed
	}
	if relayedID == "" {
		return MessageRecord{}, false, nil
	}
	row := s.db.QueryRowContext(ctx, messageSelectSQL+` WHERE relayed_id = ? LIMIT 1`, relayedID)
	return scanMessage(row)
}

func (s *sqliteStore) FindByContent(ctx context.Context, content string, since time.Time) (MessageRecord, bool, error) {
	if s == nil || s.db == nil {
		return MessageRecord{}, false, ErrClosed
	}
	if content == "" {
		return MessageRecord{}, false, nil
	}
	row := s.db.QueryRowContext(ctx,
		messageSelectSQL+` WHERE content = ? AND relayed_id = '' AND created_at >= ?
		 ORDER BY created_at DESC LIMIT 1`,
		content, since.UnixMilli(),
	)
	return scanMessage(row)
}

func (s *sqliteStore) FlushBatch(ctx context.Context, msgs []MessageRecord, members []MemberRecord) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	if len(msgs) == 0 && len(members) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for i := range msgs {
		fillTimes(&msgs[i])
		if _, err := tx.ExecContext(ctx, messageUpsertSQL, messageArgs(msgs[i])...); err != nil {
			return err
		}
	}
	for _, m := range members {
		if m.LastSeen.IsZero() {
			m.LastSeen = time.Now()
		}
		if _, err := tx.ExecContext(ctx, memberUpsertSQL,
			m.UserID, m.GuildID, m.DisplayName, m.GuildName,
			encodeStrings(m.Roles), m.Status, encodeStrings(m.Platforms),
			m.LastSeen.UnixMilli(),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) FindMember(ctx context.Context, userID, guildID string) (MemberRecord, bool, error) {
	if s == nil || s.db == nil {
		return MemberRecord{}, false, ErrClosed
	}
	var m MemberRecord
	var roles, platforms string
	var lastSeen int64
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, guild_id, display_name, guild_name, roles, status, platforms, last_seen
		 FROM channel_members WHERE user_id = ? AND guild_id = ?`,
		userID, guildID,
	).Scan(&m.UserID, &m.GuildID, &m.DisplayName, &m.GuildName, &roles, &m.Status, &platforms, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return MemberRecord{}, false, nil
	}
	if err != nil {
		return MemberRecord{}, false, err
	}
	m.Roles = decodeStrings(roles)
	m.Platforms = decodeStrings(platforms)
	m.LastSeen = time.UnixMilli(lastSeen)
	return m, true, nil
}

func (s *sqliteStore) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrClosed
	}
	ms := cutoff.UnixMilli()
	var total int64
	res, err := s.db.ExecContext(ctx, `DELETE FROM message_relations WHERE created_at < ?`, ms)
	if err != nil {
		return 0, err
	}
	if n, err := res.RowsAffected(); err == nil {
		total += n
	}
	res, err = s.db.ExecContext(ctx, `DELETE FROM channel_members WHERE last_seen < ?`, ms)
	if err != nil {
		return total, err
	}
	if n, err := res.RowsAffected(); err == nil {
		total += n
	}
	return total, nil
}

func (s *sqliteStore) Stats(ctx context.Context) (Stats, error) {
	if s == nil || s.db == nil {
		return Stats{}, ErrClosed
	}
	var st Stats
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM message_relations`).Scan(&st.Messages); err != nil {
		return st, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM message_relations WHERE relayed_id <> ''`).Scan(&st.Mapped); err != nil {
		return st, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM channel_members`).Scan(&st.Members); err != nil {
		return st, err
	}
	var pages, pageSize int64
	if err := s.db.QueryRowContext(ctx, `PRAGMA page_count`).Scan(&pages); err == nil {
		if err := s.db.QueryRowContext(ctx, `PRAGMA page_size`).Scan(&pageSize); err == nil {
			st.SizeBytes = pages * pageSize
		}
	}
	return st, nil
}

func fillTimes(rec *MessageRecord) {
	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
}

func messageArgs(rec MessageRecord) []any {
	return []any{
		rec.OriginalID, rec.ChannelID, rec.GuildID, rec.AuthorID, rec.AuthorName,
		rec.Content, rec.RelayedID, rec.CreatedAt.UnixMilli(), rec.UpdatedAt.UnixMilli(),
	}
}

func scanMessage(row *sql.Row) (MessageRecord, bool, error) {
	var rec MessageRecord
	var created, updated int64
	err := row.Scan(
		&rec.OriginalID, &rec.ChannelID, &rec.GuildID, &rec.AuthorID, &rec.AuthorName,
		&rec.Content, &rec.RelayedID, &created, &updated,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return MessageRecord{}, false, nil
	}
	if err != nil {
		return MessageRecord{}, false, err
	}
	rec.CreatedAt = time.UnixMilli(created)
	rec.UpdatedAt = time.UnixMilli(updated)
	return rec, true, nil
}

// encodeStrings stores a string list as JSON text; role names may contain
// any delimiter we could otherwise pick.
func encodeStrings(v []string) string {
	if len(v) == 0 {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

func decodeStrings(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}
