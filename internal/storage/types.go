package storage

import (
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Config configures the SQLite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means driver default
}

// MessageRecord is the durable row for one observed source message.
//
// RelayedID stays empty until the first successful create delivery and is
// set at most once; edits touch content fields only.
type MessageRecord struct {
	OriginalID string
	ChannelID  string
	GuildID    string
	AuthorID   string
	AuthorName string
	Content    string
	RelayedID  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// MemberRecord is the durable row for one observed channel member,
// upserted opportunistically from message authors.
type MemberRecord struct {
	UserID      string
	GuildID     string
	DisplayName string
	GuildName   string
	Roles       []string
	Status      string
	Platforms   []string
	LastSeen    time.Time
}

// Stats is a point-in-time summary for the ops endpoint.
type Stats struct {
	Messages  int64 `json:"messages"`
	Mapped    int64 `json:"mapped"`
	Members   int64 `json:"members"`
	SizeBytes int64 `json:"size_bytes"`
}
