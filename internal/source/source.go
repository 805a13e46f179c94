// Package source defines the inbound event contract between the chat
// platform adapter and the relay engine.
package source

import (
	"context"
	"time"
)

// Message is one inbound create event. Content arrives already
// sanitized; the engine never parses source markup.
type Message struct {
	ID          string
	ChannelID   string
	GuildID     string
	AuthorID    string
	AuthorName  string
	Content     string
	Attachments []Attachment
	Embeds      []Embed
	CreatedAt   time.Time
	EditedAt    time.Time

	// Optional author detail for the member roster.
	GuildName       string
	AuthorRoles     []string
	AuthorStatus    string
	AuthorPlatforms []string
}

// Attachment points at bytes hosted by the source platform; the engine
// fetches them only at delivery time.
type Attachment struct {
	URL         string
	Filename    string
	ContentType string
}

// Embed is structured side content carried with a message.
type Embed struct {
	Title       string
	Description string
	URL         string
	Color       int
}

// Edit is one inbound update event. MessageID normally carries the
// original message id, but a degraded source may reference the delivered
// identity instead; mapping resolution handles both directions.
type Edit struct {
	MessageID  string
	NewContent string
	EditedAt   time.Time
}

// Handler consumes inbound events. Implementations must be safe for
// concurrent calls; adapters may deliver from multiple goroutines.
type Handler interface {
	HandleCreate(ctx context.Context, msg Message)
	HandleEdit(ctx context.Context, edit Edit)
}
