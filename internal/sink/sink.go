package sink

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Sink delivers rendered payloads to a destination endpoint.
//
// Create returns the identity the destination assigned to the delivered
// message; Update addresses a previous delivery by that identity.
type Sink interface {
	Create(ctx context.Context, webhookURL string, p Payload) (string, error)
	Update(ctx context.Context, webhookURL, relayedID string, p Payload) error
}

// Payload is the rendered message handed to a destination. Content is
// already sanitized by the caller.
type Payload struct {
	Username string
	Content  string
	Embeds   []Embed
	Files    []File
}

// Embed is structured side content alongside the text body.
type Embed struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	URL         string `json:"url,omitempty"`
	Color       int    `json:"color,omitempty"`
}

// File is one fetched attachment to upload with the payload.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// SendError describes a non-2xx destination response.
type SendError struct {
	Status     int
	RetryAfter time.Duration
	Body       string
}

func (e *SendError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("sink: status %d (retry after %s)", e.Status, e.RetryAfter)
	}
	return fmt.Sprintf("sink: status %d", e.Status)
}

// Transient reports whether the failure is plausibly temporary (rate
// limited or server-side).
func (e *SendError) Transient() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}
