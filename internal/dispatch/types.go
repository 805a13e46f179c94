package dispatch

import (
	"context"
	"errors"
	"time"

	"relaybot/internal/sink"
	"relaybot/internal/source"
)

// Config controls the dispatch queue.
//
// Budgets are per destination: each destination gets its own window
// accounting, so a throttled sink never starves the others.
type Config struct {
	// Tick is how often queued tasks are re-examined against the budgets.
	Tick time.Duration

	// Window is the accounting period for RatePerWindow.
	Window time.Duration

	// RatePerWindow is the steady delivery budget per window. It resets
	// fully on every window rollover.
	RatePerWindow int

	// Burst caps short-term overshoot. Accumulated burst usage decays by
	// half per elapsed window instead of resetting, so a spike keeps
	// damping delivery for a few windows.
	Burst int

	// Parallelism bounds concurrently running deliveries across all
	// destinations.
	Parallelism int

	// QueueSize bounds pending tasks. Enqueue beyond it drops, never blocks.
	QueueSize int

	// Overrides replaces the default budget for specific destinations.
	Overrides map[string]Override
}

// Override is a per-destination budget. Zero fields keep the default.
type Override struct {
	RatePerWindow int
	Burst         int
}

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = 50 * time.Millisecond
	}
	if c.Window <= 0 {
		c.Window = time.Second
	}
	if c.RatePerWindow <= 0 {
		c.RatePerWindow = 12
	}
	if c.Burst <= 0 {
		c.Burst = 20
	}
	if c.Parallelism <= 0 {
		c.Parallelism = 3
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	return c
}

// Task is one outbound delivery. A create task produces a new delivered
// message; an update task rewrites one that already exists and therefore
// must carry RelayedID up front.
type Task struct {
	ID          string
	OriginalID  string
	Destination string
	WebhookURL  string
	Payload     sink.Payload
	Attachments []source.Attachment
	IsUpdate    bool
	RelayedID   string
	EnqueuedAt  time.Time
}

// AttachmentFetcher pulls attachment bytes from the source platform at
// delivery time. *sink.Fetcher satisfies it.
type AttachmentFetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, string, error)
}

// DispatchEvent is emitted on the event bus for dispatch lifecycle events.
type DispatchEvent struct {
	TaskID      string        `json:"task_id"`
	OriginalID  string        `json:"original_id"`
	Destination string        `json:"destination"`
	RelayedID   string        `json:"relayed_id,omitempty"`
	Update      bool          `json:"update"`
	Duration    time.Duration `json:"duration"`
	Error       string        `json:"error,omitempty"`
}

var (
	// ErrQueueFull is returned by Enqueue when the queue is at capacity.
	// The task is dropped; callers must not block on dispatch.
	ErrQueueFull = errors.New("dispatch: queue full")

	// ErrMissingRelayedID is returned for update tasks without a delivered
	// message id. Resolving the id is the caller's job, not the queue's.
	ErrMissingRelayedID = errors.New("dispatch: update task without delivered id")

	// ErrClosed is returned by Enqueue after Drain has begun.
	ErrClosed = errors.New("dispatch: queue closed")
)
