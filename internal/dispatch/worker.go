package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"

	"relaybot/internal/eventbus"
	"relaybot/internal/sink"
	logx "relaybot/pkg/logx"
)

// deliver executes one task end to end. Failures stay local: they are
// counted and logged, never propagated to the queue loop.
func (q *Queue) deliver(ctx context.Context, t Task) {
	start := q.now()

	var relayedID string
	var err error
	// Guard against panics in the sink or the delivered callback so one
	// bad payload cannot kill the delivery pool.
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				q.panics.Inc()
				q.log.Error("dispatch.panic",
					logx.String("task", t.ID),
					logx.Any("panic", r),
					logx.String("stack", string(debug.Stack())))
			}
		}()
		relayedID, err = q.send(ctx, t)
	}()

	dur := q.now().Sub(start)
	if err != nil {
		q.failed.Inc()
		q.log.Warn("dispatch.failed",
			logx.String("task", t.ID),
			logx.String("destination", t.Destination),
			logx.Bool("update", t.IsUpdate),
			logx.Duration("dur", dur),
			logx.Err(err))
		if q.bus != nil {
			q.bus.Publish(eventbus.Event{Type: "dispatch.failed", Time: q.now(), Data: DispatchEvent{
				TaskID: t.ID, OriginalID: t.OriginalID, Destination: t.Destination,
				Update: t.IsUpdate, Duration: dur, Error: err.Error(),
			}})
		}
		return
	}

	q.sent.Inc()
	q.log.Debug("dispatch.sent",
		logx.String("task", t.ID),
		logx.String("destination", t.Destination),
		logx.Bool("update", t.IsUpdate),
		logx.Duration("dur", dur))
	if q.bus != nil {
		q.bus.Publish(eventbus.Event{Type: "dispatch.sent", Time: q.now(), Data: DispatchEvent{
			TaskID: t.ID, OriginalID: t.OriginalID, Destination: t.Destination,
			RelayedID: relayedID, Update: t.IsUpdate, Duration: dur,
		}})
	}
}

func (q *Queue) send(ctx context.Context, t Task) (string, error) {
	p := t.Payload
	p.Files = q.fetchAttachments(ctx, t)

	if t.IsUpdate {
		return t.RelayedID, q.out.Update(ctx, t.WebhookURL, t.RelayedID, p)
	}

	id, err := q.out.Create(ctx, t.WebhookURL, p)
	if err != nil {
		return "", err
	}
	if q.onDelivered != nil {
		q.onDelivered(t, id)
	}
	return id, nil
}

// fetchAttachments pulls attachment bytes at delivery time. Failures are
// per-attachment: a bad attachment is skipped, never the whole task.
func (q *Queue) fetchAttachments(ctx context.Context, t Task) []sink.File {
	if q.fetch == nil || len(t.Attachments) == 0 {
		return t.Payload.Files
	}
	files := t.Payload.Files
	for _, a := range t.Attachments {
		data, ctype, err := q.fetch.Fetch(ctx, a.URL)
		if err != nil {
			q.fetchErrors.Inc()
			q.log.Warn("dispatch.fetch_failed",
				logx.String("task", t.ID),
				logx.String("filename", a.Filename),
				logx.Err(err))
			continue
		}
		// The source's declared content type wins over what the host
		// responded with.
		if a.ContentType != "" {
			ctype = a.ContentType
		}
		files = append(files, sink.File{Name: a.Filename, ContentType: ctype, Data: data})
	}
	return files
}
