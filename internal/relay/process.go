package relay

import (
	"context"

	"relaybot/internal/cache"
	"relaybot/internal/dispatch"
	"relaybot/internal/eventbus"
	"relaybot/internal/sink"
	"relaybot/internal/source"
	"relaybot/internal/storage"
	logx "relaybot/pkg/logx"
)

// mappingEntry is the cached projection of a delivered message. The
// destination is pinned at create time: an update must go to the sink
// that owns the delivered id, regardless of later route changes.
type mappingEntry struct {
	RelayedID   string
	Destination string
	AuthorName  string
}

func mappingKey(originalID string) string {
	return cache.Key("map", "orig", originalID)
}

// processCreate runs when a create event leaves the debouncer.
func (e *Engine) processCreate(msg source.Message) {
	ctx := e.ctx
	if ctx.Err() != nil {
		return
	}

	if e.dup.isDuplicate(msg.AuthorID, msg.Content) {
		e.suppressed.Inc()
		e.log.Debug("relay.duplicate_suppressed",
			logx.String("author", msg.AuthorID),
			logx.String("channel", msg.ChannelID))
		return
	}

	e.noteMember(msg)

	destName, dest, dispatchable, routed := e.route(msg.ChannelID)
	if !routed {
		// Route removed between arrival and flush.
		e.ignored.Inc()
		return
	}

	rec := e.messageRecord(msg)

	if !dispatchable {
		// Observe-only: the row goes through the batch path and the
		// channel never dispatches.
		e.batch.AddMessage(rec)
		e.observed.Inc()
		e.log.Debug("relay.observed",
			logx.String("original", msg.ID),
			logx.String("channel", msg.ChannelID))
		return
	}

	// The row must exist before the task is queued so the delivery
	// callback always has something to map.
	if err := e.store.SaveMessageNow(ctx, rec); err != nil {
		e.errs.Inc()
		e.log.Error("relay.persist_failed",
			logx.String("original", msg.ID),
			logx.String("channel", msg.ChannelID),
			logx.Err(err))
		return
	}

	task := dispatch.Task{
		OriginalID:  msg.ID,
		Destination: destName,
		WebhookURL:  dest.WebhookURL,
		Payload:     buildPayload(msg),
		Attachments: msg.Attachments,
	}
	if err := e.queue.Enqueue(task); err != nil {
		e.errs.Inc()
		e.log.Warn("relay.enqueue_failed",
			logx.String("original", msg.ID),
			logx.String("destination", destName),
			logx.Err(err))
		return
	}

	e.relayed.Inc()
	if e.bus != nil {
		e.bus.Publish(eventbus.Event{Type: "relay.created", Time: e.now(), Data: RelayEvent{
			OriginalID: msg.ID, ChannelID: msg.ChannelID, Destination: destName,
		}})
	}
}

// noteMember refreshes the author's roster row through the batch path,
// at most once per member TTL.
func (e *Engine) noteMember(msg source.Message) {
	if msg.AuthorID == "" || msg.GuildID == "" {
		return
	}
	key := cache.Key("member", msg.GuildID, msg.AuthorID)
	if e.members.Has(key) {
		return
	}
	e.members.Set(key, msg.AuthorName, e.ttlMember())
	e.batch.AddMember(storage.MemberRecord{
		UserID:      msg.AuthorID,
		GuildID:     msg.GuildID,
		DisplayName: msg.AuthorName,
		GuildName:   msg.GuildName,
		Roles:       msg.AuthorRoles,
		Status:      msg.AuthorStatus,
		Platforms:   msg.AuthorPlatforms,
		LastSeen:    e.now(),
	})
}

func (e *Engine) messageRecord(msg source.Message) storage.MessageRecord {
	rec := storage.MessageRecord{
		OriginalID: msg.ID,
		ChannelID:  msg.ChannelID,
		GuildID:    msg.GuildID,
		AuthorID:   msg.AuthorID,
		AuthorName: msg.AuthorName,
		Content:    msg.Content,
	}
	if !msg.CreatedAt.IsZero() {
		rec.CreatedAt = msg.CreatedAt
		rec.UpdatedAt = msg.CreatedAt
	}
	if !msg.EditedAt.IsZero() {
		rec.UpdatedAt = msg.EditedAt
	}
	return rec
}

func buildPayload(msg source.Message) sink.Payload {
	p := sink.Payload{
		Username: msg.AuthorName,
		Content:  msg.Content,
	}
	for _, em := range msg.Embeds {
		p.Embeds = append(p.Embeds, sink.Embed{
			Title:       em.Title,
			Description: em.Description,
			URL:         em.URL,
			Color:       em.Color,
		})
	}
	return p
}

// OnDelivered records the delivered identity after a successful create.
// Wire it as the dispatch queue's delivered callback.
func (e *Engine) OnDelivered(t dispatch.Task, relayedID string) {
	if t.IsUpdate || relayedID == "" {
		return
	}
	e.mappings.Set(mappingKey(t.OriginalID), mappingEntry{
		RelayedID:   relayedID,
		Destination: t.Destination,
		AuthorName:  t.Payload.Username,
	}, e.ttlMapping())

	ok, err := e.store.SetRelayedID(e.ctx, t.OriginalID, relayedID)
	if err != nil {
		e.mapFails.Inc()
		e.log.Warn("relay.mapping_write_failed",
			logx.String("original", t.OriginalID),
			logx.String("relayed", relayedID),
			logx.Err(err))
		return
	}
	if !ok {
		// The row either never landed or already carries a different id.
		// The relay itself succeeded, so this is a warning, not an error.
		e.mapFails.Inc()
		e.log.Warn("relay.mapping_not_recorded",
			logx.String("original", t.OriginalID),
			logx.String("relayed", relayedID))
		return
	}
	if e.bus != nil {
		e.bus.Publish(eventbus.Event{Type: "relay.mapped", Time: e.now(), Data: RelayEvent{
			OriginalID: t.OriginalID, Destination: t.Destination, RelayedID: relayedID,
		}})
	}
}

func (e *Engine) processEdit(ctx context.Context, edit source.Edit) {
	origID := edit.MessageID
	var (
		relayedID  string
		authorName string
		destName   string
		destKnown  bool
		channelID  string
	)

	if v, ok := e.mappings.Get(mappingKey(origID)); ok {
		if ent, ok := v.(mappingEntry); ok {
			relayedID = ent.RelayedID
			authorName = ent.AuthorName
			destName, destKnown = ent.Destination, true
		}
	}

	if relayedID == "" {
		rec, how, found := e.lookupRecord(ctx, edit)
		if !found {
			e.unresolved.Inc()
			e.log.Debug("relay.mapping_unresolved", logx.String("message", edit.MessageID))
			return
		}
		origID = rec.OriginalID
		relayedID = rec.RelayedID
		authorName = rec.AuthorName
		channelID = rec.ChannelID
		if how == foundByContent {
			// Best-effort heuristic, never equivalent to a stored mapping.
			e.log.Warn("relay.edit_matched_by_content",
				logx.String("message", edit.MessageID),
				logx.String("original", rec.OriginalID),
				logx.String("channel", rec.ChannelID))
		}
	}

	when := edit.EditedAt
	if when.IsZero() {
		when = e.now()
	}
	if err := e.store.UpdateContent(ctx, origID, edit.NewContent, when); err != nil {
		e.errs.Inc()
		e.log.Error("relay.edit_persist_failed",
			logx.String("original", origID),
			logx.Err(err))
		return
	}

	if relayedID == "" {
		// Row exists but was never delivered (observe-only channel or a
		// delivery still pending): content is stored, nothing to update
		// downstream.
		e.persistOnly.Inc()
		return
	}

	if !destKnown {
		destName, _, _, _ = e.route(channelID)
	}
	e.mu.RLock()
	dest, haveDest := e.dests[destName]
	e.mu.RUnlock()
	if destName == "" || !haveDest {
		e.persistOnly.Inc()
		return
	}

	task := dispatch.Task{
		OriginalID:  origID,
		Destination: destName,
		WebhookURL:  dest.WebhookURL,
		Payload:     sink.Payload{Username: authorName, Content: edit.NewContent},
		IsUpdate:    true,
		RelayedID:   relayedID,
	}
	if err := e.queue.Enqueue(task); err != nil {
		e.errs.Inc()
		e.log.Warn("relay.enqueue_failed",
			logx.String("original", origID),
			logx.String("destination", destName),
			logx.Err(err))
		return
	}

	e.updated.Inc()
	if e.bus != nil {
		e.bus.Publish(eventbus.Event{Type: "relay.updated", Time: e.now(), Data: RelayEvent{
			OriginalID: origID, ChannelID: channelID, Destination: destName,
			RelayedID: relayedID, Update: true,
		}})
	}
}

type lookupPath int

const (
	foundByOriginal lookupPath = iota
	foundByRelayed
	foundByContent
)

// lookupRecord resolves an edit to its stored row: by original id, then
// by delivered id (the event may reference either), then by exact
// content match on recent unmapped rows.
func (e *Engine) lookupRecord(ctx context.Context, edit source.Edit) (storage.MessageRecord, lookupPath, bool) {
	rec, ok, err := e.store.FindByOriginalID(ctx, edit.MessageID)
	if err != nil {
		e.log.Debug("relay.lookup_failed", logx.String("by", "original"), logx.Err(err))
	} else if ok {
		return rec, foundByOriginal, true
	}

	rec, ok, err = e.store.FindByRelayedID(ctx, edit.MessageID)
	if err != nil {
		e.log.Debug("relay.lookup_failed", logx.String("by", "relayed"), logx.Err(err))
	} else if ok {
		return rec, foundByRelayed, true
	}

	rec, ok, err = e.store.FindByContent(ctx, edit.NewContent, e.now().Add(-contentMatchWindow))
	if err != nil {
		e.log.Debug("relay.lookup_failed", logx.String("by", "content"), logx.Err(err))
	} else if ok {
		return rec, foundByContent, true
	}

	return storage.MessageRecord{}, 0, false
}
