// Package storage persists relay state in SQLite.
//
// It holds:
//   - message_relations: original<->delivered message mappings
//   - channel_members: authors observed in monitored channels
//
// All writes are upserts keyed by primary id. The batched path
// (BatchWriter) flushes groups of records in one transaction; the
// immediate path exists for writes a later step depends on.
package storage
