// Package cache provides a bounded in-memory key/value store with TTL
// expiry and a pluggable eviction policy.
//
// Capacity is dual-bounded: an estimated memory budget and an item count.
// When an insert would exceed either bound, entries are evicted in policy
// order (least-recently-accessed for LRU, oldest-inserted for FIFO) until
// usage drops to the eviction target, then the new entry is inserted.
//
// The cache is a best-effort accelerator. Callers must tolerate misses
// and repopulate from their authoritative store.
package cache
