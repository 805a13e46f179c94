package relay

import (
	"hash/fnv"
	"io"
	"strconv"
	"strings"
	"time"

	"relaybot/internal/cache"
)

// dedup suppresses repeated (author, normalized content) pairs inside a
// rolling window. Fingerprints live in a FIFO-evicted cache, so under
// pressure the oldest fingerprints age out first and a flood of unique
// content cannot pin older entries.
type dedup struct {
	seen   *cache.Cache
	window func() time.Duration
}

func newDedup(seen *cache.Cache, window func() time.Duration) *dedup {
	return &dedup{seen: seen, window: window}
}

// isDuplicate records the pair's fingerprint and reports whether it was
// already present. A repeat does not extend the original entry's TTL.
func (d *dedup) isDuplicate(authorID, content string) bool {
	key := cache.Key("dedup", "fp", fingerprint(authorID, content))
	if d.seen.Has(key) {
		return true
	}
	d.seen.Set(key, true, d.window())
	return false
}

// fingerprint hashes (author, normalized content) with FNV-1a. Collisions
// are possible and acceptable: the cost is one wrongly suppressed
// message inside the window.
func fingerprint(authorID, content string) string {
	h := fnv.New64a()
	io.WriteString(h, authorID)
	h.Write([]byte{0})
	io.WriteString(h, normalizeContent(content))
	return strconv.FormatUint(h.Sum64(), 16)
}

// normalizeContent lowercases and collapses runs of whitespace so
// trivially reformatted repeats still match.
func normalizeContent(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
