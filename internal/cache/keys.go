package cache

import (
	"encoding/json"
	"fmt"
	"time"
)

// Key builds a namespaced composite key "{scope}:{kind}:{id}" so
// heterogeneous record kinds can share one cache instance without
// collision.
func Key(scope, kind, id string) string {
	return scope + ":" + kind + ":" + id
}

// valueSize estimates the in-memory footprint of a cached value. This
// is an accounting estimate, not an exact measurement; JSON length is
// the fallback for structured values.
func valueSize(v any) int64 {
	switch x := v.(type) {
	case nil:
		return 0
	case string:
		return int64(len(x))
	case []byte:
		return int64(len(x))
	case []string:
		var n int64
		for _, s := range x {
			n += int64(len(s)) + 16
		}
		return n
	case bool:
		return 1
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return 8
	case time.Time:
		return 24
	default:
		if b, err := json.Marshal(x); err == nil {
			return int64(len(b))
		}
		return int64(len(fmt.Sprint(x)))
	}
}
