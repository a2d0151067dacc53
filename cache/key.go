package cache

import (
	"encoding/json"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// DeriveKey builds a cache key from a name and the parameters the cached
// value depends on. Parameter maps with equal contents produce the same key
// regardless of insertion order. With no parameters the key is name itself;
// otherwise it is name followed by ':' and 16 hex digits.
func DeriveKey(name string, params map[string]any) string {
	if len(params) == 0 {
		return name
	}
	// encoding/json writes map keys in sorted order, nested maps included
	canonical, err := json.Marshal(params)
	if err != nil {
		canonical = []byte(fmt.Sprintf("%v", params))
	}
	return fmt.Sprintf("%s:%016x", name, xxhash.Sum64(canonical))
}
