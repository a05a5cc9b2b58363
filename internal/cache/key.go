package cache

import (
	"strings"

	"github.com/cespare/xxhash/v2"
)

// keyHeaders are the request headers that participate in the cache key,
// in hashing order. Responses vary on these in practice; everything else
// is ignored to keep hit rates useful.
var keyHeaders = []string{
	"accept",
	"accept-encoding",
	"accept-language",
	"authorization",
	"cache-control",
	"if-none-match",
	"if-modified-since",
	"user-agent",
}

// Key identifies a cached response.
type Key uint64

// NewKey hashes the method, URL, and the selected request headers.
// Header lookup is case-insensitive; absent headers hash as empty.
func NewKey(method, url string, headers map[string][]string) Key {
	lower := make(map[string]string, len(headers))
	for name, values := range headers {
		if len(values) > 0 {
			lower[strings.ToLower(name)] = values[0]
		}
	}

	h := xxhash.New()
	_, _ = h.WriteString(method)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(url)
	for _, name := range keyHeaders {
		_, _ = h.WriteString("\x00")
		_, _ = h.WriteString(lower[name])
	}
	return Key(h.Sum64())
}
