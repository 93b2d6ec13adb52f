package inflight

import (
	"net/http"
	"path"
	"strings"
)

// Key identifies in-flight requests: "<METHOD> <normalized path>".
type Key string

// KeyFor derives the registry key for a request. The query string and
// fragment are ignored, dot segments and duplicate slashes are collapsed, and a
// trailing slash is dropped, so "/user/profile/?x=1" and "user//profile" map to
// the same key.
func KeyFor(method, endpoint string) Key {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}

	if i := strings.IndexAny(endpoint, "?#"); i >= 0 {
		endpoint = endpoint[:i]
	}
	p := path.Clean("/" + endpoint)
	return Key(method + " " + p)
}

// Coalescable reports whether concurrent requests with this method may share
// one execution. Only read-only, idempotent methods qualify; everything else is
// cancelled-on-supersede instead.
func Coalescable(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodGet, http.MethodHead, http.MethodOptions, "":
		return true
	default:
		return false
	}
}
