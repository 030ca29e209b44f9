package ws

import (
	"net/http"
	"strings"
)

// CheckOrigin returns an Upgrader.CheckOrigin function that accepts requests
// whose Origin header matches one of allowed, case-insensitively. Requests
// without an Origin header are accepted. A "*" entry allows every origin.
func CheckOrigin(allowed []string) func(r *http.Request) bool {
	origins := make([]string, 0, len(allowed))
	for _, o := range allowed {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			// No Origin header: same-origin request or non-browser client.
			return true
		}
		for _, o := range origins {
			if o == "*" || strings.EqualFold(origin, o) {
				return true
			}
		}
		return false
	}
}
