package restapi

import (
	"fmt"
	"net/http"
)

// CacheControlMiddleware marks responses cacheable for durationSeconds, or
// uncacheable when durationSeconds is zero.
func CacheControlMiddleware(durationSeconds int, next http.Handler) http.Handler {
	value := "no-cache, no-store, must-revalidate"
	if durationSeconds > 0 {
		value = fmt.Sprintf("public, max-age=%d", durationSeconds)
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", value)
		next.ServeHTTP(w, r)
	})
}
