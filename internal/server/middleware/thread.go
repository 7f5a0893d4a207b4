package middleware

import (
	"net/http"
	"slices"
	"strings"
)

// RequireThreadAccess rejects requests for a thread outside the caller's
// token scope. The thread id is the path segment after "threads"; requests
// without one pass through.
func RequireThreadAccess() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			allowed := ThreadsFromContext(r.Context())
			if len(allowed) == 0 {
				next.ServeHTTP(w, r)
				return
			}

			threadID, ok := ThreadFromPath(r.URL.Path)
			if ok && !slices.Contains(allowed, threadID) {
				http.Error(w, `{"title":"Forbidden","status":403,"detail":"thread not accessible"}`, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ThreadFromPath returns the segment following "threads" in an URL path.
func ThreadFromPath(path string) (string, bool) {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	for i, s := range segments {
		if s == "threads" && i+1 < len(segments) && segments[i+1] != "" {
			return segments[i+1], true
		}
	}
	return "", false
}
