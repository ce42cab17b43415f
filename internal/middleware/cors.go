package middleware

import (
	"net/http"
	"slices"
	"strings"
)

var (
	corsAllowMethods  = strings.Join([]string{http.MethodGet, http.MethodPost, http.MethodOptions}, ", ")
	corsAllowHeaders  = strings.Join([]string{"Content-Type", "Accept", "X-Request-Id"}, ", ")
	corsExposeHeaders = "X-Request-Id"
)

// CORS answers cross-origin requests. An empty trustedOrigins list allows any
// origin. Preflight requests are answered with 204 and never reach next.
func CORS(trustedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Add("Vary", "Origin")

			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}

			allow := resolveOrigin(trustedOrigins, origin)
			if allow == "" {
				next.ServeHTTP(w, r)
				return
			}
			h.Set("Access-Control-Allow-Origin", allow)
			h.Set("Access-Control-Expose-Headers", corsExposeHeaders)

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				h.Add("Vary", "Access-Control-Request-Method")
				h.Set("Access-Control-Allow-Methods", corsAllowMethods)
				h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
				h.Set("Access-Control-Max-Age", "3600")
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func resolveOrigin(trusted []string, origin string) string {
	if len(trusted) == 0 || slices.Contains(trusted, "*") {
		return "*"
	}
	if slices.Contains(trusted, origin) {
		return origin
	}
	return ""
}
