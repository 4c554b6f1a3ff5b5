// Package middleware provides HTTP middleware for the tether API.
package middleware

import "net/http"

// CORS returns middleware that answers cross-origin requests from the
// configured frontend origins. A "*" entry admits any origin but never
// grants credentials.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			explicit, wildcard := matchOrigin(allowedOrigins, origin)
			if explicit || wildcard {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Content-Type")
				if explicit {
					// Credentials ride only on an exact origin match. Pairing
					// them with a wildcard-echoed origin enables CSRF.
					h.Set("Access-Control-Allow-Credentials", "true")
				}
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func matchOrigin(allowed []string, origin string) (explicit, wildcard bool) {
	for _, o := range allowed {
		switch {
		case o == origin:
			explicit = true
		case o == "*":
			wildcard = true
		}
	}
	return explicit, wildcard
}
