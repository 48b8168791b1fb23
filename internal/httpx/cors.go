// Package httpx holds small HTTP building blocks shared by the forward
// and admin surfaces: permissive CORS (every route answers preflight
// requests) and a JSON error-body writer. The origin-echoing shape is
// grounded on the pack's CORS handling (moltbunker-moltbunker's
// Server.setCORSHeaders), simplified since the gateway has no
// per-deployment allowed-origins list to check against.
package httpx

import "net/http"

// CORS wraps next with permissive cross-origin headers, answering
// preflight OPTIONS requests directly without invoking next.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
