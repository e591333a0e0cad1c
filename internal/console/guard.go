package console

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
)

// SessionReader is the read side of the token store the guard needs.
type SessionReader interface {
	Authenticated() bool
}

// Guard returns middleware that only lets requests through while the
// token store holds an access token. The check is a synchronous read of
// in-memory state; the token is not validated against the server, the
// first API call made by the handler does that.
//
// Refused browser requests get a 303 to loginPath with a placeholder
// body. Refused API requests get 401 with a JSON body. The wrapped
// handler never runs for a refused request.
func Guard(tokens SessionReader, loginPath string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if tokens.Authenticated() {
				w.Header().Set("Cache-Control", "no-store")
				next.ServeHTTP(w, r)

				return
			}

			logger.Debug("guard: no session",
				slog.String("ip", remoteIP(r)),
				slog.String("path", r.URL.Path),
			)

			if wantsJSON(r) {
				writeJSONError(w, http.StatusUnauthorized, "not_authenticated", "not signed in")
				return
			}

			setPageHeaders(w)
			w.Header().Set("Location", loginPath)
			w.WriteHeader(http.StatusSeeOther)

			if r.Method != http.MethodHead {
				_ = views["placeholder"].Execute(w, pageData{Location: loginPath})
			}
		})
	}
}

// wantsJSON reports whether the caller is a script rather than a page
// navigation.
func wantsJSON(r *http.Request) bool {
	if strings.HasPrefix(r.URL.Path, "/api/") {
		return true
	}

	accept := r.Header.Get("Accept")

	return strings.Contains(accept, "application/json") && !strings.Contains(accept, "text/html")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}
