package web

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// requireToken rejects requests without the configured token. The token is
// accepted as a Bearer header or a ?token= query parameter, the latter for
// browser websocket clients that cannot set headers.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			w.Header().Set("WWW-Authenticate", `Bearer realm="claude-admin"`)
			writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.Token == "" {
		return true
	}
	if t := strings.TrimSpace(r.URL.Query().Get("token")); t != "" && secureEqual(t, s.cfg.Token) {
		return true
	}
	t := bearerToken(r.Header.Get("Authorization"))
	return t != "" && secureEqual(t, s.cfg.Token)
}

func bearerToken(authHeader string) string {
	token, ok := strings.CutPrefix(strings.TrimSpace(authHeader), "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

func secureEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
