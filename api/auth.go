package api

import (
	"net/http"
	"strings"

	"goa.design/clue/log"

	"github.com/neomentor/engine/runtime/auth"
)

// authedHandler is an HTTP handler that also receives the verified identity.
type authedHandler func(w http.ResponseWriter, r *http.Request, id auth.Identity)

// requireAuth verifies the bearer token and threads the identity through. The
// user id is added to the request log context so every endpoint log line
// carries it.
func (s *Server) requireAuth(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		id, err := s.auth.Verify(r.Context(), token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		if s.onAuth != nil {
			s.onAuth(id)
		}
		ctx := log.With(r.Context(), log.KV{K: "user_id", V: id.UserID})
		next(w, r.WithContext(ctx), id)
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return h[len(prefix):]
	}
	return ""
}
