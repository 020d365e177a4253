package api

import (
	"context"
	"errors"
	"log"
	"net/http"

	"github.com/chirp/sns/internal/auth"
)

type ctxKey struct{}

// userFrom returns the authenticated identity attached to ctx, or nil.
func userFrom(ctx context.Context) *auth.Identity {
	id, _ := ctx.Value(ctxKey{}).(*auth.Identity)
	return id
}

// viewerID returns the id of the authenticated user, or 0.
func viewerID(ctx context.Context) int64 {
	if id := userFrom(ctx); id != nil {
		return id.ID
	}
	return 0
}

// authenticate resolves the access_token cookie of r. The same rules apply
// as for the realtime handshake.
func (s *Server) authenticate(r *http.Request) (*auth.Identity, error) {
	return s.authn.Authenticate(r.Context(), r.Header.Get("Cookie"))
}

// requireUser rejects requests without a valid session with 401.
func (s *Server) requireUser(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := s.authenticate(r)
		if err != nil {
			if !errors.Is(err, auth.ErrRejected) {
				log.Printf("[api] authenticate: %v", err)
			}
			writeError(w, http.StatusUnauthorized, "Authentication required")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
	}
}

// optionalUser attaches the identity when the session is valid and serves
// the request anonymously otherwise.
func (s *Server) optionalUser(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if id, err := s.authenticate(r); err == nil {
			r = r.WithContext(context.WithValue(r.Context(), ctxKey{}, id))
		}
		next(w, r)
	}
}
