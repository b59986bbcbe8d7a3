package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/collabfab/roomserver/internal/auth"
	"github.com/collabfab/roomserver/internal/types"
)

type contextKey string

const identityKey contextKey = "verified-identity"

// WithIdentity attaches the gatekeeper's verified identity to the
// request context. Handlers read it from here only, never from
// client-supplied fields.
func WithIdentity(ctx context.Context, identity types.Identity) context.Context {
	return context.WithValue(ctx, identityKey, identity)
}

func IdentityFrom(ctx context.Context) (types.Identity, bool) {
	identity, ok := ctx.Value(identityKey).(types.Identity)
	return identity, ok
}

func (s *RoomApp) errorHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				var panicError error
				switch e := err.(type) {
				case error:
					panicError = e
				default:
					panicError = fmt.Errorf("%v", e)
				}
				s.log.Printf("panic: %v", panicError)
				errResp := NewInternalServerError(panicError)
				w.Header().Set("Connection", "close")
				s.writeJson(w, errResp.StatusCode, errResp)
				return
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// gatekeeper authorizes a connection attempt before the upgrade. It
// runs once per attempt; an unauthorized socket never reaches a room
// actor.
func (s *RoomApp) gatekeeper(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("token")
		if token == "" {
			errResp := NewUnauthorizedError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		identity, err := s.verifier.Verify(r.Context(), token)
		if err != nil {
			s.log.Printf("token verification failed: %v", err)
			errResp := NewUnauthorizedError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		next(w, r.WithContext(WithIdentity(r.Context(), identity)))
	}
}

// internalAuth guards the aggregator's mutating surface. A missing or
// wrong shared secret is answered exactly like a missing route.
func (s *RoomApp) internalAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !auth.CheckInternalAuth(r, s.internalToken) {
			errResp := NewNotFoundError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		next(w, r)
	}
}
