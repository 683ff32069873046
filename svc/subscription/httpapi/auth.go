package httpapi

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// SubscriberHeader is read by HeaderAuthenticator.
const SubscriberHeader = "X-Subscriber-ID"

// Authenticator resolves the calling subscriber. Session handling lives in the
// accounts service in front of this one.
type Authenticator func(r *http.Request) (uuid.UUID, error)

// HeaderAuthenticator trusts SubscriberHeader as set by the upstream proxy.
func HeaderAuthenticator(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(r.Header.Get(SubscriberHeader))
	if err != nil || id == uuid.Nil {
		return uuid.Nil, ErrUnauthorized
	}
	return id, nil
}

type subscriberKey struct{}

func subscriberFrom(ctx context.Context) uuid.UUID {
	id, _ := ctx.Value(subscriberKey{}).(uuid.UUID)
	return id
}

func (h *Handler) authenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := h.auth(r)
		if err != nil {
			respondError(r.Context(), h.log, w, ErrUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), subscriberKey{}, id)))
	})
}
