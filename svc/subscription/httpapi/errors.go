package httpapi

import (
	"errors"
	"net/http"

	"github.com/fitfusion/billing/pkg/binder"
	"github.com/fitfusion/billing/pkg/validator"
	"github.com/fitfusion/billing/svc/subscription"
)

// HTTPError is a status code plus a stable machine-readable key.
type HTTPError struct {
	Code int
	Key  string
}

func (e HTTPError) Error() string {
	return e.Key
}

var (
	ErrBadRequest         = HTTPError{Code: http.StatusBadRequest, Key: "bad_request"}
	ErrUnauthorized       = HTTPError{Code: http.StatusUnauthorized, Key: "unauthorized"}
	ErrForbidden          = HTTPError{Code: http.StatusForbidden, Key: "forbidden"}
	ErrNotFound           = HTTPError{Code: http.StatusNotFound, Key: "not_found"}
	ErrGone               = HTTPError{Code: http.StatusGone, Key: "expired"}
	ErrTooLarge           = HTTPError{Code: http.StatusRequestEntityTooLarge, Key: "request_too_large"}
	ErrUnsupportedMedia   = HTTPError{Code: http.StatusUnsupportedMediaType, Key: "unsupported_media_type"}
	ErrValidation         = HTTPError{Code: http.StatusUnprocessableEntity, Key: "validation_error"}
	ErrUnprocessable      = HTTPError{Code: http.StatusUnprocessableEntity, Key: "plan_not_purchasable"}
	ErrInternal           = HTTPError{Code: http.StatusInternalServerError, Key: "internal_server_error"}
	ErrBadGateway         = HTTPError{Code: http.StatusBadGateway, Key: "gateway_rejected"}
	ErrServiceUnavailable = HTTPError{Code: http.StatusServiceUnavailable, Key: "gateway_unavailable"}
)

// retryAfterSeconds is advertised on 503 answers.
const retryAfterSeconds = "30"

// classify maps a domain error onto its HTTP answer. Conflicts carry their
// reason as the key.
func classify(err error) HTTPError {
	var he HTTPError
	switch {
	case errors.As(err, &he):
		return he
	case errors.Is(err, validator.ErrValidationFailed):
		return ErrValidation
	case errors.Is(err, binder.ErrBodyTooLarge):
		return ErrTooLarge
	case errors.Is(err, binder.ErrUnsupportedMediaType), errors.Is(err, binder.ErrMissingContentType):
		return ErrUnsupportedMedia
	case errors.Is(err, binder.ErrFailedToParseJSON):
		return ErrBadRequest
	case errors.Is(err, subscription.ErrConflict):
		return HTTPError{Code: http.StatusConflict, Key: subscription.ConflictReason(err)}
	case errors.Is(err, subscription.ErrStaleVersion):
		return HTTPError{Code: http.StatusConflict, Key: "stale_version"}
	case errors.Is(err, subscription.ErrInvalidTransition):
		return HTTPError{Code: http.StatusConflict, Key: "invalid_transition"}
	case errors.Is(err, subscription.ErrExpired):
		return ErrGone
	case errors.Is(err, subscription.ErrPlanNotPurchasable):
		return ErrUnprocessable
	case errors.Is(err, subscription.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, subscription.ErrForbidden):
		return ErrForbidden
	case errors.Is(err, subscription.ErrTransientGateway):
		return ErrServiceUnavailable
	case errors.Is(err, subscription.ErrGatewayRejected):
		return ErrBadGateway
	case errors.Is(err, subscription.ErrAuthentication), errors.Is(err, subscription.ErrMalformedEvent):
		return ErrBadRequest
	}
	return ErrInternal
}
