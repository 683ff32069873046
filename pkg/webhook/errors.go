package webhook

import "errors"

var (
	ErrInvalidConfiguration = errors.New("invalid webhook configuration")
	ErrInvalidPayload       = errors.New("invalid webhook payload")
	ErrInvalidSignature     = errors.New("invalid webhook signature")
	ErrStaleSignature       = errors.New("webhook signature outside freshness window")
)
