package email

import "errors"

var (
	ErrInvalidConfig     = errors.New("invalid email configuration")
	ErrInvalidParams     = errors.New("invalid email parameters")
	ErrFailedToSendEmail = errors.New("failed to send email")

	// ErrUndeliverable means the provider refused the recipient; retrying
	// will not help.
	ErrUndeliverable = errors.New("email recipient is undeliverable")
)
