package redis

import "errors"

var (
	ErrEmptyConnectionURL           = errors.New("redis: connection url is empty, set REDIS_URL")
	ErrFailedToParseRedisConnString = errors.New("redis: invalid connection url")
	ErrRedisNotReady                = errors.New("redis: not ready after retries")
	ErrHealthcheckFailed            = errors.New("redis: healthcheck write failed")

	ErrLeaseHeld = errors.New("redis: lease is held by another owner")
	ErrLeaseLost = errors.New("redis: lease expired or was taken over before release")
)
