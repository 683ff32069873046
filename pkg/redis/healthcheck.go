package redis

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const healthKey = "health:check"

// Healthcheck writes a short-lived check key. A read-only replica answers
// PING but cannot grant leases, so the check exercises a write.
func Healthcheck(client redis.UniversalClient) func(context.Context) error {
	return func(ctx context.Context) error {
		err := client.Set(ctx, healthKey, time.Now().Unix(), 10*time.Second).Err()
		if err != nil {
			return errors.Join(ErrHealthcheckFailed, err)
		}
		return nil
	}
}
