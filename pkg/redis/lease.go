package redis

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only while it still carries our token, so a
// holder whose lease already expired cannot free someone else's lease.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Leaser hands out short exclusive leases backed by SET NX PX.
type Leaser struct {
	client redis.UniversalClient
	prefix string
}

func NewLeaser(client redis.UniversalClient, prefix string) *Leaser {
	return &Leaser{client: client, prefix: prefix}
}

// Lease is an acquired lock. Release it when the guarded work is done.
type Lease struct {
	client redis.UniversalClient
	key    string
	token  string
}

// Acquire takes the named lease for ttl. ErrLeaseHeld means another owner has it.
func (l *Leaser) Acquire(ctx context.Context, name string, ttl time.Duration) (*Lease, error) {
	key := l.prefix + name
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLeaseHeld
	}
	return &Lease{client: l.client, key: key, token: token}, nil
}

// Release frees the lease. ErrLeaseLost reports that the TTL ran out first.
func (l *Lease) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Lock is Acquire in function form: it returns the release func directly so
// callers can depend on a small interface instead of *Lease.
func (l *Leaser) Lock(ctx context.Context, name string, ttl time.Duration) (func(context.Context) error, error) {
	lease, err := l.Acquire(ctx, name, ttl)
	if err != nil {
		return nil, err
	}
	return lease.Release, nil
}
