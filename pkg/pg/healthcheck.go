package pg

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Healthcheck fails when the pool cannot reach the server or when the server
// is a hot standby, since every billing operation writes.
func Healthcheck(pool *pgxpool.Pool) func(context.Context) error {
	return func(ctx context.Context) error {
		conn, err := pool.Acquire(ctx)
		if err != nil {
			return errors.Join(ErrHealthcheckFailed, err)
		}
		defer conn.Release()

		if err := conn.Ping(ctx); err != nil {
			return errors.Join(ErrHealthcheckFailed, err)
		}
		if conn.Conn().PgConn().ParameterStatus("in_hot_standby") == "on" {
			return errors.Join(ErrHealthcheckFailed, ErrReadOnly)
		}
		return nil
	}
}
