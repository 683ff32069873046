// Package pg wires PostgreSQL through pgx: pooled connections with start-up
// retries, goose migrations from an embedded filesystem, transaction helpers
// and error classification for pgconn errors.
//
//	pool, err := pg.Connect(ctx, cfg)
//	if err != nil { ... }
//	if err := pg.Migrate(ctx, pool, cfg, pgstore.Migrations, log); err != nil { ... }
package pg
