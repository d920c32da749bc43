// Package storage opens the PostgreSQL pool and Redis client shared by the
// backoffice server.
//
// The organization schema and queries live in package orgs; this package
// only owns connection setup, pool tuning and pool statistics.
//
//	db, err := storage.OpenPostgres(ctx, storage.DefaultPostgresConfig(url))
//	go storage.ReportStats(ctx, db, 15*time.Second, metrics.UpdateDBStats)
//
//	rdb, err := storage.OpenRedis(ctx, storage.RedisConfig{URL: "redis://localhost:6379/0"})
package storage
