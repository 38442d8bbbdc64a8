// Package config provides environment-driven Postgres configuration for
// the example binaries and the integration tests, with constructors for
// the pgxpool, database/sql, and sqlx connection paths.
package config
