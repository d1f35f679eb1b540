package storage

import (
	"context"
	"database/sql"
	"time"
)

// DBTX is implemented by both *sql.DB and *sql.Tx
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Pool hands out the connection for writes and a possibly lagging connection for reads
type Pool interface {
	Primary() *sql.DB
	Replica() *sql.DB
}

// SingleDB serves both reads and writes from one connection
type SingleDB struct {
	DB *sql.DB
}

// Single wraps db as a Pool without replicas
func Single(db *sql.DB) SingleDB {
	return SingleDB{DB: db}
}

// Primary implements Pool
func (s SingleDB) Primary() *sql.DB { return s.DB }

// Replica implements Pool
func (s SingleDB) Replica() *sql.DB { return s.DB }

// Config for the relational store and the shared cache
type Config struct {
	// PostgreSQL config
	PostgresURL         string        `yaml:"postgres_url"`
	PostgresReplicaURLs []string      `yaml:"postgres_replica_urls"`
	PostgresMaxConns    int           `yaml:"postgres_max_conns"`
	PostgresMinConns    int           `yaml:"postgres_min_conns"`
	PostgresTimeout     time.Duration `yaml:"postgres_timeout"`
	PostgresMaxLifetime time.Duration `yaml:"postgres_max_lifetime"`
	PostgresMaxIdleTime time.Duration `yaml:"postgres_max_idle_time"`

	// AdvisoryLocks serializes default-flag mutations per organization
	AdvisoryLocks bool `yaml:"advisory_locks"`

	// Redis config
	RedisURL        string `yaml:"redis_url"`
	RedisPassword   string `yaml:"redis_password"`
	RedisDB         int    `yaml:"redis_db"`
	RedisMaxRetries int    `yaml:"redis_max_retries"`
	RedisPoolSize   int    `yaml:"redis_pool_size"`
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() Config {
	return Config{
		PostgresURL:         "postgres://localhost:5432/procurement?sslmode=disable",
		PostgresMaxConns:    20,
		PostgresMinConns:    2,
		PostgresTimeout:     10 * time.Second,
		PostgresMaxLifetime: 30 * time.Minute,
		PostgresMaxIdleTime: 5 * time.Minute,
		AdvisoryLocks:       true,
		RedisDB:             0,
		RedisMaxRetries:     3,
		RedisPoolSize:       10,
	}
}
