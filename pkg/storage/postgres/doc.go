// Package postgres manages PostgreSQL primary/replica pools and the Redis
// client used for the shared permission cache.
package postgres
