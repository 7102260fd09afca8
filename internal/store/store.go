// Package store provides storage backends for the Easy Islanders job core.
//
// Each concern (jobs, dispatch ledger, webhook events, idempotency keys, outbox)
// has its own repo interface, implemented by both the SQLite and the PostgreSQL
// backend. Every cross-request coordination point is a single-row conditional
// write which the database serializes.
package store

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for a store backend.
type Option func(*Opts)

// WithDSN sets the database DSN (a file path for SQLite, a connection string
// for PostgreSQL).
func WithDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// Store aggregates all repo interfaces a fully wired backend provides.
type Store interface {
	JobRepo
	DispatchRepo
	WebhookRepo
	IdempotencyRepo
	OutboxRepo

	// Close releases the underlying database connection.
	Close() error
}
