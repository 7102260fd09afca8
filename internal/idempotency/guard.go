// Package idempotency provides a generic run-once guard for side-effecting
// operations. Callers check a logical key before executing and record it after;
// duplicate invocations within the key's TTL window are served the cached
// result instead of re-running the operation.
//
// The guard is advisory and fails open: if the backing store is unreachable the
// operation is allowed to run, because the dispatch ledger enforces its own
// stricter reservation for the operations where a duplicate would be costly.
package idempotency

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/templeobijnr/easy-islanders-sub001/internal/models"
	"github.com/templeobijnr/easy-islanders-sub001/internal/store"
)

// TTL classes bound storage growth while covering realistic retry windows.
// Webhook deliveries can be re-pushed by providers for up to a day; API and
// job-level retries settle within the hour.
const (
	TTLClassWebhook = "webhook"
	TTLClassAPI     = "api"
	TTLClassJob     = "job"
)

var ttlByClass = map[string]time.Duration{
	TTLClassWebhook: 24 * time.Hour,
	TTLClassAPI:     1 * time.Hour,
	TTLClassJob:     1 * time.Hour,
}

// DefaultTTL applies when an unknown TTL class is supplied.
const DefaultTTL = 1 * time.Hour

// CheckResult reports whether a logical operation already ran and, if so, the
// result it produced.
type CheckResult struct {
	IsDuplicate  bool
	CachedResult string
}

// Guard wraps an idempotency record store with check/record semantics.
type Guard struct {
	repo store.IdempotencyRepo
}

// NewGuard creates an idempotency guard backed by the given repository.
func NewGuard(repo store.IdempotencyRepo) *Guard {
	return &Guard{repo: repo}
}

// TTLFor returns the retention duration for a TTL class.
func TTLFor(ttlClass string) time.Duration {
	if ttl, ok := ttlByClass[ttlClass]; ok {
		return ttl
	}
	slog.Debug("Guard.TTLFor: unknown TTL class, using default", "ttlClass", ttlClass, "default", DefaultTTL)
	return DefaultTTL
}

// Check reports whether the operation identified by key has already executed
// within its TTL window. Store errors fail open: the operation is reported as
// not-a-duplicate and a warning is logged.
func (g *Guard) Check(ctx context.Context, key, ttlClass string) (CheckResult, error) {
	if key == "" {
		return CheckResult{}, models.ErrEmptyIdempotencyKey
	}

	rec, err := g.repo.GetIdempotencyRecord(ctx, key, time.Now())
	if err != nil {
		slog.Warn("Guard.Check: idempotency store unavailable, failing open", "key", key, "ttlClass", ttlClass, "error", err)
		return CheckResult{IsDuplicate: false}, nil
	}
	if rec == nil {
		return CheckResult{IsDuplicate: false}, nil
	}

	slog.Debug("Guard.Check: duplicate operation detected", "key", key, "ttlClass", ttlClass, "executedAt", rec.ExecutedAt)
	return CheckResult{IsDuplicate: true, CachedResult: rec.ResultJSON}, nil
}

// Record marks the operation identified by key as executed, caching result for
// later duplicate checks. Store errors are logged and swallowed: failing to
// record must not fail an operation that already succeeded.
func (g *Guard) Record(ctx context.Context, key, ttlClass, result string) error {
	if key == "" {
		return models.ErrEmptyIdempotencyKey
	}

	now := time.Now()
	rec := models.IdempotencyRecord{
		Key:        key,
		TTLClass:   ttlClass,
		ResultJSON: result,
		ExecutedAt: now,
		ExpiresAt:  now.Add(TTLFor(ttlClass)),
	}
	if err := g.repo.PutIdempotencyRecord(ctx, rec); err != nil {
		slog.Warn("Guard.Record: failed to record idempotency key", "key", key, "ttlClass", ttlClass, "error", err)
		return nil
	}
	return nil
}

// WithIdempotency runs op at most once per key within the TTL window. If the
// key was already recorded, the cached result is returned with wasCached=true
// and op is not invoked. The result is recorded only when op succeeds.
func (g *Guard) WithIdempotency(ctx context.Context, key, ttlClass string, op func(ctx context.Context) (string, error)) (string, bool, error) {
	check, err := g.Check(ctx, key, ttlClass)
	if err != nil {
		return "", false, fmt.Errorf("failed idempotency check for key %s: %w", key, err)
	}
	if check.IsDuplicate {
		return check.CachedResult, true, nil
	}

	result, err := op(ctx)
	if err != nil {
		return "", false, err
	}

	if err := g.Record(ctx, key, ttlClass, result); err != nil {
		return "", false, fmt.Errorf("failed to record idempotency key %s: %w", key, err)
	}
	return result, false, nil
}

// PurgeExpired removes records past their expiry. Intended to run on a
// schedule.
func (g *Guard) PurgeExpired(ctx context.Context) (int, error) {
	removed, err := g.repo.PurgeExpiredIdempotencyRecords(ctx, time.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired idempotency records: %w", err)
	}
	if removed > 0 {
		slog.Info("Guard.PurgeExpired: removed expired idempotency records", "count", removed)
	}
	return removed, nil
}
