// Package quota gates AI translation behind a monthly free allowance.
//
// Usage is counted per user per calendar month (UTC). Premium users bypass
// the gate. Consumption prefers an atomic server-side increment and falls
// back to read-then-upsert when that function is not provisioned; the
// fallback can under-count when two sessions of the same user consume at
// the same moment.
package quota

import (
	"context"
	"time"

	"github.com/duavault/extract-worker/internal/errors"
	"github.com/duavault/extract-worker/internal/logging"
)

var (
	// ErrUsageNotFound means no usage row exists for the period yet.
	ErrUsageNotFound = errors.NewPlain("translation usage not found")
	// ErrNotProvisioned means the usage table or function does not exist.
	ErrNotProvisioned = errors.NewPlain("translation quota storage not provisioned")
)

// Store is the persistence boundary.
type Store interface {
	// GetTranslationUsage returns ErrUsageNotFound for an absent row and
	// ErrNotProvisioned when the table is missing.
	GetTranslationUsage(ctx context.Context, userID string, periodStart time.Time) (int, error)
	// ConsumeTranslationQuotaAtomic increments usage if under limit and
	// returns the resulting state. ErrNotProvisioned when the function is missing.
	ConsumeTranslationQuotaAtomic(ctx context.Context, userID string, periodStart time.Time, limit int) (Quota, error)
	UpsertTranslationUsage(ctx context.Context, userID string, periodStart time.Time, used int) error
}

// Subject identifies who is translating.
type Subject struct {
	UserID  string
	Premium bool
}

// Quota is a snapshot of one user's allowance for a period.
type Quota struct {
	PeriodStart time.Time
	Used        int
	Limit       int
	Unlimited   bool
}

// Remaining is never negative; unlimited quotas report -1.
func (q Quota) Remaining() int {
	if q.Unlimited {
		return -1
	}
	if r := q.Limit - q.Used; r > 0 {
		return r
	}
	return 0
}

// Allowed reports whether one more translation may start.
func (q Quota) Allowed() bool {
	return q.Unlimited || q.Used < q.Limit
}

// PeriodStart returns the first instant of t's calendar month in UTC.
func PeriodStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// Gate checks and consumes translation quota.
type Gate struct {
	store  Store
	now    func() time.Time
	logger *logging.Logger
}

// NewGate creates a gate over store.
func NewGate(store Store, logger *logging.Logger) *Gate {
	if logger == nil {
		logger = logging.NewLogger("QuotaGate")
	}
	return &Gate{store: store, now: time.Now, logger: logger}
}

func unlimited(period time.Time, limit int) Quota {
	return Quota{PeriodStart: period, Limit: limit, Unlimited: true}
}

// CheckQuota reads the current period's usage. An absent row counts as zero
// and unprovisioned storage leaves the feature open; any other read failure
// is QUOTA_CHECK_FAILED and must block the translation.
func (g *Gate) CheckQuota(ctx context.Context, subject Subject, limit int) (Quota, error) {
	period := PeriodStart(g.now())
	if subject.Premium {
		return unlimited(period, limit), nil
	}
	if subject.UserID == "" {
		return Quota{}, errors.NewInvalidInputError("user id is required for quota checks")
	}

	used, err := g.store.GetTranslationUsage(ctx, subject.UserID, period)
	switch {
	case err == nil:
	case errors.Is(err, ErrUsageNotFound):
		used = 0
	case errors.Is(err, ErrNotProvisioned):
		g.logger.Warn("Quota storage not provisioned, treating quota as open", "user_id", subject.UserID)
		used = 0
	default:
		return Quota{}, errors.NewQuotaCheckFailedError(subject.UserID, err)
	}

	return Quota{PeriodStart: period, Used: used, Limit: limit}, nil
}

// ConsumeQuota books one translation. Call it only after a successful,
// non-cached translation.
func (g *Gate) ConsumeQuota(ctx context.Context, subject Subject, limit int) (Quota, error) {
	period := PeriodStart(g.now())
	if subject.Premium {
		return unlimited(period, limit), nil
	}
	if subject.UserID == "" {
		return Quota{}, errors.NewInvalidInputError("user id is required to consume quota")
	}

	q, err := g.store.ConsumeTranslationQuotaAtomic(ctx, subject.UserID, period, limit)
	if err == nil {
		q.Limit = limit
		if q.PeriodStart.IsZero() {
			q.PeriodStart = period
		}
		return q, nil
	}
	if !errors.Is(err, ErrNotProvisioned) {
		return Quota{}, errors.NewQuotaConsumeFailedError(subject.UserID, err)
	}

	g.logger.Debug("Atomic quota function unavailable, using read-then-upsert", "user_id", subject.UserID)
	return g.consumeFallback(ctx, subject.UserID, period, limit)
}

// consumeFallback is not race-free: concurrent callers may read the same
// count and both write count+1.
func (g *Gate) consumeFallback(ctx context.Context, userID string, period time.Time, limit int) (Quota, error) {
	used, err := g.store.GetTranslationUsage(ctx, userID, period)
	if err != nil && !errors.Is(err, ErrUsageNotFound) {
		return Quota{}, errors.NewQuotaConsumeFailedError(userID, err)
	}

	next := used + 1
	if err := g.store.UpsertTranslationUsage(ctx, userID, period, next); err != nil {
		return Quota{}, errors.NewQuotaConsumeFailedError(userID, err)
	}
	return Quota{PeriodStart: period, Used: next, Limit: limit}, nil
}
