// Package ledger prices provider usage and keeps per-principal monthly spend.
package ledger

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/liliang-cn/fsrag/internal/domain"
)

// Store is the persistence the ledger needs.
type Store interface {
	Append(ctx context.Context, entry *domain.LedgerEntry) error
	SpendSince(ctx context.Context, principalID int64, since time.Time) (int64, error)
	MonthlyLimit(ctx context.Context, principalID int64) (int64, bool, error)
}

// IndexModel is the model name recorded on indexing entries.
const IndexModel = "file-search-index"

// Ledger records costs and enforces monthly budgets
type Ledger struct {
	store   Store
	pricing *Pricing
	logger  *zap.Logger
	now     func() time.Time
}

// Option configures a Ledger
type Option func(*Ledger)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New creates a ledger
func New(store Store, pricing *Pricing, logger *zap.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		store:   store,
		pricing: pricing,
		logger:  logger.Named("ledger"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Pricing returns the price table in use.
func (l *Ledger) Pricing() *Pricing {
	return l.pricing
}

// MonthStart returns the first instant of t's calendar month in UTC.
func MonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// BudgetState is a principal's month-to-date position.
type BudgetState struct {
	Spent     Money
	Limit     Money
	Remaining Money
	Unlimited bool
}

func (l *Ledger) state(ctx context.Context, principalID int64) (BudgetState, error) {
	spent, err := l.store.SpendSince(ctx, principalID, MonthStart(l.now()))
	if err != nil {
		return BudgetState{}, fmt.Errorf("read monthly spend: %w", err)
	}
	limit, ok, err := l.store.MonthlyLimit(ctx, principalID)
	if err != nil {
		return BudgetState{}, fmt.Errorf("read monthly limit: %w", err)
	}
	st := BudgetState{Spent: Money(spent), Unlimited: !ok}
	if ok {
		st.Limit = Money(limit)
		st.Remaining = st.Limit - st.Spent
	}
	return st, nil
}

// CheckBudget fails with domain.ErrBudgetExceeded when projected plus the
// configured hold does not fit in the remaining monthly budget.
func (l *Ledger) CheckBudget(ctx context.Context, principalID int64, projected Money) (BudgetState, error) {
	st, err := l.state(ctx, principalID)
	if err != nil {
		return st, err
	}
	if st.Unlimited {
		return st, nil
	}
	if st.Spent >= st.Limit || projected+l.pricing.Hold() > st.Remaining {
		return st, domain.ErrBudgetExceeded
	}
	return st, nil
}

// QueryUsage describes one answered query.
type QueryUsage struct {
	PrincipalID      int64
	CollectionID     int64
	Model            string
	PromptTokens     int64
	CompletionTokens int64
	Estimated        bool
}

// RecordQuery appends a query entry and reports whether the principal is now
// over its monthly limit.
func (l *Ledger) RecordQuery(ctx context.Context, u QueryUsage) (*domain.LedgerEntry, bool, error) {
	entry := &domain.LedgerEntry{
		PrincipalID:      u.PrincipalID,
		CollectionID:     u.CollectionID,
		Kind:             domain.LedgerKindQuery,
		Model:            u.Model,
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		CostMicros:       int64(l.pricing.QueryCost(u.Model, u.PromptTokens, u.CompletionTokens)),
		Estimated:        u.Estimated,
		CreatedAt:        l.now().UTC(),
	}
	if err := l.store.Append(ctx, entry); err != nil {
		return nil, false, fmt.Errorf("append query entry: %w", err)
	}

	st, err := l.state(ctx, u.PrincipalID)
	if err != nil {
		return entry, false, err
	}
	over := !st.Unlimited && st.Spent > st.Limit
	if over {
		l.logger.Warn("monthly budget exceeded",
			zap.Int64("principal_id", u.PrincipalID),
			zap.Stringer("spent", st.Spent),
			zap.Stringer("limit", st.Limit),
		)
	}
	return entry, over, nil
}

// RecordIndexing appends an index entry estimated from the file size. Zero
// cost writes nothing and returns nil.
func (l *Ledger) RecordIndexing(ctx context.Context, principalID, collectionID, sizeBytes int64, mimeType string) (*domain.LedgerEntry, error) {
	tokens := EstimateTokensFromBytes(sizeBytes, mimeType)
	cost := l.pricing.IndexCost(tokens)
	if cost == 0 {
		return nil, nil
	}

	entry := &domain.LedgerEntry{
		PrincipalID:  principalID,
		CollectionID: collectionID,
		Kind:         domain.LedgerKindIndex,
		Model:        IndexModel,
		IndexTokens:  tokens,
		CostMicros:   int64(cost),
		Estimated:    true,
		CreatedAt:    l.now().UTC(),
	}
	if err := l.store.Append(ctx, entry); err != nil {
		return nil, fmt.Errorf("append index entry: %w", err)
	}
	return entry, nil
}

// Summary returns the month-to-date spend of a principal.
func (l *Ledger) Summary(ctx context.Context, principalID int64) (*domain.CostSummary, error) {
	st, err := l.state(ctx, principalID)
	if err != nil {
		return nil, err
	}
	sum := &domain.CostSummary{
		PrincipalID:    principalID,
		MonthToDate:    st.Spent.String(),
		MonthToDateRaw: int64(st.Spent),
		Unlimited:      st.Unlimited,
	}
	if !st.Unlimited {
		sum.Limit = st.Limit.String()
		remaining := st.Remaining
		if remaining < 0 {
			remaining = 0
		}
		sum.Remaining = remaining.String()
	}
	return sum, nil
}
