package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/liliang-cn/fsrag/internal/config"
	"github.com/liliang-cn/fsrag/internal/domain"
	"github.com/liliang-cn/fsrag/internal/repository"
)

func testPricing() *Pricing {
	return NewPricing(config.PricingConfig{
		Default: config.ModelPrice{Input: 0.30, Output: 2.50, Index: 0.0015},
		Models: map[string]config.ModelPrice{
			"gemini-2.5-pro":   {Input: 1.25, Output: 10},
			"gemini-2.5-flash": {Input: 0.30, Output: 2.50},
			"gemini-2.5":       {Input: 0.50, Output: 4},
		},
		BudgetHold: 0.05,
	})
}

func TestMoney_String(t *testing.T) {
	assert.Equal(t, "$0.000123", Money(123).String())
	assert.Equal(t, "$12.500000", USD(12.5).String())
	assert.Equal(t, "-$0.000001", Money(-1).String())
}

func TestPricing_Resolution(t *testing.T) {
	p := testPricing()

	assert.Equal(t, 1.25, p.For("gemini-2.5-pro").Input)
	assert.Equal(t, 1.25, p.For("models/gemini-2.5-pro").Input)
	assert.Equal(t, 0.30, p.For("gemini-2.5-flash-lite").Input, "longest prefix wins")
	assert.Equal(t, 0.50, p.For("gemini-2.5-ultra").Input)
	assert.Equal(t, 0.30, p.For("something-else").Input)
}

func TestPricing_Costs(t *testing.T) {
	p := testPricing()

	// 1M prompt tokens at $0.30 and 1M completion at $2.50
	assert.Equal(t, USD(2.80), p.QueryCost("gemini-2.5-flash", 1_000_000, 1_000_000))
	assert.Equal(t, Money(0), p.QueryCost("gemini-2.5-flash", 0, 0))
	// 1 token at $0.0015/MTok is far below a micro-dollar but never rounds to zero
	assert.Equal(t, Money(1), p.IndexCost(1))
	assert.Equal(t, Money(15), p.IndexCost(10_000))
}

func TestEstimates(t *testing.T) {
	assert.Equal(t, int64(250), EstimateTokensFromBytes(1000, "application/pdf"))
	assert.Equal(t, int64(1), EstimateTokensFromBytes(3, "text/plain"))
	assert.Equal(t, int64(1200), EstimateTokensFromBytes(5<<20, "image/png"))
	assert.Equal(t, int64(1000), EstimateTokensFromBytes(1024, "audio/mpeg"))
	assert.Equal(t, int64(0), EstimateTokensFromBytes(0, "text/plain"))

	assert.Equal(t, int64(0), EstimateTokensFromText(""))
	assert.Equal(t, int64(1), EstimateTokensFromText("hi"))
	assert.Equal(t, int64(25), EstimateTokensFromText(string(make([]byte, 100))))
}

func newLedger(t *testing.T, now time.Time) (*Ledger, *repository.LedgerRepository) {
	t.Helper()
	db, err := repository.NewDB(filepath.Join(t.TempDir(), "ledger.db"), repository.LockOptimistic)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	repo := repository.NewLedgerRepository(db)
	return New(repo, testPricing(), zap.NewNop(), WithClock(func() time.Time { return now })), repo
}

func TestCheckBudget(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	l, repo := newLedger(t, now)

	st, err := l.CheckBudget(ctx, 1, USD(100))
	require.NoError(t, err)
	assert.True(t, st.Unlimited)

	require.NoError(t, repo.SetMonthlyLimit(ctx, 1, int64(USD(1))))
	_, err = l.CheckBudget(ctx, 1, USD(0.10))
	require.NoError(t, err)

	// hold of $0.05 leaves $0.95 for the projection
	_, err = l.CheckBudget(ctx, 1, USD(0.96))
	assert.ErrorIs(t, err, domain.ErrBudgetExceeded)

	require.NoError(t, repo.Append(ctx, &domain.LedgerEntry{PrincipalID: 1, Kind: domain.LedgerKindQuery,
		Model: "m", CostMicros: int64(USD(1)), CreatedAt: now}))
	_, err = l.CheckBudget(ctx, 1, 0)
	assert.ErrorIs(t, err, domain.ErrBudgetExceeded)

	require.NoError(t, repo.SetMonthlyLimit(ctx, 2, 0))
	_, err = l.CheckBudget(ctx, 2, 0)
	assert.ErrorIs(t, err, domain.ErrBudgetExceeded)
}

func TestCheckBudget_PreviousMonthIgnored(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	l, repo := newLedger(t, now)

	require.NoError(t, repo.SetMonthlyLimit(ctx, 1, int64(USD(1))))
	require.NoError(t, repo.Append(ctx, &domain.LedgerEntry{PrincipalID: 1, Kind: domain.LedgerKindQuery,
		Model: "m", CostMicros: int64(USD(5)), CreatedAt: time.Date(2026, 2, 28, 23, 0, 0, 0, time.UTC)}))

	st, err := l.CheckBudget(ctx, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, Money(0), st.Spent)
}

func TestRecordQuery_FlagsOverage(t *testing.T) {
	ctx := context.Background()
	l, repo := newLedger(t, time.Now().UTC())
	require.NoError(t, repo.SetMonthlyLimit(ctx, 1, int64(USD(0.01))))

	entry, over, err := l.RecordQuery(ctx, QueryUsage{PrincipalID: 1, Model: "gemini-2.5-flash",
		PromptTokens: 1000, CompletionTokens: 100})
	require.NoError(t, err)
	assert.False(t, over)
	assert.Equal(t, int64(550), entry.CostMicros)

	_, over, err = l.RecordQuery(ctx, QueryUsage{PrincipalID: 1, Model: "gemini-2.5-pro",
		PromptTokens: 10_000, CompletionTokens: 1000, Estimated: true})
	require.NoError(t, err)
	assert.True(t, over)

	entries, err := repo.List(ctx, 1, domain.LedgerKindQuery)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	assert.True(t, entries[0].Estimated)
}

func TestRecordIndexing(t *testing.T) {
	ctx := context.Background()
	l, repo := newLedger(t, time.Now().UTC())

	entry, err := l.RecordIndexing(ctx, 1, 3, 40_000, "application/pdf")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, int64(10_000), entry.IndexTokens)
	assert.Equal(t, int64(15), entry.CostMicros)

	none, err := l.RecordIndexing(ctx, 1, 3, 0, "application/pdf")
	require.NoError(t, err)
	assert.Nil(t, none)

	entries, err := repo.List(ctx, 1, domain.LedgerKindIndex)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestSummary(t *testing.T) {
	ctx := context.Background()
	l, repo := newLedger(t, time.Now().UTC())

	sum, err := l.Summary(ctx, 1)
	require.NoError(t, err)
	assert.True(t, sum.Unlimited)
	assert.Equal(t, "$0.000000", sum.MonthToDate)

	require.NoError(t, repo.SetMonthlyLimit(ctx, 1, int64(USD(2))))
	_, _, err = l.RecordQuery(ctx, QueryUsage{PrincipalID: 1, Model: "gemini-2.5-flash", PromptTokens: 1_000_000})
	require.NoError(t, err)

	sum, err = l.Summary(ctx, 1)
	require.NoError(t, err)
	assert.False(t, sum.Unlimited)
	assert.Equal(t, "$0.300000", sum.MonthToDate)
	assert.Equal(t, "$1.700000", sum.Remaining)
}
