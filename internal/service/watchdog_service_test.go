package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/liliang-cn/fsrag/internal/domain"
)

func TestWatchdog_ResetsOnlyStaleRunning(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.collection(t, 1)
	now := time.Now()

	stale := h.document(t, &domain.Document{CollectionID: c.ID, Status: domain.StatusRunning, OperationRef: "op/1", StatusChangedAt: now.Add(-45 * time.Minute)})
	fresh := h.document(t, &domain.Document{CollectionID: c.ID, Status: domain.StatusRunning, OperationRef: "op/2", StatusChangedAt: now.Add(-10 * time.Minute)})
	done := h.document(t, &domain.Document{CollectionID: c.ID, Status: domain.StatusDone, StatusChangedAt: now.Add(-5 * time.Hour)})
	pending := h.document(t, &domain.Document{CollectionID: c.ID, StatusChangedAt: now.Add(-5 * time.Hour)})

	w := NewWatchdogService(h.documents, h.audit, zap.NewNop())
	res, err := w.Sweep(ctx, SweepRequest{TTL: 30 * time.Minute, Target: domain.StatusPending, Actor: 9})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.ResetCount)

	got, _ := h.documents.Get(ctx, stale.ID)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Empty(t, got.OperationRef)

	got, _ = h.documents.Get(ctx, fresh.ID)
	assert.Equal(t, domain.StatusRunning, got.Status)
	assert.Equal(t, "op/2", got.OperationRef)

	got, _ = h.documents.Get(ctx, done.ID)
	assert.Equal(t, domain.StatusDone, got.Status)
	got, _ = h.documents.Get(ctx, pending.ID)
	assert.Equal(t, domain.StatusPending, got.Status)

	records, err := h.audit.ListByAction(ctx, AuditActionWatchdogReset)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, int64(9), records[0].PrincipalID)
}

func TestWatchdog_ResetToErrorScopedToPrincipal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	mine := h.collection(t, 1)
	theirs := h.collection(t, 2)
	old := time.Now().Add(-2 * time.Hour)

	a := h.document(t, &domain.Document{CollectionID: mine.ID, Status: domain.StatusRunning, StatusChangedAt: old})
	b := h.document(t, &domain.Document{CollectionID: theirs.ID, Status: domain.StatusRunning, StatusChangedAt: old})

	principal := int64(1)
	w := NewWatchdogService(h.documents, h.audit, zap.NewNop())
	res, err := w.Sweep(ctx, SweepRequest{TTL: time.Hour, PrincipalID: &principal, Target: domain.StatusError})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.ResetCount)

	got, _ := h.documents.Get(ctx, a.ID)
	assert.Equal(t, domain.StatusError, got.Status)
	assert.Equal(t, "reset by watchdog", got.LastError)

	got, _ = h.documents.Get(ctx, b.ID)
	assert.Equal(t, domain.StatusRunning, got.Status)
}

func TestWatchdog_Validation(t *testing.T) {
	h := newHarness(t)
	w := NewWatchdogService(h.documents, h.audit, zap.NewNop())

	_, err := w.Sweep(context.Background(), SweepRequest{TTL: 30 * time.Second, Target: domain.StatusPending})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)

	_, err = w.Sweep(context.Background(), SweepRequest{TTL: time.Hour, Target: domain.StatusDone})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestParseResetTarget(t *testing.T) {
	s, err := ParseResetTarget("")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, s)

	s, err = ParseResetTarget("error")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, s)

	_, err = ParseResetTarget("done")
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
}
