package service

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liliang-cn/fsrag/internal/domain"
	"github.com/liliang-cn/fsrag/internal/ledger"
	"github.com/liliang-cn/fsrag/internal/provider"
)

func streamRequest(principalID, collectionID int64) StreamRequest {
	return StreamRequest{PrincipalID: principalID, CollectionIDs: []int64{collectionID}, Question: "What is the refund policy?"}
}

var guide = domain.Citation{SourceID: "cit-0", Title: "Guide", URI: "doc://guide", Snippet: "refunds within 30 days"}

func TestStream_HappyPath(t *testing.T) {
	h := newHarness(t)
	c := h.collection(t, 1)
	h.provider.stream = func(ctx context.Context, n int) (provider.Stream, error) {
		return chunks(ctx,
			&provider.Chunk{Text: "Refunds are "},
			&provider.Chunk{Text: "accepted.", Citations: []domain.Citation{guide}, FinishReason: "STOP",
				Usage: &provider.Usage{PromptTokens: 100, CompletionTokens: 20, Reported: true}},
		), nil
	}

	sink := &recordingSink{}
	req := streamRequest(1, c.ID)
	req.SessionID = "session-1"
	require.NoError(t, h.executor().Execute(context.Background(), req, sink))

	assert.Equal(t, []domain.StreamEventType{
		domain.EventStart, domain.EventTextStart, domain.EventTextDelta, domain.EventTextDelta,
		domain.EventTextEnd, domain.EventSourceDocument, domain.EventFinish,
	}, sink.types())
	assert.Equal(t, 1, sink.terminated)

	finish := sink.last()
	assert.Equal(t, "stop", finish.FinishReason)
	assert.Equal(t, &domain.Usage{InputTokens: 100, OutputTokens: 20}, finish.Usage)
	assert.Equal(t, "Guide", sink.events[5].Title)

	entries, err := h.ledgerRepo.List(context.Background(), 1, domain.LedgerKindQuery)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(100), entries[0].PromptTokens)
	assert.False(t, entries[0].Estimated)

	msgs, err := h.sessions.RecentMessages(context.Background(), "session-1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, domain.RoleUser, msgs[0].Role)
	assert.Equal(t, "Refunds are accepted.", msgs[1].Content)
	require.Len(t, msgs[1].Citations, 1)
}

func TestStream_CapacityExceeded(t *testing.T) {
	h := newHarness(t)
	h.cfg.Streaming.MaxConcurrent = 4
	c := h.collection(t, 1)
	h.provider.stream = func(ctx context.Context, n int) (provider.Stream, error) {
		return &chunkStream{ctx: ctx, chunks: []*provider.Chunk{{Text: "thinking"}}, block: true}, nil
	}
	exec := h.executor()

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = exec.Execute(ctx, streamRequest(1, c.ID), &recordingSink{})
		}()
	}
	require.Eventually(t, func() bool {
		_, _, streams := h.provider.counts()
		return streams == 4
	}, 2*time.Second, 5*time.Millisecond)

	sink := &recordingSink{}
	start := time.Now()
	require.NoError(t, exec.Execute(context.Background(), streamRequest(1, c.ID), sink))
	assert.Less(t, time.Since(start), time.Second)

	assert.Equal(t, []domain.StreamEventType{domain.EventStart, domain.EventError}, sink.types())
	assert.Equal(t, domain.CodeStreamCapacityExceeded, sink.last().Code)
	assert.Equal(t, 1, sink.terminated)

	_, _, streams := h.provider.counts()
	assert.Equal(t, 4, streams)

	cancel()
	wg.Wait()
}

func TestStream_RetriesBeforeContent(t *testing.T) {
	h := newHarness(t)
	c := h.collection(t, 1)
	h.provider.stream = func(ctx context.Context, n int) (provider.Stream, error) {
		if n <= 2 {
			return nil, unavailable()
		}
		return chunks(ctx, &provider.Chunk{Text: "answer"}), nil
	}

	sink := &recordingSink{}
	require.NoError(t, h.executor().Execute(context.Background(), streamRequest(1, c.ID), sink))

	_, _, streams := h.provider.counts()
	assert.Equal(t, 3, streams)
	assert.Equal(t, domain.EventFinish, sink.last().Type)
}

func TestStream_RetryDiscardsFailedAttemptState(t *testing.T) {
	h := newHarness(t)
	c := h.collection(t, 1)
	stale := domain.Citation{Title: "stale", URI: "doc://stale"}
	h.provider.stream = func(ctx context.Context, n int) (provider.Stream, error) {
		if n == 1 {
			return &chunkStream{ctx: ctx, err: unavailable(), chunks: []*provider.Chunk{{
				Citations:    []domain.Citation{stale},
				FinishReason: "MAX_TOKENS",
				Usage:        &provider.Usage{PromptTokens: 999_999, CompletionTokens: 999_999, Reported: true},
			}}}, nil
		}
		return chunks(ctx, &provider.Chunk{Text: "answer"}), nil
	}

	sink := &recordingSink{}
	require.NoError(t, h.executor().Execute(context.Background(), streamRequest(1, c.ID), sink))

	assert.Equal(t, []domain.StreamEventType{
		domain.EventStart, domain.EventTextStart, domain.EventTextDelta, domain.EventTextEnd, domain.EventFinish,
	}, sink.types())
	finish := sink.last()
	assert.Equal(t, domain.FinishReasonStop, finish.FinishReason)
	require.NotNil(t, finish.Usage)
	assert.True(t, finish.Usage.Estimated)
	assert.Less(t, finish.Usage.InputTokens, int64(999_999))

	entries, err := h.ledgerRepo.List(context.Background(), 1, domain.LedgerKindQuery)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Estimated)
	assert.Less(t, entries[0].PromptTokens, int64(999_999))
}

func TestStream_RetriesExhausted(t *testing.T) {
	h := newHarness(t)
	c := h.collection(t, 1)
	h.provider.stream = func(ctx context.Context, n int) (provider.Stream, error) {
		// the open succeeds but the first read fails
		return &chunkStream{ctx: ctx, err: unavailable()}, nil
	}

	sink := &recordingSink{}
	require.NoError(t, h.executor().Execute(context.Background(), streamRequest(1, c.ID), sink))

	_, _, streams := h.provider.counts()
	assert.Equal(t, 3, streams)
	assert.Equal(t, []domain.StreamEventType{domain.EventStart, domain.EventError}, sink.types())
	assert.Equal(t, domain.CodeUpstreamUnavailable, sink.last().Code)
	assert.Equal(t, 1, sink.terminated)

	entries, err := h.ledgerRepo.List(context.Background(), 1, "")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestStream_NonRetryableFailure(t *testing.T) {
	h := newHarness(t)
	c := h.collection(t, 1)
	h.provider.stream = func(ctx context.Context, n int) (provider.Stream, error) {
		return nil, &provider.Error{Op: "generate_stream", StatusCode: 400, Kind: provider.ErrRejected}
	}

	sink := &recordingSink{}
	require.NoError(t, h.executor().Execute(context.Background(), streamRequest(1, c.ID), sink))

	_, _, streams := h.provider.counts()
	assert.Equal(t, 1, streams)
	assert.Equal(t, domain.CodeUnexpectedError, sink.last().Code)
}

func TestStream_FailureAfterContentIsNotRetried(t *testing.T) {
	h := newHarness(t)
	c := h.collection(t, 1)
	h.provider.stream = func(ctx context.Context, n int) (provider.Stream, error) {
		return &chunkStream{ctx: ctx, chunks: []*provider.Chunk{{Text: "partial answer"}}, err: unavailable()}, nil
	}

	sink := &recordingSink{}
	require.NoError(t, h.executor().Execute(context.Background(), streamRequest(1, c.ID), sink))

	_, _, streams := h.provider.counts()
	assert.Equal(t, 1, streams)
	assert.Equal(t, []domain.StreamEventType{
		domain.EventStart, domain.EventTextStart, domain.EventTextDelta, domain.EventError,
	}, sink.types())
	assert.Equal(t, domain.CodeUpstreamUnavailable, sink.last().Code)

	entries, err := h.ledgerRepo.List(context.Background(), 1, domain.LedgerKindQuery)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Estimated)
}

func TestStream_BudgetPrecheckMakesNoProviderCall(t *testing.T) {
	h := newHarness(t)
	c := h.collection(t, 1)
	require.NoError(t, h.ledgerRepo.SetMonthlyLimit(context.Background(), 1, 0))

	sink := &recordingSink{}
	require.NoError(t, h.executor().Execute(context.Background(), streamRequest(1, c.ID), sink))

	assert.Equal(t, []domain.StreamEventType{domain.EventStart, domain.EventError}, sink.types())
	assert.Equal(t, domain.CodeBudgetExceeded, sink.last().Code)
	assert.Equal(t, 1, sink.terminated)
	_, _, streams := h.provider.counts()
	assert.Zero(t, streams)
}

func TestStream_BudgetRefusalLeavesNoSession(t *testing.T) {
	h := newHarness(t)
	c := h.collection(t, 1)
	require.NoError(t, h.ledgerRepo.SetMonthlyLimit(context.Background(), 1, 0))

	req := streamRequest(1, c.ID)
	req.SessionID = "s-refused"
	sink := &recordingSink{}
	require.NoError(t, h.executor().Execute(context.Background(), req, sink))
	assert.Equal(t, domain.CodeBudgetExceeded, sink.last().Code)

	s, err := h.sessions.Get(context.Background(), "s-refused")
	require.NoError(t, err)
	assert.Nil(t, s)
}

func TestStream_OverageAfterAnswer(t *testing.T) {
	h := newHarness(t)
	c := h.collection(t, 1)
	require.NoError(t, h.ledgerRepo.SetMonthlyLimit(context.Background(), 1, int64(ledger.USD(0.06))))
	h.provider.stream = func(ctx context.Context, n int) (provider.Stream, error) {
		return chunks(ctx, &provider.Chunk{Text: "long answer",
			Usage: &provider.Usage{PromptTokens: 1_000_000, CompletionTokens: 10, Reported: true}}), nil
	}

	sink := &recordingSink{}
	require.NoError(t, h.executor().Execute(context.Background(), streamRequest(1, c.ID), sink))

	assert.Equal(t, []domain.StreamEventType{
		domain.EventStart, domain.EventTextStart, domain.EventTextDelta, domain.EventTextEnd, domain.EventError,
	}, sink.types())
	assert.Equal(t, domain.CodeBudgetExceeded, sink.last().Code)

	entries, err := h.ledgerRepo.List(context.Background(), 1, domain.LedgerKindQuery)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestStream_BudgetEnforcedMidstream(t *testing.T) {
	h := newHarness(t)
	h.cfg.Streaming.EnforceBudgetMidstream = true
	c := h.collection(t, 1)
	require.NoError(t, h.ledgerRepo.SetMonthlyLimit(context.Background(), 1, int64(ledger.USD(0.06))))
	h.provider.stream = func(ctx context.Context, n int) (provider.Stream, error) {
		return chunks(ctx,
			&provider.Chunk{Text: "first", Usage: &provider.Usage{PromptTokens: 1_000_000, CompletionTokens: 1, Reported: true}},
			&provider.Chunk{Text: "never sent"},
		), nil
	}

	sink := &recordingSink{}
	require.NoError(t, h.executor().Execute(context.Background(), streamRequest(1, c.ID), sink))

	assert.Equal(t, []domain.StreamEventType{
		domain.EventStart, domain.EventTextStart, domain.EventTextDelta, domain.EventError,
	}, sink.types())
	assert.Equal(t, domain.CodeBudgetExceeded, sink.last().Code)
}

func TestStream_InvalidRequests(t *testing.T) {
	h := newHarness(t)
	c := h.collection(t, 1)
	other := h.collection(t, 2)

	tests := []struct {
		name string
		req  StreamRequest
	}{
		{"empty question", StreamRequest{PrincipalID: 1, CollectionIDs: []int64{c.ID}, Question: "  "}},
		{"no collections", StreamRequest{PrincipalID: 1, Question: "q"}},
		{"foreign collection", StreamRequest{PrincipalID: 1, CollectionIDs: []int64{other.ID}, Question: "q"}},
		{"unknown model", StreamRequest{PrincipalID: 1, CollectionIDs: []int64{c.ID}, Question: "q", Model: "gpt-nope"}},
		{"question too long", StreamRequest{PrincipalID: 1, CollectionIDs: []int64{c.ID}, Question: strings.Repeat("a", 32001)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &recordingSink{}
			require.NoError(t, h.executor().Execute(context.Background(), tt.req, sink))
			assert.Equal(t, []domain.StreamEventType{domain.EventStart, domain.EventError}, sink.types())
			assert.Equal(t, domain.CodeInvalidRequest, sink.last().Code)
		})
	}
	_, _, streams := h.provider.counts()
	assert.Zero(t, streams)
}

func TestStream_CancelledBeforeOutputIsNotCharged(t *testing.T) {
	h := newHarness(t)
	c := h.collection(t, 1)
	h.provider.stream = func(ctx context.Context, n int) (provider.Stream, error) {
		return &chunkStream{ctx: ctx, block: true}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		assert.Eventually(t, func() bool {
			_, _, streams := h.provider.counts()
			return streams == 1
		}, 2*time.Second, 5*time.Millisecond)
		cancel()
	}()

	err := h.executor().Execute(ctx, streamRequest(1, c.ID), &recordingSink{})
	assert.ErrorIs(t, err, context.Canceled)

	entries, err := h.ledgerRepo.List(context.Background(), 1, "")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestStream_CancelledAfterOutputIsCharged(t *testing.T) {
	h := newHarness(t)
	c := h.collection(t, 1)
	h.provider.stream = func(ctx context.Context, n int) (provider.Stream, error) {
		return &chunkStream{ctx: ctx, chunks: []*provider.Chunk{{Text: "some text"}}, block: true}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	sink := &recordingSink{onEvent: func(ev domain.StreamEvent) {
		if ev.Type == domain.EventTextDelta {
			cancel()
		}
	}}

	err := h.executor().Execute(ctx, streamRequest(1, c.ID), sink)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, sink.terminated)

	entries, err := h.ledgerRepo.List(context.Background(), 1, domain.LedgerKindQuery)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Estimated)
}

func TestStream_CitationsDeduplicated(t *testing.T) {
	h := newHarness(t)
	c := h.collection(t, 1)
	second := domain.Citation{SourceID: "cit-0", Title: "FAQ", URI: "doc://faq"}
	h.provider.stream = func(ctx context.Context, n int) (provider.Stream, error) {
		return chunks(ctx,
			&provider.Chunk{Text: "a", Citations: []domain.Citation{guide}},
			&provider.Chunk{Text: "b", Citations: []domain.Citation{guide, second}},
		), nil
	}

	sink := &recordingSink{}
	require.NoError(t, h.executor().Execute(context.Background(), streamRequest(1, c.ID), sink))

	var sources []domain.StreamEvent
	for _, ev := range sink.events {
		if ev.Type == domain.EventSourceDocument {
			sources = append(sources, ev)
		}
	}
	require.Len(t, sources, 2)
	assert.Equal(t, "cit-0", sources[0].SourceID)
	assert.Equal(t, "cit-1", sources[1].SourceID)
	assert.Equal(t, "FAQ", sources[1].Title)
}

func TestStream_MissingUsageIsEstimated(t *testing.T) {
	h := newHarness(t)
	c := h.collection(t, 1)

	sink := &recordingSink{}
	require.NoError(t, h.executor().Execute(context.Background(), streamRequest(1, c.ID), sink))

	finish := sink.last()
	require.Equal(t, domain.EventFinish, finish.Type)
	assert.True(t, finish.Usage.Estimated)
	assert.Positive(t, finish.Usage.InputTokens)

	entries, err := h.ledgerRepo.List(context.Background(), 1, domain.LedgerKindQuery)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Estimated)
}

func TestStream_Keepalive(t *testing.T) {
	h := newHarness(t)
	h.cfg.Streaming.KeepaliveInterval = 5 * time.Millisecond
	c := h.collection(t, 1)
	h.provider.stream = func(ctx context.Context, n int) (provider.Stream, error) {
		return &chunkStream{ctx: ctx, chunks: []*provider.Chunk{{Text: "late"}}, delay: 60 * time.Millisecond}, nil
	}

	sink := &recordingSink{}
	require.NoError(t, h.executor().Execute(context.Background(), streamRequest(1, c.ID), sink))

	assert.Positive(t, sink.keepalives)
	assert.Equal(t, domain.EventFinish, sink.last().Type)
}

func TestStream_HistoryIsSent(t *testing.T) {
	h := newHarness(t)
	c := h.collection(t, 1)
	exec := h.executor()

	req := streamRequest(1, c.ID)
	req.SessionID = "s-hist"
	require.NoError(t, exec.Execute(context.Background(), req, &recordingSink{}))

	req.Question = "And for digital goods?"
	require.NoError(t, exec.Execute(context.Background(), req, &recordingSink{}))

	h.provider.mu.Lock()
	prompt := h.provider.lastRequest.Contents[0].Text
	stores := h.provider.lastRequest.StoreNames
	h.provider.mu.Unlock()

	assert.Contains(t, prompt, "User: What is the refund policy?")
	assert.Contains(t, prompt, "Assistant: ok")
	assert.Contains(t, prompt, "User: And for digital goods?")
	assert.Equal(t, []string{"fileSearchStores/hb"}, stores)
}

func TestStream_ForeignSessionRejected(t *testing.T) {
	h := newHarness(t)
	mine := h.collection(t, 1)
	theirs := h.collection(t, 2)
	exec := h.executor()

	req := streamRequest(2, theirs.ID)
	req.SessionID = "s-theirs"
	require.NoError(t, exec.Execute(context.Background(), req, &recordingSink{}))

	req = streamRequest(1, mine.ID)
	req.SessionID = "s-theirs"
	sink := &recordingSink{}
	require.NoError(t, exec.Execute(context.Background(), req, sink))
	assert.Equal(t, domain.CodeInvalidRequest, sink.last().Code)
}

func TestBuildPrompt(t *testing.T) {
	assert.Equal(t, "hello", buildPrompt(nil, "hello", 24, 6000))

	history := []*domain.Message{
		{Role: domain.RoleUser, Content: "first question"},
		{Role: domain.RoleAssistant, Content: "first answer"},
		{Role: domain.RoleUser, Content: "   "},
	}
	p := buildPrompt(history, "second", 24, 6000)
	assert.True(t, strings.HasPrefix(p, "User: first question\nAssistant: first answer\nUser: second"))
	assert.True(t, strings.HasSuffix(p, historySuffix))

	p = buildPrompt(history, "second", 2, 6000)
	assert.True(t, strings.HasPrefix(p, "Assistant: first answer\nUser: second"))

	long := []*domain.Message{{Role: domain.RoleUser, Content: strings.Repeat("x", 10_000)}}
	p = buildPrompt(long, "tail", 24, 100)
	assert.Equal(t, 100+len(historySuffix), len(p))
	assert.True(t, strings.HasPrefix(strings.TrimSuffix(p, historySuffix), strings.Repeat("x", 89)))
}

func TestStream_PanicBecomesUnexpectedError(t *testing.T) {
	t.Run("provider", func(t *testing.T) {
		h := newHarness(t)
		c := h.collection(t, 1)
		h.provider.stream = func(ctx context.Context, n int) (provider.Stream, error) {
			panic("stream exploded")
		}

		sink := &recordingSink{}
		require.NoError(t, h.executor().Execute(context.Background(), streamRequest(1, c.ID), sink))

		assert.Equal(t, []domain.StreamEventType{domain.EventStart, domain.EventError}, sink.types())
		assert.Equal(t, domain.CodeUnexpectedError, sink.last().Code)
		assert.Equal(t, 1, sink.terminated)
		_, _, streams := h.provider.counts()
		assert.Equal(t, 1, streams)
	})

	t.Run("writer", func(t *testing.T) {
		h := newHarness(t)
		c := h.collection(t, 1)
		exec := h.executor()
		sink := &recordingSink{onEvent: func(ev domain.StreamEvent) {
			if ev.Type == domain.EventTextStart {
				panic("writer exploded")
			}
		}}

		require.NoError(t, exec.Execute(context.Background(), streamRequest(1, c.ID), sink))

		assert.Equal(t, []domain.StreamEventType{domain.EventStart, domain.EventTextStart, domain.EventError}, sink.types())
		assert.Equal(t, domain.CodeUnexpectedError, sink.last().Code)
		assert.Equal(t, 1, sink.terminated)

		// the slot was released
		sink = &recordingSink{}
		require.NoError(t, exec.Execute(context.Background(), streamRequest(1, c.ID), sink))
		assert.Equal(t, domain.EventFinish, sink.last().Type)
	})
}
