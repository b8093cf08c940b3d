package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/liliang-cn/fsrag/internal/config"
	"github.com/liliang-cn/fsrag/internal/domain"
	"github.com/liliang-cn/fsrag/internal/ledger"
	"github.com/liliang-cn/fsrag/internal/provider"
	"github.com/liliang-cn/fsrag/internal/repository"
)

// EventSink receives the outward events of one answer stream.
type EventSink interface {
	Send(ev domain.StreamEvent) error
	// Keepalive writes a comment frame that carries no event.
	Keepalive() error
	// Terminate writes the end-of-stream marker.
	Terminate() error
}

// StreamRequest is one question to answer.
type StreamRequest struct {
	PrincipalID    int64
	CollectionIDs  []int64
	SessionID      string
	Question       string
	Model          string
	MetadataFilter string
}

const systemInstruction = "Answer using only the documents available through file search. " +
	"If they do not contain the answer, say so."

const historySuffix = "\n\nAssistant, answer the latest User message using the conversation above."

// StreamExecutor turns provider answer streams into ordered outward events
// under admission control, budget checks and retry.
type StreamExecutor struct {
	cfg         config.StreamingConfig
	conf        *config.Config
	provider    provider.Client
	ledger      *ledger.Ledger
	collections *repository.CollectionRepository
	sessions    *repository.SessionRepository
	slots       *semaphore.Weighted
	logger      *zap.Logger
}

// NewStreamExecutor creates a new stream executor
func NewStreamExecutor(
	cfg *config.Config,
	client provider.Client,
	ldg *ledger.Ledger,
	collections *repository.CollectionRepository,
	sessions *repository.SessionRepository,
	logger *zap.Logger,
) *StreamExecutor {
	return &StreamExecutor{
		cfg:         cfg.Streaming,
		conf:        cfg,
		provider:    client,
		ledger:      ldg,
		collections: collections,
		sessions:    sessions,
		slots:       semaphore.NewWeighted(int64(cfg.Streaming.MaxConcurrent)),
		logger:      logger.Named("stream"),
	}
}

// sinkError marks a failed write to the caller.
type sinkError struct{ err error }

func (e *sinkError) Error() string { return "write to client: " + e.err.Error() }
func (e *sinkError) Unwrap() error { return e.err }

var errBudgetMidstream = errors.New("budget exhausted mid-stream")

// turn is the state of one answer.
type turn struct {
	req       StreamRequest
	model     string
	messageID string
	textID    string
	session   *domain.Session
	stores    []string
	prompt    string
	budget    ledger.BudgetState
	sink      EventSink
	logger    *zap.Logger

	text         strings.Builder
	textStarted  bool
	citations    []domain.Citation
	seen         map[string]bool
	usage        *provider.Usage
	finishReason string
}

func (t *turn) send(ev domain.StreamEvent) error {
	if err := t.sink.Send(ev); err != nil {
		return &sinkError{err}
	}
	return nil
}

// resetAttempt drops what a failed attempt gathered before any text was
// sent, so a retry starts clean.
func (t *turn) resetAttempt() {
	t.citations = nil
	t.seen = make(map[string]bool)
	t.usage = nil
	t.finishReason = ""
}

// fail sends one error event and the terminator.
func (t *turn) fail(se *domain.StreamError) error {
	if err := t.send(domain.ErrorEvent(se)); err != nil {
		return err
	}
	if err := t.sink.Terminate(); err != nil {
		return &sinkError{err}
	}
	return nil
}

// Execute answers req, writing every event to sink. Protocol-level failures
// are delivered as error events; the returned error is non-nil only when the
// caller went away or the sink failed.
func (e *StreamExecutor) Execute(ctx context.Context, req StreamRequest, sink EventSink) (err error) {
	t := &turn{
		req:       req,
		messageID: uuid.New().String(),
		textID:    uuid.New().String(),
		sink:      sink,
		seen:      make(map[string]bool),
	}
	t.logger = e.logger.With(zap.String("message_id", t.messageID), zap.Int64("principal_id", req.PrincipalID))
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("stream panicked", zap.Any("panic", r))
			err = t.fail(domain.NewUnexpected())
		}
	}()

	admitCtx, cancel := context.WithTimeout(ctx, e.cfg.AdmissionWait)
	err = e.slots.Acquire(admitCtx, 1)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		t.logger.Warn("stream rejected: no capacity", zap.Int("max_concurrent", e.cfg.MaxConcurrent))
		if err := t.send(domain.StartEvent(t.messageID)); err != nil {
			return err
		}
		return t.fail(domain.NewCapacityExceeded())
	}
	defer e.slots.Release(1)

	if err := t.send(domain.StartEvent(t.messageID)); err != nil {
		return err
	}

	if err := e.prepare(ctx, t); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		se := domain.AsStreamError(err)
		if se.Code == domain.CodeUnexpectedError {
			t.logger.Error("failed to prepare answer", zap.Error(err))
		} else {
			t.logger.Info("answer refused", zap.String("code", string(se.Code)))
		}
		return t.fail(se)
	}

	return e.stream(ctx, t)
}

// prepare validates the request, assembles the prompt, runs the budget
// pre-check and records the user message. Nothing here calls the provider.
func (e *StreamExecutor) prepare(ctx context.Context, t *turn) error {
	question := strings.TrimSpace(t.req.Question)
	switch {
	case question == "":
		return domain.NewInvalidRequest("question is required")
	case utf8.RuneCountInString(question) > e.cfg.MaxQuestionChars:
		return domain.NewInvalidRequest(fmt.Sprintf("question exceeds %d characters", e.cfg.MaxQuestionChars))
	case len(t.req.CollectionIDs) == 0:
		return domain.NewInvalidRequest("at least one collection is required")
	}

	t.model = t.req.Model
	if t.model == "" {
		t.model = e.conf.Provider.DefaultModel
	}
	if !e.conf.ModelAllowed(t.model) {
		return domain.NewInvalidRequest("model is not allowed")
	}

	for _, id := range t.req.CollectionIDs {
		c, err := e.collections.Get(ctx, id)
		if err != nil {
			return err
		}
		if c == nil || c.Deleted || c.PrincipalID != t.req.PrincipalID {
			return domain.NewInvalidRequest("collection not found")
		}
		t.stores = append(t.stores, c.StoreName)
	}

	existing, err := e.loadSession(ctx, t)
	if err != nil {
		return err
	}
	var history []*domain.Message
	if existing {
		history, err = e.sessions.RecentMessages(ctx, t.session.ID, e.cfg.HistoryTurns)
		if err != nil {
			return err
		}
	}
	t.prompt = buildPrompt(history, question, e.cfg.HistoryTurns, e.cfg.HistoryChars)

	projected := e.ledger.Pricing().QueryCost(t.model, ledger.EstimateTokensFromText(systemInstruction+t.prompt), 0)
	t.budget, err = e.ledger.CheckBudget(ctx, t.req.PrincipalID, projected)
	if err != nil {
		return err
	}

	// A refused turn leaves no session behind.
	if !existing {
		if err := e.sessions.Create(ctx, t.session); err != nil {
			return err
		}
	}
	if err := e.sessions.CreateMessage(ctx, &domain.Message{
		SessionID: t.session.ID,
		Role:      domain.RoleUser,
		Content:   question,
	}); err != nil {
		return err
	}
	return nil
}

// loadSession sets t.session and reports whether it is already stored. A new
// session is only built here; prepare persists it once the turn is admitted.
func (e *StreamExecutor) loadSession(ctx context.Context, t *turn) (bool, error) {
	if t.req.SessionID != "" {
		s, err := e.sessions.Get(ctx, t.req.SessionID)
		if err != nil {
			return false, err
		}
		if s != nil {
			if s.PrincipalID != t.req.PrincipalID {
				return false, domain.NewInvalidRequest("session not found")
			}
			t.session = s
			return true, nil
		}
	}

	s := &domain.Session{
		ID:           t.req.SessionID,
		PrincipalID:  t.req.PrincipalID,
		CollectionID: t.req.CollectionIDs[0],
		Title:        truncate(strings.TrimSpace(t.req.Question), 80),
	}
	t.session = s
	return false, nil
}

// buildPrompt prepends the recent transcript to question. The transcript
// keeps the last turns lines and, when longer than maxChars, its tail.
func buildPrompt(history []*domain.Message, question string, turns, maxChars int) string {
	if len(history) == 0 {
		return question
	}

	lines := make([]string, 0, len(history)+1)
	for _, m := range history {
		text := strings.TrimSpace(m.Content)
		if text == "" {
			continue
		}
		label := "User"
		if m.Role == domain.RoleAssistant {
			label = "Assistant"
		}
		lines = append(lines, label+": "+text)
	}
	lines = append(lines, "User: "+question)
	if turns > 0 && len(lines) > turns {
		lines = lines[len(lines)-turns:]
	}

	transcript := strings.Join(lines, "\n")
	if maxChars > 0 && len(transcript) > maxChars {
		transcript = transcript[len(transcript)-maxChars:]
		for len(transcript) > 0 && !utf8.RuneStart(transcript[0]) {
			transcript = transcript[1:]
		}
	}
	return transcript + historySuffix
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

func (e *StreamExecutor) retryBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.RetryInitial
	b.RandomizationFactor = 0.5
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// stream runs provider attempts until one completes, retrying transient
// failures that happen before any content was emitted.
func (e *StreamExecutor) stream(ctx context.Context, t *turn) error {
	greq := &provider.GenerateRequest{
		Model:          t.model,
		StoreNames:     t.stores,
		Contents:       []provider.Content{{Role: "user", Text: t.prompt}},
		System:         systemInstruction,
		MetadataFilter: t.req.MetadataFilter,
	}

	b := e.retryBackOff()
	var err error
	for attempt := 1; ; attempt++ {
		err = e.attempt(ctx, t, greq)
		if err == nil || t.textStarted || !provider.IsRetryable(err) || attempt >= e.cfg.RetryAttempts {
			break
		}
		if ctx.Err() != nil {
			break
		}
		t.resetAttempt()

		delay := b.NextBackOff()
		t.logger.Warn("retrying answer stream",
			append([]zap.Field{zap.Int("attempt", attempt), zap.Duration("delay", delay)}, provider.RedactedFields(err)...)...)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
		if ctx.Err() != nil {
			break
		}
	}

	var se *sinkError
	switch {
	case ctx.Err() != nil || errors.As(err, &se):
		e.settleCancelled(ctx, t)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	case errors.Is(err, errBudgetMidstream):
		e.record(ctx, t)
		t.logger.Warn("stream stopped: budget exhausted")
		return t.fail(domain.NewBudgetExceeded())
	case err != nil:
		code := domain.NewUnexpected()
		if provider.IsRetryable(err) {
			code = domain.NewUpstreamUnavailable()
		}
		t.logger.Error("answer stream failed",
			append([]zap.Field{zap.Bool("after_content", t.textStarted)}, provider.RedactedFields(err)...)...)
		if t.textStarted {
			e.record(ctx, t)
		}
		return t.fail(code)
	}

	return e.complete(ctx, t)
}

// handoff carries one item from the provider goroutine to the writer.
type handoff struct {
	chunk *provider.Chunk
	err   error
}

// attempt runs one provider stream. The provider is read on its own
// goroutine; this loop writes events, keepalives and watches ctx.
func (e *StreamExecutor) attempt(ctx context.Context, t *turn, greq *provider.GenerateRequest) error {
	actx, cancel := context.WithCancel(ctx)
	ch := make(chan handoff, e.cfg.HandoffCapacity)
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.produce(actx, greq, ch)
	}()
	defer func() {
		cancel()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.logger.Warn("provider reader still running after cancel")
		}
	}()

	keepalive := time.NewTicker(e.cfg.KeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-keepalive.C:
			if err := t.sink.Keepalive(); err != nil {
				return &sinkError{err}
			}
		case h, ok := <-ch:
			if !ok {
				return nil
			}
			if h.err != nil {
				return h.err
			}
			if err := e.consume(t, h.chunk); err != nil {
				return err
			}
		}
	}
}

func (e *StreamExecutor) produce(ctx context.Context, greq *provider.GenerateRequest, out chan<- handoff) {
	defer close(out)
	push := func(h handoff) bool {
		select {
		case out <- h:
			return true
		case <-ctx.Done():
			return false
		}
	}
	defer func() {
		if r := recover(); r != nil {
			push(handoff{err: fmt.Errorf("provider stream panicked: %v", r)})
		}
	}()

	s, err := e.provider.GenerateStream(ctx, greq)
	if err != nil {
		push(handoff{err: err})
		return
	}
	defer s.Close()

	for {
		c, err := s.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				push(handoff{err: err})
			}
			return
		}
		if !push(handoff{chunk: c}) {
			return
		}
	}
}

// consume translates one provider chunk into events.
func (e *StreamExecutor) consume(t *turn, c *provider.Chunk) error {
	if c.Text != "" {
		if !t.textStarted {
			if err := t.send(domain.TextStartEvent(t.textID)); err != nil {
				return err
			}
			t.textStarted = true
		}
		if err := t.send(domain.TextDeltaEvent(t.textID, c.Text)); err != nil {
			return err
		}
		t.text.WriteString(c.Text)
	}

	for _, cit := range c.Citations {
		key := cit.URI + "\x00" + cit.Title + "\x00" + cit.Snippet
		if t.seen[key] {
			continue
		}
		t.seen[key] = true
		cit.SourceID = fmt.Sprintf("cit-%d", len(t.citations))
		t.citations = append(t.citations, cit)
	}
	if c.Usage != nil && c.Usage.Reported {
		u := *c.Usage
		t.usage = &u
	}
	if c.FinishReason != "" {
		t.finishReason = strings.ToLower(c.FinishReason)
	}

	if e.cfg.EnforceBudgetMidstream && !t.budget.Unlimited && c.Text != "" {
		in, out := e.usageOf(t)
		if e.ledger.Pricing().QueryCost(t.model, in, out) > t.budget.Remaining {
			return errBudgetMidstream
		}
	}
	return nil
}

// usageOf returns reported token counts, or estimates from the prompt and
// the text emitted so far.
func (e *StreamExecutor) usageOf(t *turn) (int64, int64) {
	if t.usage != nil {
		return t.usage.PromptTokens, t.usage.CompletionTokens
	}
	return ledger.EstimateTokensFromText(systemInstruction + t.prompt), ledger.EstimateTokensFromText(t.text.String())
}

// record appends the ledger entry of a turn that produced output and
// reports whether the principal is now over budget.
func (e *StreamExecutor) record(ctx context.Context, t *turn) bool {
	in, out := e.usageOf(t)
	estimated := t.usage == nil
	if estimated {
		t.logger.Warn("usage not reported; recording estimate",
			zap.String("model", t.model),
			zap.Int64("prompt_tokens", in),
			zap.Int64("completion_tokens", out),
		)
	}

	wctx := context.WithoutCancel(ctx)
	_, over, err := e.ledger.RecordQuery(wctx, ledger.QueryUsage{
		PrincipalID:      t.req.PrincipalID,
		CollectionID:     t.req.CollectionIDs[0],
		Model:            t.model,
		PromptTokens:     in,
		CompletionTokens: out,
		Estimated:        estimated,
	})
	if err != nil {
		t.logger.Error("failed to record query cost", zap.Error(err))
	}

	if answer := strings.TrimSpace(t.text.String()); answer != "" {
		if err := e.sessions.CreateMessage(wctx, &domain.Message{
			ID:        t.messageID,
			SessionID: t.session.ID,
			Role:      domain.RoleAssistant,
			Content:   answer,
			Citations: t.citations,
		}); err != nil {
			t.logger.Error("failed to persist assistant message", zap.Error(err))
		}
		if err := e.sessions.Touch(wctx, t.session.ID); err != nil {
			t.logger.Warn("failed to touch session", zap.Error(err))
		}
	}
	return over
}

// settleCancelled records a turn abandoned by the caller. Turns that emitted
// nothing are not charged.
func (e *StreamExecutor) settleCancelled(ctx context.Context, t *turn) {
	if !t.textStarted {
		t.logger.Info("stream cancelled before output")
		return
	}
	t.logger.Info("stream cancelled after output", zap.Int("chars", t.text.Len()))
	e.record(ctx, t)
}

// complete emits the closing events of a successful stream.
func (e *StreamExecutor) complete(ctx context.Context, t *turn) error {
	if t.textStarted {
		if err := t.send(domain.TextEndEvent(t.textID)); err != nil {
			e.record(ctx, t)
			return err
		}
	}
	for _, c := range t.citations {
		if err := t.send(domain.SourceEvent(c)); err != nil {
			e.record(ctx, t)
			return err
		}
	}

	in, out := e.usageOf(t)
	over := e.record(ctx, t)
	if over {
		return t.fail(domain.NewBudgetExceeded())
	}

	if err := t.send(domain.FinishEvent(t.finishReason, domain.Usage{
		InputTokens:  in,
		OutputTokens: out,
		Estimated:    t.usage == nil,
	})); err != nil {
		return err
	}
	if err := t.sink.Terminate(); err != nil {
		return &sinkError{err}
	}
	return nil
}
