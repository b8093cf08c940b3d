package service

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/liliang-cn/fsrag/internal/config"
	"github.com/liliang-cn/fsrag/internal/domain"
	"github.com/liliang-cn/fsrag/internal/ledger"
	"github.com/liliang-cn/fsrag/internal/metrics"
	"github.com/liliang-cn/fsrag/internal/provider"
	"github.com/liliang-cn/fsrag/internal/repository"
)

type harness struct {
	cfg         *config.Config
	db          *repository.DB
	documents   *repository.DocumentRepository
	collections *repository.CollectionRepository
	queue       *repository.QueueRepository
	ledgerRepo  *repository.LedgerRepository
	sessions    *repository.SessionRepository
	audit       *repository.AuditRepository
	ledger      *ledger.Ledger
	metrics     *metrics.Collector
	provider    *fakeProvider
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.TmpDir = filepath.Join(t.TempDir(), "uploads")
	cfg.Ingestion.PollInitial = time.Millisecond
	cfg.Ingestion.PollMax = 2 * time.Millisecond
	cfg.Ingestion.PollMultiplier = 1.5
	cfg.Ingestion.Timeout = 2 * time.Second
	cfg.Streaming.AdmissionWait = 50 * time.Millisecond
	cfg.Streaming.KeepaliveInterval = time.Hour
	cfg.Streaming.RetryInitial = time.Millisecond

	db, err := repository.NewDB(filepath.Join(t.TempDir(), "fsrag.db"), repository.LockNative)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ledgerRepo := repository.NewLedgerRepository(db)
	return &harness{
		cfg:         cfg,
		db:          db,
		documents:   repository.NewDocumentRepository(db),
		collections: repository.NewCollectionRepository(db),
		queue:       repository.NewQueueRepository(db),
		ledgerRepo:  ledgerRepo,
		sessions:    repository.NewSessionRepository(db),
		audit:       repository.NewAuditRepository(db),
		ledger:      ledger.New(ledgerRepo, ledger.NewPricing(cfg.Pricing), zap.NewNop()),
		metrics:     metrics.NewCollector(),
		provider:    &fakeProvider{},
	}
}

func (h *harness) ingest() *IngestService {
	return NewIngestService(h.documents, h.collections, h.queue, h.ledger, h.provider, h.metrics, h.cfg, zap.NewNop())
}

func (h *harness) executor() *StreamExecutor {
	return NewStreamExecutor(h.cfg, h.provider, h.ledger, h.collections, h.sessions, zap.NewNop())
}

func (h *harness) collection(t *testing.T, principalID int64) *domain.Collection {
	t.Helper()
	c := &domain.Collection{PrincipalID: principalID, Name: "handbook", StoreName: "fileSearchStores/hb"}
	require.NoError(t, h.collections.Create(context.Background(), c))
	return c
}

func (h *harness) document(t *testing.T, doc *domain.Document) *domain.Document {
	t.Helper()
	if doc.DisplayName == "" {
		doc.DisplayName = "handbook.pdf"
	}
	if doc.MimeType == "" {
		doc.MimeType = "application/pdf"
	}
	require.NoError(t, h.documents.Create(context.Background(), doc))
	return doc
}

// artifact writes a staged file and returns its path.
func (h *harness) artifact(t *testing.T, name string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(h.cfg.Storage.TmpDir, 0o755))
	path := filepath.Join(h.cfg.Storage.TmpDir, name)
	require.NoError(t, os.WriteFile(path, []byte("contents"), 0o600))
	return path
}

type pollResult struct {
	status *provider.OperationStatus
	err    error
}

// fakeProvider is a scripted provider.Client.
type fakeProvider struct {
	mu sync.Mutex

	uploadErr error
	uploads   int
	polls     int
	script    []pollResult
	deleted   []string
	// pollPanics makes Poll panic.
	pollPanics bool

	// stream returns the stream of the n-th GenerateStream call (1-based).
	stream      func(ctx context.Context, n int) (provider.Stream, error)
	streamCalls int
	lastRequest *provider.GenerateRequest
}

func (f *fakeProvider) Upload(ctx context.Context, storeName, localPath, displayName string) (*provider.UploadResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads++
	if f.uploadErr != nil {
		return nil, f.uploadErr
	}
	return &provider.UploadResult{
		Operation: provider.OperationRef{Name: storeName + "/operations/op-1"},
		FileID:    storeName + "/documents/doc-1",
	}, nil
}

func (f *fakeProvider) Poll(ctx context.Context, ref provider.OperationRef) (*provider.OperationStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if f.pollPanics {
		panic("poll exploded")
	}
	if len(f.script) == 0 {
		return &provider.OperationStatus{Done: true}, nil
	}
	r := f.script[0]
	if len(f.script) > 1 {
		f.script = f.script[1:]
	}
	return r.status, r.err
}

func (f *fakeProvider) Generate(ctx context.Context, req *provider.GenerateRequest) (*provider.Response, error) {
	return &provider.Response{Text: "unused"}, nil
}

func (f *fakeProvider) GenerateStream(ctx context.Context, req *provider.GenerateRequest) (provider.Stream, error) {
	f.mu.Lock()
	f.streamCalls++
	f.lastRequest = req
	n := f.streamCalls
	fn := f.stream
	f.mu.Unlock()
	if fn == nil {
		return chunks(ctx, &provider.Chunk{Text: "ok", FinishReason: "STOP"}), nil
	}
	return fn(ctx, n)
}

func (f *fakeProvider) DeleteFile(ctx context.Context, fileID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, fileID)
	return nil
}

func (f *fakeProvider) counts() (uploads, polls, streams int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.uploads, f.polls, f.streamCalls
}

// chunkStream replays chunks, then returns err (io.EOF when nil).
type chunkStream struct {
	ctx    context.Context
	chunks []*provider.Chunk
	err    error
	// block makes Next wait for ctx after the chunks are used up.
	block bool
	// delay is slept before the first chunk.
	delay time.Duration
}

func chunks(ctx context.Context, cs ...*provider.Chunk) *chunkStream {
	return &chunkStream{ctx: ctx, chunks: cs}
}

func (s *chunkStream) Next() (*provider.Chunk, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-s.ctx.Done():
		}
		s.delay = 0
	}
	if err := s.ctx.Err(); err != nil {
		return nil, err
	}
	if len(s.chunks) > 0 {
		c := s.chunks[0]
		s.chunks = s.chunks[1:]
		return c, nil
	}
	if s.block {
		<-s.ctx.Done()
		return nil, s.ctx.Err()
	}
	if s.err != nil {
		return nil, s.err
	}
	return nil, io.EOF
}

func (s *chunkStream) Close() error { return nil }

func unavailable() error {
	return &provider.Error{Op: "generate_stream", StatusCode: 503, Kind: provider.ErrUnavailable}
}

// recordingSink collects stream events.
type recordingSink struct {
	mu         sync.Mutex
	events     []domain.StreamEvent
	keepalives int
	terminated int
	// onEvent, when set, is called after each event is recorded.
	onEvent func(domain.StreamEvent)
}

func (s *recordingSink) Send(ev domain.StreamEvent) error {
	s.mu.Lock()
	s.events = append(s.events, ev)
	fn := s.onEvent
	s.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
	return nil
}

func (s *recordingSink) Keepalive() error {
	s.mu.Lock()
	s.keepalives++
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) Terminate() error {
	s.mu.Lock()
	s.terminated++
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) types() []domain.StreamEventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.StreamEventType, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Type
	}
	return out
}

func (s *recordingSink) last() domain.StreamEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events[len(s.events)-1]
}
