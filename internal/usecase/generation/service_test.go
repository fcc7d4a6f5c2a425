package generation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"intellipost/internal/domain"
)

type stubStore struct {
	mu       sync.Mutex
	products map[string]domain.Product
	contents map[string][]domain.GeneratedContent
}

func newStubStore(products ...domain.Product) *stubStore {
	s := &stubStore{products: map[string]domain.Product{}, contents: map[string][]domain.GeneratedContent{}}
	for _, p := range products {
		s.products[p.ID] = p
	}
	return s
}

func (s *stubStore) Create(_ context.Context, p domain.Product) (domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[p.ID] = p
	return p, nil
}

func (s *stubStore) Get(_ context.Context, id string) (domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[id]
	if !ok {
		return domain.Product{}, domain.ErrProductNotFound
	}
	if versions := s.contents[id]; len(versions) > 0 {
		latest := versions[len(versions)-1]
		p.Content = &latest
	}
	return p, nil
}

func (s *stubStore) List(_ context.Context, filter domain.ProductFilter) ([]domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Product
	for _, p := range s.products {
		if filter.Status != "" && p.Status != filter.Status {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *stubStore) TransitionStatus(_ context.Context, id string, from []domain.Status, to domain.Status, procErr string) (domain.Product, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[id]
	if !ok {
		return domain.Product{}, false, domain.ErrProductNotFound
	}
	matched := false
	for _, f := range from {
		if p.Status == f {
			matched = true
			break
		}
	}
	if !matched {
		return domain.Product{}, false, nil
	}
	if err := p.TransitionTo(to, time.Now()); err != nil {
		return domain.Product{}, false, err
	}
	if to == domain.StatusFailed {
		p.ProcessingError = procErr
	}
	s.products[id] = p
	return p, true, nil
}

func (s *stubStore) SaveNext(_ context.Context, content domain.GeneratedContent) (domain.GeneratedContent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	content.Version = len(s.contents[content.ProductID]) + 1
	s.contents[content.ProductID] = append(s.contents[content.ProductID], content)
	return content, nil
}

func (s *stubStore) Latest(_ context.Context, productID string) (domain.GeneratedContent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	versions := s.contents[productID]
	if len(versions) == 0 {
		return domain.GeneratedContent{}, domain.ErrContentNotFound
	}
	return versions[len(versions)-1], nil
}

func (s *stubStore) status(id string) domain.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.products[id].Status
}

func (s *stubStore) processingError(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.products[id].ProcessingError
}

type stubImages struct{}

func (stubImages) URL(_ context.Context, key string) (string, error) {
	return "https://img.example.com/" + key, nil
}

type stubQueue struct {
	mu   sync.Mutex
	jobs []domain.GenerationJob
	err  error
}

func (q *stubQueue) Enqueue(_ context.Context, job domain.GenerationJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *stubQueue) Receive(context.Context) (domain.GenerationJob, domain.GenerationAckFunc, error) {
	return domain.GenerationJob{}, nil, errors.New("not implemented")
}

func (q *stubQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

type stubBus struct {
	mu     sync.Mutex
	events []domain.ProcessingEvent
}

func (b *stubBus) Publish(_ context.Context, event domain.ProcessingEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
	return nil
}

func (b *stubBus) Subscribe(string) domain.ProgressSubscription { return noopSubscription{} }

func (b *stubBus) recorded() []domain.ProcessingEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.ProcessingEvent, len(b.events))
	copy(out, b.events)
	return out
}

type noopSubscription struct{}

func (noopSubscription) Events() <-chan domain.ProcessingEvent { return nil }
func (noopSubscription) Close()                                {}

type fakeProvider struct {
	mu      sync.Mutex
	name    string
	results []error
	content domain.GeneratedContent
	calls   int
	block   bool
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Generate(ctx context.Context, _ domain.GenerateRequest) (domain.GeneratedContent, error) {
	p.mu.Lock()
	idx := p.calls
	p.calls++
	p.mu.Unlock()
	if p.block {
		<-ctx.Done()
		return domain.GeneratedContent{}, &domain.AIProviderError{Provider: p.name, Retryable: true, Err: ctx.Err()}
	}
	if idx < len(p.results) && p.results[idx] != nil {
		return domain.GeneratedContent{}, p.results[idx]
	}
	return p.content, nil
}

func (p *fakeProvider) Score(_ context.Context, content domain.GeneratedContent) (domain.ConfidenceScore, error) {
	return domain.ConfidenceScore{Overall: content.ConfidenceOverall, Breakdown: content.ConfidenceBreakdown}, nil
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func retryableErr(provider string) error {
	return &domain.AIProviderError{Provider: provider, Retryable: true, Err: errors.New("rate limited")}
}

func permanentErr(provider string) error {
	return &domain.AIProviderError{Provider: provider, Retryable: false, Err: errors.New("malformed payload")}
}

func goodContent() domain.GeneratedContent {
	return domain.GeneratedContent{
		Title:       "iPhone 13 Pro 128GB Grafito Usado",
		Description: "iPhone 13 Pro de 128GB en excelente estado, batería al 88%, sin rayones, incluye cable original.",
		CategoryID:  "MLA1055",
		Price:       850000,
		Currency:    "ARS",
		Condition:   "used",
		ConfidenceBreakdown: map[string]float64{
			"title": 0.89, "description": 0.89, "category": 0.89, "price": 0.89, "attributes": 0.89,
		},
	}
}

func testProduct(status domain.Status) domain.Product {
	now := time.Now().UTC()
	p := domain.Product{
		ID:         "prod-1",
		Status:     status,
		PromptText: "iPhone 13 Pro usado, excelente estado, 128GB",
		Images: []domain.ProductImage{
			{ID: "img-1", ObjectKey: "a.jpg", IsPrimary: true, Position: 0},
			{ID: "img-2", ObjectKey: "b.jpg", Position: 1},
			{ID: "img-3", ObjectKey: "c.jpg", Position: 2},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if status == domain.StatusProcessing {
		started := now
		p.ProcessingStartedAt = &started
	}
	return p
}

func fastConfig() Config {
	return Config{MaxAttempts: 3, BackoffBase: time.Millisecond, AttemptTimeout: time.Second}
}

func newTestService(store *stubStore, queue *stubQueue, bus *stubBus, primary, fallback domain.AIProvider, cfg Config) *Service {
	return NewService(store, store, stubImages{}, queue, bus, primary, fallback, cfg, zerolog.Nop())
}

func TestTriggerEntersProcessingAndEnqueues(t *testing.T) {
	store := newStubStore(testProduct(domain.StatusUploading))
	queue := &stubQueue{}
	bus := &stubBus{}
	svc := newTestService(store, queue, bus, &fakeProvider{name: "openai"}, nil, fastConfig())

	if err := svc.Trigger(context.Background(), "prod-1", domain.CauseInitial); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := store.status("prod-1"); got != domain.StatusProcessing {
		t.Fatalf("expected processing, got %s", got)
	}
	if queue.count() != 1 {
		t.Fatalf("expected 1 job, got %d", queue.count())
	}
	events := bus.recorded()
	if len(events) != 1 || events[0].Status != domain.StatusProcessing || events[0].Terminal {
		t.Fatalf("expected one non-terminal processing event, got %+v", events)
	}
}

func TestTriggerRejectsProductWithoutImages(t *testing.T) {
	p := testProduct(domain.StatusUploading)
	p.Images = nil
	store := newStubStore(p)
	queue := &stubQueue{}
	svc := newTestService(store, queue, &stubBus{}, &fakeProvider{name: "openai"}, nil, fastConfig())

	err := svc.Trigger(context.Background(), "prod-1", domain.CauseInitial)
	var validationErr *domain.ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if queue.count() != 0 {
		t.Fatalf("no job must be enqueued on validation failure")
	}
}

func TestTriggerConflictWhenAlreadyProcessing(t *testing.T) {
	store := newStubStore(testProduct(domain.StatusProcessing))
	queue := &stubQueue{}
	svc := newTestService(store, queue, &stubBus{}, &fakeProvider{name: "openai"}, nil, fastConfig())

	err := svc.Trigger(context.Background(), "prod-1", domain.CauseRetry)
	var conflictErr *domain.ConflictError
	if !errors.As(err, &conflictErr) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if queue.count() != 0 {
		t.Fatalf("no job must be enqueued on conflict")
	}
}

func TestTriggerConcurrentAtMostOneWins(t *testing.T) {
	store := newStubStore(testProduct(domain.StatusReady))
	queue := &stubQueue{}
	svc := newTestService(store, queue, &stubBus{}, &fakeProvider{name: "openai"}, nil, fastConfig())

	const n = 16
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = svc.Trigger(context.Background(), "prod-1", domain.CauseRegenerate)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		var conflictErr *domain.ConflictError
		if !errors.As(err, &conflictErr) {
			t.Fatalf("expected ConflictError for losers, got %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winning trigger, got %d", wins)
	}
	if queue.count() != 1 {
		t.Fatalf("expected exactly one job, got %d", queue.count())
	}
}

func TestProcessSuccess(t *testing.T) {
	store := newStubStore(testProduct(domain.StatusProcessing))
	bus := &stubBus{}
	primary := &fakeProvider{name: "openai", content: goodContent()}
	svc := newTestService(store, &stubQueue{}, bus, primary, nil, fastConfig())

	if err := svc.Process(context.Background(), domain.GenerationJob{ID: "job-1", ProductID: "prod-1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := store.status("prod-1"); got != domain.StatusReady {
		t.Fatalf("expected ready, got %s", got)
	}
	content, err := store.Latest(context.Background(), "prod-1")
	if err != nil {
		t.Fatalf("expected persisted content: %v", err)
	}
	if content.Version != 1 {
		t.Fatalf("expected version 1, got %d", content.Version)
	}
	if content.AIProvider != "openai" {
		t.Fatalf("expected provider recorded, got %q", content.AIProvider)
	}
	if diff := content.ConfidenceOverall - 0.89; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("expected overall 0.89, got %v", content.ConfidenceOverall)
	}

	events := bus.recorded()
	if len(events) == 0 {
		t.Fatalf("expected events")
	}
	last := events[len(events)-1]
	if !last.Terminal || last.Status != domain.StatusReady {
		t.Fatalf("last event must be terminal ready, got %+v", last)
	}
	if last.Confidence == nil || *last.Confidence != content.ConfidenceOverall {
		t.Fatalf("terminal event must carry the confidence")
	}
	for _, e := range events[:len(events)-1] {
		if e.Terminal {
			t.Fatalf("terminal event must be the last one, got %+v", events)
		}
	}
}

func TestProcessRetriesRetryableThenSucceeds(t *testing.T) {
	store := newStubStore(testProduct(domain.StatusProcessing))
	primary := &fakeProvider{
		name:    "openai",
		results: []error{retryableErr("openai"), retryableErr("openai"), nil},
		content: goodContent(),
	}
	svc := newTestService(store, &stubQueue{}, &stubBus{}, primary, nil, fastConfig())

	if err := svc.Process(context.Background(), domain.GenerationJob{ID: "job-1", ProductID: "prod-1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if primary.callCount() != 3 {
		t.Fatalf("expected exactly 3 primary calls, got %d", primary.callCount())
	}
	if got := store.status("prod-1"); got != domain.StatusReady {
		t.Fatalf("expected ready, got %s", got)
	}
}

func TestProcessNonRetryableFailsImmediately(t *testing.T) {
	store := newStubStore(testProduct(domain.StatusProcessing))
	bus := &stubBus{}
	primary := &fakeProvider{name: "openai", results: []error{permanentErr("openai")}}
	fallback := &fakeProvider{name: "gemini", content: goodContent()}
	svc := newTestService(store, &stubQueue{}, bus, primary, fallback, fastConfig())

	if err := svc.Process(context.Background(), domain.GenerationJob{ID: "job-1", ProductID: "prod-1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if primary.callCount() != 1 {
		t.Fatalf("expected exactly 1 primary call, got %d", primary.callCount())
	}
	if fallback.callCount() != 0 {
		t.Fatalf("fallback must not run after a non-retryable failure")
	}
	if got := store.status("prod-1"); got != domain.StatusFailed {
		t.Fatalf("expected failed, got %s", got)
	}
	if store.processingError("prod-1") == "" {
		t.Fatalf("expected processing error recorded")
	}
	events := bus.recorded()
	last := events[len(events)-1]
	if !last.Terminal || last.Status != domain.StatusFailed || last.Error == "" {
		t.Fatalf("expected terminal failed event with detail, got %+v", last)
	}
}

func TestProcessFallbackAfterPrimaryExhausted(t *testing.T) {
	store := newStubStore(testProduct(domain.StatusProcessing))
	primary := &fakeProvider{
		name:    "openai",
		results: []error{retryableErr("openai"), retryableErr("openai"), retryableErr("openai")},
	}
	fallback := &fakeProvider{name: "gemini", content: goodContent()}
	svc := newTestService(store, &stubQueue{}, &stubBus{}, primary, fallback, fastConfig())

	if err := svc.Process(context.Background(), domain.GenerationJob{ID: "job-1", ProductID: "prod-1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if primary.callCount() != 3 {
		t.Fatalf("expected 3 primary calls, got %d", primary.callCount())
	}
	if fallback.callCount() != 1 {
		t.Fatalf("expected exactly 1 fallback call, got %d", fallback.callCount())
	}
	if got := store.status("prod-1"); got != domain.StatusReady {
		t.Fatalf("expected ready via fallback, got %s", got)
	}
	content, _ := store.Latest(context.Background(), "prod-1")
	if content.AIProvider != "gemini" {
		t.Fatalf("expected fallback provider recorded, got %q", content.AIProvider)
	}
}

func TestProcessFallbackFailureIsTerminal(t *testing.T) {
	store := newStubStore(testProduct(domain.StatusProcessing))
	primary := &fakeProvider{
		name:    "openai",
		results: []error{retryableErr("openai"), retryableErr("openai"), retryableErr("openai")},
	}
	fallback := &fakeProvider{name: "gemini", results: []error{retryableErr("gemini")}}
	svc := newTestService(store, &stubQueue{}, &stubBus{}, primary, fallback, fastConfig())

	if err := svc.Process(context.Background(), domain.GenerationJob{ID: "job-1", ProductID: "prod-1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fallback.callCount() != 1 {
		t.Fatalf("expected exactly 1 fallback call, got %d", fallback.callCount())
	}
	if got := store.status("prod-1"); got != domain.StatusFailed {
		t.Fatalf("expected failed, got %s", got)
	}
}

func TestProcessAttemptTimeoutIsNonRetryable(t *testing.T) {
	store := newStubStore(testProduct(domain.StatusProcessing))
	primary := &fakeProvider{name: "openai", block: true}
	fallback := &fakeProvider{name: "gemini", content: goodContent()}
	cfg := fastConfig()
	cfg.AttemptTimeout = 20 * time.Millisecond
	svc := newTestService(store, &stubQueue{}, &stubBus{}, primary, fallback, cfg)

	if err := svc.Process(context.Background(), domain.GenerationJob{ID: "job-1", ProductID: "prod-1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if primary.callCount() != 1 {
		t.Fatalf("expected 1 primary call, got %d", primary.callCount())
	}
	if fallback.callCount() != 0 {
		t.Fatalf("timeout must not trigger the fallback")
	}
	if got := store.status("prod-1"); got != domain.StatusFailed {
		t.Fatalf("expected failed, got %s", got)
	}
	if store.processingError("prod-1") != "generation timed out" {
		t.Fatalf("expected timeout detail, got %q", store.processingError("prod-1"))
	}
}

func TestProcessShutdownLeavesProductProcessing(t *testing.T) {
	store := newStubStore(testProduct(domain.StatusProcessing))
	bus := &stubBus{}
	primary := &fakeProvider{name: "openai", block: true}
	svc := newTestService(store, &stubQueue{}, bus, primary, nil, fastConfig())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	if err := svc.Process(ctx, domain.GenerationJob{ID: "job-1", ProductID: "prod-1"}); err == nil {
		t.Fatalf("interrupted attempt must surface an error for redelivery")
	}
	if got := store.status("prod-1"); got != domain.StatusProcessing {
		t.Fatalf("interrupted product must stay processing, got %s", got)
	}
	for _, e := range bus.recorded() {
		if e.Terminal {
			t.Fatalf("no terminal event on shutdown, got %+v", e)
		}
	}
}

func TestRegenerationIncrementsVersion(t *testing.T) {
	store := newStubStore(testProduct(domain.StatusProcessing))
	primary := &fakeProvider{name: "openai", content: goodContent()}
	svc := newTestService(store, &stubQueue{}, &stubBus{}, primary, nil, fastConfig())

	if err := svc.Process(context.Background(), domain.GenerationJob{ID: "job-1", ProductID: "prod-1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := svc.Trigger(context.Background(), "prod-1", domain.CauseRegenerate); err != nil {
		t.Fatalf("regenerate trigger: %v", err)
	}
	if err := svc.Process(context.Background(), domain.GenerationJob{ID: "job-2", ProductID: "prod-1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	content, err := store.Latest(context.Background(), "prod-1")
	if err != nil {
		t.Fatalf("expected content: %v", err)
	}
	if content.Version != 2 {
		t.Fatalf("expected version 2 after regeneration, got %d", content.Version)
	}
}

func TestProcessStaleJobDropped(t *testing.T) {
	store := newStubStore(testProduct(domain.StatusReady))
	primary := &fakeProvider{name: "openai", content: goodContent()}
	svc := newTestService(store, &stubQueue{}, &stubBus{}, primary, nil, fastConfig())

	if err := svc.Process(context.Background(), domain.GenerationJob{ID: "job-1", ProductID: "prod-1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if primary.callCount() != 0 {
		t.Fatalf("stale job must not reach the provider")
	}
	if got := store.status("prod-1"); got != domain.StatusReady {
		t.Fatalf("stale job must not mutate the product, got %s", got)
	}
}

func TestReapStaleForceFails(t *testing.T) {
	p := testProduct(domain.StatusProcessing)
	started := time.Now().Add(-10 * time.Minute)
	p.ProcessingStartedAt = &started
	fresh := testProduct(domain.StatusProcessing)
	fresh.ID = "prod-2"
	store := newStubStore(p, fresh)
	bus := &stubBus{}
	svc := newTestService(store, &stubQueue{}, bus, &fakeProvider{name: "openai"}, nil, fastConfig())

	if err := svc.ReapStale(context.Background(), time.Minute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := store.status("prod-1"); got != domain.StatusFailed {
		t.Fatalf("expected stale product failed, got %s", got)
	}
	if got := store.status("prod-2"); got != domain.StatusProcessing {
		t.Fatalf("fresh product must stay processing, got %s", got)
	}
	events := bus.recorded()
	if len(events) != 1 || !events[0].Terminal || events[0].Status != domain.StatusFailed {
		t.Fatalf("expected one terminal failed event, got %+v", events)
	}
}

func TestTriggerQueueFailureFailsProduct(t *testing.T) {
	store := newStubStore(testProduct(domain.StatusUploading))
	queue := &stubQueue{err: fmt.Errorf("broker down")}
	bus := &stubBus{}
	svc := newTestService(store, queue, bus, &fakeProvider{name: "openai"}, nil, fastConfig())

	if err := svc.Trigger(context.Background(), "prod-1", domain.CauseInitial); err == nil {
		t.Fatalf("expected error when the queue is down")
	}
	if got := store.status("prod-1"); got != domain.StatusFailed {
		t.Fatalf("expected failed after queue error, got %s", got)
	}
}
