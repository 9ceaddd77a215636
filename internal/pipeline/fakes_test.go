package pipeline_test

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/worq1337/parcer/internal/domain"
	"github.com/worq1337/parcer/internal/extraction"
	"github.com/worq1337/parcer/internal/pipeline"
)

var errUnique = errors.New("UNIQUE constraint failed: receipts.duplicate_key")

// memRepo is an in-memory Repository enforcing duplicate_key uniqueness among
// non-failed receipts, like the SQL backends.
type memRepo struct {
	mu   sync.Mutex
	byID map[string]domain.Receipt

	// hideLookups makes the next n Find* calls miss, simulating a concurrent
	// writer that commits between the dedupe check and the insert.
	hideLookups int
	// InsertErr, when set, is returned by InsertIfAbsent.
	InsertErr error
}

func newMemRepo() *memRepo {
	return &memRepo{byID: map[string]domain.Receipt{}}
}

func (m *memRepo) hidden() bool {
	if m.hideLookups > 0 {
		m.hideLookups--
		return true
	}
	return false
}

func (m *memRepo) conflict(r *domain.Receipt) bool {
	if r.ParseStatus == domain.ParseStatusFailed {
		return false
	}
	for id, existing := range m.byID {
		if id != r.ID && existing.DuplicateKey == r.DuplicateKey && existing.ParseStatus != domain.ParseStatusFailed {
			return true
		}
	}
	return false
}

func (m *memRepo) InsertIfAbsent(ctx context.Context, r *domain.Receipt) (*domain.Receipt, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.InsertErr != nil {
		return nil, false, m.InsertErr
	}
	if m.conflict(r) {
		return nil, false, &domain.PersistenceError{Kind: domain.ConstraintViolation, Err: errUnique}
	}
	m.byID[r.ID] = *r
	stored := *r
	return &stored, true, nil
}

func (m *memRepo) find(match func(r domain.Receipt) bool) (*domain.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hidden() {
		return nil, domain.ErrNotFound
	}
	var found []domain.Receipt
	for _, r := range m.byID {
		if r.ParseStatus != domain.ParseStatusFailed && match(r) {
			found = append(found, r)
		}
	}
	if len(found) == 0 {
		return nil, domain.ErrNotFound
	}
	sort.Slice(found, func(i, j int) bool { return found[i].IngestAt.Before(found[j].IngestAt) })
	r := found[0]
	return &r, nil
}

func (m *memRepo) FindByKey(ctx context.Context, key string) (*domain.Receipt, error) {
	return m.find(func(r domain.Receipt) bool { return r.DuplicateKey == key })
}

func (m *memRepo) FindByMessage(ctx context.Context, chatID, messageID string) (*domain.Receipt, error) {
	return m.find(func(r domain.Receipt) bool { return r.SourceChatID == chatID && r.MessageID == messageID })
}

func (m *memRepo) FindByFieldSignature(ctx context.Context, sig string) (*domain.Receipt, error) {
	return m.find(func(r domain.Receipt) bool { return r.FieldSignature == sig })
}

func (m *memRepo) Get(ctx context.Context, id string) (*domain.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.byID[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &r, nil
}

func (m *memRepo) Update(ctx context.Context, r *domain.Receipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[r.ID]; !ok {
		return domain.ErrNotFound
	}
	if m.conflict(r) {
		return &domain.PersistenceError{Kind: domain.ConstraintViolation, Err: errUnique}
	}
	m.byID[r.ID] = *r
	return nil
}

func (m *memRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}

// mockRuns records extraction runs.
type mockRuns struct {
	StartRunFunc func(ctx context.Context, run *domain.ExtractionRun) error

	mu      sync.Mutex
	runs    map[string]domain.ExtractionRun
	outputs []domain.ModelOutput
}

func newMockRuns() *mockRuns {
	return &mockRuns{runs: map[string]domain.ExtractionRun{}}
}

func (m *mockRuns) StartRun(ctx context.Context, run *domain.ExtractionRun) error {
	if m.StartRunFunc != nil {
		if err := m.StartRunFunc(ctx, run); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = *run
	return nil
}

func (m *mockRuns) FinishRun(ctx context.Context, run *domain.ExtractionRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = *run
	return nil
}

func (m *mockRuns) InsertModelOutput(ctx context.Context, out *domain.ModelOutput) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outputs = append(m.outputs, *out)
	return nil
}

func (m *mockRuns) get(id string) domain.ExtractionRun {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runs[id]
}

// mockNotifier records published events.
type mockNotifier struct {
	mu     sync.Mutex
	events []domain.Event
}

func (m *mockNotifier) Publish(ctx context.Context, evt domain.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, evt)
}

func (m *mockNotifier) names(runID string) []domain.EventName {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.EventName
	for _, e := range m.events {
		if e.RunID == runID {
			out = append(out, e.Name)
		}
	}
	return out
}

func (m *mockNotifier) last() domain.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.events[len(m.events)-1]
}

// mockExtractor is a Func-field Extractor.
type mockExtractor struct {
	mu          sync.Mutex
	inputs      []extraction.Input
	ExtractFunc func(ctx context.Context, in extraction.Input, tier extraction.Tier) (*extraction.Result, error)
}

func (m *mockExtractor) Extract(ctx context.Context, in extraction.Input, tier extraction.Tier) (*extraction.Result, error) {
	m.mu.Lock()
	m.inputs = append(m.inputs, in)
	m.mu.Unlock()
	return m.ExtractFunc(ctx, in, tier)
}

func (m *mockExtractor) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inputs)
}

// mockOCR is a Func-field TextRecognizer.
type mockOCR struct {
	RecognizeFunc func(ctx context.Context, ref string) (string, float64, error)
}

func (m *mockOCR) Recognize(ctx context.Context, ref string) (string, float64, error) {
	return m.RecognizeFunc(ctx, ref)
}

// mockMetrics counts outcomes.
type mockMetrics struct {
	mu       sync.Mutex
	outcomes map[pipeline.State]int
	stages   map[pipeline.State]int
}

func newMockMetrics() *mockMetrics {
	return &mockMetrics{outcomes: map[pipeline.State]int{}, stages: map[pipeline.State]int{}}
}

func (m *mockMetrics) ObserveStage(stage pipeline.State, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stages[stage]++
}

func (m *mockMetrics) CountOutcome(kind domain.RunKind, state pipeline.State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes[state]++
}
