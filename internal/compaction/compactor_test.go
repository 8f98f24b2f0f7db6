package compaction

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/placevote/internal/journal"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type staticIDGenerator struct {
	mu    sync.Mutex
	ids   []string
	index int
}

func (g *staticIDGenerator) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.index >= len(g.ids) {
		return "", errors.New("exhausted ids")
	}
	id := g.ids[g.index]
	g.index++
	return id, nil
}

type scriptedStore struct {
	mu      sync.Mutex
	results []journal.CompactionResult
	errs    []error
	calls   int
}

func (s *scriptedStore) Compact() (journal.CompactionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	index := s.calls
	s.calls++
	var result journal.CompactionResult
	var err error
	if index < len(s.results) {
		result = s.results[index]
	}
	if index < len(s.errs) {
		err = s.errs[index]
	}
	return result, err
}

func (s *scriptedStore) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestRunOnceRecordsSuccessfulCycle(t *testing.T) {
	ledger := newTestLedger(t)
	store := &scriptedStore{results: []journal.CompactionResult{{EventsMoved: 3, BytesMoved: 240}}}
	compactor := newTestCompactor(t, store, ledger, []string{"run-1"})

	run, err := compactor.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once failed: %v", err)
	}
	if run.RunID != "run-1" || run.Status != StatusSucceeded || run.EventsMoved != 3 || run.BytesMoved != 240 {
		t.Fatalf("unexpected run: %+v", run)
	}

	runs, err := ledger.List(context.Background(), 10)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(runs) != 1 || runs[0].RunID != "run-1" || runs[0].StartedAtSeconds != 1700000600 {
		t.Fatalf("unexpected ledger content: %+v", runs)
	}
}

func TestRunOnceSkipsRecordingEmptyCycle(t *testing.T) {
	ledger := newTestLedger(t)
	compactor := newTestCompactor(t, &scriptedStore{}, ledger, []string{"run-1"})

	if _, err := compactor.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once failed: %v", err)
	}
	runs, err := ledger.List(context.Background(), 10)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(runs) != 0 {
		t.Fatalf("expected no recorded runs, got %d", len(runs))
	}
}

func TestRunOnceRecordsFailure(t *testing.T) {
	ledger := newTestLedger(t)
	store := &scriptedStore{errs: []error{errors.New("disk full")}}
	compactor := newTestCompactor(t, store, ledger, []string{"run-1"})

	run, err := compactor.RunOnce(context.Background())
	if err == nil {
		t.Fatal("expected compaction error")
	}
	if run.Status != StatusFailed || run.ErrorMessage != "disk full" {
		t.Fatalf("unexpected run: %+v", run)
	}
	runs, _ := ledger.List(context.Background(), 10)
	if len(runs) != 1 || runs[0].Status != StatusFailed {
		t.Fatalf("expected failed run to be recorded, got %+v", runs)
	}
}

func TestStartRunsOnIntervalUntilCancelled(t *testing.T) {
	results := make([]journal.CompactionResult, 100)
	for i := range results {
		results[i] = journal.CompactionResult{EventsMoved: 1, BytesMoved: 10}
	}
	store := &scriptedStore{results: results}
	ids := make([]string, 100)
	for i := range ids {
		ids[i] = fmt.Sprintf("run-%03d", i)
	}
	compactor, err := NewCompactor(Config{
		Store:      store,
		Interval:   5 * time.Millisecond,
		IDProvider: &staticIDGenerator{ids: ids},
		Logger:     zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to create compactor: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := compactor.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := compactor.Start(ctx); err == nil {
		t.Fatal("expected second start to fail")
	}

	deadline := time.After(2 * time.Second)
	for store.callCount() < 2 {
		select {
		case <-deadline:
			cancel()
			t.Fatal("compactor did not tick within deadline")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	compactor.Wait()

	calls := store.callCount()
	time.Sleep(20 * time.Millisecond)
	if store.callCount() != calls {
		t.Fatal("compactor kept running after cancellation")
	}
}

func TestNewCompactorRequiresStore(t *testing.T) {
	if _, err := NewCompactor(Config{IDProvider: NewUUIDProvider()}); !errors.Is(err, errMissingStore) {
		t.Fatalf("expected missing store error, got %v", err)
	}
	if _, err := NewCompactor(Config{Store: &scriptedStore{}}); !errors.Is(err, errMissingIDProvider) {
		t.Fatalf("expected missing id provider error, got %v", err)
	}
}

func TestLedgerListOrdersNewestFirst(t *testing.T) {
	ledger := newTestLedger(t)
	for i, startedAt := range []int64{100, 300, 200} {
		run := Run{
			RunID:             fmt.Sprintf("run-%d", i),
			StartedAtSeconds:  startedAt,
			FinishedAtSeconds: startedAt + 1,
			EventsMoved:       1,
			Status:            StatusSucceeded,
		}
		if err := ledger.Record(context.Background(), run); err != nil {
			t.Fatalf("record failed: %v", err)
		}
	}

	runs, err := ledger.List(context.Background(), 2)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(runs) != 2 || runs[0].StartedAtSeconds != 300 || runs[1].StartedAtSeconds != 200 {
		t.Fatalf("unexpected order: %+v", runs)
	}
}

func TestUUIDProviderIssuesDistinctIDs(t *testing.T) {
	provider := NewUUIDProvider()
	first, err := provider.NewID()
	if err != nil {
		t.Fatalf("new id failed: %v", err)
	}
	second, _ := provider.NewID()
	if first == "" || first == second {
		t.Fatalf("expected distinct ids, got %q and %q", first, second)
	}
}

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	dsn := fmt.Sprintf("file:compaction_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Run{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	ledger, err := NewLedger(db)
	if err != nil {
		t.Fatalf("failed to create ledger: %v", err)
	}
	return ledger
}

func newTestCompactor(t *testing.T, store Store, ledger *Ledger, ids []string) *Compactor {
	t.Helper()
	compactor, err := NewCompactor(Config{
		Store:      store,
		Recorder:   ledger,
		IDProvider: &staticIDGenerator{ids: ids},
		Clock:      func() time.Time { return time.Unix(1700000600, 0).UTC() },
		Logger:     zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to create compactor: %v", err)
	}
	return compactor
}
