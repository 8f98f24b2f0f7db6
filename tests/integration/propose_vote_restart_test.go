package integration_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/placevote/internal/compaction"
	"github.com/MarcoPoloResearchLab/placevote/internal/database"
	"github.com/MarcoPoloResearchLab/placevote/internal/journal"
	"github.com/MarcoPoloResearchLab/placevote/internal/places"
	"github.com/MarcoPoloResearchLab/placevote/internal/server"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const jsonContentType = "application/json"

type placeResponse struct {
	PlaceName string   `json:"place_name"`
	Country   string   `json:"country"`
	Region    string   `json:"region"`
	VoteCount int      `json:"vote_count"`
	Comments  []string `json:"comments"`
}

type stack struct {
	store     *journal.FileStore
	registry  *places.Registry
	compactor *compaction.Compactor
	ledger    *compaction.Ledger
	handler   http.Handler
}

func startStack(testContext *testing.T, dataDir, databasePath string) *stack {
	testContext.Helper()

	store, err := journal.Open(journal.Config{Dir: dataDir, Logger: zap.NewNop()})
	if err != nil {
		testContext.Fatalf("failed to open journal: %v", err)
	}
	registry, _, err := places.Restore(store, places.RegistryConfig{Journal: store})
	if err != nil {
		testContext.Fatalf("failed to restore registry: %v", err)
	}

	db, err := database.OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql db: %v", err)
	}
	testContext.Cleanup(func() {
		_ = sqlDB.Close()
	})
	ledger, err := compaction.NewLedger(db)
	if err != nil {
		testContext.Fatalf("failed to build ledger: %v", err)
	}
	compactor, err := compaction.NewCompactor(compaction.Config{
		Store:      store,
		Recorder:   ledger,
		IDProvider: compaction.NewUUIDProvider(),
	})
	if err != nil {
		testContext.Fatalf("failed to build compactor: %v", err)
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Registry: registry,
		Ledger:   ledger,
		Logger:   zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to construct handler: %v", err)
	}
	return &stack{store: store, registry: registry, compactor: compactor, ledger: ledger, handler: handler}
}

func (s *stack) post(testContext *testing.T, path string, payload any) *httptest.ResponseRecorder {
	testContext.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		testContext.Fatalf("failed to marshal payload: %v", err)
	}
	request := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	request.Header.Set("Content-Type", jsonContentType)
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}

func (s *stack) getPlace(testContext *testing.T, name string) placeResponse {
	testContext.Helper()
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/places/"+name, http.NoBody))
	if recorder.Code != http.StatusOK {
		testContext.Fatalf("expected 200 for %s, got %d", name, recorder.Code)
	}
	var place placeResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &place); err != nil {
		testContext.Fatalf("failed to decode place: %v", err)
	}
	return place
}

func TestProposeVoteSurvivesRestartAcrossCompaction(testContext *testing.T) {
	gin.SetMode(gin.TestMode)
	dataDir := testContext.TempDir()
	databasePath := filepath.Join(testContext.TempDir(), "placevote.db")

	first := startStack(testContext, dataDir, databasePath)

	if recorder := first.post(testContext, "/propose", map[string]string{
		"user_id": "alice", "place_name": "Paris", "country": "France", "region": "EU",
	}); recorder.Code != http.StatusCreated {
		testContext.Fatalf("propose failed: %d %s", recorder.Code, recorder.Body.String())
	}
	if recorder := first.post(testContext, "/vote", map[string]string{
		"place_name": "Paris", "user_id": "bob", "comment": "Great food",
	}); recorder.Code != http.StatusOK {
		testContext.Fatalf("vote failed: %d %s", recorder.Code, recorder.Body.String())
	}

	run, err := first.compactor.RunOnce(context.Background())
	if err != nil {
		testContext.Fatalf("compaction failed: %v", err)
	}
	if run.EventsMoved != 2 {
		testContext.Fatalf("expected 2 events moved, got %d", run.EventsMoved)
	}

	// Lands in the log only; the restart must pick it up from there.
	if recorder := first.post(testContext, "/vote", map[string]string{
		"place_name": "Paris", "user_id": "carol", "comment": "",
	}); recorder.Code != http.StatusOK {
		testContext.Fatalf("vote failed: %d %s", recorder.Code, recorder.Body.String())
	}
	if err := first.store.Close(); err != nil {
		testContext.Fatalf("failed to close journal: %v", err)
	}

	second := startStack(testContext, dataDir, databasePath)
	defer second.store.Close() //nolint:errcheck

	place := second.getPlace(testContext, "Paris")
	if place.VoteCount != 3 || place.Country != "France" || place.Region != "EU" {
		testContext.Fatalf("unexpected restored place: %#v", place)
	}
	if len(place.Comments) != 2 || place.Comments[0] != "Great food" || place.Comments[1] != "" {
		testContext.Fatalf("unexpected restored comments: %#v", place.Comments)
	}

	if recorder := second.post(testContext, "/vote", map[string]string{
		"place_name": "Paris", "user_id": "bob", "comment": "twice",
	}); recorder.Code != http.StatusConflict {
		testContext.Fatalf("expected restored vote to block a repeat, got %d", recorder.Code)
	}

	recorder := httptest.NewRecorder()
	second.handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/admin/compactions", http.NoBody))
	if recorder.Code != http.StatusOK {
		testContext.Fatalf("expected 200 from compaction history, got %d", recorder.Code)
	}
	var runs []struct {
		RunID       string `json:"run_id"`
		EventsMoved int64  `json:"events_moved"`
		Status      string `json:"status"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &runs); err != nil {
		testContext.Fatalf("failed to decode runs: %v", err)
	}
	if len(runs) != 1 || runs[0].RunID != run.RunID || runs[0].Status != compaction.StatusSucceeded {
		testContext.Fatalf("unexpected compaction history: %#v", runs)
	}
}
