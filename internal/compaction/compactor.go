package compaction

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/placevote/internal/journal"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultInterval matches the reference deployment.
const DefaultInterval = 15 * time.Minute

var (
	errMissingStore      = errors.New("compaction: store is required")
	errMissingIDProvider = errors.New("compaction: id provider is required")
	errAlreadyStarted    = errors.New("compaction: already started")
)

// Store folds the log into the main store.
type Store interface {
	Compact() (journal.CompactionResult, error)
}

// Recorder persists run history. It is optional.
type Recorder interface {
	Record(ctx context.Context, run Run) error
}

type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

type Config struct {
	Store      Store
	Interval   time.Duration
	Recorder   Recorder
	IDProvider IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Compactor runs Store.Compact on a fixed interval, independent of request handling.
type Compactor struct {
	store      Store
	interval   time.Duration
	recorder   Recorder
	idProvider IDProvider
	clock      func() time.Time
	logger     *zap.Logger

	mu      sync.Mutex
	started bool
	done    chan struct{}
}

func NewCompactor(cfg Config) (*Compactor, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		return nil, errMissingIDProvider
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Compactor{
		store:      cfg.Store,
		interval:   interval,
		recorder:   cfg.Recorder,
		idProvider: idProvider,
		clock:      clock,
		logger:     logger,
		done:       make(chan struct{}),
	}, nil
}

// RunOnce performs a single compaction cycle. Cycles that move nothing are not recorded.
func (c *Compactor) RunOnce(ctx context.Context) (Run, error) {
	startedAt := c.clock().UTC()
	result, compactErr := c.store.Compact()
	finishedAt := c.clock().UTC()

	runID, err := c.idProvider.NewID()
	if err != nil {
		c.logger.Error("compaction run id generation failed", zap.Error(err))
		runID = ""
	}

	run := Run{
		RunID:             runID,
		StartedAtSeconds:  startedAt.Unix(),
		FinishedAtSeconds: finishedAt.Unix(),
		EventsMoved:       int64(result.EventsMoved),
		BytesMoved:        result.BytesMoved,
		Status:            StatusSucceeded,
	}
	if compactErr != nil {
		run.Status = StatusFailed
		run.ErrorMessage = compactErr.Error()
		c.logger.Error("compaction failed", zap.String("run_id", runID), zap.Error(compactErr))
	} else if result.EventsMoved > 0 {
		c.logger.Info("compaction completed",
			zap.String("run_id", runID),
			zap.Int("events_moved", result.EventsMoved),
			zap.Int64("bytes_moved", result.BytesMoved),
			zap.Duration("elapsed", finishedAt.Sub(startedAt)))
	} else {
		c.logger.Debug("compaction skipped, log empty")
	}

	if c.recorder != nil && runID != "" && (compactErr != nil || result.EventsMoved > 0) {
		if err := c.recorder.Record(ctx, run); err != nil {
			c.logger.Warn("compaction run not recorded", zap.String("run_id", runID), zap.Error(err))
		}
	}

	return run, compactErr
}

// Start launches the periodic loop. It returns immediately; the loop exits when ctx is done.
func (c *Compactor) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return errAlreadyStarted
	}
	c.started = true

	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		c.logger.Info("compactor started", zap.Duration("interval", c.interval))
		for {
			select {
			case <-ctx.Done():
				c.logger.Info("compactor stopped")
				return
			case <-ticker.C:
				_, _ = c.RunOnce(ctx)
			}
		}
	}()
	return nil
}

// Wait blocks until a started loop has exited.
func (c *Compactor) Wait() {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if !started {
		return
	}
	<-c.done
}
