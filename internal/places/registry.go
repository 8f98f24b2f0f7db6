package places

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/MarcoPoloResearchLab/placevote/internal/journal"
	"go.uber.org/zap"
)

var (
	errMissingJournal = errors.New("journal dependency is required")
	noOpLogger        = zap.NewNop()
)

const (
	opRegistryNew = "places.registry.new"
	opPropose     = "places.propose"
	opVote        = "places.vote"

	reasonMissingJournal = "missing_journal"
	reasonInvalidInput   = "invalid_input"
	reasonAlreadyExists  = "already_exists"
	reasonNotFound       = "not_found"
	reasonAlreadyVoted   = "already_voted"
	reasonAppendFailed   = "journal_append_failed"
)

// ServiceError carries a stable dotted code alongside the underlying cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// Journal durably records committed mutations.
type Journal interface {
	Append(event journal.Event) error
}

type RegistryConfig struct {
	Journal Journal
	Logger  *zap.Logger
}

// Registry is the ordered set of places. Mutations are serialized behind a
// single write lock and become visible only after their journal append
// has been synced.
type Registry struct {
	mu       sync.RWMutex
	index    *placeIndex
	activity map[UserID]struct{}
	journal  Journal
	logger   *zap.Logger
}

func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Journal == nil {
		return nil, newServiceError(opRegistryNew, reasonMissingJournal, errMissingJournal)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Registry{
		index:    newPlaceIndex(),
		activity: make(map[UserID]struct{}),
		journal:  cfg.Journal,
		logger:   logger,
	}, nil
}

// Propose registers a new place. The proposer's implicit vote gives it a vote count of one.
func (r *Registry) Propose(userID UserID, name PlaceName, location Location) (PlaceView, error) {
	if err := userID.validate(); err != nil {
		return PlaceView{}, newServiceError(opPropose, reasonInvalidInput, err)
	}
	if err := name.validate(); err != nil {
		return PlaceView{}, newServiceError(opPropose, reasonInvalidInput, err)
	}
	if err := location.validate(); err != nil {
		return PlaceView{}, newServiceError(opPropose, reasonInvalidInput, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.index.Find(name) != nil {
		return PlaceView{}, newServiceError(opPropose, reasonAlreadyExists, ErrAlreadyExists)
	}

	event := journal.NewProposalEvent(userID.String(), name.String(), location.Country, location.Region)
	if err := r.journal.Append(event); err != nil {
		r.logError(opPropose, reasonAppendFailed, err, zap.String("place_name", name.String()), zap.String("user_id", userID.String()))
		return PlaceView{}, newServiceError(opPropose, reasonAppendFailed, errors.Join(ErrPersistence, err))
	}

	created := newPlace(userID, name, location)
	r.index.Insert(created)
	r.activity[userID] = struct{}{}
	return created.view(), nil
}

// Vote records userID's vote and comment for the named place.
func (r *Registry) Vote(name PlaceName, userID UserID, comment string) (PlaceView, error) {
	if err := userID.validate(); err != nil {
		return PlaceView{}, newServiceError(opVote, reasonInvalidInput, err)
	}
	if err := name.validate(); err != nil {
		return PlaceView{}, newServiceError(opVote, reasonInvalidInput, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	target := r.index.Find(name)
	if target == nil {
		return PlaceView{}, newServiceError(opVote, reasonNotFound, ErrNotFound)
	}
	if target.hasVoter(userID) {
		return PlaceView{}, newServiceError(opVote, reasonAlreadyVoted, ErrAlreadyVoted)
	}

	event := journal.NewVoteEvent(userID.String(), name.String(), comment)
	if err := r.journal.Append(event); err != nil {
		r.logError(opVote, reasonAppendFailed, err, zap.String("place_name", name.String()), zap.String("user_id", userID.String()))
		return PlaceView{}, newServiceError(opVote, reasonAppendFailed, errors.Join(ErrPersistence, err))
	}

	target.addVote(userID, comment)
	r.activity[userID] = struct{}{}
	return target.view(), nil
}

// Lookup returns the named place, if registered.
func (r *Registry) Lookup(name PlaceName) (PlaceView, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	found := r.index.Find(name)
	if found == nil {
		return PlaceView{}, false
	}
	return found.view(), true
}

// Traverse returns a snapshot of the places matching predicate in ascending
// name order. A nil predicate matches every place.
func (r *Registry) Traverse(predicate Predicate) []PlaceView {
	r.mu.RLock()
	defer r.mu.RUnlock()

	views := make([]PlaceView, 0, r.index.Len())
	r.index.ForEachAscending(func(p *place) bool {
		view := p.view()
		if predicate == nil || predicate(view) {
			views = append(views, view)
		}
		return true
	})
	return views
}

// TopByVotes returns at most limit places ordered by vote count descending.
// Places with equal counts keep their name order.
func (r *Registry) TopByVotes(limit int) []PlaceView {
	if limit <= 0 {
		return []PlaceView{}
	}
	views := r.Traverse(nil)
	sort.SliceStable(views, func(i, j int) bool {
		return views[i].VoteCount > views[j].VoteCount
	})
	if len(views) > limit {
		views = views[:limit]
	}
	return views
}

// UserHasAnyActivity reports whether userID proposed or voted for any place.
func (r *Registry) UserHasAnyActivity(userID UserID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.activity[userID]
	return ok
}

// Len returns the number of registered places.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.index.Len()
}

func (r *Registry) loggerOrDefault() *zap.Logger {
	if r == nil || r.logger == nil {
		return noOpLogger
	}
	return r.logger
}

func (r *Registry) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	r.loggerOrDefault().Error("places registry error", attrs...)
}
