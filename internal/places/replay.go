package places

import (
	"errors"

	"github.com/MarcoPoloResearchLab/placevote/internal/journal"
	"go.uber.org/zap"
)

const opRestore = "places.restore"

var errMissingEventSource = errors.New("event source is required")

// EventSource yields persisted events, main store first.
type EventSource interface {
	ReplayMain(fn func(journal.Event)) (journal.ScanResult, error)
	ReplayLog(fn func(journal.Event)) (journal.ScanResult, error)
}

// ReplayStats summarizes a restore.
type ReplayStats struct {
	Applied            int
	DuplicateProposals int
	DuplicateVotes     int
	UnknownPlaces      int
	Invalid            int
	Malformed          int
}

// Skipped is the number of decoded events that were not applied.
func (s ReplayStats) Skipped() int {
	return s.DuplicateProposals + s.DuplicateVotes + s.UnknownPlaces + s.Invalid
}

// Restore rebuilds a registry from the main store followed by the log.
// Events that would violate registry invariants are logged and skipped;
// only I/O failures abort the restore.
func Restore(source EventSource, cfg RegistryConfig) (*Registry, ReplayStats, error) {
	if source == nil {
		return nil, ReplayStats{}, newServiceError(opRestore, "missing_event_source", errMissingEventSource)
	}
	registry, err := NewRegistry(cfg)
	if err != nil {
		return nil, ReplayStats{}, err
	}

	var stats ReplayStats
	registry.mu.Lock()
	defer registry.mu.Unlock()

	mainScan, err := source.ReplayMain(func(event journal.Event) {
		registry.replayEvent(event, "main", &stats)
	})
	if err != nil {
		registry.logError(opRestore, "main_replay_failed", err)
		return nil, stats, newServiceError(opRestore, "main_replay_failed", err)
	}
	logScan, err := source.ReplayLog(func(event journal.Event) {
		registry.replayEvent(event, "log", &stats)
	})
	if err != nil {
		registry.logError(opRestore, "log_replay_failed", err)
		return nil, stats, newServiceError(opRestore, "log_replay_failed", err)
	}
	stats.Malformed = mainScan.Malformed + logScan.Malformed

	registry.logger.Info("registry restored",
		zap.Int("places", registry.index.Len()),
		zap.Int("applied", stats.Applied),
		zap.Int("skipped", stats.Skipped()),
		zap.Int("malformed", stats.Malformed))
	return registry, stats, nil
}

// replayEvent applies one persisted event without journaling it. Callers hold mu.
func (r *Registry) replayEvent(event journal.Event, origin string, stats *ReplayStats) {
	fields := []zap.Field{
		zap.String("origin", origin),
		zap.String("type", string(event.Type)),
		zap.String("place_name", event.PlaceName),
		zap.String("user_id", event.UserID),
	}

	userID, err := NewUserID(event.UserID)
	if err != nil {
		stats.Invalid++
		r.logger.Warn("replay skipped invalid user id", append(fields, zap.Error(err))...)
		return
	}
	name, err := NewPlaceName(event.PlaceName)
	if err != nil {
		stats.Invalid++
		r.logger.Warn("replay skipped invalid place name", append(fields, zap.Error(err))...)
		return
	}

	switch event.Type {
	case journal.EventTypeProposal:
		location, err := NewLocation(event.Country, event.Region)
		if err != nil {
			stats.Invalid++
			r.logger.Warn("replay skipped invalid location", append(fields, zap.Error(err))...)
			return
		}
		if !r.index.Insert(newPlace(userID, name, location)) {
			stats.DuplicateProposals++
			r.logger.Info("replay skipped duplicate proposal", fields...)
			return
		}
	case journal.EventTypeVote:
		target := r.index.Find(name)
		if target == nil {
			stats.UnknownPlaces++
			r.logger.Warn("replay skipped vote for unknown place", fields...)
			return
		}
		if target.hasVoter(userID) {
			stats.DuplicateVotes++
			r.logger.Info("replay skipped duplicate vote", fields...)
			return
		}
		target.addVote(userID, event.Comment)
	default:
		stats.Invalid++
		r.logger.Warn("replay skipped unknown event type", fields...)
		return
	}

	r.activity[userID] = struct{}{}
	stats.Applied++
}
