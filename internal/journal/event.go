package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// EventType enumerates the durable event kinds.
type EventType string

const (
	// EventTypeProposal records the creation of a place.
	EventTypeProposal EventType = "proposal"
	// EventTypeVote records an accepted vote for an existing place.
	EventTypeVote EventType = "vote"
)

var (
	// ErrInvalidEvent indicates that an event is missing required fields or has an unknown type.
	ErrInvalidEvent = errors.New("journal: invalid event")
)

// Event is a single line in the log or main store.
type Event struct {
	Type      EventType `json:"type"`
	UserID    string    `json:"user_id"`
	PlaceName string    `json:"place_name"`
	Country   string    `json:"country,omitempty"`
	Region    string    `json:"region,omitempty"`
	Comment   string    `json:"comment,omitempty"`
}

// NewProposalEvent builds the event persisted when a place is proposed.
func NewProposalEvent(userID, placeName, country, region string) Event {
	return Event{
		Type:      EventTypeProposal,
		UserID:    userID,
		PlaceName: placeName,
		Country:   country,
		Region:    region,
	}
}

// NewVoteEvent builds the event persisted when a vote is accepted.
func NewVoteEvent(userID, placeName, comment string) Event {
	return Event{
		Type:      EventTypeVote,
		UserID:    userID,
		PlaceName: placeName,
		Comment:   comment,
	}
}

// Validate reports whether the event carries the fields required by its type.
func (e Event) Validate() error {
	if strings.TrimSpace(e.UserID) == "" {
		return fmt.Errorf("%w: empty user_id", ErrInvalidEvent)
	}
	if strings.TrimSpace(e.PlaceName) == "" {
		return fmt.Errorf("%w: empty place_name", ErrInvalidEvent)
	}
	switch e.Type {
	case EventTypeProposal:
		if strings.TrimSpace(e.Country) == "" || strings.TrimSpace(e.Region) == "" {
			return fmt.Errorf("%w: proposal without location", ErrInvalidEvent)
		}
	case EventTypeVote:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, e.Type)
	}
	return nil
}

func encodeEvent(event Event) ([]byte, error) {
	line, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}
	return append(line, '\n'), nil
}

func decodeEvent(line []byte) (Event, error) {
	var event Event
	if err := json.Unmarshal(line, &event); err != nil {
		return Event{}, err
	}
	if err := event.Validate(); err != nil {
		return Event{}, err
	}
	return event, nil
}
