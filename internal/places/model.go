package places

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidPlaceName indicates that a place name is empty or exceeds storage bounds.
	ErrInvalidPlaceName = errors.New("places: invalid place name")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("places: invalid user id")
	// ErrInvalidLocation indicates that a proposal is missing its country or region.
	ErrInvalidLocation = errors.New("places: invalid location")

	// ErrAlreadyExists is returned when proposing a place name that is already registered.
	ErrAlreadyExists = errors.New("places: place already exists")
	// ErrNotFound is returned when a place name is not registered.
	ErrNotFound = errors.New("places: place not found")
	// ErrAlreadyVoted is returned when a user votes twice for the same place.
	ErrAlreadyVoted = errors.New("places: user already voted")
	// ErrPersistence is returned when the journal could not durably record a mutation.
	ErrPersistence = errors.New("places: persistence failure")
)

// PlaceName represents a validated place name. Names compare byte-wise and case-sensitively.
type PlaceName string

// NewPlaceName validates raw input and returns a PlaceName.
func NewPlaceName(rawInput string) (PlaceName, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidPlaceName)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidPlaceName, maxIdentifierLength)
	}
	return PlaceName(trimmed), nil
}

// String returns the underlying name.
func (name PlaceName) String() string {
	return string(name)
}

// validate rejects names that NewPlaceName would not have produced, so every
// committed name reads back unchanged from the journal.
func (name PlaceName) validate() error {
	canonical, err := NewPlaceName(string(name))
	if err != nil {
		return err
	}
	if canonical != name {
		return fmt.Errorf("%w: surrounding whitespace", ErrInvalidPlaceName)
	}
	return nil
}

// UserID represents a validated, caller-supplied user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying identifier.
func (id UserID) String() string {
	return string(id)
}

func (id UserID) validate() error {
	canonical, err := NewUserID(string(id))
	if err != nil {
		return err
	}
	if canonical != id {
		return fmt.Errorf("%w: surrounding whitespace", ErrInvalidUserID)
	}
	return nil
}

// Location is the metadata fixed at proposal time.
type Location struct {
	Country string
	Region  string
}

// NewLocation validates both fields.
func NewLocation(country, region string) (Location, error) {
	location := Location{
		Country: strings.TrimSpace(country),
		Region:  strings.TrimSpace(region),
	}
	if location.Country == "" {
		return Location{}, fmt.Errorf("%w: empty country", ErrInvalidLocation)
	}
	if location.Region == "" {
		return Location{}, fmt.Errorf("%w: empty region", ErrInvalidLocation)
	}
	return location, nil
}

func (l Location) validate() error {
	canonical, err := NewLocation(l.Country, l.Region)
	if err != nil {
		return err
	}
	if canonical != l {
		return fmt.Errorf("%w: surrounding whitespace", ErrInvalidLocation)
	}
	return nil
}

// place is the registry-owned mutable record.
type place struct {
	name      PlaceName
	proposer  UserID
	location  Location
	voteCount int
	voters    map[UserID]struct{}
	comments  []string
}

func newPlace(proposer UserID, name PlaceName, location Location) *place {
	return &place{
		name:      name,
		proposer:  proposer,
		location:  location,
		voteCount: 1,
		voters:    map[UserID]struct{}{proposer: {}},
		comments:  []string{},
	}
}

func (p *place) hasVoter(userID UserID) bool {
	_, ok := p.voters[userID]
	return ok
}

func (p *place) addVote(userID UserID, comment string) {
	p.voters[userID] = struct{}{}
	p.voteCount++
	p.comments = append(p.comments, comment)
}

func (p *place) view() PlaceView {
	voters := make([]UserID, 0, len(p.voters))
	for voter := range p.voters {
		voters = append(voters, voter)
	}
	slices.Sort(voters)

	return PlaceView{
		PlaceName:  p.name,
		ProposerID: p.proposer,
		Country:    p.location.Country,
		Region:     p.location.Region,
		VoteCount:  p.voteCount,
		Voters:     voters,
		Comments:   slices.Clone(p.comments),
	}
}

// PlaceView is a point-in-time copy of a place. It shares no memory with the registry.
type PlaceView struct {
	PlaceName  PlaceName
	ProposerID UserID
	Country    string
	Region     string
	VoteCount  int
	// Voters is sorted ascending.
	Voters   []UserID
	Comments []string
}

// HasVoter reports whether userID voted for (or proposed) the place.
func (v PlaceView) HasVoter(userID UserID) bool {
	_, found := slices.BinarySearch(v.Voters, userID)
	return found
}

// Predicate filters a traversal.
type Predicate func(PlaceView) bool

// VotedBy matches places the user proposed or voted for.
func VotedBy(userID UserID) Predicate {
	return func(view PlaceView) bool {
		return view.HasVoter(userID)
	}
}

// NotVotedBy matches places the user has not voted for.
func NotVotedBy(userID UserID) Predicate {
	return func(view PlaceView) bool {
		return !view.HasVoter(userID)
	}
}

// InLocation matches on country and region; an empty value matches anything.
func InLocation(country, region string) Predicate {
	return func(view PlaceView) bool {
		if country != "" && view.Country != country {
			return false
		}
		if region != "" && view.Region != region {
			return false
		}
		return true
	}
}
