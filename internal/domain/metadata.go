package domain

import (
	"errors"
	"time"
)

// PriorityTier orders tests for scheduling tie-breaks. Higher runs first
// within a parallel group.
type PriorityTier int

const (
	PriorityExtended   PriorityTier = 0
	PriorityRegression PriorityTier = 1
	PrioritySmoke      PriorityTier = 2
)

// ParsePriorityTier maps a manifest label to a tier. Unknown labels are an
// error rather than a silent default.
func ParsePriorityTier(s string) (PriorityTier, error) {
	switch s {
	case "smoke":
		return PrioritySmoke, nil
	case "regression":
		return PriorityRegression, nil
	case "extended":
		return PriorityExtended, nil
	}
	return 0, errors.New("unknown priority tier: " + s)
}

func (p PriorityTier) String() string {
	switch p {
	case PrioritySmoke:
		return "smoke"
	case PriorityRegression:
		return "regression"
	default:
		return "extended"
	}
}

var ErrEmptyTestID = errors.New("test id must not be empty")

// TestMetadata classifies one schedulable test: the journey it belongs to,
// its priority tier, the tests it depends on, and the code-path patterns
// (prefix or doublestar glob) that mark it affected by a change.
type TestMetadata struct {
	ID       string
	Journey  string
	Priority PriorityTier

	DependsOn []string
	Paths     []string

	// Target keys the circuit breaker for network-bound tests, typically
	// the external host the test drives. Empty means not network-bound.
	Target string

	Timeout time.Duration
}

// NewTestMetadata validates the identifier and builds metadata.
func NewTestMetadata(id, journey string, priority PriorityTier) (TestMetadata, error) {
	if id == "" {
		return TestMetadata{}, ErrEmptyTestID
	}
	return TestMetadata{ID: id, Journey: journey, Priority: priority}, nil
}
