package resolver

import (
	"errors"
	"fmt"

	"github.com/PeerPigeon/PigeonMatch/internal/clock"
)

const (
	NameClockDominant = "clock-dominant"
	NameLastWriteWins = "last-write-wins"
)

var (
	ErrUnknownStrategy = errors.New("resolver: unknown strategy")
	ErrNoCandidates    = errors.New("resolver: no candidates")
)

// Candidate is one competing version of the shared state
type Candidate struct {
	PeerID string
	State  map[string]interface{}
	Clock  clock.VectorClock
}

// Strategy picks a single winner among conflicting candidates.
// Implementations must be deterministic for a given candidate order.
type Strategy interface {
	Name() string
	Resolve(candidates []Candidate) (Candidate, error)
}

// New returns the strategy registered under name. An empty name selects
// clock-dominant resolution.
func New(name string) (Strategy, error) {
	switch name {
	case "", NameClockDominant:
		return ClockDominant{}, nil
	case NameLastWriteWins:
		return LastWriteWins{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
	}
}

// ClockDominant adopts the first candidate whose clock is not strictly
// dominated by any other candidate's clock. Ties go to list order.
type ClockDominant struct{}

func (ClockDominant) Name() string { return NameClockDominant }

func (ClockDominant) Resolve(candidates []Candidate) (Candidate, error) {
	if len(candidates) == 0 {
		return Candidate{}, ErrNoCandidates
	}
	for i, c := range candidates {
		dominated := false
		for j, other := range candidates {
			if i == j {
				continue
			}
			if c.Clock.HappensBefore(other.Clock) {
				dominated = true
				break
			}
		}
		if !dominated {
			return c, nil
		}
	}
	// unreachable for a strict partial order over a finite set
	return candidates[0], nil
}

// LastWriteWins adopts the candidate holding the single highest counter
// found anywhere in any candidate clock. Counters of different peers are
// compared on one scale, so a busier peer tends to win. Equal maxima go to
// list order.
type LastWriteWins struct{}

func (LastWriteWins) Name() string { return NameLastWriteWins }

func (LastWriteWins) Resolve(candidates []Candidate) (Candidate, error) {
	if len(candidates) == 0 {
		return Candidate{}, ErrNoCandidates
	}
	winner := 0
	best := int64(-1)
	for i, c := range candidates {
		for _, peerID := range c.Clock.Peers() {
			if v := c.Clock[peerID]; v > best {
				best = v
				winner = i
			}
		}
	}
	return candidates[winner], nil
}
