package search

import (
	"fmt"
	"math/rand"
)

// Proposal is one configuration handed out by a sampler.
type Proposal struct {
	Index  int
	Config Configuration
}

// Observation is a proposal together with the objective reported for it.
type Observation struct {
	Index  int
	Config Configuration
	Value  float64
}

// Sampler proposes configurations and receives their objectives. Proposals
// are strictly sequential: Ask fails with ErrPendingTrial until the previous
// proposal has been told.
type Sampler interface {
	Ask() (Proposal, error)
	Tell(index int, value float64) error
}

// ledger tracks the ask/tell handshake shared by all samplers.
type ledger struct {
	space   Space
	next    int
	pending *Proposal
	history []Observation
}

func (l *ledger) checkAsk() error {
	if l.pending != nil {
		return &ProposalError{Index: l.next, Err: ErrPendingTrial}
	}
	return nil
}

func (l *ledger) issue(cfg Configuration) Proposal {
	p := Proposal{Index: l.next, Config: cfg}
	l.pending = &p
	l.next++
	return p
}

// Tell records value as the objective of the pending proposal.
func (l *ledger) Tell(index int, value float64) error {
	if l.pending == nil || l.pending.Index != index {
		return fmt.Errorf("tell: trial %d is not pending", index)
	}
	l.history = append(l.history, Observation{Index: index, Config: l.pending.Config, Value: value})
	l.pending = nil
	return nil
}

// Observations returns every told proposal in index order.
func (l *ledger) Observations() []Observation {
	out := make([]Observation, len(l.history))
	copy(out, l.history)
	return out
}

// RandomSampler draws each parameter independently and uniformly.
type RandomSampler struct {
	ledger
	rng *rand.Rand
}

// NewRandomSampler returns a sampler over space seeded with seed.
func NewRandomSampler(space Space, seed int64) (*RandomSampler, error) {
	if err := space.Validate(); err != nil {
		return nil, &ProposalError{Err: err}
	}
	return &RandomSampler{
		ledger: ledger{space: space},
		rng:    rand.New(rand.NewSource(seed)),
	}, nil
}

func (s *RandomSampler) Ask() (Proposal, error) {
	if err := s.checkAsk(); err != nil {
		return Proposal{}, err
	}
	cfg := Configuration{
		names:  make([]string, 0, len(s.space)),
		values: make(map[string]any, len(s.space)),
	}
	for _, p := range s.space {
		var v any
		switch p.Kind {
		case KindInt:
			v = p.Int.Min + s.rng.Intn(p.size())
		case KindFloat:
			v = p.Float.Min + s.rng.Float64()*(p.Float.Max-p.Float.Min)
		case KindCategorical:
			v = p.Values[s.rng.Intn(len(p.Values))]
		}
		cfg.names = append(cfg.names, p.Name)
		cfg.values[p.Name] = v
	}
	return s.issue(cfg), nil
}

// GridSampler enumerates the cartesian product of a discrete space in
// declaration order, the last parameter varying fastest.
type GridSampler struct {
	ledger
	total int
}

// NewGridSampler returns a sampler enumerating space. Float parameters are
// rejected since they have no finite grid.
func NewGridSampler(space Space) (*GridSampler, error) {
	if err := space.Validate(); err != nil {
		return nil, &ProposalError{Err: err}
	}
	total := 1
	for _, p := range space {
		if p.Kind == KindFloat {
			return nil, &ProposalError{Err: fmt.Errorf("%w: %s: grid sampling needs discrete parameters", ErrInvalidSpace, p.Name)}
		}
		total *= p.size()
	}
	return &GridSampler{ledger: ledger{space: space}, total: total}, nil
}

// Size returns the number of configurations in the grid.
func (s *GridSampler) Size() int { return s.total }

func (s *GridSampler) Ask() (Proposal, error) {
	if err := s.checkAsk(); err != nil {
		return Proposal{}, err
	}
	if s.next >= s.total {
		return Proposal{}, &ProposalError{Index: s.next, Err: ErrSpaceExhausted}
	}
	cfg := Configuration{
		names:  make([]string, len(s.space)),
		values: make(map[string]any, len(s.space)),
	}
	rem := s.next
	for i := len(s.space) - 1; i >= 0; i-- {
		p := s.space[i]
		pos := rem % p.size()
		rem /= p.size()
		var v any
		if p.Kind == KindInt {
			v = p.Int.Min + pos
		} else {
			v = p.Values[pos]
		}
		cfg.names[i] = p.Name
		cfg.values[p.Name] = v
	}
	return s.issue(cfg), nil
}

// NewSampler builds the sampler registered under name ("random" or "grid").
func NewSampler(name string, space Space, seed int64) (Sampler, error) {
	switch name {
	case "", "random":
		return NewRandomSampler(space, seed)
	case "grid":
		return NewGridSampler(space)
	default:
		return nil, &ProposalError{Err: fmt.Errorf("%w: unknown sampler %q", ErrInvalidSpace, name)}
	}
}
