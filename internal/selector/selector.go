package selector

import (
	"errors"
	"math"
	"math/rand/v2"
	"sync"

	"github.com/prasenjit/omock/internal/condition"
	"github.com/prasenjit/omock/internal/models"
	"go.uber.org/zap"
)

// ErrNoMatchingVariant is returned when no variant passes its condition or
// the passing variants carry zero total weight
var ErrNoMatchingVariant = errors.New("no matching variant")

// Source draws uniform integers in [0, n)
type Source interface {
	IntN(n int) int
}

type globalSource struct{}

func (globalSource) IntN(n int) int { return rand.IntN(n) }

// lockedSource serializes a *rand.Rand, which is not safe for concurrent use
type lockedSource struct {
	mu sync.Mutex
	r  *rand.Rand
}

func (s *lockedSource) IntN(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.r.IntN(n)
}

// NewSource wraps r for concurrent use
func NewSource(r *rand.Rand) Source {
	return &lockedSource{r: r}
}

// Selector picks one variant of a definition for a request context
type Selector struct {
	eval   condition.Evaluator
	source Source
	logger *zap.Logger
}

// Option configures a Selector
type Option func(*Selector)

// WithSource injects the random source used for the weighted draw
func WithSource(src Source) Option {
	return func(s *Selector) { s.source = src }
}

// WithLogger sets the logger for condition evaluation failures
func WithLogger(logger *zap.Logger) Option {
	return func(s *Selector) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates a selector evaluating conditions with eval
func New(eval condition.Evaluator, opts ...Option) *Selector {
	s := &Selector{
		eval:   eval,
		source: globalSource{},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Select returns the index of the chosen variant
func (s *Selector) Select(variants []models.Variant, ctx map[string]any) (int, error) {
	passing := make([]int, 0, len(variants))
	total := 0

	for i, v := range variants {
		if v.Condition != "" {
			ok, err := s.eval.Evaluate(v.Condition, ctx)
			if err != nil {
				s.logger.Debug("condition evaluation failed",
					zap.Int("variant", i),
					zap.String("condition", v.Condition),
					zap.Error(err),
				)
				continue
			}
			if !ok {
				continue
			}
		}
		passing = append(passing, i)
		total = addWeight(total, v.Weight)
	}

	if len(passing) == 0 || total <= 0 {
		return -1, ErrNoMatchingVariant
	}

	draw := s.source.IntN(total)
	cumulative := 0
	for _, i := range passing {
		cumulative = addWeight(cumulative, variants[i].Weight)
		if cumulative > draw {
			return i, nil
		}
	}

	// unreachable while draw < total
	return passing[len(passing)-1], nil
}

// addWeight sums non-negative weights, saturating at math.MaxInt
func addWeight(total, w int) int {
	if w > math.MaxInt-total {
		return math.MaxInt
	}
	return total + w
}
