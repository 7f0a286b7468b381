package mocks

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prasenjit/omock/internal/logging"
	"github.com/prasenjit/omock/internal/metrics"
	"github.com/prasenjit/omock/internal/models"
	"github.com/prasenjit/omock/internal/storage"
	"github.com/prasenjit/omock/internal/template"
	"go.uber.org/zap"
)

// TemplateStore is the part of the template engine the service mutates
type TemplateStore interface {
	Register(name string, t *template.Template)
	Unregister(names ...string)
	ClearAll()
}

// Replicator forwards locally originated mutations to peers
type Replicator interface {
	Created(def *models.Definition)
	Updated(def *models.Definition)
	Deleted(id uuid.UUID)
	Cleared()
}

// Service applies mock mutations to the registry and template store together
type Service struct {
	mu        sync.Mutex
	registry  storage.Registry
	templates TemplateStore
	repl      Replicator
	metrics   *metrics.Metrics
	logger    *zap.Logger
	now       func() time.Time
}

// Option configures a Service
type Option func(*Service)

// WithReplicator sets where local mutations are pushed
func WithReplicator(r Replicator) Option {
	return func(s *Service) { s.repl = r }
}

// WithMetrics sets the metrics sink
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithLogger sets the service logger
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = logging.OrNop(l) }
}

// WithClock overrides the timestamp source
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a mock service
func NewService(registry storage.Registry, templates TemplateStore, opts ...Option) *Service {
	s := &Service{
		registry:  registry,
		templates: templates,
		logger:    zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create registers a new definition under a fresh id
func (s *Service) Create(in *models.DefinitionInput) (*models.Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	def := in.ToDefinition(uuid.New(), s.now().UTC())
	if err := s.store(def); err != nil {
		return nil, err
	}

	s.logger.Info("mock created",
		zap.String("id", def.ID.String()),
		zap.String("api_name", def.APIName),
		zap.String("method", def.Method),
		zap.Int("variants", len(def.Variants)),
	)
	if s.repl != nil {
		s.repl.Created(def.Clone())
	}
	return def, nil
}

// Update replaces an existing definition. The new timestamp is always
// strictly after the previous one.
func (s *Service) Update(id uuid.UUID, in *models.DefinitionInput) (*models.Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, err := s.registry.Get(id)
	if err != nil {
		return nil, err
	}

	ts := s.now().UTC()
	if !ts.After(prev.Timestamp) {
		ts = prev.Timestamp.Add(time.Nanosecond)
	}

	def := in.ToDefinition(id, ts)
	if err := s.store(def); err != nil {
		return nil, err
	}

	s.logger.Info("mock updated",
		zap.String("id", def.ID.String()),
		zap.String("api_name", def.APIName),
	)
	if s.repl != nil {
		s.repl.Updated(def.Clone())
	}
	return def, nil
}

// Delete removes a definition; deleting an unknown id succeeds
func (s *Service) Delete(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := s.remove(id)
	if removed {
		s.logger.Info("mock deleted", zap.String("id", id.String()))
	}
	if s.repl != nil {
		s.repl.Deleted(id)
	}
	return removed
}

// DeleteAll removes every definition and returns how many were removed
func (s *Service) DeleteAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.clear()
	s.logger.Info("all mocks deleted", zap.Int("count", n))
	if s.repl != nil {
		s.repl.Cleared()
	}
	return n
}

// Get returns a copy of the definition with the given id
func (s *Service) Get(id uuid.UUID) (*models.Definition, error) {
	return s.registry.Get(id)
}

// List returns every definition sorted by api_name
func (s *Service) List() []*models.Definition {
	return s.registry.Snapshot()
}

// Count returns the number of registered definitions
func (s *Service) Count() int {
	return s.registry.Len()
}

// ApplyRemote merges a definition received from a peer under last-write-wins.
// It reports whether the local copy changed.
func (s *Service) ApplyRemote(def *models.Definition) (bool, error) {
	def = def.Clone()
	def.Normalize()
	if err := def.Validate(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, err := s.registry.Get(def.ID); err == nil && !def.NewerThan(existing) {
		return false, nil
	}

	compiled, err := compile(def)
	if err != nil {
		return false, err
	}
	s.register(compiled)

	applied, prev := s.registry.Merge(def)
	if !applied {
		// mutations are serialized by mu, so this only guards the template store
		if cur, err := s.registry.Get(def.ID); err == nil {
			s.unregisterExcept(def.TemplateNames(), cur.TemplateNames())
		}
		return false, nil
	}
	if prev != nil {
		s.unregisterExcept(prev.TemplateNames(), def.TemplateNames())
	}

	s.metrics.SetMocks(s.registry.Len())
	s.logger.Debug("remote mock applied",
		zap.String("id", def.ID.String()),
		zap.String("api_name", def.APIName),
		zap.Time("timestamp", def.Timestamp),
	)
	return true, nil
}

// RemoveRemote deletes a definition on behalf of a peer
func (s *Service) RemoveRemote(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remove(id)
}

// ClearRemote drops every definition on behalf of a peer
func (s *Service) ClearRemote() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clear()
}

// store validates, compiles and writes a locally originated definition.
// Caller holds mu.
func (s *Service) store(def *models.Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	compiled, err := compile(def)
	if err != nil {
		return err
	}

	// versioned names let the new templates go live before the registry swap
	s.register(compiled)

	prev, err := s.registry.Upsert(def)
	if err != nil {
		s.templates.Unregister(def.TemplateNames()...)
		return err
	}
	if prev != nil {
		s.unregisterExcept(prev.TemplateNames(), def.TemplateNames())
	}

	s.metrics.SetMocks(s.registry.Len())
	return nil
}

// Caller holds mu.
func (s *Service) remove(id uuid.UUID) bool {
	removed, ok := s.registry.Remove(id)
	if !ok {
		return false
	}
	s.templates.Unregister(removed.TemplateNames()...)
	s.metrics.SetMocks(s.registry.Len())
	return true
}

// Caller holds mu.
func (s *Service) clear() int {
	removed := s.registry.ClearAll()
	s.templates.ClearAll()
	s.metrics.SetMocks(0)
	return len(removed)
}

func (s *Service) register(compiled map[string]*template.Template) {
	for name, t := range compiled {
		s.templates.Register(name, t)
	}
}

func (s *Service) unregisterExcept(names, keep []string) {
	kept := make(map[string]struct{}, len(keep))
	for _, k := range keep {
		kept[k] = struct{}{}
	}

	var drop []string
	for _, n := range names {
		if _, ok := kept[n]; !ok {
			drop = append(drop, n)
		}
	}
	s.templates.Unregister(drop...)
}

// compile parses every template of def without registering any of them
func compile(def *models.Definition) (map[string]*template.Template, error) {
	out := make(map[string]*template.Template)
	for i, v := range def.Variants {
		t, err := template.Parse(v.ResponseTemplate)
		if err != nil {
			return nil, fmt.Errorf("variant %d body: %w", i, err)
		}
		out[def.BodyTemplateName(i)] = t

		for h, src := range v.ResponseHeaders {
			t, err := template.Parse(src)
			if err != nil {
				return nil, fmt.Errorf("variant %d header %s: %w", i, h, err)
			}
			out[def.HeaderTemplateName(i, h)] = t
		}
	}
	return out, nil
}
