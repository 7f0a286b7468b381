package storage

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/prasenjit/omock/internal/models"
)

// MemoryRegistry implements Registry with in-memory maps under one lock
type MemoryRegistry struct {
	mu      sync.RWMutex
	byID    map[uuid.UUID]*models.Definition
	holders map[string]map[uuid.UUID]struct{} // every id carrying a name
	index   map[string]uuid.UUID              // the id a name resolves to
}

// NewMemoryRegistry creates an empty registry
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		byID:    make(map[uuid.UUID]*models.Definition),
		holders: make(map[string]map[uuid.UUID]struct{}),
		index:   make(map[string]uuid.UUID),
	}
}

// Upsert stores def, replacing any definition with the same id
func (m *MemoryRegistry) Upsert(def *models.Definition) (*models.Definition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id := range m.holders[def.APIName] {
		if id != def.ID {
			return nil, fmt.Errorf("%w: %s", ErrNameConflict, def.APIName)
		}
	}

	prev := m.put(def.Clone())
	return prev.Clone(), nil
}

// Merge stores def under last-write-wins
func (m *MemoryRegistry) Merge(def *models.Definition) (bool, *models.Definition) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.byID[def.ID]; ok && !def.NewerThan(existing) {
		return false, nil
	}

	prev := m.put(def.Clone())
	return true, prev.Clone()
}

// Get retrieves a definition by id
func (m *MemoryRegistry) Get(id uuid.UUID) (*models.Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	def, ok := m.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return def.Clone(), nil
}

// GetByName retrieves the definition the name index points at
func (m *MemoryRegistry) GetByName(name string) (*models.Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.index[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return m.byID[id].Clone(), nil
}

// Remove deletes a definition by id
func (m *MemoryRegistry) Remove(id uuid.UUID) (*models.Definition, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	def, ok := m.byID[id]
	if !ok {
		return nil, false
	}

	delete(m.byID, id)
	m.release(def.APIName, id)
	return def, true
}

// ClearAll removes every definition and returns what was removed
func (m *MemoryRegistry) ClearAll() []*models.Definition {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := make([]*models.Definition, 0, len(m.byID))
	for _, def := range m.byID {
		removed = append(removed, def)
	}

	m.byID = make(map[uuid.UUID]*models.Definition)
	m.holders = make(map[string]map[uuid.UUID]struct{})
	m.index = make(map[string]uuid.UUID)
	return removed
}

// Snapshot returns copies of all definitions sorted by name, then id
func (m *MemoryRegistry) Snapshot() []*models.Definition {
	m.mu.RLock()
	defer m.mu.RUnlock()

	defs := make([]*models.Definition, 0, len(m.byID))
	for _, def := range m.byID {
		defs = append(defs, def.Clone())
	}

	sort.Slice(defs, func(i, j int) bool {
		if defs[i].APIName != defs[j].APIName {
			return defs[i].APIName < defs[j].APIName
		}
		return defs[i].ID.String() < defs[j].ID.String()
	})
	return defs
}

// Len returns the number of stored definitions
func (m *MemoryRegistry) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

// put writes def and keeps holders and index consistent. Caller holds mu.
func (m *MemoryRegistry) put(def *models.Definition) *models.Definition {
	prev := m.byID[def.ID]
	m.byID[def.ID] = def

	if prev != nil && prev.APIName != def.APIName {
		m.release(prev.APIName, def.ID)
	}

	ids, ok := m.holders[def.APIName]
	if !ok {
		ids = make(map[uuid.UUID]struct{})
		m.holders[def.APIName] = ids
	}
	ids[def.ID] = struct{}{}
	m.reindex(def.APIName)

	return prev
}

// release drops id from the holders of name. Caller holds mu.
func (m *MemoryRegistry) release(name string, id uuid.UUID) {
	ids := m.holders[name]
	delete(ids, id)
	if len(ids) == 0 {
		delete(m.holders, name)
	}
	m.reindex(name)
}

// reindex points name at its best holder. Caller holds mu.
func (m *MemoryRegistry) reindex(name string) {
	var best *models.Definition
	for id := range m.holders[name] {
		def := m.byID[id]
		if best == nil || def.OwnsNameOver(best) {
			best = def
		}
	}

	if best == nil {
		delete(m.index, name)
		return
	}
	m.index[name] = best.ID
}
