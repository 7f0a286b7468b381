package storage

import (
	"errors"

	"github.com/google/uuid"
	"github.com/prasenjit/omock/internal/models"
)

var (
	// ErrNotFound is returned when no definition matches the lookup key
	ErrNotFound = errors.New("not found")
	// ErrNameConflict is returned when a local write would take a name held by another id
	ErrNameConflict = errors.New("api_name already in use by another mock")
)

// Registry holds the live mock definitions. Every method is atomic with
// respect to the others; returned definitions are copies.
type Registry interface {
	// Upsert inserts or replaces by id. It fails with ErrNameConflict when
	// another id already carries the same api_name.
	Upsert(def *models.Definition) (prev *models.Definition, err error)
	// Merge applies def only if no definition with its id exists or def is
	// strictly newer. Name collisions are resolved, never refused.
	Merge(def *models.Definition) (applied bool, prev *models.Definition)

	Get(id uuid.UUID) (*models.Definition, error)
	GetByName(name string) (*models.Definition, error)

	// Remove deletes by id; removing an absent id is not an error
	Remove(id uuid.UUID) (removed *models.Definition, ok bool)
	ClearAll() []*models.Definition

	// Snapshot returns every definition sorted by api_name
	Snapshot() []*models.Definition
	Len() int
}
