// Package engine defines the contract with the indexing engine that owns the
// committed documents of every index, and provides a SQLite implementation.
package engine

import (
	"context"

	"github.com/kilupskalvis/docgate/internal/models"
)

// Engine stores committed documents and the primary key of each index.
//
// Apply commits one mutation atomically: either every document of an addition
// is visible afterwards or none is. Reads only ever observe committed state.
// Failures that may succeed on retry are reported as docerr.ErrEngineUnavailable.
type Engine interface {
	// Apply commits a mutation, creating the index if it does not exist.
	Apply(ctx context.Context, uid string, m *models.Mutation) (*models.Outcome, error)

	// Index returns the committed metadata of an index or docerr.ErrIndexNotFound.
	Index(ctx context.Context, uid string) (*models.IndexInfo, error)

	// Documents pages over an index in natural order.
	Documents(ctx context.Context, uid string, offset, limit int) ([]*models.Document, error)

	// Document returns one document by canonical id or docerr.ErrDocumentNotFound.
	Document(ctx context.Context, uid, id string) (*models.Document, error)

	// Ping checks that the engine can serve requests.
	Ping(ctx context.Context) error

	Close() error
}
