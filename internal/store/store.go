// Package store defines the persistence interface for the calculation engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/ims/calc-engine/internal/model"
)

// ErrStatusChanged is returned by CompareAndSwapLocate when the stored
// status no longer matches the expected one.
var ErrStatusChanged = errors.New("store: locate status changed concurrently")

// SecurityStore reads reference data. Writes exist only for seeding; the
// reference-data system owns securities.
type SecurityStore interface {
	// GetSecurity retrieves a security by internal identifier.
	GetSecurity(ctx context.Context, id string) (*model.Security, error)

	// ListSecurities returns all securities.
	ListSecurities(ctx context.Context) ([]model.Security, error)

	// UpsertSecurity inserts or replaces a security.
	UpsertSecurity(ctx context.Context, sec *model.Security) error
}

// PositionStore persists positions keyed by (book, security, business date).
type PositionStore interface {
	// GetPosition retrieves a single position.
	GetPosition(ctx context.Context, key model.PositionKey) (*model.Position, error)

	// ListPositions returns all positions on a business date.
	ListPositions(ctx context.Context, businessDate string) ([]model.Position, error)

	// ListSecurityPositions returns every book's position in one security.
	ListSecurityPositions(ctx context.Context, securityID, businessDate string) ([]model.Position, error)

	// UpsertPosition inserts or replaces a position.
	UpsertPosition(ctx context.Context, p *model.Position) error
}

// RuleStore persists calculation rules.
type RuleStore interface {
	// ListRules returns every rule ordered by sequence.
	ListRules(ctx context.Context) ([]model.CalculationRule, error)

	// GetRule retrieves a rule by ID.
	GetRule(ctx context.Context, id string) (*model.CalculationRule, error)

	// InsertRule persists a new rule and assigns its Sequence.
	InsertRule(ctx context.Context, r *model.CalculationRule) error

	// UpdateRule replaces an existing rule, keeping its Sequence.
	UpdateRule(ctx context.Context, r *model.CalculationRule) error
}

// LocateStore persists locate requests.
type LocateStore interface {
	// InsertLocate persists a new locate request.
	InsertLocate(ctx context.Context, l *model.LocateRequest) error

	// GetLocate retrieves a locate request by ID.
	GetLocate(ctx context.Context, id string) (*model.LocateRequest, error)

	// ListLocates returns locates matching the filter, oldest first.
	ListLocates(ctx context.Context, f model.LocateFilter) ([]model.LocateRequest, error)

	// CompareAndSwapLocate replaces the stored locate only if its current
	// status equals expected; otherwise it returns ErrStatusChanged.
	CompareAndSwapLocate(ctx context.Context, l *model.LocateRequest, expected model.LocateStatus) error
}

// ValidationStore persists immutable order validations.
type ValidationStore interface {
	// InsertValidation appends a validation record.
	InsertValidation(ctx context.Context, v *model.OrderValidation) error

	// GetValidationByOrder returns the most recent validation for an order.
	GetValidationByOrder(ctx context.Context, orderID string) (*model.OrderValidation, error)

	// ListLimitEntities returns the distinct, sorted client and aggregation
	// unit IDs named by any locate or order validation.
	ListLimitEntities(ctx context.Context) (clients, aggregationUnits []string, err error)
}

// Store is the full persistence interface. PostgreSQL is the source of
// truth; Redis provides a read-through cache layer.
type Store interface {
	SecurityStore
	PositionStore
	RuleStore
	LocateStore
	ValidationStore
}
