package store

import (
	"context"

	"dtex/internal/store/model"
)

// UnitOfWork defines a transaction scope.
type UnitOfWork interface {
	// Commit commits the transaction.
	Commit() error
	// Rollback rolls back the transaction.
	Rollback() error

	// Runs returns the run repository within this transaction.
	Runs() RunRepository
	// Images returns the image repository within this transaction.
	Images() ImageRepository
}

// Store is the entry point for database access.
type Store interface {
	// Begin starts a new UnitOfWork (transaction).
	Begin(ctx context.Context) (UnitOfWork, error)
	// Close closes the store connection.
	Close() error
}

// RunRepository handles extraction run persistence.
type RunRepository interface {
	Save(ctx context.Context, run *model.RunModel) error
	FindByRunID(ctx context.Context, runID string) (*model.RunModel, error)
	ListRecent(ctx context.Context, limit int) ([]model.RunModel, error)
	UpdateStatus(ctx context.Context, runID, status string) error
}

// ImageRepository handles run input image metadata.
type ImageRepository interface {
	Save(ctx context.Context, img *model.ImageModel) error
	ListByRun(ctx context.Context, runID string) ([]model.ImageModel, error)
}
