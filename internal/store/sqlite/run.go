package sqlite

import (
	"context"
	"errors"
	"time"

	"dtex/internal/store/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// runRepository implements the RunRepository interface.
type runRepository struct {
	db *gorm.DB
}

// NewRunRepo creates a new runRepository.
func NewRunRepo(db *gorm.DB) *runRepository {
	return &runRepository{db: db}
}

// Save saves or updates a run keyed by run_id.
func (r *runRepository) Save(ctx context.Context, run *model.RunModel) error {
	if run == nil {
		return errors.New("run cannot be nil")
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "run_id"}},
		UpdateAll: true,
	}).Save(run).Error
}

// FindByRunID finds a run by its external run_id. Missing run returns (nil, nil).
func (r *runRepository) FindByRunID(ctx context.Context, runID string) (*model.RunModel, error) {
	var run model.RunModel
	err := r.db.WithContext(ctx).Where("run_id = ?", runID).First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// ListRecent lists recent runs, newest first.
func (r *runRepository) ListRecent(ctx context.Context, limit int) ([]model.RunModel, error) {
	var runs []model.RunModel
	if limit <= 0 {
		limit = 100
	}
	if err := r.db.WithContext(ctx).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&runs).Error; err != nil {
		return nil, err
	}
	return runs, nil
}

// UpdateStatus updates only the status column of a run.
func (r *runRepository) UpdateStatus(ctx context.Context, runID, status string) error {
	return r.db.WithContext(ctx).
		Model(&model.RunModel{}).
		Where("run_id = ?", runID).
		Updates(map[string]any{
			"status":     status,
			"updated_at": time.Now().Unix(),
		}).Error
}
