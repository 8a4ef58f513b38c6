package sqlite

import (
	"context"
	"errors"
	"time"

	"dtex/internal/store/model"

	"gorm.io/gorm"
)

// imageRepository implements the ImageRepository interface.
type imageRepository struct {
	db *gorm.DB
}

// NewImageRepo creates a new imageRepository.
func NewImageRepo(db *gorm.DB) *imageRepository {
	return &imageRepository{db: db}
}

func (r *imageRepository) Save(ctx context.Context, img *model.ImageModel) error {
	if img == nil {
		return errors.New("image cannot be nil")
	}
	if img.CreatedAtUnix == 0 {
		img.CreatedAtUnix = time.Now().Unix()
	}
	return r.db.WithContext(ctx).Save(img).Error
}

func (r *imageRepository) ListByRun(ctx context.Context, runID string) ([]model.ImageModel, error) {
	var images []model.ImageModel
	if err := r.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("id ASC").
		Find(&images).Error; err != nil {
		return nil, err
	}
	return images, nil
}
