package repository

import (
	"context"
	"gzctf_core/internal/model"
	"time"

	"gorm.io/gorm"
)

type GameRepository struct {
	DB *gorm.DB
}

func NewGameRepository(db *gorm.DB) *GameRepository {
	return &GameRepository{DB: db}
}

func (r *GameRepository) FindByID(ctx context.Context, id uint) (*model.Game, error) {
	var g model.Game
	if err := r.DB.WithContext(ctx).First(&g, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &g, nil
}

func (r *GameRepository) ListEndedUnfinalized(ctx context.Context, now time.Time) ([]model.Game, error) {
	var games []model.Game
	err := r.DB.WithContext(ctx).
		Where("end_time <= ? AND finalized_at IS NULL", now).
		Order("id").
		Find(&games).Error
	return games, err
}

func (r *GameRepository) MarkFinalized(ctx context.Context, id uint, at time.Time) error {
	return r.DB.WithContext(ctx).Model(&model.Game{}).Where("id = ?", id).Update("finalized_at", at).Error
}
