package repository

import (
	"context"
	"gzctf_core/internal/model"

	"gorm.io/gorm"
)

type ParticipationRepository struct {
	DB *gorm.DB
}

func NewParticipationRepository(db *gorm.DB) *ParticipationRepository {
	return &ParticipationRepository{DB: db}
}

func (r *ParticipationRepository) FindByID(ctx context.Context, id uint) (*model.Participation, error) {
	var p model.Participation
	if err := r.DB.WithContext(ctx).First(&p, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (r *ParticipationRepository) ListAcceptedByGame(ctx context.Context, gameID uint) ([]model.Participation, error) {
	var parts []model.Participation
	err := r.DB.WithContext(ctx).
		Where("game_id = ? AND status = ?", gameID, model.ParticipationAccepted).
		Order("id").
		Find(&parts).Error
	return parts, err
}
