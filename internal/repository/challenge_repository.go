package repository

import (
	"context"
	"crypto/subtle"
	"gzctf_core/internal/model"

	"gorm.io/gorm"
)

type ChallengeRepository struct {
	DB *gorm.DB
}

func NewChallengeRepository(db *gorm.DB) *ChallengeRepository {
	return &ChallengeRepository{DB: db}
}

// Create 同时写入 StaticFlags
func (r *ChallengeRepository) Create(ctx context.Context, c *model.Challenge) error {
	return r.DB.WithContext(ctx).Create(c).Error
}

func (r *ChallengeRepository) FindByID(ctx context.Context, id uint) (*model.Challenge, error) {
	var c model.Challenge
	if err := r.DB.WithContext(ctx).Preload("StaticFlags").First(&c, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

func (r *ChallengeRepository) ListEnabledByGame(ctx context.Context, gameID uint) ([]model.Challenge, error) {
	var challenges []model.Challenge
	err := r.DB.WithContext(ctx).
		Where("game_id = ? AND is_enabled = ?", gameID, true).
		Order("id").
		Find(&challenges).Error
	return challenges, err
}

func (r *ChallengeRepository) SetEnabled(ctx context.Context, id uint, enabled bool) error {
	return r.DB.WithContext(ctx).Model(&model.Challenge{}).Where("id = ?", id).Update("is_enabled", enabled).Error
}

func (r *ChallengeRepository) UpdateScoreParams(ctx context.Context, id uint, originalScore int, minScoreRate, difficulty float64) error {
	return r.DB.WithContext(ctx).Model(&model.Challenge{}).Where("id = ?", id).Updates(map[string]interface{}{
		"original_score": originalScore,
		"min_score_rate": minScoreRate,
		"difficulty":     difficulty,
	}).Error
}

// HasFlag 在应用层逐字节比较，避免数据库排序规则忽略大小写
func (r *ChallengeRepository) HasFlag(ctx context.Context, challengeID uint, flag string) (bool, error) {
	var flags []model.StaticFlag
	if err := r.DB.WithContext(ctx).Where("challenge_id = ?", challengeID).Find(&flags).Error; err != nil {
		return false, err
	}
	found := false
	for _, f := range flags {
		if subtle.ConstantTimeCompare([]byte(f.Flag), []byte(flag)) == 1 {
			found = true
		}
	}
	return found, nil
}
