package repository

import (
	"context"
	"gzctf_core/internal/model"
	"gzctf_core/internal/util"

	"gorm.io/gorm"
)

type InstanceRepository struct {
	DB *gorm.DB
}

func NewInstanceRepository(db *gorm.DB) *InstanceRepository {
	return &InstanceRepository{DB: db}
}

func (r *InstanceRepository) Find(ctx context.Context, participationID, challengeID uint) (*model.Instance, error) {
	var inst model.Instance
	err := r.DB.WithContext(ctx).
		Preload("Container").
		Where("participation_id = ? AND challenge_id = ?", participationID, challengeID).
		First(&inst).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &inst, nil
}

func (r *InstanceRepository) FirstOrCreate(ctx context.Context, inst *model.Instance) (*model.Instance, error) {
	var out model.Instance
	err := r.DB.WithContext(ctx).
		Where(model.Instance{ParticipationID: inst.ParticipationID, ChallengeID: inst.ChallengeID}).
		Attrs(model.Instance{Flag: inst.Flag}).
		FirstOrCreate(&out).Error
	if err != nil {
		// 唯一索引冲突说明另一个请求已经创建
		if existing, ferr := r.Find(ctx, inst.ParticipationID, inst.ChallengeID); ferr == nil {
			return existing, nil
		}
		return nil, err
	}
	return r.Find(ctx, inst.ParticipationID, inst.ChallengeID)
}

func (r *InstanceRepository) FindByFlag(ctx context.Context, challengeID uint, flag string, excludeParticipationID uint) (*model.Instance, error) {
	var candidates []model.Instance
	err := r.DB.WithContext(ctx).
		Where("challenge_id = ? AND flag = ? AND participation_id <> ?", challengeID, flag, excludeParticipationID).
		Find(&candidates).Error
	if err != nil {
		return nil, err
	}
	// 排序规则可能忽略大小写，这里做精确匹配
	for i := range candidates {
		if candidates[i].Flag == flag {
			return &candidates[i], nil
		}
	}
	return nil, util.ErrNotFound
}
