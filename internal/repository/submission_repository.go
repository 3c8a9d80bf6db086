package repository

import (
	"context"
	"gzctf_core/internal/model"
	"gzctf_core/internal/util"

	"gorm.io/gorm"
)

type SubmissionRepository struct {
	DB *gorm.DB
}

func NewSubmissionRepository(db *gorm.DB) *SubmissionRepository {
	return &SubmissionRepository{DB: db}
}

func (r *SubmissionRepository) Create(ctx context.Context, s *model.Submission) error {
	return r.DB.WithContext(ctx).Create(s).Error
}

func (r *SubmissionRepository) FindByID(ctx context.Context, id uint) (*model.Submission, error) {
	var s model.Submission
	if err := r.DB.WithContext(ctx).First(&s, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &s, nil
}

func (r *SubmissionRepository) ListPending(ctx context.Context) ([]model.Submission, error) {
	var subs []model.Submission
	err := r.DB.WithContext(ctx).
		Where("status = ?", model.SubmissionPending).
		Order("id").
		Find(&subs).Error
	return subs, err
}

func (r *SubmissionRepository) Resolve(ctx context.Context, id uint, v model.Verdict) (model.SubmissionStatus, error) {
	status := v.Status
	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if status == model.SubmissionAccepted {
			res := tx.Model(&model.Instance{}).
				Where("id = ? AND is_solved = ?", v.InstanceID, false).
				Update("is_solved", true)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				// 已经解出过，保留记录但不再计分
				status = model.SubmissionExpired
			} else if err := tx.Model(&model.Challenge{}).
				Where("id = ?", v.ChallengeID).
				UpdateColumn("accepted_count", gorm.Expr("accepted_count + ?", 1)).Error; err != nil {
				return err
			}
		}

		res := tx.Model(&model.Submission{}).
			Where("id = ? AND status = ?", id, model.SubmissionPending).
			Update("status", status)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return util.ErrAlreadyResolved
		}

		if status == model.SubmissionCheat && v.Cheat != nil {
			return tx.Create(v.Cheat).Error
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return status, nil
}

func (r *SubmissionRepository) ListAcceptedByGame(ctx context.Context, gameID uint) ([]model.Submission, error) {
	var subs []model.Submission
	err := r.DB.WithContext(ctx).
		Where("game_id = ? AND status = ?", gameID, model.SubmissionAccepted).
		Order("submit_time ASC, id ASC").
		Find(&subs).Error
	return subs, err
}
