package repository

import (
	"context"
	"gzctf_core/internal/model"
	"gzctf_core/internal/util"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ContainerRepository struct {
	DB *gorm.DB
}

func NewContainerRepository(db *gorm.DB) *ContainerRepository {
	return &ContainerRepository{DB: db}
}

func (r *ContainerRepository) Reserve(ctx context.Context, c *model.Container, limit int) error {
	return r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 锁住参与记录，同一队伍的预留串行执行
		var p model.Participation
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&p, c.ParticipationID).Error; err != nil {
			return notFound(err)
		}

		var own int64
		if err := tx.Model(&model.Container{}).
			Where("instance_id = ? AND status IN ?", c.InstanceID, model.OccupyingContainerStatuses).
			Count(&own).Error; err != nil {
			return err
		}
		if own > 0 {
			return util.ErrStateConflict
		}

		var live int64
		if err := tx.Model(&model.Container{}).
			Where("participation_id = ? AND status IN ?", c.ParticipationID, model.OccupyingContainerStatuses).
			Count(&live).Error; err != nil {
			return err
		}
		if limit > 0 && live >= int64(limit) {
			return util.ErrConcurrencyLimitExceeded
		}

		c.Status = model.ContainerPending
		if err := tx.Create(c).Error; err != nil {
			return err
		}
		return tx.Model(&model.Instance{}).Where("id = ?", c.InstanceID).Update("container_id", c.ID).Error
	})
}

func (r *ContainerRepository) Release(ctx context.Context, c *model.Container) error {
	return r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ? AND status = ?", c.ID, model.ContainerPending).Delete(&model.Container{}).Error; err != nil {
			return err
		}
		return tx.Model(&model.Instance{}).Where("container_id = ?", c.ID).Update("container_id", nil).Error
	})
}

func (r *ContainerRepository) FindByID(ctx context.Context, id uint) (*model.Container, error) {
	var c model.Container
	if err := r.DB.WithContext(ctx).First(&c, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

func (r *ContainerRepository) MarkRunning(ctx context.Context, c *model.Container) error {
	res := r.DB.WithContext(ctx).Model(&model.Container{}).
		Where("id = ? AND status = ?", c.ID, model.ContainerPending).
		Updates(map[string]interface{}{
			"status":         model.ContainerRunning,
			"provider_id":    c.ProviderID,
			"ip":             c.IP,
			"port":           c.Port,
			"public_host":    c.PublicHost,
			"public_port":    c.PublicPort,
			"is_proxy":       c.IsProxy,
			"started_at":     c.StartedAt,
			"expect_stop_at": c.ExpectStopAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return util.ErrStateConflict
	}
	c.Status = model.ContainerRunning
	return nil
}

func (r *ContainerRepository) Transition(ctx context.Context, id uint, from, to model.ContainerStatus) (bool, error) {
	res := r.DB.WithContext(ctx).Model(&model.Container{}).
		Where("id = ? AND status = ?", id, from).
		Update("status", to)
	return res.RowsAffected > 0, res.Error
}

func (r *ContainerRepository) ExtendExpectStop(ctx context.Context, id uint, expectStopAt time.Time) (bool, error) {
	res := r.DB.WithContext(ctx).Model(&model.Container{}).
		Where("id = ? AND status = ?", id, model.ContainerRunning).
		Update("expect_stop_at", expectStopAt)
	return res.RowsAffected > 0, res.Error
}

func (r *ContainerRepository) MarkDestroyed(ctx context.Context, c *model.Container) error {
	return r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&model.Container{}).Where("id = ?", c.ID).Update("status", model.ContainerDestroyed).Error; err != nil {
			return err
		}
		c.Status = model.ContainerDestroyed
		return tx.Model(&model.Instance{}).Where("container_id = ?", c.ID).Update("container_id", nil).Error
	})
}

func (r *ContainerRepository) ListExpired(ctx context.Context, now time.Time) ([]model.Container, error) {
	var containers []model.Container
	err := r.DB.WithContext(ctx).
		Where("status = ? AND expect_stop_at < ?", model.ContainerRunning, now).
		Order("expect_stop_at").
		Find(&containers).Error
	return containers, err
}

func (r *ContainerRepository) ListStale(ctx context.Context, status model.ContainerStatus, updatedBefore time.Time) ([]model.Container, error) {
	var containers []model.Container
	err := r.DB.WithContext(ctx).
		Where("status = ? AND updated_at < ?", status, updatedBefore).
		Order("id").
		Find(&containers).Error
	return containers, err
}

func (r *ContainerRepository) ListUndestroyedByGame(ctx context.Context, gameID uint) ([]model.Container, error) {
	var containers []model.Container
	err := r.DB.WithContext(ctx).
		Where("game_id = ? AND status <> ?", gameID, model.ContainerDestroyed).
		Order("id").
		Find(&containers).Error
	return containers, err
}
