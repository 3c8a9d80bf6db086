package service

import (
	"context"
	"gzctf_core/internal/model"
	"time"
)

// 以下接口由 repository 包中的 gorm 实现满足，查询不到记录时返回 util.ErrNotFound

type GameStore interface {
	FindByID(ctx context.Context, id uint) (*model.Game, error)
	ListEndedUnfinalized(ctx context.Context, now time.Time) ([]model.Game, error)
	MarkFinalized(ctx context.Context, id uint, at time.Time) error
}

type ChallengeStore interface {
	Create(ctx context.Context, c *model.Challenge) error
	FindByID(ctx context.Context, id uint) (*model.Challenge, error)
	ListEnabledByGame(ctx context.Context, gameID uint) ([]model.Challenge, error)
	SetEnabled(ctx context.Context, id uint, enabled bool) error
	UpdateScoreParams(ctx context.Context, id uint, originalScore int, minScoreRate, difficulty float64) error
	HasFlag(ctx context.Context, challengeID uint, flag string) (bool, error)
}

type ParticipationStore interface {
	FindByID(ctx context.Context, id uint) (*model.Participation, error)
	ListAcceptedByGame(ctx context.Context, gameID uint) ([]model.Participation, error)
}

type InstanceStore interface {
	// Find 预加载 Container
	Find(ctx context.Context, participationID, challengeID uint) (*model.Instance, error)
	// FirstOrCreate 并发创建同一对实例时只会保留一行
	FirstOrCreate(ctx context.Context, inst *model.Instance) (*model.Instance, error)
	// FindByFlag 在同一题目下查找持有该 flag 的其他队伍实例
	FindByFlag(ctx context.Context, challengeID uint, flag string, excludeParticipationID uint) (*model.Instance, error)
}

type ContainerStore interface {
	// Reserve 在参与记录行锁下统计存活容器并插入 Pending 预留，超限返回 util.ErrConcurrencyLimitExceeded
	Reserve(ctx context.Context, c *model.Container, limit int) error
	// Release 删除 Pending 预留并解除实例关联
	Release(ctx context.Context, c *model.Container) error
	FindByID(ctx context.Context, id uint) (*model.Container, error)
	// MarkRunning 仅当容器仍为 Pending 时写入后端返回的信息
	MarkRunning(ctx context.Context, c *model.Container) error
	// Transition 条件状态迁移，返回是否成功
	Transition(ctx context.Context, id uint, from, to model.ContainerStatus) (bool, error)
	// ExtendExpectStop 仅当容器仍为 Running 时更新
	ExtendExpectStop(ctx context.Context, id uint, expectStopAt time.Time) (bool, error)
	// MarkDestroyed 标记销毁并解除实例关联
	MarkDestroyed(ctx context.Context, c *model.Container) error
	ListExpired(ctx context.Context, now time.Time) ([]model.Container, error)
	ListStale(ctx context.Context, status model.ContainerStatus, updatedBefore time.Time) ([]model.Container, error)
	ListUndestroyedByGame(ctx context.Context, gameID uint) ([]model.Container, error)
}

type SubmissionStore interface {
	Create(ctx context.Context, s *model.Submission) error
	FindByID(ctx context.Context, id uint) (*model.Submission, error)
	ListPending(ctx context.Context) ([]model.Submission, error)
	// Resolve 在一个事务内完成提交状态迁移、解题标记和作弊记录，返回最终落库的状态
	Resolve(ctx context.Context, id uint, v model.Verdict) (model.SubmissionStatus, error)
	// ListAcceptedByGame 按提交时间升序
	ListAcceptedByGame(ctx context.Context, gameID uint) ([]model.Submission, error)
}
