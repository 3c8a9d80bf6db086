package service

import (
	"context"
	"errors"
	"fmt"
	"gzctf_core/internal/config"
	"gzctf_core/internal/container"
	"gzctf_core/internal/model"
	"gzctf_core/internal/util"
	"gzctf_core/pkg/logger"
	"gzctf_core/pkg/monitoring"
	"gzctf_core/pkg/tracing"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// InstanceService 管理实例与容器的生命周期，同一实例上的状态迁移由 keyed mutex 串行化
type InstanceService struct {
	games          GameStore
	challenges     ChallengeStore
	participations ParticipationStore
	instances      InstanceStore
	containers     ContainerStore
	provider       container.Provider
	flags          *FlagService
	policies       *config.PolicyStore
	notifier       Notifier
	cfg            config.ContainerConfig
	locks          *util.KeyedMutex
	now            func() time.Time
}

func NewInstanceService(
	games GameStore,
	challenges ChallengeStore,
	participations ParticipationStore,
	instances InstanceStore,
	containers ContainerStore,
	provider container.Provider,
	flags *FlagService,
	policies *config.PolicyStore,
	notifier Notifier,
	cfg config.ContainerConfig,
) *InstanceService {
	return &InstanceService{
		games:          games,
		challenges:     challenges,
		participations: participations,
		instances:      instances,
		containers:     containers,
		provider:       provider,
		flags:          flags,
		policies:       policies,
		notifier:       notifier,
		cfg:            cfg,
		locks:          util.NewKeyedMutex(),
		now:            time.Now,
	}
}

func instanceKey(participationID, challengeID uint) string {
	return strconv.FormatUint(uint64(participationID), 10) + ":" + strconv.FormatUint(uint64(challengeID), 10)
}

// RequestInstance 获取或创建实例；容器题目在没有存活容器时启动一个，已有则原样返回
func (s *InstanceService) RequestInstance(ctx context.Context, participationID, challengeID uint) (*model.Instance, error) {
	ctx, span := tracing.Tracer.Start(ctx, "instance.Request", trace.WithAttributes(
		attribute.Int64("participation.id", int64(participationID)),
		attribute.Int64("challenge.id", int64(challengeID)),
	))
	defer span.End()

	part, err := s.participations.FindByID(ctx, participationID)
	if err != nil {
		return nil, err
	}
	if part.Status != model.ParticipationAccepted {
		return nil, util.ErrParticipationNotAccepted
	}
	game, err := s.games.FindByID(ctx, part.GameID)
	if err != nil {
		return nil, err
	}
	if !game.IsActive(s.now()) {
		return nil, util.ErrGameNotRunning
	}
	chal, err := s.challenges.FindByID(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	if !chal.IsEnabled || chal.GameID != part.GameID {
		return nil, util.ErrChallengeNotAvailable
	}

	unlock := s.locks.Lock(instanceKey(participationID, challengeID))
	defer unlock()

	inst, err := s.ensureInstance(ctx, part, game, chal)
	if err != nil {
		return nil, err
	}
	if !chal.Type.IsContainer() {
		return inst, nil
	}
	if inst.Container != nil {
		if inst.Container.IsLive() {
			monitoring.InstanceCounter.WithLabelValues("request", "existing").Inc()
			return inst, nil
		}
		if inst.Container.Status == model.ContainerDestroying {
			// 旧容器还在销毁，同名的新容器会与之冲突
			return nil, util.ErrStateConflict
		}
	}

	c, err := s.startContainer(ctx, part, game, chal, inst)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	inst.ContainerID = &c.ID
	inst.Container = c
	return inst, nil
}

func (s *InstanceService) ensureInstance(ctx context.Context, part *model.Participation, game *model.Game, chal *model.Challenge) (*model.Instance, error) {
	inst, err := s.instances.Find(ctx, part.ID, chal.ID)
	if err == nil {
		return inst, nil
	}
	if !errors.Is(err, util.ErrNotFound) {
		return nil, err
	}

	inst = &model.Instance{ParticipationID: part.ID, ChallengeID: chal.ID}
	if chal.Type.IsDynamic() {
		inst.Flag = s.flags.Generate(chal.FlagTemplate, game.TeamHashSalt, part.Token, chal.ID)
	}
	return s.instances.FirstOrCreate(ctx, inst)
}

func (s *InstanceService) startContainer(ctx context.Context, part *model.Participation, game *model.Game, chal *model.Challenge, inst *model.Instance) (*model.Container, error) {
	policy := s.policies.Policy(game.ID)

	seed := inst.Flag
	if seed == "" {
		seed = instanceKey(part.ID, chal.ID)
	}
	c := &model.Container{
		InstanceID:      inst.ID,
		ChallengeID:     chal.ID,
		ParticipationID: part.ID,
		GameID:          game.ID,
		Name:            container.NameFor(chal.ContainerImage, seed),
		Image:           chal.ContainerImage,
	}
	if err := s.containers.Reserve(ctx, c, policy.ContainerCountLimit); err != nil {
		if errors.Is(err, util.ErrConcurrencyLimitExceeded) {
			monitoring.InstanceCounter.WithLabelValues("request", "limited").Inc()
			return nil, err
		}
		return nil, fmt.Errorf("reserve container: %w", err)
	}

	spec := container.Spec{
		Name:         c.Name,
		Image:        chal.ContainerImage,
		ExposePort:   chal.ExposePort,
		CPUCount:     chal.CPUCount,
		MemoryLimit:  chal.MemoryLimit,
		StorageLimit: chal.StorageLimit,
		Labels: map[string]string{
			"gzctf.game":          strconv.FormatUint(uint64(game.ID), 10),
			"gzctf.participation": strconv.FormatUint(uint64(part.ID), 10),
			"gzctf.challenge":     strconv.FormatUint(uint64(chal.ID), 10),
		},
	}
	if inst.Flag != "" {
		spec.Env = map[string]string{util.FlagEnvName: inst.Flag}
	}

	createCtx, cancel := context.WithTimeout(ctx, s.cfg.CreateTimeout)
	defer cancel()

	rec, err := s.provider.Create(createCtx, spec)
	if err != nil {
		monitoring.InstanceCounter.WithLabelValues("request", "failed").Inc()
		if createCtx.Err() != nil {
			// 后端状态未知，保留 Pending 交给 reaper 核对
			logger.Log.Warn("Container create timed out, left for reaper",
				zap.Uint("containerID", c.ID), zap.String("name", c.Name), zap.Error(err))
			return nil, err
		}
		s.discardReservation(ctx, c)
		logger.Log.Error("Failed to create container",
			zap.Uint("participationID", part.ID), zap.Uint("challengeID", chal.ID), zap.Error(err))
		return nil, err
	}
	if rec.Status == model.ContainerDestroying || rec.Status == model.ContainerDestroyed {
		monitoring.InstanceCounter.WithLabelValues("request", "failed").Inc()
		s.discardReservation(ctx, c)
		logger.Log.Warn("Backend returned a workload that is going away",
			zap.Uint("containerID", c.ID), zap.String("name", c.Name), zap.String("status", string(rec.Status)))
		return nil, util.NewProvisionError(s.provider.Name(), "create", fmt.Errorf("workload %s is %s", rec.Name, rec.Status))
	}

	now := s.now()
	applyRecord(c, rec)
	c.StartedAt = now
	c.ExpectStopAt = capStopAt(now.Add(policy.DefaultLifetime), now, policy, game)
	if err := s.containers.MarkRunning(ctx, c); err != nil {
		return nil, fmt.Errorf("mark container running: %w", err)
	}

	monitoring.InstanceCounter.WithLabelValues("request", "created").Inc()
	logger.Log.Info("Container started",
		zap.Uint("containerID", c.ID),
		zap.String("name", c.Name),
		zap.Uint("participationID", part.ID),
		zap.Uint("challengeID", chal.ID))
	s.notifier.Publish(ctx, model.GameEvent{
		Type:            model.EventInstanceStarted,
		GameID:          game.ID,
		ParticipationID: part.ID,
		ChallengeID:     chal.ID,
		Time:            now,
	})
	return c, nil
}

// discardReservation 创建明确失败后清理可能残留的后端资源，再释放预留
func (s *InstanceService) discardReservation(ctx context.Context, c *model.Container) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.DestroyTimeout)
	defer cancel()
	if err := s.provider.Destroy(cleanupCtx, c.Name); err != nil {
		logger.Log.Warn("Failed to clean up after create failure", zap.String("name", c.Name), zap.Error(err))
		return
	}
	if err := s.containers.Release(cleanupCtx, c); err != nil {
		logger.Log.Error("Failed to release container reservation", zap.Uint("containerID", c.ID), zap.Error(err))
	}
}

func applyRecord(c *model.Container, rec *container.Record) {
	c.ProviderID = rec.ID
	c.IP = rec.IP
	c.Port = rec.Port
	c.PublicHost = rec.PublicHost
	c.PublicPort = rec.PublicPort
	c.IsProxy = rec.IsProxy
}

// capStopAt 结束时间不超过 startedAt+MaxLifetime，也不超过比赛结束时间
func capStopAt(want, startedAt time.Time, policy config.GamePolicy, game *model.Game) time.Time {
	limit := startedAt.Add(policy.MaxLifetime)
	if game != nil && game.EndTime.Before(limit) {
		limit = game.EndTime
	}
	if want.After(limit) {
		return limit
	}
	return want
}

// Prolong 延长容器运行时间，已达上限时不做任何修改
func (s *InstanceService) Prolong(ctx context.Context, participationID, challengeID uint) (*model.Container, error) {
	unlock := s.locks.Lock(instanceKey(participationID, challengeID))
	defer unlock()

	inst, err := s.instances.Find(ctx, participationID, challengeID)
	if err != nil {
		return nil, err
	}
	c := inst.Container
	if c == nil || c.Status != model.ContainerRunning {
		logger.Log.Warn("Prolong on non-running instance ignored",
			zap.Uint("participationID", participationID), zap.Uint("challengeID", challengeID))
		return nil, util.ErrStateConflict
	}

	game, err := s.games.FindByID(ctx, c.GameID)
	if err != nil {
		return nil, err
	}
	policy := s.policies.Policy(c.GameID)
	next := capStopAt(c.ExpectStopAt.Add(policy.ExtensionDuration), c.StartedAt, policy, game)
	if !next.After(c.ExpectStopAt) {
		return c, nil
	}

	ok, err := s.containers.ExtendExpectStop(ctx, c.ID, next)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, util.ErrStateConflict
	}
	c.ExpectStopAt = next
	monitoring.InstanceCounter.WithLabelValues("prolong", "ok").Inc()
	return c, nil
}

// Destroy 用户主动销毁，实例没有容器或容器已在销毁时为空操作
func (s *InstanceService) Destroy(ctx context.Context, participationID, challengeID uint) error {
	unlock := s.locks.Lock(instanceKey(participationID, challengeID))
	defer unlock()

	inst, err := s.instances.Find(ctx, participationID, challengeID)
	if err != nil {
		return err
	}
	if inst.ContainerID == nil {
		return nil
	}
	return s.destroyLocked(ctx, *inst.ContainerID, false)
}

// DestroyContainer force 为 true 时会重试处于 Destroying 的容器
func (s *InstanceService) DestroyContainer(ctx context.Context, containerID uint, force bool) error {
	c, err := s.containers.FindByID(ctx, containerID)
	if err != nil {
		return err
	}
	unlock := s.locks.Lock(instanceKey(c.ParticipationID, c.ChallengeID))
	defer unlock()
	return s.destroyLocked(ctx, containerID, force)
}

// Expire 加锁后重新检查到期时间，与延长操作不会同时生效
func (s *InstanceService) Expire(ctx context.Context, containerID uint) error {
	c, err := s.containers.FindByID(ctx, containerID)
	if err != nil {
		return err
	}
	unlock := s.locks.Lock(instanceKey(c.ParticipationID, c.ChallengeID))
	defer unlock()

	c, err = s.containers.FindByID(ctx, containerID)
	if err != nil {
		return err
	}
	if c.Status != model.ContainerRunning || !c.ExpectStopAt.Before(s.now()) {
		return nil
	}
	return s.destroyLocked(ctx, containerID, false)
}

func (s *InstanceService) destroyLocked(ctx context.Context, containerID uint, force bool) error {
	ctx, span := tracing.Tracer.Start(ctx, "instance.Destroy", trace.WithAttributes(attribute.Int64("container.id", int64(containerID))))
	defer span.End()

	c, err := s.containers.FindByID(ctx, containerID)
	if err != nil {
		if errors.Is(err, util.ErrNotFound) {
			return nil
		}
		return err
	}

	switch c.Status {
	case model.ContainerDestroyed:
		return nil
	case model.ContainerDestroying:
		if !force {
			return nil
		}
	default:
		ok, err := s.containers.Transition(ctx, c.ID, c.Status, model.ContainerDestroying)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}

	target := c.ProviderID
	if target == "" {
		target = c.Name
	}
	destroyCtx, cancel := context.WithTimeout(ctx, s.cfg.DestroyTimeout)
	defer cancel()
	if err := s.provider.Destroy(destroyCtx, target); err != nil && !errors.Is(err, util.ErrNotFound) {
		monitoring.InstanceCounter.WithLabelValues("destroy", "failed").Inc()
		span.RecordError(err)
		logger.Log.Warn("Failed to destroy container, left for reaper",
			zap.Uint("containerID", c.ID), zap.String("target", target), zap.Error(err))
		return err
	}

	if err := s.containers.MarkDestroyed(ctx, c); err != nil {
		return err
	}
	monitoring.InstanceCounter.WithLabelValues("destroy", "ok").Inc()
	logger.Log.Info("Container destroyed", zap.Uint("containerID", c.ID), zap.String("name", c.Name))
	s.notifier.Publish(ctx, model.GameEvent{
		Type:            model.EventInstanceStopped,
		GameID:          c.GameID,
		ParticipationID: c.ParticipationID,
		ChallengeID:     c.ChallengeID,
		Time:            s.now(),
	})
	return nil
}

// ReconcilePending 核对超时未完成的创建：后端不存在则释放预留，存在则接管为 Running
func (s *InstanceService) ReconcilePending(ctx context.Context, containerID uint) error {
	c, err := s.containers.FindByID(ctx, containerID)
	if err != nil {
		return err
	}
	unlock := s.locks.Lock(instanceKey(c.ParticipationID, c.ChallengeID))
	defer unlock()

	c, err = s.containers.FindByID(ctx, containerID)
	if err != nil {
		return err
	}
	if c.Status != model.ContainerPending {
		return nil
	}

	inspectCtx, cancel := context.WithTimeout(ctx, s.cfg.DestroyTimeout)
	defer cancel()
	rec, err := s.provider.Inspect(inspectCtx, c.Name)
	if errors.Is(err, util.ErrNotFound) {
		logger.Log.Info("Releasing orphaned container reservation", zap.Uint("containerID", c.ID))
		return s.containers.Release(ctx, c)
	}
	if err != nil {
		return err
	}

	if rec.Status == model.ContainerDestroyed || rec.Status == model.ContainerDestroying {
		return s.destroyLocked(ctx, c.ID, false)
	}

	game, err := s.games.FindByID(ctx, c.GameID)
	if err != nil {
		return err
	}
	policy := s.policies.Policy(c.GameID)
	now := s.now()
	applyRecord(c, rec)
	c.StartedAt = now
	c.ExpectStopAt = capStopAt(now.Add(policy.DefaultLifetime), now, policy, game)
	if err := s.containers.MarkRunning(ctx, c); err != nil {
		return err
	}
	logger.Log.Info("Adopted container after create timeout", zap.Uint("containerID", c.ID), zap.String("providerID", c.ProviderID))
	return nil
}

// DestroyGameInstances 比赛结束时销毁该比赛的所有容器
func (s *InstanceService) DestroyGameInstances(ctx context.Context, gameID uint) error {
	containers, err := s.containers.ListUndestroyedByGame(ctx, gameID)
	if err != nil {
		return err
	}

	var errs error
	for _, c := range containers {
		// Pending 由 reaper 核对，接管后的结束时间已被截断到比赛结束，下一轮即过期
		if c.Status == model.ContainerPending {
			continue
		}
		errs = multierr.Append(errs, s.DestroyContainer(ctx, c.ID, true))
	}
	if errs == nil {
		logger.Log.Info("Game containers destroyed", zap.Uint("gameID", gameID), zap.Int("count", len(containers)))
	}
	return errs
}
