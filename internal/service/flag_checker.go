package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"gzctf_core/internal/config"
	"gzctf_core/internal/model"
	"gzctf_core/internal/util"
	"gzctf_core/pkg/logger"
	"gzctf_core/pkg/monitoring"
	"gzctf_core/pkg/security"
	"gzctf_core/pkg/tracing"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/util/retry"
)

// ScoreboardInvalidator 判题结果影响排行榜时通知重算
type ScoreboardInvalidator interface {
	Invalidate(gameID uint) uint64
}

// FlagChecker 判题队列：入队时落库为 Pending，由固定数量的 worker 消费
type FlagChecker struct {
	games          GameStore
	participations ParticipationStore
	challenges     ChallengeStore
	instances      InstanceStore
	submissions    SubmissionStore
	scoreboard     ScoreboardInvalidator
	notifier       Notifier
	cfg            config.CheckerConfig

	queue chan uint
	// slots 限制已入队但尚未处理完的提交数量
	slots chan struct{}
	locks *util.KeyedMutex

	// limiter 为 nil 表示不限制提交频率
	limiter *security.Limiter
	// backoff 控制读写提交记录失败时的重试次数
	backoff wait.Backoff

	now func() time.Time
	wg  sync.WaitGroup
}

func NewFlagChecker(
	games GameStore,
	participations ParticipationStore,
	challenges ChallengeStore,
	instances InstanceStore,
	submissions SubmissionStore,
	scoreboard ScoreboardInvalidator,
	notifier Notifier,
	cfg config.CheckerConfig,
) *FlagChecker {
	c := &FlagChecker{
		games:          games,
		participations: participations,
		challenges:     challenges,
		instances:      instances,
		submissions:    submissions,
		scoreboard:     scoreboard,
		notifier:       notifier,
		cfg:            cfg,
		queue:          make(chan uint, cfg.QueueSize),
		slots:          make(chan struct{}, cfg.QueueSize),
		locks:          util.NewKeyedMutex(),
		backoff: wait.Backoff{
			Steps:    5,
			Duration: 50 * time.Millisecond,
			Factor:   2.0,
			Jitter:   0.1,
		},
		now: time.Now,
	}
	if cfg.SubmitRate > 0 {
		c.limiter = security.NewLimiter(rate.Limit(cfg.SubmitRate), cfg.SubmitBurst, 10*time.Minute)
	}
	return c
}

// Enqueue 队列已满时立即返回 util.ErrQueueFull，不会阻塞调用方
func (c *FlagChecker) Enqueue(ctx context.Context, sub *model.Submission) error {
	if !c.allow(sub.ParticipationID) {
		return util.ErrSubmitTooFrequent
	}

	select {
	case c.slots <- struct{}{}:
	default:
		logger.Log.Warn("Submission queue full", zap.Uint("participationID", sub.ParticipationID))
		return util.ErrQueueFull
	}

	sub.Status = model.SubmissionPending
	if sub.SubmitTime.IsZero() {
		sub.SubmitTime = c.now()
	}
	if err := c.submissions.Create(ctx, sub); err != nil {
		<-c.slots
		return err
	}

	c.queue <- sub.ID
	monitoring.CheckerQueueDepth.Inc()
	return nil
}

func (c *FlagChecker) allow(participationID uint) bool {
	if c.limiter == nil {
		return true
	}
	return c.limiter.Allow(strconv.FormatUint(uint64(participationID), 10))
}

// Start 启动 worker，并把上次退出时残留的 Pending 提交重新入队
func (c *FlagChecker) Start(ctx context.Context) {
	if c.limiter != nil {
		go c.limiter.Run(ctx)
	}
	for i := 0; i < c.cfg.Workers; i++ {
		c.wg.Add(1)
		go c.worker(ctx)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.recoverPending(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Log.Error("Failed to recover pending submissions", zap.Error(err))
		}
	}()
}

// Wait 等待所有 worker 在 ctx 取消后退出
func (c *FlagChecker) Wait() {
	c.wg.Wait()
}

func (c *FlagChecker) recoverPending(ctx context.Context) error {
	subs, err := c.submissions.ListPending(ctx)
	if err != nil {
		return err
	}
	for _, s := range subs {
		select {
		case c.slots <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
		c.queue <- s.ID
		monitoring.CheckerQueueDepth.Inc()
	}
	if len(subs) > 0 {
		logger.Log.Info("Recovered pending submissions", zap.Int("count", len(subs)))
	}
	return nil
}

func (c *FlagChecker) worker(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-c.queue:
			monitoring.CheckerQueueDepth.Dec()
			c.process(ctx, id)
			<-c.slots
		}
	}
}

func (c *FlagChecker) process(ctx context.Context, id uint) {
	ctx, span := tracing.Tracer.Start(ctx, "submission.Verify", trace.WithAttributes(attribute.Int64("submission.id", int64(id))))
	defer span.End()

	sub, err := c.load(ctx, id)
	if err != nil {
		c.abandon(ctx, id, err)
		return
	}

	// 同一队伍同一题目的提交串行判定
	unlock := c.locks.Lock(instanceKey(sub.ParticipationID, sub.ChallengeID))
	defer unlock()

	sub, err = c.load(ctx, id)
	if err != nil {
		c.abandon(ctx, id, err)
		return
	}
	if sub.Status != model.SubmissionPending {
		return
	}

	verdict, err := c.judge(ctx, sub)
	if err != nil {
		span.RecordError(err)
		logger.Log.Warn("Submission judged as NotFound after error", zap.Uint("submissionID", id), zap.Error(err))
		verdict = model.Verdict{Status: model.SubmissionNotFound}
	}

	status, err := c.resolve(ctx, id, verdict)
	if errors.Is(err, util.ErrAlreadyResolved) {
		return
	}
	if err != nil {
		logger.Log.Error("Failed to resolve submission", zap.Uint("submissionID", id), zap.Error(err))
		status, err = c.resolve(ctx, id, model.Verdict{Status: model.SubmissionNotFound})
		if err != nil {
			if !errors.Is(err, util.ErrAlreadyResolved) {
				logger.Log.Error("Submission left pending until restart", zap.Uint("submissionID", id), zap.Error(err))
			}
			return
		}
	}

	c.afterResolve(ctx, sub, status)
}

func (c *FlagChecker) retriable(ctx context.Context) func(error) bool {
	return func(err error) bool {
		return ctx.Err() == nil &&
			!errors.Is(err, util.ErrNotFound) &&
			!errors.Is(err, util.ErrAlreadyResolved)
	}
}

func (c *FlagChecker) load(ctx context.Context, id uint) (*model.Submission, error) {
	var sub *model.Submission
	err := retry.OnError(c.backoff, c.retriable(ctx), func() error {
		var err error
		sub, err = c.submissions.FindByID(ctx, id)
		return err
	})
	return sub, err
}

func (c *FlagChecker) resolve(ctx context.Context, id uint, v model.Verdict) (model.SubmissionStatus, error) {
	var status model.SubmissionStatus
	err := retry.OnError(c.backoff, c.retriable(ctx), func() error {
		var err error
		status, err = c.submissions.Resolve(ctx, id, v)
		return err
	})
	return status, err
}

// abandon 多次读取失败后把提交记为 NotFound，不让它一直停在 Pending
func (c *FlagChecker) abandon(ctx context.Context, id uint, cause error) {
	if errors.Is(cause, util.ErrNotFound) {
		logger.Log.Warn("Queued submission no longer exists", zap.Uint("submissionID", id))
		return
	}
	logger.Log.Error("Failed to load submission, resolving as NotFound", zap.Uint("submissionID", id), zap.Error(cause))
	status, err := c.resolve(ctx, id, model.Verdict{Status: model.SubmissionNotFound})
	if err != nil {
		if !errors.Is(err, util.ErrAlreadyResolved) {
			logger.Log.Error("Submission left pending until restart", zap.Uint("submissionID", id), zap.Error(err))
		}
		return
	}
	monitoring.SubmissionCounter.WithLabelValues(string(status)).Inc()
}

// judge 比赛结束和参与状态的检查先于 flag 比较
func (c *FlagChecker) judge(ctx context.Context, sub *model.Submission) (model.Verdict, error) {
	notFound := model.Verdict{Status: model.SubmissionNotFound}

	game, err := c.games.FindByID(ctx, sub.GameID)
	if err != nil {
		return notFound, err
	}
	if !sub.SubmitTime.Before(game.EndTime) {
		return model.Verdict{Status: model.SubmissionExpired}, nil
	}

	part, err := c.participations.FindByID(ctx, sub.ParticipationID)
	if errors.Is(err, util.ErrNotFound) {
		return notFound, nil
	}
	if err != nil {
		return notFound, err
	}
	if part.Status != model.ParticipationAccepted || part.GameID != sub.GameID {
		return notFound, nil
	}

	chal, err := c.challenges.FindByID(ctx, sub.ChallengeID)
	if errors.Is(err, util.ErrNotFound) {
		return notFound, nil
	}
	if err != nil {
		return notFound, err
	}
	if !chal.IsEnabled || chal.GameID != sub.GameID {
		return notFound, nil
	}

	inst, err := c.instances.Find(ctx, sub.ParticipationID, sub.ChallengeID)
	if errors.Is(err, util.ErrNotFound) {
		return notFound, nil
	}
	if err != nil {
		return notFound, err
	}

	answer := strings.TrimSpace(sub.Answer)
	verdict := model.Verdict{InstanceID: inst.ID, ChallengeID: chal.ID}

	if !chal.Type.IsDynamic() {
		ok, err := c.challenges.HasFlag(ctx, chal.ID, answer)
		if err != nil {
			return notFound, err
		}
		verdict.Status = model.SubmissionWrongAnswer
		if ok {
			verdict.Status = model.SubmissionAccepted
		}
		return verdict, nil
	}

	if inst.Flag != "" && subtle.ConstantTimeCompare([]byte(answer), []byte(inst.Flag)) == 1 {
		verdict.Status = model.SubmissionAccepted
		return verdict, nil
	}

	// 只在同一题目内查找，跨题目的碰撞不视为作弊
	owner, err := c.instances.FindByFlag(ctx, chal.ID, answer, sub.ParticipationID)
	switch {
	case err == nil:
		verdict.Status = model.SubmissionCheat
		verdict.Cheat = &model.CheatInfo{
			GameID:                sub.GameID,
			SubmissionID:          sub.ID,
			SourceParticipationID: owner.ParticipationID,
			SubmitParticipationID: sub.ParticipationID,
		}
		return verdict, nil
	case errors.Is(err, util.ErrNotFound):
		verdict.Status = model.SubmissionWrongAnswer
		return verdict, nil
	default:
		return notFound, err
	}
}

func (c *FlagChecker) afterResolve(ctx context.Context, sub *model.Submission, status model.SubmissionStatus) {
	monitoring.SubmissionCounter.WithLabelValues(string(status)).Inc()

	fields := []zap.Field{
		zap.Uint("submissionID", sub.ID),
		zap.Uint("participationID", sub.ParticipationID),
		zap.Uint("challengeID", sub.ChallengeID),
		zap.String("status", string(status)),
	}
	if status == model.SubmissionCheat {
		logger.Log.Warn("Cheat detected", fields...)
	} else {
		logger.Log.Info("Submission resolved", fields...)
	}

	c.notifier.Publish(ctx, model.GameEvent{
		Type:            model.EventSubmissionResolved,
		GameID:          sub.GameID,
		ParticipationID: sub.ParticipationID,
		ChallengeID:     sub.ChallengeID,
		Status:          string(status),
		Time:            c.now(),
	})

	if status == model.SubmissionAccepted || status == model.SubmissionCheat {
		c.scoreboard.Invalidate(sub.GameID)
	}
}
