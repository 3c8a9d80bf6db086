package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"gzctf_core/internal/config"
	"gzctf_core/internal/model"
	"gzctf_core/internal/util"
	"gzctf_core/pkg/logger"
	"gzctf_core/pkg/monitoring"
	"gzctf_core/pkg/tracing"
	"math"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/util/workqueue"
)

const timelineSize = 10

// ScoreOf 动态分值曲线，n 为已通过的队伍数，随 n 单调不增
func ScoreOf(originalScore int, minScoreRate, difficulty float64, n int) int {
	if n <= 1 || difficulty <= 0 {
		return originalScore
	}
	rate := minScoreRate + (1-minScoreRate)*math.Exp(float64(1-n)/difficulty)
	return int(math.Floor(float64(originalScore) * rate))
}

func scoreboardKey(gameID uint) string {
	return fmt.Sprintf("scoreboard:%d", gameID)
}

// ScoreboardService 排行榜缓存：失效请求进入 workqueue，同一比赛同一时刻只有一个重算
type ScoreboardService struct {
	games          GameStore
	submissions    SubmissionStore
	challenges     ChallengeStore
	participations ParticipationStore
	policies       *config.PolicyStore
	rdb            *redis.Client
	notifier       Notifier
	cfg            config.ScoreboardConfig

	queue workqueue.TypedRateLimitingInterface[uint]

	// snapshots 只整体替换，读者看到的总是完整快照
	snapshots atomic.Pointer[map[uint]*model.Scoreboard]
	writeMu   sync.Mutex

	genMu       sync.Mutex
	generations map[uint]uint64

	group     singleflight.Group
	gameLocks *util.KeyedMutex
	now       func() time.Time
}

func NewScoreboardService(
	games GameStore,
	submissions SubmissionStore,
	challenges ChallengeStore,
	participations ParticipationStore,
	policies *config.PolicyStore,
	rdb *redis.Client,
	notifier Notifier,
	cfg config.ScoreboardConfig,
) *ScoreboardService {
	s := &ScoreboardService{
		games:          games,
		submissions:    submissions,
		challenges:     challenges,
		participations: participations,
		policies:       policies,
		rdb:            rdb,
		notifier:       notifier,
		cfg:            cfg,
		queue: workqueue.NewTypedRateLimitingQueueWithConfig(
			workqueue.DefaultTypedControllerRateLimiter[uint](),
			workqueue.TypedRateLimitingQueueConfig[uint]{Name: "scoreboard"},
		),
		generations: make(map[uint]uint64),
		gameLocks:   util.NewKeyedMutex(),
		now:         time.Now,
	}
	empty := make(map[uint]*model.Scoreboard)
	s.snapshots.Store(&empty)
	return s
}

// Invalidate 返回本次失效对应的版本号，版本号不小于它的快照一定包含此前已提交的数据
func (s *ScoreboardService) Invalidate(gameID uint) uint64 {
	s.genMu.Lock()
	s.generations[gameID]++
	gen := s.generations[gameID]
	s.genMu.Unlock()

	s.queue.Add(gameID)
	return gen
}

func (s *ScoreboardService) generation(gameID uint) uint64 {
	s.genMu.Lock()
	defer s.genMu.Unlock()
	return s.generations[gameID]
}

func (s *ScoreboardService) snapshot(gameID uint) *model.Scoreboard {
	return (*s.snapshots.Load())[gameID]
}

// WaitFor 等待快照版本追上 gen
func (s *ScoreboardService) WaitFor(ctx context.Context, gameID uint, gen uint64) (*model.Scoreboard, error) {
	var board *model.Scoreboard
	err := wait.PollUntilContextCancel(ctx, 10*time.Millisecond, true, func(context.Context) (bool, error) {
		board = s.snapshot(gameID)
		return board != nil && board.Generation >= gen, nil
	})
	if err != nil {
		return nil, err
	}
	return board, nil
}

// Get 优先返回内存快照，其次 Redis，最后同步计算
func (s *ScoreboardService) Get(ctx context.Context, gameID uint) (*model.Scoreboard, error) {
	if board := s.snapshot(gameID); board != nil {
		return board, nil
	}
	// 不存在的比赛不缓存
	if _, err := s.games.FindByID(ctx, gameID); err != nil {
		return nil, err
	}

	if board, ok := s.loadMirror(ctx, gameID); ok {
		// 镜像可能落后于数据库，先返回再异步刷新
		s.store(board)
		s.Invalidate(gameID)
		return s.snapshot(gameID), nil
	}

	v, err, _ := s.group.Do(strconv.FormatUint(uint64(gameID), 10), func() (interface{}, error) {
		return s.rebuild(ctx, gameID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.Scoreboard), nil
}

// Start 启动重算 worker，ctx 取消时关闭队列
func (s *ScoreboardService) Start(ctx context.Context) {
	workers := max(s.cfg.Workers, 1)
	for i := 0; i < workers; i++ {
		go wait.UntilWithContext(ctx, s.runWorker, time.Second)
	}
	go func() {
		<-ctx.Done()
		s.queue.ShutDown()
	}()
}

func (s *ScoreboardService) runWorker(ctx context.Context) {
	for s.processNextItem(ctx) {
	}
}

func (s *ScoreboardService) processNextItem(ctx context.Context) bool {
	gameID, shutdown := s.queue.Get()
	if shutdown {
		return false
	}
	defer s.queue.Done(gameID)

	board, err := s.rebuild(ctx, gameID)
	if errors.Is(err, util.ErrNotFound) {
		logger.Log.Warn("Dropping scoreboard recompute for unknown game", zap.Uint("gameID", gameID))
		s.queue.Forget(gameID)
		return true
	}
	if err != nil {
		logger.Log.Error("Scoreboard recompute failed, keeping last snapshot", zap.Uint("gameID", gameID), zap.Error(err))
		s.queue.AddRateLimited(gameID)
		return true
	}
	s.queue.Forget(gameID)

	// Get 触发的计算可能读到了更早的版本
	if board.Generation < s.generation(gameID) {
		s.queue.Add(gameID)
	}
	return true
}

// Rebuild 同步重算，供比赛结束归档使用
func (s *ScoreboardService) Rebuild(ctx context.Context, gameID uint) (*model.Scoreboard, error) {
	return s.rebuild(ctx, gameID)
}

func (s *ScoreboardService) rebuild(ctx context.Context, gameID uint) (*model.Scoreboard, error) {
	ctx, span := tracing.Tracer.Start(ctx, "scoreboard.Recompute", trace.WithAttributes(attribute.Int64("game.id", int64(gameID))))
	defer span.End()

	unlock := s.gameLocks.Lock(strconv.FormatUint(uint64(gameID), 10))
	defer unlock()

	start := time.Now()
	// 先读版本再读数据，保证快照覆盖该版本之前提交的所有结果
	gen := s.generation(gameID)
	board, err := s.compute(ctx, gameID)
	if err != nil {
		span.RecordError(err)
		monitoring.ScoreboardRecompute.WithLabelValues("error").Observe(time.Since(start).Seconds())
		return nil, err
	}
	board.Generation = gen
	s.store(board)
	monitoring.ScoreboardRecompute.WithLabelValues("ok").Observe(time.Since(start).Seconds())

	s.saveMirror(ctx, board)
	s.notifier.Publish(ctx, model.GameEvent{
		Type:   model.EventScoreboardUpdated,
		GameID: gameID,
		Time:   board.UpdateTime,
	})
	return s.snapshot(gameID), nil
}

// store 写时复制，版本不回退
func (s *ScoreboardService) store(board *model.Scoreboard) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	current := *s.snapshots.Load()
	if old, ok := current[board.GameID]; ok && old.Generation > board.Generation {
		return
	}
	next := make(map[uint]*model.Scoreboard, len(current)+1)
	for k, v := range current {
		next[k] = v
	}
	next[board.GameID] = board
	s.snapshots.Store(&next)
}

func (s *ScoreboardService) loadMirror(ctx context.Context, gameID uint) (*model.Scoreboard, bool) {
	if s.rdb == nil {
		return nil, false
	}
	data, err := s.rdb.Get(ctx, scoreboardKey(gameID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logger.Log.Warn("Failed to read scoreboard mirror", zap.Uint("gameID", gameID), zap.Error(err))
		}
		return nil, false
	}
	var board model.Scoreboard
	if err := json.Unmarshal(data, &board); err != nil {
		logger.Log.Warn("Corrupted scoreboard mirror", zap.Uint("gameID", gameID), zap.Error(err))
		return nil, false
	}
	// 版本号只在进程内有意义
	board.Generation = 0
	return &board, true
}

func (s *ScoreboardService) saveMirror(ctx context.Context, board *model.Scoreboard) {
	if s.rdb == nil {
		return
	}
	data, err := json.Marshal(board)
	if err != nil {
		logger.Log.Warn("Failed to marshal scoreboard", zap.Uint("gameID", board.GameID), zap.Error(err))
		return
	}
	if err := s.rdb.Set(ctx, scoreboardKey(board.GameID), data, s.cfg.CacheTTL).Err(); err != nil {
		logger.Log.Warn("Failed to mirror scoreboard to redis", zap.Uint("gameID", board.GameID), zap.Error(err))
	}
}

func (s *ScoreboardService) compute(ctx context.Context, gameID uint) (*model.Scoreboard, error) {
	if _, err := s.games.FindByID(ctx, gameID); err != nil {
		return nil, fmt.Errorf("find game: %w", err)
	}
	challenges, err := s.challenges.ListEnabledByGame(ctx, gameID)
	if err != nil {
		return nil, fmt.Errorf("list challenges: %w", err)
	}
	parts, err := s.participations.ListAcceptedByGame(ctx, gameID)
	if err != nil {
		return nil, fmt.Errorf("list participations: %w", err)
	}
	subs, err := s.submissions.ListAcceptedByGame(ctx, gameID)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	return BuildScoreboard(gameID, challenges, parts, subs, s.policies.Policy(gameID).BloodBonus, s.now()), nil
}

type solveRecord struct {
	participationID uint
	userName        string
	time            time.Time
}

// BuildScoreboard 由提交记录计算完整排行榜；subs 需按提交时间升序
func BuildScoreboard(gameID uint, challenges []model.Challenge, parts []model.Participation, subs []model.Submission, bloodBonus [3]int, now time.Time) *model.Scoreboard {
	items := make(map[uint]*model.ScoreboardItem, len(parts))
	for _, p := range parts {
		items[p.ID] = &model.ScoreboardItem{
			ParticipationID:  p.ID,
			TeamID:           p.TeamID,
			TeamName:         p.TeamName,
			DivisionID:       p.DivisionID,
			SolvedChallenges: []model.ChallengeSolve{},
		}
	}

	solves := make(map[uint][]solveRecord, len(challenges))
	counted := make(map[[2]uint]bool)
	for _, sub := range subs {
		if _, ok := items[sub.ParticipationID]; !ok {
			continue
		}
		pair := [2]uint{sub.ParticipationID, sub.ChallengeID}
		if counted[pair] {
			continue
		}
		counted[pair] = true
		solves[sub.ChallengeID] = append(solves[sub.ChallengeID], solveRecord{
			participationID: sub.ParticipationID,
			userName:        sub.UserName,
			time:            sub.SubmitTime,
		})
	}

	board := &model.Scoreboard{
		GameID:     gameID,
		UpdateTime: now,
		Challenges: make([]model.ChallengeInfo, 0, len(challenges)),
	}

	for _, chal := range challenges {
		records := solves[chal.ID]
		base := ScoreOf(chal.OriginalScore, chal.MinScoreRate, chal.Difficulty, len(records))
		info := model.ChallengeInfo{
			ID:          chal.ID,
			Title:       chal.Title,
			Score:       base,
			SolvedCount: len(records),
			Bloods:      []model.Blood{},
		}

		for i, rec := range records {
			item := items[rec.participationID]
			solveType := model.NormalSolve
			score := base
			if i < len(model.BloodTypes) {
				solveType = model.BloodTypes[i]
				score = base * (1000 + bloodBonus[i]) / 1000
				info.Bloods = append(info.Bloods, model.Blood{
					ParticipationID: rec.participationID,
					TeamName:        item.TeamName,
					Time:            rec.time,
				})
			}

			item.Score += score
			item.SolvedCount++
			if rec.time.After(item.LastSubmissionTime) {
				item.LastSubmissionTime = rec.time
			}
			item.SolvedChallenges = append(item.SolvedChallenges, model.ChallengeSolve{
				ChallengeID: chal.ID,
				Score:       score,
				Type:        solveType,
				UserName:    rec.userName,
				Time:        rec.time,
			})
		}
		board.Challenges = append(board.Challenges, info)
	}

	board.Items = make([]model.ScoreboardItem, 0, len(items))
	for _, item := range items {
		sort.Slice(item.SolvedChallenges, func(i, j int) bool {
			return item.SolvedChallenges[i].Time.Before(item.SolvedChallenges[j].Time)
		})
		board.Items = append(board.Items, *item)
	}
	sort.Slice(board.Items, func(i, j int) bool {
		a, b := board.Items[i], board.Items[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.LastSubmissionTime.Equal(b.LastSubmissionTime) {
			return a.LastSubmissionTime.Before(b.LastSubmissionTime)
		}
		return a.ParticipationID < b.ParticipationID
	})

	divisionRanks := make(map[uint]int)
	for i := range board.Items {
		item := &board.Items[i]
		item.Rank = i + 1
		if item.DivisionID != nil {
			divisionRanks[*item.DivisionID]++
			item.DivisionRank = divisionRanks[*item.DivisionID]
		}
	}

	board.Timelines = buildTimelines(board.Items)
	return board
}

func buildTimelines(items []model.ScoreboardItem) []model.TopTimeline {
	n := min(len(items), timelineSize)
	timelines := make([]model.TopTimeline, 0, n)
	for _, item := range items[:n] {
		points := make([]model.TimelinePoint, 0, len(item.SolvedChallenges))
		total := 0
		for _, solve := range item.SolvedChallenges {
			total += solve.Score
			points = append(points, model.TimelinePoint{Time: solve.Time, Score: total})
		}
		timelines = append(timelines, model.TopTimeline{
			ParticipationID: item.ParticipationID,
			TeamName:        item.TeamName,
			Items:           points,
		})
	}
	return timelines
}
