package service

import (
	"context"
	"gzctf_core/internal/model"
	"gzctf_core/pkg/logger"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type gameInstanceDestroyer interface {
	DestroyGameInstances(ctx context.Context, gameID uint) error
}

type scoreboardBuilder interface {
	Rebuild(ctx context.Context, gameID uint) (*model.Scoreboard, error)
}

// GameFinalizer 比赛结束后销毁剩余容器、生成最终排行榜并归档，成功后不再处理
type GameFinalizer struct {
	games      GameStore
	instances  gameInstanceDestroyer
	scoreboard scoreboardBuilder
	archiver   ScoreboardArchiver
	now        func() time.Time
}

func NewGameFinalizer(games GameStore, instances gameInstanceDestroyer, scoreboard scoreboardBuilder, archiver ScoreboardArchiver) *GameFinalizer {
	return &GameFinalizer{
		games:      games,
		instances:  instances,
		scoreboard: scoreboard,
		archiver:   archiver,
		now:        time.Now,
	}
}

// Run 处理所有已结束但未收尾的比赛，失败的比赛下次继续
func (f *GameFinalizer) Run(ctx context.Context) error {
	games, err := f.games.ListEndedUnfinalized(ctx, f.now())
	if err != nil {
		return err
	}

	var errs error
	for i := range games {
		if err := f.finalize(ctx, &games[i]); err != nil {
			logger.Log.Error("Failed to finalize game", zap.Uint("gameID", games[i].ID), zap.Error(err))
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

func (f *GameFinalizer) finalize(ctx context.Context, game *model.Game) error {
	if err := f.instances.DestroyGameInstances(ctx, game.ID); err != nil {
		return err
	}
	board, err := f.scoreboard.Rebuild(ctx, game.ID)
	if err != nil {
		return err
	}
	if err := f.archiver.Archive(ctx, game, board); err != nil {
		return err
	}
	if err := f.games.MarkFinalized(ctx, game.ID, f.now()); err != nil {
		return err
	}
	logger.Log.Info("Game finalized", zap.Uint("gameID", game.ID), zap.Int("teams", len(board.Items)))
	return nil
}
