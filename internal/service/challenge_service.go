package service

import (
	"context"
	"fmt"
	"gzctf_core/internal/model"
	"gzctf_core/internal/util"
	"gzctf_core/pkg/logger"

	"go.uber.org/zap"
)

// ChallengeService 题目定义与会改变计分拓扑的管理操作
type ChallengeService struct {
	challenges ChallengeStore
	flags      *FlagService
	scoreboard ScoreboardInvalidator
}

func NewChallengeService(challenges ChallengeStore, flags *FlagService, scoreboard ScoreboardInvalidator) *ChallengeService {
	return &ChallengeService{
		challenges: challenges,
		flags:      flags,
		scoreboard: scoreboard,
	}
}

func validateScoreParams(originalScore int, minScoreRate, difficulty float64) error {
	if originalScore <= 0 || minScoreRate < 0 || minScoreRate > 1 || difficulty <= 0 {
		return fmt.Errorf("%w: score=%d rate=%.2f difficulty=%.2f", util.ErrInvalidScoreParams, originalScore, minScoreRate, difficulty)
	}
	return nil
}

// Define 校验后创建题目，校验失败不产生任何写入
func (s *ChallengeService) Define(ctx context.Context, c *model.Challenge) error {
	if err := validateScoreParams(c.OriginalScore, c.MinScoreRate, c.Difficulty); err != nil {
		return err
	}
	if c.Type.IsContainer() && (c.ContainerImage == "" || c.ExposePort <= 0) {
		return fmt.Errorf("%w: container challenge needs image and port", util.ErrInvalidChallenge)
	}
	if c.Type.IsDynamic() {
		if err := s.flags.ValidateTemplate(c.FlagTemplate); err != nil {
			return err
		}
	} else if len(c.StaticFlags) == 0 {
		return fmt.Errorf("%w: static challenge needs at least one flag", util.ErrInvalidChallenge)
	}

	c.AcceptedCount = 0
	if err := s.challenges.Create(ctx, c); err != nil {
		return err
	}
	logger.Log.Info("Challenge defined", zap.Uint("challengeID", c.ID), zap.Uint("gameID", c.GameID), zap.String("type", string(c.Type)))
	if c.IsEnabled {
		s.scoreboard.Invalidate(c.GameID)
	}
	return nil
}

func (s *ChallengeService) SetEnabled(ctx context.Context, id uint, enabled bool) error {
	c, err := s.challenges.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.challenges.SetEnabled(ctx, id, enabled); err != nil {
		return err
	}
	s.scoreboard.Invalidate(c.GameID)
	return nil
}

func (s *ChallengeService) UpdateScoreParams(ctx context.Context, id uint, originalScore int, minScoreRate, difficulty float64) error {
	if err := validateScoreParams(originalScore, minScoreRate, difficulty); err != nil {
		return err
	}
	c, err := s.challenges.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.challenges.UpdateScoreParams(ctx, id, originalScore, minScoreRate, difficulty); err != nil {
		return err
	}
	s.scoreboard.Invalidate(c.GameID)
	return nil
}
