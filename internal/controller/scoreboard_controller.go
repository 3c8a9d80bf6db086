package controller

import (
	"context"
	"errors"
	"gzctf_core/internal/model"
	"gzctf_core/internal/util"

	"github.com/gin-gonic/gin"
)

type scoreboardReader interface {
	Get(ctx context.Context, gameID uint) (*model.Scoreboard, error)
}

type ScoreboardController struct {
	Scoreboard scoreboardReader
}

func NewScoreboardController(scoreboard scoreboardReader) *ScoreboardController {
	return &ScoreboardController{Scoreboard: scoreboard}
}

// GetScoreboard 返回缓存的排行榜快照
func (c *ScoreboardController) GetScoreboard(ctx *gin.Context) {
	gameID := util.MustParseUint(ctx.Param("id"))
	if gameID == 0 {
		util.BadRequest(ctx, "invalid game id")
		return
	}

	board, err := c.Scoreboard.Get(ctx.Request.Context(), gameID)
	if err != nil {
		if errors.Is(err, util.ErrNotFound) {
			util.NotFound(ctx)
			return
		}
		util.LogInternalError(ctx, err)
		return
	}
	ctx.Header("X-Scoreboard-Generation", util.FormatUint(board.Generation))
	util.Success(ctx, board)
}
