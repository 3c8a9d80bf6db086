package controller

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"gzctf_core/internal/model"
	"gzctf_core/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubScoreboard struct {
	boards map[uint]*model.Scoreboard
	err    error
}

func (s stubScoreboard) Get(_ context.Context, gameID uint) (*model.Scoreboard, error) {
	if s.err != nil {
		return nil, s.err
	}
	board, ok := s.boards[gameID]
	if !ok {
		return nil, util.ErrNotFound
	}
	return board, nil
}

func serve(c *ScoreboardController, path string) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/api/game/:id/scoreboard", c.GetScoreboard)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestGetScoreboard(t *testing.T) {
	board := &model.Scoreboard{
		GameID:     3,
		Generation: 7,
		UpdateTime: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC),
		Items:      []model.ScoreboardItem{{ParticipationID: 1, TeamName: "alpha", Rank: 1, Score: 525}},
	}
	c := NewScoreboardController(stubScoreboard{boards: map[uint]*model.Scoreboard{3: board}})

	w := serve(c, "/api/game/3/scoreboard")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "7", w.Header().Get("X-Scoreboard-Generation"))

	var resp struct {
		Code int              `json:"code"`
		Data model.Scoreboard `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, http.StatusOK, resp.Code)
	require.Len(t, resp.Data.Items, 1)
	assert.Equal(t, 525, resp.Data.Items[0].Score)
}

func TestGetScoreboardErrors(t *testing.T) {
	c := NewScoreboardController(stubScoreboard{boards: map[uint]*model.Scoreboard{}})
	assert.Equal(t, http.StatusBadRequest, serve(c, "/api/game/abc/scoreboard").Code)
	assert.Equal(t, http.StatusNotFound, serve(c, "/api/game/9/scoreboard").Code)

	c = NewScoreboardController(stubScoreboard{err: errors.New("db down")})
	assert.Equal(t, http.StatusInternalServerError, serve(c, "/api/game/9/scoreboard").Code)
}
