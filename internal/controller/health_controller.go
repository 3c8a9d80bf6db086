package controller

import (
	"gzctf_core/internal/util"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

type HealthController struct {
	DB      *gorm.DB
	Redis   *redis.Client
	Backend string
}

func NewHealthController(db *gorm.DB, rdb *redis.Client, backend string) *HealthController {
	return &HealthController{DB: db, Redis: rdb, Backend: backend}
}

// HealthCheck 检查数据库和 Redis 连接，Redis 不可用时降级但仍返回 200
func (c *HealthController) HealthCheck(ctx *gin.Context) {
	sqlDB, err := c.DB.DB()
	if err != nil {
		util.InternalServerError(ctx)
		return
	}
	if err := sqlDB.PingContext(ctx.Request.Context()); err != nil {
		util.Error(ctx, http.StatusServiceUnavailable, "Database unavailable")
		return
	}

	redisStatus := "up"
	if c.Redis == nil || c.Redis.Ping(ctx.Request.Context()).Err() != nil {
		redisStatus = "down"
	}

	util.Success(ctx, gin.H{
		"status": "ok",
		"components": gin.H{
			"database":  "up",
			"redis":     redisStatus,
			"container": c.Backend,
		},
	})
}
