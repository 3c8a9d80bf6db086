package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"gzctf_core/internal/config"
	"gzctf_core/internal/model"
	"gzctf_core/pkg/logger"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// ScoreboardArchiver 比赛结束后保存最终排行榜
type ScoreboardArchiver interface {
	Archive(ctx context.Context, game *model.Game, board *model.Scoreboard) error
}

// MinioArchiver MinIO存储实现
type MinioArchiver struct {
	Client *minio.Client
	Bucket string
}

func NewMinioArchiver(cfg *config.ArchiveConfig) (*MinioArchiver, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, err
	}
	return &MinioArchiver{Client: client, Bucket: cfg.Bucket}, nil
}

func (a *MinioArchiver) EnsureBucket(ctx context.Context) error {
	exists, err := a.Client.BucketExists(ctx, a.Bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return a.Client.MakeBucket(ctx, a.Bucket, minio.MakeBucketOptions{})
}

func ArchiveObjectName(game *model.Game, board *model.Scoreboard) string {
	return fmt.Sprintf("games/%d/scoreboard-%s.json", game.ID, board.UpdateTime.UTC().Format("20060102T150405Z"))
}

func (a *MinioArchiver) Archive(ctx context.Context, game *model.Game, board *model.Scoreboard) error {
	data, err := json.MarshalIndent(board, "", "  ")
	if err != nil {
		return err
	}
	name := ArchiveObjectName(game, board)
	_, err = a.Client.PutObject(ctx, a.Bucket, name, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", name, err)
	}
	logger.Log.Info("Scoreboard archived", zap.Uint("gameID", game.ID), zap.String("object", name))
	return nil
}

// NopArchiver 未启用归档时使用
type NopArchiver struct{}

func (NopArchiver) Archive(context.Context, *model.Game, *model.Scoreboard) error {
	return nil
}
