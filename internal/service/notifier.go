package service

import (
	"context"
	"encoding/json"
	"gzctf_core/internal/model"
	"gzctf_core/pkg/logger"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const (
	EventChannel = "gzctf:events"

	eventBufferSize     = 256
	eventPublishTimeout = 2 * time.Second
)

// Notifier 尽力投递的事件出口，失败只记录日志
type Notifier interface {
	Publish(ctx context.Context, event model.GameEvent)
}

// eventPublisher *redis.Client 满足该接口
type eventPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisNotifier 通过 Redis Pub/Sub 转发给实时推送层。
// Publish 只把事件放进缓冲区，由 Run 发送
type RedisNotifier struct {
	rdb     eventPublisher
	channel string
	events  chan model.GameEvent
	timeout time.Duration
}

func NewRedisNotifier(rdb *redis.Client) *RedisNotifier {
	return newRedisNotifier(rdb)
}

func newRedisNotifier(rdb eventPublisher) *RedisNotifier {
	return &RedisNotifier{
		rdb:     rdb,
		channel: EventChannel,
		events:  make(chan model.GameEvent, eventBufferSize),
		timeout: eventPublishTimeout,
	}
}

// Publish 缓冲区满时丢弃事件
func (n *RedisNotifier) Publish(_ context.Context, event model.GameEvent) {
	select {
	case n.events <- event:
	default:
		logger.Log.Warn("Event buffer full, dropping game event",
			zap.String("type", string(event.Type)),
			zap.Uint("gameID", event.GameID))
	}
}

// Run 发送缓冲区中的事件，直到 ctx 取消
func (n *RedisNotifier) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-n.events:
			n.send(ctx, event)
		}
	}
}

func (n *RedisNotifier) send(ctx context.Context, event model.GameEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		logger.Log.Warn("Failed to marshal game event", zap.Error(err))
		return
	}
	sendCtx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	if err := n.rdb.Publish(sendCtx, n.channel, data).Err(); err != nil {
		logger.Log.Debug("Failed to publish game event",
			zap.String("type", string(event.Type)),
			zap.Uint("gameID", event.GameID),
			zap.Error(err))
	}
}

type NopNotifier struct{}

func (NopNotifier) Publish(context.Context, model.GameEvent) {}
