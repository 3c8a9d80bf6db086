package service

import (
	"context"
	"gzctf_core/internal/config"
	"gzctf_core/internal/model"
	"gzctf_core/pkg/logger"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Reaper 定期回收过期容器，并核对创建/销毁超时遗留的记录
type Reaper struct {
	instances  *InstanceService
	containers ContainerStore
	interval   time.Duration
	cfg        config.ContainerConfig
	now        func() time.Time
}

func NewReaper(instances *InstanceService, containers ContainerStore, reaperCfg config.ReaperConfig, containerCfg config.ContainerConfig) *Reaper {
	return &Reaper{
		instances:  instances,
		containers: containers,
		interval:   reaperCfg.Interval,
		cfg:        containerCfg,
		now:        time.Now,
	}
}

func (r *Reaper) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.Sweep(ctx); err != nil {
					logger.Log.Error("Reaper sweep finished with errors", zap.Error(err))
				}
			}
		}
	}()
}

// Sweep 单轮扫描，单个容器失败不影响其余容器
func (r *Reaper) Sweep(ctx context.Context) error {
	now := r.now()
	var errs error

	expired, err := r.containers.ListExpired(ctx, now)
	errs = multierr.Append(errs, err)
	for _, c := range expired {
		errs = multierr.Append(errs, r.instances.Expire(ctx, c.ID))
	}

	pending, err := r.containers.ListStale(ctx, model.ContainerPending, now.Add(-r.cfg.CreateTimeout))
	errs = multierr.Append(errs, err)
	for _, c := range pending {
		errs = multierr.Append(errs, r.instances.ReconcilePending(ctx, c.ID))
	}

	destroying, err := r.containers.ListStale(ctx, model.ContainerDestroying, now.Add(-r.cfg.DestroyTimeout))
	errs = multierr.Append(errs, err)
	for _, c := range destroying {
		errs = multierr.Append(errs, r.instances.DestroyContainer(ctx, c.ID, true))
	}

	if n := len(expired) + len(pending) + len(destroying); n > 0 {
		logger.Log.Info("Reaper sweep",
			zap.Int("expired", len(expired)),
			zap.Int("stalePending", len(pending)),
			zap.Int("staleDestroying", len(destroying)))
	}
	return errs
}
