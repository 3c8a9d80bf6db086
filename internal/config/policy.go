package config

import (
	"sync/atomic"
	"time"
)

// GamePolicy 某场比赛生效的容器与计分参数快照
type GamePolicy struct {
	ContainerCountLimit int
	DefaultLifetime     time.Duration
	MaxLifetime         time.Duration
	ExtensionDuration   time.Duration
	BloodBonus          [3]int // 千分比
}

func (g GameConfig) Policy(gameID uint) GamePolicy {
	p := GamePolicy{
		ContainerCountLimit: g.ContainerCountLimit,
		DefaultLifetime:     g.DefaultLifetime,
		MaxLifetime:         g.MaxLifetime,
		ExtensionDuration:   g.ExtensionDuration,
	}
	copy(p.BloodBonus[:], g.BloodBonus)

	for _, o := range g.Overrides {
		if o.GameID != gameID {
			continue
		}
		if o.ContainerCountLimit > 0 {
			p.ContainerCountLimit = o.ContainerCountLimit
		}
		if o.DefaultLifetime > 0 {
			p.DefaultLifetime = o.DefaultLifetime
		}
		if o.MaxLifetime > 0 {
			p.MaxLifetime = o.MaxLifetime
		}
		if o.ExtensionDuration > 0 {
			p.ExtensionDuration = o.ExtensionDuration
		}
		if len(o.BloodBonus) > 0 {
			p.BloodBonus = [3]int{}
			copy(p.BloodBonus[:], o.BloodBonus)
		}
	}

	if p.MaxLifetime < p.DefaultLifetime {
		p.MaxLifetime = p.DefaultLifetime
	}
	return p
}

// PolicyStore 持有当前的比赛配置，配置热更新时整体替换
type PolicyStore struct {
	current atomic.Pointer[GameConfig]
}

func NewPolicyStore(g GameConfig) *PolicyStore {
	s := &PolicyStore{}
	s.Update(g)
	return s
}

func (s *PolicyStore) Update(g GameConfig) {
	s.current.Store(&g)
}

func (s *PolicyStore) Policy(gameID uint) GamePolicy {
	return s.current.Load().Policy(gameID)
}
