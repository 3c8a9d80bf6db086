package container

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"gzctf_core/internal/config"
	"gzctf_core/internal/model"
	"gzctf_core/internal/util"
	"strings"
	"time"
)

// Provider 容器后端的统一抽象，启动时根据配置选定一个实现
type Provider interface {
	Name() string
	Create(ctx context.Context, spec Spec) (*Record, error)
	// Inspect 按 id 或确定性名称查询，不存在时返回 util.ErrNotFound
	Inspect(ctx context.Context, id string) (*Record, error)
	// Destroy 后端已不存在视为成功
	Destroy(ctx context.Context, id string) error
}

// Spec 创建容器所需的参数
type Spec struct {
	Name         string
	Image        string
	ExposePort   int
	CPUCount     int // 0.1 核
	MemoryLimit  int // MiB
	StorageLimit int // MiB
	Env          map[string]string
	Labels       map[string]string
}

// Record 后端无关的容器描述
type Record struct {
	ID         string
	Name       string
	Status     model.ContainerStatus
	IP         string
	Port       int
	PublicHost string
	PublicPort int
	IsProxy    bool
	StartedAt  time.Time
}

const maxImagePart = 40

// NameFor 根据镜像和种子生成确定性的容器名，重试创建时可以按名称找到已有容器
func NameFor(image, seed string) string {
	ref := image
	if i := strings.LastIndex(ref, "/"); i >= 0 {
		ref = ref[i+1:]
	}
	if i := strings.IndexAny(ref, ":@"); i >= 0 {
		ref = ref[:i]
	}

	var b strings.Builder
	lastDash := false
	for _, r := range strings.ToLower(ref) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		case !lastDash && b.Len() > 0:
			b.WriteByte('-')
			lastDash = true
		}
	}
	base := strings.Trim(b.String(), "-")
	if len(base) > maxImagePart {
		base = strings.TrimRight(base[:maxImagePart], "-")
	}
	// k8s service 名称必须以字母开头
	if base == "" || base[0] < 'a' || base[0] > 'z' {
		base = "gz-" + base
		base = strings.TrimRight(base, "-")
	}

	sum := sha256.Sum256([]byte(seed))
	return base + "-" + hex.EncodeToString(sum[:])[:16]
}

func NewProvider(ctx context.Context, cfg *config.ContainerConfig) (Provider, error) {
	switch cfg.Type {
	case util.BackendDocker:
		cli, err := NewDockerClient(cfg)
		if err != nil {
			return nil, err
		}
		return NewDockerProvider(cli, cfg), nil
	case util.BackendKubernetes:
		cli, err := NewKubernetesClient(cfg)
		if err != nil {
			return nil, err
		}
		p, err := NewKubernetesProvider(ctx, cli, cfg)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unsupported container type %q", cfg.Type)
	}
}
