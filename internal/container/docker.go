package container

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"gzctf_core/internal/config"
	"gzctf_core/internal/model"
	"gzctf_core/internal/util"
	"gzctf_core/pkg/logger"
	"gzctf_core/pkg/monitoring"
	"gzctf_core/pkg/tracing"
	"io"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/util/wait"
)

// DockerAPI 用到的 Docker Engine 接口子集，*client.Client 满足该接口
type DockerAPI interface {
	ContainerCreate(ctx context.Context, config *dockercontainer.Config, hostConfig *dockercontainer.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (dockercontainer.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options dockercontainer.StartOptions) error
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerRemove(ctx context.Context, containerID string, options dockercontainer.RemoveOptions) error
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
}

type DockerProvider struct {
	api          DockerAPI
	cfg          *config.ContainerConfig
	backoff      wait.Backoff
	registryAuth string
}

func NewDockerClient(cfg *config.ContainerConfig) (*client.Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.Docker.URI != "" {
		opts = append(opts, client.WithHost(cfg.Docker.URI))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("connect docker daemon: %w", err)
	}
	return cli, nil
}

func NewDockerProvider(api DockerAPI, cfg *config.ContainerConfig) *DockerProvider {
	p := &DockerProvider{
		api:     api,
		cfg:     cfg,
		backoff: backoffFrom(cfg.Retry),
	}
	if cfg.Registry.Username != "" {
		auth, err := encodeRegistryAuth(cfg.Registry.Username, cfg.Registry.Password, cfg.Registry.ServerAddress)
		if err != nil {
			logger.Log.Warn("Failed to encode registry auth", zap.Error(err))
		}
		p.registryAuth = auth
	}
	return p
}

// encodeRegistryAuth 生成私有仓库认证串
func encodeRegistryAuth(user, pass, server string) (string, error) {
	ac := registry.AuthConfig{
		Username:      user,
		Password:      pass,
		ServerAddress: server,
	}
	b, err := json.Marshal(ac)
	if err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

func (p *DockerProvider) Name() string {
	return util.BackendDocker
}

func (p *DockerProvider) isProxy() bool {
	return p.cfg.ExposeMode == util.ExposeProxy
}

func (p *DockerProvider) Create(ctx context.Context, spec Spec) (*Record, error) {
	ctx, span := tracing.Tracer.Start(ctx, "docker.Create", trace.WithAttributes(
		attribute.String("container.name", spec.Name),
		attribute.String("container.image", spec.Image),
	))
	defer span.End()
	defer monitoring.ObserveProvider(util.BackendDocker, "create", time.Now())

	if p.cfg.Docker.PullImage {
		if err := p.pullImage(ctx, spec.Image); err != nil {
			span.RecordError(err)
			return nil, util.NewProvisionError(util.BackendDocker, "pull", err)
		}
	}

	containerCfg, hostCfg := p.buildConfig(spec)

	var id string
	err := withRetry(ctx, p.backoff, dockerTransient, func() error {
		resp, err := p.api.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, spec.Name)
		if err != nil {
			return err
		}
		id = resp.ID
		return nil
	})
	if errdefs.IsConflict(err) {
		// 同名容器已存在，说明之前的创建已经成功
		existing, ierr := p.api.ContainerInspect(ctx, spec.Name)
		if ierr != nil {
			span.RecordError(ierr)
			return nil, util.NewProvisionError(util.BackendDocker, "create", ierr)
		}
		logger.Log.Info("Reusing existing docker container", zap.String("name", spec.Name), zap.String("id", existing.ID))
		id, err = existing.ID, nil
	}
	if err != nil {
		span.RecordError(err)
		return nil, util.NewProvisionError(util.BackendDocker, "create", err)
	}

	err = withRetry(ctx, p.backoff, dockerTransient, func() error {
		return p.api.ContainerStart(ctx, id, dockercontainer.StartOptions{})
	})
	if err != nil {
		span.RecordError(err)
		return nil, util.NewProvisionError(util.BackendDocker, "start", err)
	}

	info, err := p.api.ContainerInspect(ctx, id)
	if err != nil {
		span.RecordError(err)
		return nil, util.NewProvisionError(util.BackendDocker, "inspect", err)
	}
	return p.toRecord(info), nil
}

func (p *DockerProvider) buildConfig(spec Spec) (*dockercontainer.Config, *dockercontainer.HostConfig) {
	port := nat.Port(fmt.Sprintf("%d/tcp", spec.ExposePort))

	env := make([]string, 0, len(spec.Env))
	for _, k := range slices.Sorted(maps.Keys(spec.Env)) {
		env = append(env, k+"="+spec.Env[k])
	}

	containerCfg := &dockercontainer.Config{
		Image:        spec.Image,
		Env:          env,
		Labels:       spec.Labels,
		ExposedPorts: nat.PortSet{port: struct{}{}},
	}

	hostCfg := &dockercontainer.HostConfig{
		Resources: dockercontainer.Resources{
			NanoCPUs: int64(spec.CPUCount) * 1e8,
			Memory:   int64(spec.MemoryLimit) * 1024 * 1024,
		},
	}
	if p.cfg.Docker.Network != "" {
		hostCfg.NetworkMode = dockercontainer.NetworkMode(p.cfg.Docker.Network)
	}
	if p.cfg.Docker.StorageLimit && spec.StorageLimit > 0 {
		hostCfg.StorageOpt = map[string]string{"size": fmt.Sprintf("%dM", spec.StorageLimit)}
	}
	if !p.isProxy() {
		// HostPort 留空由 docker 分配随机端口
		hostCfg.PortBindings = nat.PortMap{port: []nat.PortBinding{{HostIP: "0.0.0.0"}}}
	}
	return containerCfg, hostCfg
}

func (p *DockerProvider) Inspect(ctx context.Context, id string) (*Record, error) {
	ctx, span := tracing.Tracer.Start(ctx, "docker.Inspect", trace.WithAttributes(attribute.String("container.id", id)))
	defer span.End()
	defer monitoring.ObserveProvider(util.BackendDocker, "inspect", time.Now())

	var info types.ContainerJSON
	err := withRetry(ctx, p.backoff, dockerTransient, func() error {
		var err error
		info, err = p.api.ContainerInspect(ctx, id)
		return err
	})
	if errdefs.IsNotFound(err) {
		return nil, fmt.Errorf("docker container %s: %w", id, util.ErrNotFound)
	}
	if err != nil {
		span.RecordError(err)
		return nil, util.NewProvisionError(util.BackendDocker, "inspect", err)
	}
	return p.toRecord(info), nil
}

func (p *DockerProvider) Destroy(ctx context.Context, id string) error {
	ctx, span := tracing.Tracer.Start(ctx, "docker.Destroy", trace.WithAttributes(attribute.String("container.id", id)))
	defer span.End()
	defer monitoring.ObserveProvider(util.BackendDocker, "destroy", time.Now())

	err := withRetry(ctx, p.backoff, dockerTransient, func() error {
		return p.api.ContainerRemove(ctx, id, dockercontainer.RemoveOptions{Force: true, RemoveVolumes: true})
	})
	if err == nil || errdefs.IsNotFound(err) {
		return nil
	}
	span.RecordError(err)
	return util.NewProvisionError(util.BackendDocker, "destroy", err)
}

func (p *DockerProvider) pullImage(ctx context.Context, ref string) error {
	return withRetry(ctx, p.backoff, dockerTransient, func() error {
		rc, err := p.api.ImagePull(ctx, ref, image.PullOptions{RegistryAuth: p.registryAuth})
		if err != nil {
			return fmt.Errorf("pull image %q: %w", ref, err)
		}
		defer rc.Close()
		_, err = io.Copy(io.Discard, rc)
		return err
	})
}

func (p *DockerProvider) toRecord(info types.ContainerJSON) *Record {
	rec := &Record{IsProxy: p.isProxy(), Status: model.ContainerPending}
	if info.ContainerJSONBase != nil {
		rec.ID = info.ID
		rec.Name = strings.TrimPrefix(info.Name, "/")
		if info.State != nil {
			rec.Status = dockerStatus(info.State)
			if t, err := time.Parse(time.RFC3339Nano, info.State.StartedAt); err == nil {
				rec.StartedAt = t
			}
		}
	}

	var port nat.Port
	if info.Config != nil {
		for exposed := range info.Config.ExposedPorts {
			port = exposed
			break
		}
		rec.Port = port.Int()
	}

	if ns := info.NetworkSettings; ns != nil {
		if n, ok := ns.Networks[p.cfg.Docker.Network]; ok && n != nil {
			rec.IP = n.IPAddress
		}
		if rec.IP == "" {
			for _, name := range slices.Sorted(maps.Keys(ns.Networks)) {
				if n := ns.Networks[name]; n != nil && n.IPAddress != "" {
					rec.IP = n.IPAddress
					break
				}
			}
		}
		if !rec.IsProxy {
			rec.PublicHost = p.cfg.PublicEntry
			if bindings := ns.Ports[port]; len(bindings) > 0 {
				rec.PublicPort, _ = strconv.Atoi(bindings[0].HostPort)
			}
		}
	}
	return rec
}

func dockerStatus(state *types.ContainerState) model.ContainerStatus {
	switch {
	case state.Running:
		return model.ContainerRunning
	case state.Status == "removing":
		return model.ContainerDestroying
	case state.Status == "exited" || state.Status == "dead":
		return model.ContainerDestroyed
	default:
		return model.ContainerPending
	}
}

// dockerTransient 客户端错误（不存在/冲突/参数/鉴权）不重试
func dockerTransient(err error) bool {
	switch {
	case errdefs.IsNotFound(err),
		errdefs.IsConflict(err),
		errdefs.IsInvalidParameter(err),
		errdefs.IsUnauthorized(err),
		errdefs.IsForbidden(err):
		return false
	}
	return true
}
