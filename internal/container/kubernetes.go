package container

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"gzctf_core/internal/config"
	"gzctf_core/internal/model"
	"gzctf_core/internal/util"
	"gzctf_core/pkg/logger"
	"gzctf_core/pkg/monitoring"
	"gzctf_core/pkg/tracing"
	"maps"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/apimachinery/pkg/util/wait"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/utils/ptr"
	"sigs.k8s.io/controller-runtime/pkg/client"
	ctrlconfig "sigs.k8s.io/controller-runtime/pkg/client/config"
)

const (
	InstanceLabel      = "gzctf.instance"
	NetworkPolicyName  = "gzctf-policy"
	RegistrySecretName = "gzctf-registry-auth"

	challengeContainerName = "challenge"
	defaultRegistryServer  = "https://index.docker.io/v1/"
)

// KubernetesProvider 每个实例对应一个 Pod 和一个同名 Service
type KubernetesProvider struct {
	client    client.Client
	cfg       *config.ContainerConfig
	namespace string
	backoff   wait.Backoff
}

func NewKubernetesClient(cfg *config.ContainerConfig) (client.Client, error) {
	var (
		restCfg *rest.Config
		err     error
	)
	if cfg.Kubernetes.KubeConfig != "" {
		restCfg, err = clientcmd.BuildConfigFromFlags("", cfg.Kubernetes.KubeConfig)
	} else {
		restCfg, err = ctrlconfig.GetConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("load kubernetes config: %w", err)
	}
	return client.New(restCfg, client.Options{Scheme: clientgoscheme.Scheme})
}

// NewKubernetesProvider 构造时完成命名空间、网络策略和镜像仓库凭据的初始化
func NewKubernetesProvider(ctx context.Context, c client.Client, cfg *config.ContainerConfig) (*KubernetesProvider, error) {
	p := &KubernetesProvider{
		client:    c,
		cfg:       cfg,
		namespace: cfg.Kubernetes.Namespace,
		backoff:   backoffFrom(cfg.Retry),
	}
	if err := p.bootstrap(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *KubernetesProvider) Name() string {
	return util.BackendKubernetes
}

func (p *KubernetesProvider) isProxy() bool {
	return p.cfg.ExposeMode == util.ExposeProxy
}

func (p *KubernetesProvider) bootstrap(ctx context.Context) error {
	var errs error

	ns := &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: p.namespace}}
	errs = multierr.Append(errs, p.ensure(ctx, ns))
	errs = multierr.Append(errs, p.ensure(ctx, p.networkPolicy()))

	if p.cfg.Registry.Username != "" {
		secret, err := p.registrySecret()
		if err != nil {
			errs = multierr.Append(errs, err)
		} else {
			errs = multierr.Append(errs, p.ensure(ctx, secret))
		}
	}

	if errs != nil {
		return util.NewProvisionError(util.BackendKubernetes, "bootstrap", errs)
	}
	logger.Log.Info("Kubernetes namespace initialized", zap.String("namespace", p.namespace))
	return nil
}

// ensure 创建对象，已存在视为成功
func (p *KubernetesProvider) ensure(ctx context.Context, obj client.Object) error {
	err := withRetry(ctx, p.backoff, kubeTransient, func() error {
		return p.client.Create(ctx, obj)
	})
	if apierrors.IsAlreadyExists(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("create %T %s: %w", obj, obj.GetName(), err)
	}
	return nil
}

func (p *KubernetesProvider) networkPolicy() *networkingv1.NetworkPolicy {
	return &networkingv1.NetworkPolicy{
		ObjectMeta: metav1.ObjectMeta{Name: NetworkPolicyName, Namespace: p.namespace},
		Spec: networkingv1.NetworkPolicySpec{
			PodSelector: metav1.LabelSelector{},
			PolicyTypes: []networkingv1.PolicyType{networkingv1.PolicyTypeEgress},
			Egress: []networkingv1.NetworkPolicyEgressRule{{
				To: []networkingv1.NetworkPolicyPeer{{
					IPBlock: &networkingv1.IPBlock{
						CIDR:   "0.0.0.0/0",
						Except: p.cfg.Kubernetes.DenyCIDRs,
					},
				}},
			}},
		},
	}
}

func (p *KubernetesProvider) registrySecret() (*corev1.Secret, error) {
	server := p.cfg.Registry.ServerAddress
	if server == "" {
		server = defaultRegistryServer
	}
	auth := base64.StdEncoding.EncodeToString([]byte(p.cfg.Registry.Username + ":" + p.cfg.Registry.Password))
	payload, err := json.Marshal(map[string]any{
		"auths": map[string]any{
			server: map[string]string{
				"username": p.cfg.Registry.Username,
				"password": p.cfg.Registry.Password,
				"auth":     auth,
			},
		},
	})
	if err != nil {
		return nil, err
	}
	return &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{Name: RegistrySecretName, Namespace: p.namespace},
		Type:       corev1.SecretTypeDockerConfigJson,
		Data:       map[string][]byte{corev1.DockerConfigJsonKey: payload},
	}, nil
}

func (p *KubernetesProvider) Create(ctx context.Context, spec Spec) (*Record, error) {
	ctx, span := tracing.Tracer.Start(ctx, "kubernetes.Create", trace.WithAttributes(
		attribute.String("container.name", spec.Name),
		attribute.String("container.image", spec.Image),
	))
	defer span.End()
	defer monitoring.ObserveProvider(util.BackendKubernetes, "create", time.Now())

	pod, err := createOrGet(ctx, p, func() *corev1.Pod { return p.buildPod(spec) })
	if err != nil {
		span.RecordError(err)
		return nil, util.NewProvisionError(util.BackendKubernetes, "create pod", err)
	}

	svc, err := createOrGet(ctx, p, func() *corev1.Service { return p.buildService(spec) })
	if err != nil {
		span.RecordError(err)
		return nil, util.NewProvisionError(util.BackendKubernetes, "create service", err)
	}

	return p.toRecord(pod, svc), nil
}

var errTerminating = errors.New("object is terminating")

// createOrGet 已存在时读回现有对象，重试创建不会产生重复工作负载；
// 同名对象正在删除时按瞬时错误重试，直到它消失或重试耗尽
func createOrGet[T client.Object](ctx context.Context, p *KubernetesProvider, build func() T) (T, error) {
	var obj T
	err := withRetry(ctx, p.backoff, func(err error) bool {
		return errors.Is(err, errTerminating) || kubeTransient(err)
	}, func() error {
		obj = build()
		err := p.client.Create(ctx, obj)
		if !apierrors.IsAlreadyExists(err) {
			return err
		}
		if err := p.client.Get(ctx, client.ObjectKeyFromObject(obj), obj); err != nil {
			return err
		}
		if obj.GetDeletionTimestamp() != nil {
			return fmt.Errorf("%s/%s: %w", obj.GetNamespace(), obj.GetName(), errTerminating)
		}
		return nil
	})
	return obj, err
}

func (p *KubernetesProvider) buildPod(spec Spec) *corev1.Pod {
	labels := map[string]string{InstanceLabel: spec.Name}
	maps.Copy(labels, spec.Labels)

	env := make([]corev1.EnvVar, 0, len(spec.Env))
	for _, k := range slices.Sorted(maps.Keys(spec.Env)) {
		env = append(env, corev1.EnvVar{Name: k, Value: spec.Env[k]})
	}

	limits := corev1.ResourceList{
		corev1.ResourceCPU:    *resource.NewMilliQuantity(int64(spec.CPUCount)*100, resource.DecimalSI),
		corev1.ResourceMemory: *resource.NewQuantity(int64(spec.MemoryLimit)*1024*1024, resource.BinarySI),
	}
	if spec.StorageLimit > 0 {
		limits[corev1.ResourceEphemeralStorage] = *resource.NewQuantity(int64(spec.StorageLimit)*1024*1024, resource.BinarySI)
	}

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      spec.Name,
			Namespace: p.namespace,
			Labels:    labels,
		},
		Spec: corev1.PodSpec{
			RestartPolicy:                corev1.RestartPolicyNever,
			AutomountServiceAccountToken: ptr.To(false),
			EnableServiceLinks:           ptr.To(false),
			Containers: []corev1.Container{{
				Name:  challengeContainerName,
				Image: spec.Image,
				Env:   env,
				Ports: []corev1.ContainerPort{{
					ContainerPort: int32(spec.ExposePort),
					Protocol:      corev1.ProtocolTCP,
				}},
				Resources: corev1.ResourceRequirements{Limits: limits},
			}},
		},
	}
	if p.cfg.Registry.Username != "" {
		pod.Spec.ImagePullSecrets = []corev1.LocalObjectReference{{Name: RegistrySecretName}}
	}
	return pod
}

func (p *KubernetesProvider) buildService(spec Spec) *corev1.Service {
	svcType := corev1.ServiceTypeNodePort
	if p.isProxy() {
		svcType = corev1.ServiceTypeClusterIP
	}
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      spec.Name,
			Namespace: p.namespace,
			Labels:    map[string]string{InstanceLabel: spec.Name},
		},
		Spec: corev1.ServiceSpec{
			Type:     svcType,
			Selector: map[string]string{InstanceLabel: spec.Name},
			Ports: []corev1.ServicePort{{
				Port:       int32(spec.ExposePort),
				TargetPort: intstr.FromInt32(int32(spec.ExposePort)),
				Protocol:   corev1.ProtocolTCP,
			}},
		},
	}
}

func (p *KubernetesProvider) Inspect(ctx context.Context, id string) (*Record, error) {
	ctx, span := tracing.Tracer.Start(ctx, "kubernetes.Inspect", trace.WithAttributes(attribute.String("container.id", id)))
	defer span.End()
	defer monitoring.ObserveProvider(util.BackendKubernetes, "inspect", time.Now())

	key := types.NamespacedName{Namespace: p.namespace, Name: id}

	pod := &corev1.Pod{}
	err := withRetry(ctx, p.backoff, kubeTransient, func() error {
		return p.client.Get(ctx, key, pod)
	})
	if apierrors.IsNotFound(err) {
		return nil, fmt.Errorf("pod %s: %w", key, util.ErrNotFound)
	}
	if err != nil {
		span.RecordError(err)
		return nil, util.NewProvisionError(util.BackendKubernetes, "inspect", err)
	}

	svc := &corev1.Service{}
	if err := p.client.Get(ctx, key, svc); err != nil {
		if !apierrors.IsNotFound(err) {
			span.RecordError(err)
			return nil, util.NewProvisionError(util.BackendKubernetes, "inspect", err)
		}
		svc = nil
	}
	return p.toRecord(pod, svc), nil
}

func (p *KubernetesProvider) Destroy(ctx context.Context, id string) error {
	ctx, span := tracing.Tracer.Start(ctx, "kubernetes.Destroy", trace.WithAttributes(attribute.String("container.id", id)))
	defer span.End()
	defer monitoring.ObserveProvider(util.BackendKubernetes, "destroy", time.Now())

	meta := metav1.ObjectMeta{Name: id, Namespace: p.namespace}
	var errs error
	for _, obj := range []client.Object{&corev1.Service{ObjectMeta: meta}, &corev1.Pod{ObjectMeta: meta}} {
		err := withRetry(ctx, p.backoff, kubeTransient, func() error {
			return client.IgnoreNotFound(p.client.Delete(ctx, obj, client.PropagationPolicy(metav1.DeletePropagationBackground)))
		})
		errs = multierr.Append(errs, err)
	}
	if errs != nil {
		span.RecordError(errs)
		return util.NewProvisionError(util.BackendKubernetes, "destroy", errs)
	}
	return nil
}

func (p *KubernetesProvider) toRecord(pod *corev1.Pod, svc *corev1.Service) *Record {
	rec := &Record{
		ID:      pod.Name,
		Name:    pod.Name,
		Status:  podStatus(pod),
		IP:      pod.Status.PodIP,
		IsProxy: p.isProxy(),
	}
	if pod.Status.StartTime != nil {
		rec.StartedAt = pod.Status.StartTime.Time
	}
	if len(pod.Spec.Containers) > 0 && len(pod.Spec.Containers[0].Ports) > 0 {
		rec.Port = int(pod.Spec.Containers[0].Ports[0].ContainerPort)
	}
	if svc != nil {
		if svc.Spec.ClusterIP != "" {
			rec.IP = svc.Spec.ClusterIP
		}
		if !rec.IsProxy && len(svc.Spec.Ports) > 0 {
			rec.PublicHost = p.cfg.PublicEntry
			rec.PublicPort = int(svc.Spec.Ports[0].NodePort)
		}
	}
	return rec
}

func podStatus(pod *corev1.Pod) model.ContainerStatus {
	if pod.DeletionTimestamp != nil {
		return model.ContainerDestroying
	}
	switch pod.Status.Phase {
	case corev1.PodRunning:
		return model.ContainerRunning
	case corev1.PodSucceeded, corev1.PodFailed:
		return model.ContainerDestroyed
	default:
		return model.ContainerPending
	}
}

func kubeTransient(err error) bool {
	return apierrors.IsServerTimeout(err) ||
		apierrors.IsTimeout(err) ||
		apierrors.IsTooManyRequests(err) ||
		apierrors.IsServiceUnavailable(err) ||
		apierrors.IsInternalError(err) ||
		apierrors.IsUnexpectedServerError(err)
}
