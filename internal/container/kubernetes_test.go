package container

import (
	"context"
	"encoding/json"
	"testing"

	"gzctf_core/internal/config"
	"gzctf_core/internal/model"
	"gzctf_core/internal/util"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"
)

func kubeConfig(mode string) *config.ContainerConfig {
	cfg := testContainerConfig(mode)
	cfg.Type = util.BackendKubernetes
	cfg.Kubernetes.DenyCIDRs = []string{"10.0.0.0/8"}
	return cfg
}

func newFakeKubeClient(objs ...client.Object) client.Client {
	return fake.NewClientBuilder().WithScheme(clientgoscheme.Scheme).WithObjects(objs...).Build()
}

func TestKubernetesBootstrap(t *testing.T) {
	c := newFakeKubeClient()
	cfg := kubeConfig(util.ExposePublish)
	cfg.Registry = config.RegistryConfig{ServerAddress: "registry.example.com", Username: "bot", Password: "secret"}

	_, err := NewKubernetesProvider(context.Background(), c, cfg)
	require.NoError(t, err)

	ns := &corev1.Namespace{}
	require.NoError(t, c.Get(context.Background(), types.NamespacedName{Name: "gzctf-test"}, ns))

	policy := &networkingv1.NetworkPolicy{}
	require.NoError(t, c.Get(context.Background(), types.NamespacedName{Namespace: "gzctf-test", Name: NetworkPolicyName}, policy))
	require.Len(t, policy.Spec.Egress, 1)
	assert.Equal(t, []string{"10.0.0.0/8"}, policy.Spec.Egress[0].To[0].IPBlock.Except)

	secret := &corev1.Secret{}
	require.NoError(t, c.Get(context.Background(), types.NamespacedName{Namespace: "gzctf-test", Name: RegistrySecretName}, secret))
	assert.Equal(t, corev1.SecretTypeDockerConfigJson, secret.Type)

	var auths struct {
		Auths map[string]map[string]string `json:"auths"`
	}
	require.NoError(t, json.Unmarshal(secret.Data[corev1.DockerConfigJsonKey], &auths))
	assert.Equal(t, "bot", auths.Auths["registry.example.com"]["username"])
}

func TestKubernetesBootstrapToleratesExisting(t *testing.T) {
	existing := &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: "gzctf-test"}}
	c := newFakeKubeClient(existing)

	_, err := NewKubernetesProvider(context.Background(), c, kubeConfig(util.ExposePublish))
	require.NoError(t, err)
	_, err = NewKubernetesProvider(context.Background(), c, kubeConfig(util.ExposePublish))
	require.NoError(t, err)

	secret := &corev1.Secret{}
	err = c.Get(context.Background(), types.NamespacedName{Namespace: "gzctf-test", Name: RegistrySecretName}, secret)
	assert.True(t, apierrors.IsNotFound(err), "no registry credentials configured")
}

func TestKubernetesCreatePublish(t *testing.T) {
	c := newFakeKubeClient()
	p, err := NewKubernetesProvider(context.Background(), c, kubeConfig(util.ExposePublish))
	require.NoError(t, err)

	spec := testSpec()
	rec, err := p.Create(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, spec.Name, rec.ID)
	assert.Equal(t, model.ContainerPending, rec.Status)
	assert.Equal(t, 80, rec.Port)
	assert.Equal(t, "ctf.example.com", rec.PublicHost)
	assert.False(t, rec.IsProxy)

	key := types.NamespacedName{Namespace: "gzctf-test", Name: spec.Name}
	pod := &corev1.Pod{}
	require.NoError(t, c.Get(context.Background(), key, pod))

	want := corev1.ResourceList{
		corev1.ResourceCPU:              resource.MustParse("500m"),
		corev1.ResourceMemory:           resource.MustParse("128Mi"),
		corev1.ResourceEphemeralStorage: resource.MustParse("256Mi"),
	}
	got := pod.Spec.Containers[0].Resources.Limits
	for name, q := range want {
		assert.Zero(t, q.Cmp(got[name]), "limit %s: want %s got %s", name, q.String(), got.Name(name, resource.DecimalSI).String())
	}
	if diff := cmp.Diff([]corev1.EnvVar{{Name: util.FlagEnvName, Value: "flag{abc}"}}, pod.Spec.Containers[0].Env); diff != "" {
		t.Errorf("unexpected env (-want +got): %s", diff)
	}
	assert.Equal(t, spec.Name, pod.Labels[InstanceLabel])
	assert.Equal(t, "1", pod.Labels["gzctf.game"])
	assert.False(t, *pod.Spec.AutomountServiceAccountToken)

	svc := &corev1.Service{}
	require.NoError(t, c.Get(context.Background(), key, svc))
	assert.Equal(t, corev1.ServiceTypeNodePort, svc.Spec.Type)
	assert.Equal(t, map[string]string{InstanceLabel: spec.Name}, svc.Spec.Selector)
}

func TestKubernetesCreateProxyUsesClusterIP(t *testing.T) {
	c := newFakeKubeClient()
	p, err := NewKubernetesProvider(context.Background(), c, kubeConfig(util.ExposeProxy))
	require.NoError(t, err)

	rec, err := p.Create(context.Background(), testSpec())
	require.NoError(t, err)
	assert.True(t, rec.IsProxy)
	assert.Empty(t, rec.PublicHost)

	svc := &corev1.Service{}
	require.NoError(t, c.Get(context.Background(), types.NamespacedName{Namespace: "gzctf-test", Name: rec.ID}, svc))
	assert.Equal(t, corev1.ServiceTypeClusterIP, svc.Spec.Type)
}

func TestKubernetesCreateIsIdempotent(t *testing.T) {
	c := newFakeKubeClient()
	p, err := NewKubernetesProvider(context.Background(), c, kubeConfig(util.ExposePublish))
	require.NoError(t, err)

	first, err := p.Create(context.Background(), testSpec())
	require.NoError(t, err)
	second, err := p.Create(context.Background(), testSpec())
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	pods := &corev1.PodList{}
	require.NoError(t, c.List(context.Background(), pods, client.InNamespace("gzctf-test")))
	assert.Len(t, pods.Items, 1)
}

func TestKubernetesCreateRejectsTerminatingPod(t *testing.T) {
	spec := testSpec()
	deleted := metav1.Now()
	terminating := &corev1.Pod{ObjectMeta: metav1.ObjectMeta{
		Name:              spec.Name,
		Namespace:         "gzctf-test",
		DeletionTimestamp: &deleted,
		Finalizers:        []string{"gzctf.io/hold"},
	}}
	c := newFakeKubeClient(terminating)
	p, err := NewKubernetesProvider(context.Background(), c, kubeConfig(util.ExposePublish))
	require.NoError(t, err)

	rec, err := p.Create(context.Background(), spec)
	require.Error(t, err)
	assert.Nil(t, rec)
	assert.True(t, util.IsProvisionError(err))
	assert.ErrorIs(t, err, errTerminating)

	svc := &corev1.Service{}
	err = c.Get(context.Background(), types.NamespacedName{Namespace: "gzctf-test", Name: spec.Name}, svc)
	assert.True(t, apierrors.IsNotFound(err), "service must not be created for a terminating pod")

	pod := &corev1.Pod{}
	require.NoError(t, c.Get(context.Background(), client.ObjectKeyFromObject(terminating), pod))
	pod.Finalizers = nil
	require.NoError(t, c.Update(context.Background(), pod))

	rec, err = p.Create(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, model.ContainerPending, rec.Status)
}

func TestKubernetesInspect(t *testing.T) {
	c := newFakeKubeClient()
	p, err := NewKubernetesProvider(context.Background(), c, kubeConfig(util.ExposePublish))
	require.NoError(t, err)

	rec, err := p.Create(context.Background(), testSpec())
	require.NoError(t, err)

	pod := &corev1.Pod{}
	require.NoError(t, c.Get(context.Background(), types.NamespacedName{Namespace: "gzctf-test", Name: rec.ID}, pod))
	pod.Status.Phase = corev1.PodRunning
	pod.Status.PodIP = "10.1.2.3"
	require.NoError(t, c.Status().Update(context.Background(), pod))

	got, err := p.Inspect(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ContainerRunning, got.Status)

	_, err = p.Inspect(context.Background(), "missing")
	assert.ErrorIs(t, err, util.ErrNotFound)
}

func TestKubernetesDestroy(t *testing.T) {
	c := newFakeKubeClient()
	p, err := NewKubernetesProvider(context.Background(), c, kubeConfig(util.ExposePublish))
	require.NoError(t, err)

	rec, err := p.Create(context.Background(), testSpec())
	require.NoError(t, err)

	require.NoError(t, p.Destroy(context.Background(), rec.ID))
	require.NoError(t, p.Destroy(context.Background(), rec.ID))

	_, err = p.Inspect(context.Background(), rec.ID)
	assert.ErrorIs(t, err, util.ErrNotFound)

	svcs := &corev1.ServiceList{}
	require.NoError(t, c.List(context.Background(), svcs, client.InNamespace("gzctf-test")))
	assert.Empty(t, svcs.Items)
}
