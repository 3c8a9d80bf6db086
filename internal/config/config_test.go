package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
server:
  port: "9090"
  mode: debug
container:
  type: kubernetes
  public_entry: ctf.example.com
game:
  container_count_limit: 2
  default_lifetime: 1h
  max_lifetime: 3h
  extension_duration: 30m
  overrides:
    - game_id: 7
      container_count_limit: 5
      blood_bonus: [100]
checker:
  workers: 2
  queue_size: 16
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(body), 0o644))
	return dir
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, testConfig))
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "kubernetes", cfg.Container.Type)
	assert.Equal(t, "publish", cfg.Container.ExposeMode)
	assert.Equal(t, 60*time.Second, cfg.Container.CreateTimeout)
	assert.Equal(t, "gzctf-challenges", cfg.Container.Kubernetes.Namespace)
	assert.Equal(t, 30*time.Minute, cfg.Game.ExtensionDuration)
	assert.Equal(t, []int{50, 30, 10}, cfg.Game.BloodBonus)
	assert.Equal(t, 16, cfg.Checker.QueueSize)
}

func TestLoadConfigRejectsUnknownBackend(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "container:\n  type: podman\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "podman")
}

func TestPolicyOverrides(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, testConfig))
	require.NoError(t, err)

	store := NewPolicyStore(cfg.Game)

	def := store.Policy(1)
	assert.Equal(t, 2, def.ContainerCountLimit)
	assert.Equal(t, 3*time.Hour, def.MaxLifetime)
	assert.Equal(t, [3]int{50, 30, 10}, def.BloodBonus)

	over := store.Policy(7)
	assert.Equal(t, 5, over.ContainerCountLimit)
	assert.Equal(t, time.Hour, over.DefaultLifetime)
	assert.Equal(t, [3]int{100, 0, 0}, over.BloodBonus)

	updated := cfg.Game
	updated.ContainerCountLimit = 9
	store.Update(updated)
	assert.Equal(t, 9, store.Policy(1).ContainerCountLimit)
}
