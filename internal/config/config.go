package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Tracing    TracingConfig    `mapstructure:"tracing"`
	Container  ContainerConfig  `mapstructure:"container"`
	Game       GameConfig       `mapstructure:"game"`
	Checker    CheckerConfig    `mapstructure:"checker"`
	Scoreboard ScoreboardConfig `mapstructure:"scoreboard"`
	Reaper     ReaperConfig     `mapstructure:"reaper"`
	Archive    ArchiveConfig    `mapstructure:"archive"`

	// 运行时标志（非配置文件，通过命令行参数设置）
	ForceMigrate bool `mapstructure:"-"`
	MigrateOnly  bool `mapstructure:"-"`
}

type ServerConfig struct {
	Port              string
	Mode              string
	RequestsPerMinute int `mapstructure:"requests_per_minute"`
}

type DatabaseConfig struct {
	Host      string
	Port      int
	User      string
	Password  string
	DBName    string
	Charset   string
	ParseTime bool
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type TracingConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	CollectorEndpoint string `mapstructure:"collector_endpoint"`
}

type ContainerConfig struct {
	Type           string           `mapstructure:"type"`
	ExposeMode     string           `mapstructure:"expose_mode"`
	PublicEntry    string           `mapstructure:"public_entry"`
	CreateTimeout  time.Duration    `mapstructure:"create_timeout"`
	DestroyTimeout time.Duration    `mapstructure:"destroy_timeout"`
	Retry          RetryConfig      `mapstructure:"retry"`
	Registry       RegistryConfig   `mapstructure:"registry"`
	Docker         DockerConfig     `mapstructure:"docker"`
	Kubernetes     KubernetesConfig `mapstructure:"kubernetes"`
}

type RetryConfig struct {
	Attempts int           `mapstructure:"attempts"`
	Interval time.Duration `mapstructure:"interval"`
}

type RegistryConfig struct {
	ServerAddress string `mapstructure:"server_address"`
	Username      string `mapstructure:"username"`
	Password      string `mapstructure:"password"`
}

type DockerConfig struct {
	URI          string `mapstructure:"uri"`
	Network      string `mapstructure:"network"`
	PullImage    bool   `mapstructure:"pull_image"`
	StorageLimit bool   `mapstructure:"storage_limit"`
}

type KubernetesConfig struct {
	Namespace  string   `mapstructure:"namespace"`
	KubeConfig string   `mapstructure:"kubeconfig"`
	DenyCIDRs  []string `mapstructure:"deny_cidrs"`
}

type GameConfig struct {
	ContainerCountLimit int            `mapstructure:"container_count_limit"`
	DefaultLifetime     time.Duration  `mapstructure:"default_lifetime"`
	MaxLifetime         time.Duration  `mapstructure:"max_lifetime"`
	ExtensionDuration   time.Duration  `mapstructure:"extension_duration"`
	BloodBonus          []int          `mapstructure:"blood_bonus"`
	Overrides           []GameOverride `mapstructure:"overrides"`
}

// GameOverride 单场比赛覆盖默认值，零值表示沿用默认
type GameOverride struct {
	GameID              uint          `mapstructure:"game_id"`
	ContainerCountLimit int           `mapstructure:"container_count_limit"`
	DefaultLifetime     time.Duration `mapstructure:"default_lifetime"`
	MaxLifetime         time.Duration `mapstructure:"max_lifetime"`
	ExtensionDuration   time.Duration `mapstructure:"extension_duration"`
	BloodBonus          []int         `mapstructure:"blood_bonus"`
}

type CheckerConfig struct {
	Workers     int     `mapstructure:"workers"`
	QueueSize   int     `mapstructure:"queue_size"`
	SubmitRate  float64 `mapstructure:"submit_rate"`
	SubmitBurst int     `mapstructure:"submit_burst"`
}

type ScoreboardConfig struct {
	Workers  int           `mapstructure:"workers"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

type ReaperConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type ArchiveConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.requests_per_minute", 600)
	v.SetDefault("database.charset", "utf8mb4")
	v.SetDefault("database.parsetime", true)

	v.SetDefault("container.type", "docker")
	v.SetDefault("container.expose_mode", "publish")
	v.SetDefault("container.create_timeout", "60s")
	v.SetDefault("container.destroy_timeout", "30s")
	v.SetDefault("container.retry.attempts", 3)
	v.SetDefault("container.retry.interval", "500ms")
	v.SetDefault("container.kubernetes.namespace", "gzctf-challenges")

	v.SetDefault("game.container_count_limit", 3)
	v.SetDefault("game.default_lifetime", "2h")
	v.SetDefault("game.max_lifetime", "6h")
	v.SetDefault("game.extension_duration", "2h")
	v.SetDefault("game.blood_bonus", []int{50, 30, 10})

	v.SetDefault("checker.workers", 4)
	v.SetDefault("checker.queue_size", 1024)
	v.SetDefault("checker.submit_rate", 1.0)
	v.SetDefault("checker.submit_burst", 5)

	v.SetDefault("scoreboard.workers", 2)
	v.SetDefault("scoreboard.cache_ttl", "24h")
	v.SetDefault("reaper.interval", "30s")
	v.SetDefault("archive.bucket", "gzctf-scoreboards")
}

func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.SetEnvPrefix("GZCTF")
	v.AutomaticEnv()
	setDefaults(v)

	// Database
	v.BindEnv("database.host", "DATABASE_HOST")
	v.BindEnv("database.port", "DATABASE_PORT")
	v.BindEnv("database.user", "DATABASE_USER")
	v.BindEnv("database.password", "DATABASE_PASSWORD")
	v.BindEnv("database.dbname", "DATABASE_NAME")

	// Redis
	v.BindEnv("redis.host", "REDIS_HOST")
	v.BindEnv("redis.port", "REDIS_PORT")
	v.BindEnv("redis.password", "REDIS_PASSWORD")

	// Server
	v.BindEnv("server.mode", "SERVER_MODE")

	// Container backend
	v.BindEnv("container.type", "CONTAINER_TYPE")
	v.BindEnv("container.public_entry", "CONTAINER_PUBLIC_ENTRY")
	v.BindEnv("container.registry.username", "REGISTRY_USERNAME")
	v.BindEnv("container.registry.password", "REGISTRY_PASSWORD")
	v.BindEnv("container.kubernetes.kubeconfig", "KUBECONFIG")

	// Archive / MinIO
	v.BindEnv("archive.endpoint", "MINIO_ENDPOINT")
	v.BindEnv("archive.access_key", "MINIO_ACCESS_KEY")
	v.BindEnv("archive.secret_key", "MINIO_SECRET_KEY")

	// Tracing
	v.BindEnv("tracing.enabled", "TRACING_ENABLED")
	v.BindEnv("tracing.collector_endpoint", "TRACING_COLLECTOR_ENDPOINT")

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Container.Type {
	case "docker", "kubernetes":
	default:
		return fmt.Errorf("unsupported container type %q", c.Container.Type)
	}
	switch c.Container.ExposeMode {
	case "publish", "proxy":
	default:
		return fmt.Errorf("unsupported expose mode %q", c.Container.ExposeMode)
	}
	if c.Game.MaxLifetime < c.Game.DefaultLifetime {
		return fmt.Errorf("game.max_lifetime (%s) is shorter than game.default_lifetime (%s)", c.Game.MaxLifetime, c.Game.DefaultLifetime)
	}
	if c.Checker.QueueSize <= 0 || c.Checker.Workers <= 0 {
		return fmt.Errorf("checker.queue_size and checker.workers must be positive")
	}
	if c.Archive.Enabled && c.Archive.Endpoint == "" {
		return fmt.Errorf("archive.endpoint is required when archive is enabled")
	}
	return nil
}
