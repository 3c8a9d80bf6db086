package app

import (
	"context"
	"gzctf_core/internal/config"
	"gzctf_core/internal/container"
	"gzctf_core/internal/controller"
	"gzctf_core/internal/repository"
	"gzctf_core/internal/service"
	"gzctf_core/pkg/configwatcher"
	"gzctf_core/pkg/database"
	"gzctf_core/pkg/logger"
	"gzctf_core/pkg/monitoring"
	"gzctf_core/pkg/security"
	"gzctf_core/pkg/tracing"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

const ConfigFile = "configs/config.yaml"

type App struct {
	Config          *config.Config
	Router          *gin.Engine
	DB              *gorm.DB
	Redis           *redis.Client
	services        *services
	configCallbacks []func(*config.Config)
	tracer          *sdktrace.TracerProvider
	limiter         *security.Limiter
	cancel          context.CancelFunc
}

type repositories struct {
	game          *repository.GameRepository
	challenge     *repository.ChallengeRepository
	participation *repository.ParticipationRepository
	instance      *repository.InstanceRepository
	container     *repository.ContainerRepository
	submission    *repository.SubmissionRepository
}

type services struct {
	policies   *config.PolicyStore
	notifier   *service.RedisNotifier
	provider   container.Provider
	flag       *service.FlagService
	instance   *service.InstanceService
	reaper     *service.Reaper
	scoreboard *service.ScoreboardService
	checker    *service.FlagChecker
	challenge  *service.ChallengeService
	finalizer  *service.GameFinalizer
}

type controllers struct {
	health     *controller.HealthController
	scoreboard *controller.ScoreboardController
}

func (a *App) RegisterConfigCallback(callback func(*config.Config)) {
	a.configCallbacks = append(a.configCallbacks, callback)
}

func (a *App) reloadConfig(cfg *config.Config) {
	for _, cb := range a.configCallbacks {
		cb(cfg)
	}
}

// Checker 提交入口，供上层 API 调用
func (a *App) Checker() *service.FlagChecker { return a.services.checker }

func (a *App) Instances() *service.InstanceService { return a.services.instance }

func (a *App) Challenges() *service.ChallengeService { return a.services.challenge }

func (a *App) initRepositories(db *gorm.DB) *repositories {
	return &repositories{
		game:          repository.NewGameRepository(db),
		challenge:     repository.NewChallengeRepository(db),
		participation: repository.NewParticipationRepository(db),
		instance:      repository.NewInstanceRepository(db),
		container:     repository.NewContainerRepository(db),
		submission:    repository.NewSubmissionRepository(db),
	}
}

func (a *App) initServices(ctx context.Context, repos *repositories, cfg *config.Config, rdb *redis.Client, provider container.Provider) (*services, error) {
	s := &services{
		policies: config.NewPolicyStore(cfg.Game),
		notifier: service.NewRedisNotifier(rdb),
		provider: provider,
		flag:     service.NewFlagService(),
	}

	s.instance = service.NewInstanceService(
		repos.game,
		repos.challenge,
		repos.participation,
		repos.instance,
		repos.container,
		provider,
		s.flag,
		s.policies,
		s.notifier,
		cfg.Container,
	)
	s.reaper = service.NewReaper(s.instance, repos.container, cfg.Reaper, cfg.Container)

	s.scoreboard = service.NewScoreboardService(
		repos.game,
		repos.submission,
		repos.challenge,
		repos.participation,
		s.policies,
		rdb,
		s.notifier,
		cfg.Scoreboard,
	)
	s.checker = service.NewFlagChecker(
		repos.game,
		repos.participation,
		repos.challenge,
		repos.instance,
		repos.submission,
		s.scoreboard,
		s.notifier,
		cfg.Checker,
	)
	s.challenge = service.NewChallengeService(repos.challenge, s.flag, s.scoreboard)

	var archiver service.ScoreboardArchiver = service.NopArchiver{}
	if cfg.Archive.Enabled {
		minioArchiver, err := service.NewMinioArchiver(&cfg.Archive)
		if err != nil {
			return nil, err
		}
		if err := minioArchiver.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		archiver = minioArchiver
	}
	s.finalizer = service.NewGameFinalizer(repos.game, s.instance, s.scoreboard, archiver)

	return s, nil
}

func (a *App) initControllers(s *services, db *gorm.DB, rdb *redis.Client) *controllers {
	return &controllers{
		health:     controller.NewHealthController(db, rdb, s.provider.Name()),
		scoreboard: controller.NewScoreboardController(s.scoreboard),
	}
}

func (a *App) setupMiddlewares(router *gin.Engine, cfg *config.Config) {
	router.Use(security.Secure())
	if cfg.Server.RequestsPerMinute > 0 {
		a.limiter = security.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.Server.RequestsPerMinute)), cfg.Server.RequestsPerMinute, 3*time.Minute)
		router.Use(security.RateLimiter(a.limiter))
	}

	// 分布式追踪中间件
	if cfg.Tracing.Enabled {
		router.Use(tracing.GinMiddleware())
	}

	router.Use(monitoring.MetricsMiddleware())
}

func (a *App) startBackgroundTasks(ctx context.Context, s *services) {
	go s.notifier.Run(ctx)
	s.scoreboard.Start(ctx)
	s.checker.Start(ctx)
	s.reaper.Start(ctx)
	if a.limiter != nil {
		go a.limiter.Run(ctx)
	}

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.finalizer.Run(ctx); err != nil {
					logger.Log.Error("game finalize error", zap.Error(err))
				}
			}
		}
	}()

	go func() {
		if err := configwatcher.WatchConfig(ctx, ConfigFile, a.reloadConfig); err != nil {
			logger.Log.Warn("Config hot reload disabled", zap.Error(err))
		}
	}()
}

func NewApp(cfg *config.Config) *App {
	logger.InitLogger(cfg)
	defer logger.Log.Sync()

	logger.Log.Info("Logger initialized successfully")

	db, err := database.InitDB(&cfg.Database)
	if err != nil {
		logger.Log.Fatal("Failed to initialize database", zap.Error(err))
		log.Fatalf("Failed to initialize database: %v", err)
	}

	if cfg.ForceMigrate || cfg.Server.Mode == "debug" {
		if err := database.Migrate(db); err != nil {
			logger.Log.Fatal("Failed to migrate database", zap.Error(err))
		}
		logger.Log.Info("Database migrated")
	}

	app := &App{
		Config: cfg,
		DB:     db,
	}
	if cfg.MigrateOnly {
		return app
	}

	rdb, err := database.InitRedis(&cfg.Redis)
	if err != nil {
		logger.Log.Fatal("Failed to initialize redis", zap.Error(err))
		log.Fatalf("Failed to initialize redis: %v", err)
	}
	app.Redis = rdb

	if cfg.Tracing.Enabled {
		tp, err := tracing.InitTracer("gzctf-core", cfg.Tracing.CollectorEndpoint)
		if err != nil {
			logger.Log.Fatal("Failed to initialize tracing", zap.Error(err))
		}
		app.tracer = tp
	}

	ctx, cancel := context.WithCancel(context.Background())
	app.cancel = cancel

	provider, err := container.NewProvider(ctx, &cfg.Container)
	if err != nil {
		logger.Log.Fatal("Failed to initialize container provider", zap.String("type", cfg.Container.Type), zap.Error(err))
	}
	logger.Log.Info("Container provider ready", zap.String("type", provider.Name()))

	repos := app.initRepositories(db)
	services, err := app.initServices(ctx, repos, cfg, rdb, provider)
	if err != nil {
		logger.Log.Fatal("Failed to initialize services", zap.Error(err))
	}
	app.services = services
	controllers := app.initControllers(services, db, rdb)

	// 比赛参数支持热更新
	app.RegisterConfigCallback(func(c *config.Config) {
		services.policies.Update(c.Game)
	})

	// 监控初始化
	monitoring.Init()

	router := gin.Default()
	app.Router = router

	app.setupMiddlewares(router, cfg)
	app.registerRoutes(router, controllers)

	app.startBackgroundTasks(ctx, services)

	return app
}

func (a *App) Run() {
	srv := &http.Server{
		Addr:    ":" + a.Config.Server.Port,
		Handler: a.Router,
	}

	// 启动服务器
	go func() {
		log.Printf("Server running on port %s", a.Config.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %s\n", err)
		}
	}()

	// 等待中断信号优雅地关闭服务器（设置5秒的超时时间）
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	// 停止后台任务，未判完的提交保持 Pending，下次启动时恢复
	a.cancel()
	a.services.checker.Wait()

	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			logger.Log.Error("Failed to shutdown tracer provider", zap.Error(err))
		}
	}

	log.Println("Server exiting")
}
