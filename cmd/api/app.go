package main

import (
	"context"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-proctor-api/internal/config"
	"github.com/noah-isme/gema-proctor-api/internal/database"
	"github.com/noah-isme/gema-proctor-api/internal/events"
	"github.com/noah-isme/gema-proctor-api/internal/framestore"
	"github.com/noah-isme/gema-proctor-api/internal/grading"
	"github.com/noah-isme/gema-proctor-api/internal/handler"
	"github.com/noah-isme/gema-proctor-api/internal/integrity"
	"github.com/noah-isme/gema-proctor-api/internal/liveness"
	"github.com/noah-isme/gema-proctor-api/internal/lock"
	"github.com/noah-isme/gema-proctor-api/internal/repository"
	"github.com/noah-isme/gema-proctor-api/internal/sandbox"
	"github.com/noah-isme/gema-proctor-api/internal/service"
	"github.com/noah-isme/gema-proctor-api/internal/worker"
	"github.com/noah-isme/gema-proctor-api/pkg/ai"
	cloud "github.com/noah-isme/gema-proctor-api/pkg/cloudinary"
	dockerexec "github.com/noah-isme/gema-proctor-api/pkg/docker"
	"github.com/noah-isme/gema-proctor-api/pkg/judge0"
)

// application holds every long-lived component built from the configuration.
type application struct {
	cfg    config.Config
	logger zerolog.Logger

	db     *gorm.DB
	redis  *redis.Client
	nats   *nats.Conn
	docker *dockerexec.DockerExecutor
	pool   *worker.Pool
	bus    *events.Bus

	grading    service.GradingService
	exams      service.ExamService
	proctoring service.ProctoringService
	monitor    service.MonitorService
	results    service.ResultService
	overrides  service.OverrideService
	faces      service.FaceService
}

func newLogger(cfg config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	return zerolog.New(os.Stdout).Level(level).With().Timestamp().Str("service", cfg.AppName).Logger()
}

func buildApplication(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*application, error) {
	app := &application{cfg: cfg, logger: logger}

	db, err := database.ConnectPostgres(ctx, database.PostgresConfig{
		DSN:             cfg.DatabaseURL,
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
		LogQueries:      cfg.IsDevelopment() && cfg.LogLevel == "debug",
	})
	if err != nil {
		return nil, err
	}
	app.db = db
	if err := database.Migrate(db); err != nil {
		app.close()
		return nil, err
	}

	redisClient, err := database.ConnectRedis(ctx, cfg.RedisURL, cfg.AppName)
	if err != nil {
		app.close()
		return nil, err
	}
	app.redis = redisClient

	if cfg.NATSURL != "" {
		conn, err := database.ConnectNATS(cfg.NATSURL, cfg.AppName)
		if err != nil {
			logger.Warn().Err(err).Msg("nats unavailable, events stay on redis")
		} else {
			app.nats = conn
		}
	}

	app.bus = events.NewBus(redisClient, app.nats, cfg.EventChannel, logger)
	app.bus.Start(ctx)

	app.pool = worker.NewPool(ctx, cfg.GradingWorkers, cfg.GradingQueue, logger)

	validate := validator.New(validator.WithRequiredStructEnabled())

	examRepo := repository.NewExamRepository(db)
	sessionRepo := repository.NewSessionRepository(db)
	responseRepo := repository.NewResponseRepository(db)
	resultRepo := repository.NewResultRepository(db)
	logRepo := repository.NewProctoringLogRepository(db)
	faceRepo := repository.NewFaceProfileRepository(db)

	locker := app.buildLocker()
	engine := integrity.NewEngine(integrity.DefaultWeights().WithOverrides(cfg.IntegrityWeights))
	subjective := app.buildSubjectiveGrader()
	code := app.buildCodeGrader()

	app.grading = service.NewGradingService(service.GradingDeps{
		Sessions:   sessionRepo,
		Responses:  responseRepo,
		Results:    resultRepo,
		Subjective: subjective,
		Code:       code,
		Locker:     locker,
		Jobs:       app.pool,
		Publisher:  app.bus,
	}, service.GradingConfig{SweepGrace: cfg.SweepGrace}, logger)

	integrityService := service.NewIntegrityService(sessionRepo, engine, locker, app.bus, logger)
	frames := framestore.New(redisClient, framestore.Config{TTL: cfg.FrameTTL, MaxBytes: cfg.FrameMaxBytes})

	app.proctoring = service.NewProctoringService(integrityService, frames, app.buildEvidenceUploader(), validate, logger)
	app.monitor = service.NewMonitorService(examRepo, sessionRepo, logRepo, app.bus, logger)
	app.exams = service.NewExamService(service.ExamDeps{
		Exams:     examRepo,
		Sessions:  sessionRepo,
		Responses: responseRepo,
		Grader:    app.grading,
		Code:      code,
		Publisher: app.bus,
	}, validate, logger)
	app.results = service.NewResultService(sessionRepo, examRepo, responseRepo, resultRepo, app.grading, logger)
	app.overrides = service.NewOverrideService(sessionRepo, examRepo, resultRepo, locker, validate, logger)
	app.faces = service.NewFaceService(faceRepo, liveness.NewMatcher(), validate, logger)

	return app, nil
}

func (a *application) buildLocker() lock.Locker {
	if a.cfg.LockDriver == config.LockRedis {
		return lock.NewRedisLocker(a.redis, lock.RedisConfig{TTL: a.cfg.LockTTL, Wait: a.cfg.LockWait}, a.logger)
	}
	return lock.NewLocalLocker(a.cfg.LockWait)
}

// buildSubjectiveGrader returns nil without an API key; subjective answers
// are then marked degraded until an embedder is configured.
func (a *application) buildSubjectiveGrader() *grading.SubjectiveGrader {
	embedder, err := ai.NewOpenAIEmbedder(ai.OpenAIConfig{
		APIKey:  a.cfg.OpenAIAPIKey,
		BaseURL: a.cfg.OpenAIBaseURL,
		Model:   a.cfg.EmbeddingModel,
		Timeout: a.cfg.EmbeddingTimeout,
		Logger:  a.logger,
	})
	if err != nil {
		a.logger.Warn().Err(err).Msg("embedding provider disabled")
		return nil
	}

	cached := ai.NewCachedEmbedder(embedder, a.redis, "proctor:embedding:", a.cfg.EmbeddingCacheTTL, a.logger)
	return grading.NewSubjectiveGrader(cached)
}

func (a *application) buildCodeGrader() *grading.CodeGrader {
	graderCfg := grading.CodeGraderConfig{
		CaseTimeout: a.cfg.CaseTimeout,
		Concurrency: a.cfg.CodeConcurrency,
	}

	switch a.cfg.CodeRunner {
	case config.RunnerJudge0:
		client, err := judge0.NewClient(judge0.Config{
			BaseURL:           a.cfg.Judge0URL,
			APIKey:            a.cfg.Judge0APIKey,
			APIHost:           a.cfg.Judge0APIHost,
			Timeout:           a.cfg.CaseTimeout,
			RequestsPerSecond: a.cfg.Judge0RPS,
			Logger:            a.logger,
		})
		if err != nil {
			a.logger.Warn().Err(err).Msg("judge0 runner disabled")
			return nil
		}
		return grading.NewCodeGrader(sandbox.NewJudge0Runner(client), graderCfg)
	default:
		executor, err := dockerexec.NewDockerExecutor(dockerexec.Config{
			Host:          a.cfg.DockerHost,
			Timeout:       a.cfg.CaseTimeout,
			MemoryLimitMB: int64(a.cfg.CodeRunMemoryMB),
			CPUShares:     int64(a.cfg.CodeRunCPUShares),
			Logger:        a.logger,
		})
		if err != nil {
			a.logger.Warn().Err(err).Msg("docker runner disabled")
			return nil
		}
		a.docker = executor
		runner := sandbox.NewDockerRunner(executor, sandbox.DockerConfig{
			Timeout:       a.cfg.CaseTimeout,
			MemoryLimitMB: a.cfg.CodeRunMemoryMB,
			CPUShares:     a.cfg.CodeRunCPUShares,
		}, a.logger)
		return grading.NewCodeGrader(runner, graderCfg)
	}
}

// buildEvidenceUploader returns a nil interface, not a typed nil, when
// Cloudinary is not configured.
func (a *application) buildEvidenceUploader() service.EvidenceUploader {
	if a.cfg.CloudinaryCloudName == "" {
		return nil
	}

	uploader, err := cloud.New(cloud.Config{
		CloudName: a.cfg.CloudinaryCloudName,
		APIKey:    a.cfg.CloudinaryAPIKey,
		APISecret: a.cfg.CloudinaryAPISecret,
		Folder:    a.cfg.CloudinaryUploadFolder,
	}, a.logger)
	if err != nil {
		a.logger.Warn().Err(err).Msg("evidence uploads disabled")
		return nil
	}
	return uploader
}

func (a *application) healthProbes() map[string]handler.HealthProbe {
	return map[string]handler.HealthProbe{
		"database": func(ctx context.Context) error {
			sqlDB, err := a.db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
		"redis": func(ctx context.Context) error {
			return a.redis.Ping(ctx).Err()
		},
	}
}

// close releases resources in reverse order of construction.
func (a *application) close() {
	if a.pool != nil {
		a.pool.Close()
	}
	if a.nats != nil {
		if err := a.nats.Drain(); err != nil {
			a.logger.Warn().Err(err).Msg("nats drain failed")
		}
	}
	if a.docker != nil {
		if err := a.docker.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("docker client close failed")
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("redis close failed")
		}
	}
	if a.db != nil {
		if sqlDB, err := a.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}
