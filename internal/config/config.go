package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Code runner drivers.
const (
	RunnerDocker = "docker"
	RunnerJudge0 = "judge0"
)

// Lock drivers.
const (
	LockLocal = "local"
	LockRedis = "redis"
)

// Config holds runtime configuration values for the proctoring service.
type Config struct {
	AppName     string
	AppEnv      string
	AppPort     string
	LogLevel    string
	DatabaseURL string
	RedisURL    string
	NATSURL     string
	JWTSecret   string
	CORSOrigins string

	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration

	CloudinaryCloudName    string
	CloudinaryAPIKey       string
	CloudinaryAPISecret    string
	CloudinaryUploadFolder string

	CodeRunner       string
	DockerHost       string
	CodeRunMemoryMB  int
	CodeRunCPUShares int
	Judge0URL        string
	Judge0APIKey     string
	Judge0APIHost    string
	Judge0RPS        float64

	OpenAIAPIKey       string
	OpenAIBaseURL      string
	EmbeddingModel     string
	EmbeddingTimeout   time.Duration
	EmbeddingCacheTTL  time.Duration
	CaseTimeout        time.Duration
	CodeConcurrency    int
	GradingWorkers     int
	GradingQueue       int
	SweepInterval      time.Duration
	SweepGrace         time.Duration
	LockDriver         string
	LockWait           time.Duration
	LockTTL            time.Duration
	FrameTTL           time.Duration
	FrameMaxBytes      int
	EventChannel       string
	ProctoringRateMax  int
	ProctoringRateSpan time.Duration
	IntegrityWeights   map[string]float64
}

// IsDevelopment reports whether the service runs with development defaults.
func (c Config) IsDevelopment() bool {
	return c.AppEnv == "" || strings.EqualFold(c.AppEnv, "development")
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("PROCTOR")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app.name", "GEMA Proctor API")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("cors.allow_origins", "*")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("cloudinary.folder", "gema/proctoring")
	v.SetDefault("code_runner.driver", RunnerDocker)
	v.SetDefault("code_run_memory_mb", 256)
	v.SetDefault("code_run_cpu_shares", 512)
	v.SetDefault("judge0.url", "https://judge0-ce.p.rapidapi.com")
	v.SetDefault("judge0.api_host", "judge0-ce.p.rapidapi.com")
	v.SetDefault("judge0.rps", 5)
	v.SetDefault("openai.model", "text-embedding-3-small")
	v.SetDefault("embedding.timeout", "10s")
	v.SetDefault("embedding.cache_ttl", "24h")
	v.SetDefault("grading.case_timeout", "20s")
	v.SetDefault("grading.code_concurrency", 4)
	v.SetDefault("grading.workers", 0)
	v.SetDefault("grading.queue", 64)
	v.SetDefault("grading.sweep_interval", "1m")
	v.SetDefault("grading.sweep_grace", "2m")
	v.SetDefault("lock.driver", LockLocal)
	v.SetDefault("lock.wait", "5s")
	v.SetDefault("lock.ttl", "30s")
	v.SetDefault("frames.ttl", "2m")
	v.SetDefault("frames.max_bytes", 2<<20)
	v.SetDefault("events.channel", "proctor")
	v.SetDefault("rate_limit.proctoring_max", 30)
	v.SetDefault("rate_limit.proctoring_window", "1s")

	durations := map[string]time.Duration{}
	for _, key := range []string{
		"database.conn_max_lifetime", "embedding.timeout", "embedding.cache_ttl", "grading.case_timeout", "grading.sweep_interval",
		"grading.sweep_grace", "lock.wait", "lock.ttl", "frames.ttl", "rate_limit.proctoring_window",
	} {
		parsed, err := time.ParseDuration(v.GetString(key))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", key, err)
		}
		durations[key] = parsed
	}

	weights, err := ParseWeights(v.GetString("integrity.weights"))
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		AppName:                v.GetString("app.name"),
		AppEnv:                 v.GetString("app.env"),
		AppPort:                v.GetString("app.port"),
		LogLevel:               strings.ToLower(v.GetString("log.level")),
		DatabaseURL:            v.GetString("database.url"),
		RedisURL:               v.GetString("redis.url"),
		NATSURL:                v.GetString("nats.url"),
		JWTSecret:              v.GetString("jwt.secret"),
		CORSOrigins:            v.GetString("cors.allow_origins"),
		DBMaxOpenConns:         v.GetInt("database.max_open_conns"),
		DBMaxIdleConns:         v.GetInt("database.max_idle_conns"),
		DBConnMaxLifetime:      durations["database.conn_max_lifetime"],
		CloudinaryCloudName:    v.GetString("cloudinary.cloud_name"),
		CloudinaryAPIKey:       v.GetString("cloudinary.api_key"),
		CloudinaryAPISecret:    v.GetString("cloudinary.api_secret"),
		CloudinaryUploadFolder: v.GetString("cloudinary.folder"),
		CodeRunner:             strings.ToLower(v.GetString("code_runner.driver")),
		DockerHost:             v.GetString("docker_host"),
		CodeRunMemoryMB:        v.GetInt("code_run_memory_mb"),
		CodeRunCPUShares:       v.GetInt("code_run_cpu_shares"),
		Judge0URL:              v.GetString("judge0.url"),
		Judge0APIKey:           v.GetString("judge0.api_key"),
		Judge0APIHost:          v.GetString("judge0.api_host"),
		Judge0RPS:              v.GetFloat64("judge0.rps"),
		OpenAIAPIKey:           v.GetString("openai.api_key"),
		OpenAIBaseURL:          v.GetString("openai.base_url"),
		EmbeddingModel:         v.GetString("openai.model"),
		EmbeddingTimeout:       durations["embedding.timeout"],
		EmbeddingCacheTTL:      durations["embedding.cache_ttl"],
		CaseTimeout:            durations["grading.case_timeout"],
		CodeConcurrency:        v.GetInt("grading.code_concurrency"),
		GradingWorkers:         v.GetInt("grading.workers"),
		GradingQueue:           v.GetInt("grading.queue"),
		SweepInterval:          durations["grading.sweep_interval"],
		SweepGrace:             durations["grading.sweep_grace"],
		LockDriver:             strings.ToLower(v.GetString("lock.driver")),
		LockWait:               durations["lock.wait"],
		LockTTL:                durations["lock.ttl"],
		FrameTTL:               durations["frames.ttl"],
		FrameMaxBytes:          v.GetInt("frames.max_bytes"),
		EventChannel:           v.GetString("events.channel"),
		ProctoringRateMax:      v.GetInt("rate_limit.proctoring_max"),
		ProctoringRateSpan:     durations["rate_limit.proctoring_window"],
		IntegrityWeights:       weights,
	}

	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("jwt secret must be provided")
	}

	if cfg.CodeRunner != RunnerDocker && cfg.CodeRunner != RunnerJudge0 {
		return Config{}, fmt.Errorf("unsupported code runner %q", cfg.CodeRunner)
	}

	if cfg.LockDriver != LockLocal && cfg.LockDriver != LockRedis {
		return Config{}, fmt.Errorf("unsupported lock driver %q", cfg.LockDriver)
	}

	if cfg.CodeRunMemoryMB <= 0 {
		cfg.CodeRunMemoryMB = 256
	}

	if cfg.CodeRunCPUShares <= 0 {
		cfg.CodeRunCPUShares = 512
	}

	if cfg.CodeConcurrency <= 0 {
		cfg.CodeConcurrency = 4
	}

	return cfg, nil
}

// ParseWeights reads integrity weight overrides written as
// "phone_detected=0.4,gaze_away=0.2".
func ParseWeights(raw string) (map[string]float64, error) {
	weights := map[string]float64{}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return weights, nil
	}

	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid integrity weight %q", pair)
		}
		weight, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid integrity weight %q: %w", pair, err)
		}
		if weight < 0 || weight > 1 {
			return nil, fmt.Errorf("integrity weight %q must be between 0 and 1", pair)
		}
		weights[strings.ToLower(strings.TrimSpace(name))] = weight
	}

	return weights, nil
}
