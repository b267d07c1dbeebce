package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"codejudge/internal/auth"
	"codejudge/internal/common/cache"
	"codejudge/internal/common/db"
	commonmw "codejudge/internal/common/http/middleware"
	"codejudge/internal/common/mq"
	"codejudge/internal/common/storage"
	"codejudge/internal/judge/interpreter"
	"codejudge/internal/judge/judgeclient"
	"codejudge/internal/judge/language"
	"codejudge/internal/judge/poller"
	"codejudge/internal/leaderboard"
	problemRepo "codejudge/internal/problem/repository"
	"codejudge/internal/submit/service"
	"codejudge/pkg/utils/logger"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr        = "0.0.0.0:8086"
	defaultReadTimeout     = 5 * time.Second
	defaultWriteTimeout    = 10 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 10 * time.Second
	defaultHealthTimeout   = 2 * time.Second

	storeMySQL  = "mysql"
	storeMemory = "memory"

	schedulerPool  = "pool"
	schedulerKafka = "kafka"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr" validate:"required"`
	ReadTimeout     time.Duration `yaml:"readTimeout" validate:"gt=0"`
	WriteTimeout    time.Duration `yaml:"writeTimeout" validate:"gt=0"`
	IdleTimeout     time.Duration `yaml:"idleTimeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" validate:"gt=0"`
	HealthTimeout   time.Duration `yaml:"healthTimeout" validate:"gt=0"`

	CORS commonmw.CORSConfig `yaml:"cors"`
}

// SubmitConfig holds submission settings.
type SubmitConfig struct {
	Store              string                      `yaml:"store" validate:"oneof=mysql memory"`
	SourceBucket       string                      `yaml:"sourceBucket"`
	SourceKeyPrefix    string                      `yaml:"sourceKeyPrefix"`
	ArchiveSource      bool                        `yaml:"archiveSource"`
	MaxCodeBytes       int                         `yaml:"maxCodeBytes" validate:"gt=0"`
	Delimiter          string                      `yaml:"delimiter"`
	IdempotencyTTL     time.Duration               `yaml:"idempotencyTTL" validate:"gt=0"`
	SubmissionCacheTTL time.Duration               `yaml:"submissionCacheTTL" validate:"gt=0"`
	SubmissionEmptyTTL time.Duration               `yaml:"submissionEmptyTTL" validate:"gt=0"`
	ProblemCacheTTL    time.Duration               `yaml:"problemCacheTTL" validate:"gt=0"`
	ProblemEmptyTTL    time.Duration               `yaml:"problemEmptyTTL" validate:"gt=0"`
	FinalStatusTopic   string                      `yaml:"finalStatusTopic"`
	FinalStatusTimeout time.Duration               `yaml:"finalStatusTimeout" validate:"gt=0"`
	Problems           []problemRepo.CodingProblem `yaml:"problems"`
	RateLimit          service.RateLimitConfig     `yaml:"rateLimit"`
	Timeouts           service.TimeoutConfig       `yaml:"timeouts"`
}

// PollerConfig selects where poll loops run.
type PollerConfig struct {
	poller.Config `yaml:",inline"`
	Scheduler     string             `yaml:"scheduler" validate:"oneof=pool kafka"`
	Pool          poller.PoolConfig  `yaml:"pool"`
	Queue         poller.QueueConfig `yaml:"queue"`
}

// AppConfig holds submit-service configuration.
type AppConfig struct {
	Server      ServerConfig        `yaml:"server"`
	Logger      logger.Config       `yaml:"logger"`
	MySQL       db.MySQLConfig      `yaml:"mysql"`
	Redis       cache.RedisConfig   `yaml:"redis"`
	Kafka       mq.KafkaConfig      `yaml:"kafka"`
	MinIO       storage.MinIOConfig `yaml:"minio"`
	Judge       judgeclient.Config  `yaml:"judge"`
	Languages   language.Config     `yaml:"languages"`
	Poller      PollerConfig        `yaml:"poller"`
	Submit      SubmitConfig        `yaml:"submit"`
	Leaderboard leaderboard.Config  `yaml:"leaderboard"`
	Auth        auth.Config         `yaml:"auth"`
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

func loadAppConfig(path string) (*AppConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env failed: %w", err)
	}

	var cfg AppConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validateAppConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv lets secrets come from the environment instead of the config file.
func applyEnv(cfg *AppConfig) {
	overrides := []struct {
		name   string
		target *string
	}{
		{"CODEJUDGE_MYSQL_DSN", &cfg.MySQL.DSN},
		{"CODEJUDGE_REDIS_PASSWORD", &cfg.Redis.Password},
		{"CODEJUDGE_JUDGE_API_KEY", &cfg.Judge.APIKey},
		{"CODEJUDGE_JWT_SECRET", &cfg.Auth.Secret},
		{"CODEJUDGE_MINIO_SECRET_KEY", &cfg.MinIO.SecretKey},
	}
	for _, o := range overrides {
		if v, ok := os.LookupEnv(o.name); ok && v != "" {
			*o.target = v
		}
	}
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaultHTTPAddr
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = defaultReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = defaultIdleTimeout
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = defaultShutdownTimeout
	}
	if cfg.Server.HealthTimeout == 0 {
		cfg.Server.HealthTimeout = defaultHealthTimeout
	}

	if cfg.Logger.Level == "" {
		cfg.Logger.Level = "info"
	}
	if cfg.Logger.Format == "" {
		cfg.Logger.Format = "json"
	}

	redisDefaults := cache.DefaultRedisConfig()
	if cfg.Redis.MaxRetries == 0 {
		cfg.Redis.MaxRetries = redisDefaults.MaxRetries
	}
	if cfg.Redis.DialTimeout == 0 {
		cfg.Redis.DialTimeout = redisDefaults.DialTimeout
	}
	if cfg.Redis.ReadTimeout == 0 {
		cfg.Redis.ReadTimeout = redisDefaults.ReadTimeout
	}
	if cfg.Redis.WriteTimeout == 0 {
		cfg.Redis.WriteTimeout = redisDefaults.WriteTimeout
	}
	if cfg.Redis.PoolSize == 0 {
		cfg.Redis.PoolSize = redisDefaults.PoolSize
	}
	if cfg.Redis.MinIdleConns == 0 {
		cfg.Redis.MinIdleConns = redisDefaults.MinIdleConns
	}

	if len(cfg.Languages.Languages) == 0 {
		cfg.Languages = language.DefaultConfig()
	}

	pollDefaults := poller.DefaultConfig()
	if cfg.Poller.InitialDelay == 0 {
		cfg.Poller.InitialDelay = pollDefaults.InitialDelay
	}
	if cfg.Poller.Interval == 0 {
		cfg.Poller.Interval = pollDefaults.Interval
	}
	if cfg.Poller.MaxAttempts == 0 {
		cfg.Poller.MaxAttempts = pollDefaults.MaxAttempts
	}
	if cfg.Poller.FinalizeTimeout == 0 {
		cfg.Poller.FinalizeTimeout = pollDefaults.FinalizeTimeout
	}
	if cfg.Poller.Scheduler == "" {
		cfg.Poller.Scheduler = schedulerPool
	}
	if cfg.Poller.Pool.Workers == 0 {
		cfg.Poller.Pool.Workers = 32
	}
	if cfg.Poller.Pool.QueueSize == 0 {
		cfg.Poller.Pool.QueueSize = 1024
	}
	if cfg.Poller.Queue.Topic == "" {
		cfg.Poller.Queue.Topic = "judge.poll"
	}
	if cfg.Poller.Queue.Subscribe.ConsumerGroup == "" {
		cfg.Poller.Queue.Subscribe.ConsumerGroup = "submit-poller"
	}
	cfg.Poller.Queue.Subscribe.SetDefaults()

	if cfg.Submit.Store == "" {
		cfg.Submit.Store = storeMySQL
	}
	if cfg.Submit.SourceBucket == "" {
		cfg.Submit.SourceBucket = cfg.MinIO.Bucket
	}
	if cfg.Submit.MaxCodeBytes == 0 {
		cfg.Submit.MaxCodeBytes = 64 * 1024
	}
	if cfg.Submit.Delimiter == "" {
		cfg.Submit.Delimiter = interpreter.CaseSeparator
	}
	if cfg.Submit.IdempotencyTTL == 0 {
		cfg.Submit.IdempotencyTTL = 10 * time.Minute
	}
	if cfg.Submit.SubmissionCacheTTL == 0 {
		cfg.Submit.SubmissionCacheTTL = 30 * time.Minute
	}
	if cfg.Submit.SubmissionEmptyTTL == 0 {
		cfg.Submit.SubmissionEmptyTTL = 30 * time.Second
	}
	if cfg.Submit.ProblemCacheTTL == 0 {
		cfg.Submit.ProblemCacheTTL = 10 * time.Minute
	}
	if cfg.Submit.ProblemEmptyTTL == 0 {
		cfg.Submit.ProblemEmptyTTL = 30 * time.Second
	}
	if cfg.Submit.FinalStatusTimeout == 0 {
		cfg.Submit.FinalStatusTimeout = 3 * time.Second
	}
	if cfg.Submit.RateLimit.Window == 0 {
		cfg.Submit.RateLimit.Window = time.Minute
	}
	if cfg.Submit.RateLimit.UserMax == 0 {
		cfg.Submit.RateLimit.UserMax = 30
	}
	if cfg.Submit.RateLimit.IPMax == 0 {
		cfg.Submit.RateLimit.IPMax = 60
	}
	if cfg.Submit.Timeouts.DB == 0 {
		cfg.Submit.Timeouts.DB = 3 * time.Second
	}
	if cfg.Submit.Timeouts.Cache == 0 {
		cfg.Submit.Timeouts.Cache = time.Second
	}
	if cfg.Submit.Timeouts.Storage == 0 {
		cfg.Submit.Timeouts.Storage = 5 * time.Second
	}
	if cfg.Submit.Timeouts.Judge == 0 {
		cfg.Submit.Timeouts.Judge = 10 * time.Second
	}

	if cfg.Leaderboard.Limit == 0 {
		cfg.Leaderboard.Limit = leaderboard.DefaultLimit
	}
	if cfg.Leaderboard.TTL == 0 {
		cfg.Leaderboard.TTL = 30 * time.Second
	}

	if cfg.Auth.Mode == "" {
		cfg.Auth.Mode = auth.ModeJWT
	}
}

func validateAppConfig(cfg *AppConfig) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Judge.BaseURL == "" {
		return fmt.Errorf("invalid config: judge.baseURL is required")
	}
	if cfg.Redis.Addr == "" {
		return fmt.Errorf("invalid config: redis.addr is required")
	}
	if cfg.Submit.Store == storeMySQL && cfg.MySQL.DSN == "" {
		return fmt.Errorf("invalid config: mysql.dsn is required for the mysql store")
	}
	if cfg.Poller.Scheduler == schedulerKafka && len(cfg.Kafka.Brokers) == 0 {
		return fmt.Errorf("invalid config: kafka.brokers is required for the kafka scheduler")
	}
	if cfg.Submit.FinalStatusTopic != "" && len(cfg.Kafka.Brokers) == 0 {
		return fmt.Errorf("invalid config: kafka.brokers is required to publish final status events")
	}
	if cfg.Submit.ArchiveSource {
		if err := cfg.MinIO.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
		if cfg.Submit.SourceBucket == "" {
			return fmt.Errorf("invalid config: submit.sourceBucket is required to archive source")
		}
	}
	if cfg.Auth.Mode == auth.ModeJWT && cfg.Auth.Secret == "" {
		return fmt.Errorf("invalid config: auth.secret is required in jwt mode")
	}
	return nil
}
