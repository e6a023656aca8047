package infra

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config — корневая структура конфигурации контура безопасности.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Logger   LoggerConfig   `mapstructure:"logger"`
	Alerting AlertingConfig `mapstructure:"alerting"`
	Rollback RollbackConfig `mapstructure:"rollback"`
	Breaker  BreakerConfig  `mapstructure:"breaker"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Actions  ActionsConfig  `mapstructure:"actions"`
}

// ServerConfig описывает настройки HTTP-сервера (Management API).
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	MetricsPort  int           `mapstructure:"metrics_port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig описывает подключение к PostgreSQL (история событий контура).
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// RedisConfig описывает подключение к Redis (персистентность очереди и Pub/Sub сигналы).
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// AlertingConfig содержит настройки цикла оценки правил.
type AlertingConfig struct {
	EvalInterval       time.Duration `mapstructure:"eval_interval"`
	HistoryLimit       int           `mapstructure:"history_limit"`
	Retention          time.Duration `mapstructure:"retention"` // глубина буфера снапшотов
	DefaultSuppression time.Duration `mapstructure:"default_suppression"`
}

// RollbackConfig содержит настройки триггеров и исполнителя откатов.
type RollbackConfig struct {
	EvalInterval time.Duration `mapstructure:"eval_interval"`
	StepTimeout  time.Duration `mapstructure:"step_timeout"`
	SettleDelay  time.Duration `mapstructure:"settle_delay"` // пауза между шагами, чтобы система "устаканилась"
}

// BreakerConfig — дефолты для Circuit Breaker на зависимость.
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	ResetTimeout     time.Duration `mapstructure:"reset_timeout"`
	HalfOpenMaxCalls int           `mapstructure:"half_open_max_calls"`
}

// QueueConfig — настройки офлайн-очереди мутаций (edge).
type QueueConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	MaxQueueSize       int    `mapstructure:"max_queue_size"`
	MaxRetries         int    `mapstructure:"max_retries"`
	ConflictResolution string `mapstructure:"conflict_resolution"` // server-wins, client-wins, merge
	RemoteURL          string `mapstructure:"remote_url"`
}

// ActionsConfig — настройки исходящих нотификаций (side-channel).
type ActionsConfig struct {
	HTTPTimeout   time.Duration `mapstructure:"http_timeout"`
	RetryAttempts uint          `mapstructure:"retry_attempts"`
	RateLimit     float64       `mapstructure:"rate_limit"` // запросов в секунду
	RateBurst     int           `mapstructure:"rate_burst"`
	CBTimeout     time.Duration `mapstructure:"cb_timeout"`
	CBMaxRequests uint32        `mapstructure:"cb_max_requests"`
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
func LoadConfig() (*Config, error) {
	v := viper.New()

	// 1. Настройка поиска файла
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	// 2. Переменные окружения перекрывают файл: QUEUE_MAX_RETRIES=5 перекроет queue.max_retries
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 3. Дефолты
	setDefaults(v)

	// 4. Чтение файла (отсутствие файла — не ошибка, работаем на ENV и дефолтах)
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	// 5. Маппинг в структуру
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")

	v.SetDefault("alerting.eval_interval", 30*time.Second)
	v.SetDefault("alerting.history_limit", 1000)
	v.SetDefault("alerting.retention", 24*time.Hour)
	v.SetDefault("alerting.default_suppression", 5*time.Minute)

	v.SetDefault("rollback.eval_interval", 30*time.Second)
	v.SetDefault("rollback.step_timeout", 2*time.Minute)
	v.SetDefault("rollback.settle_delay", 2*time.Second)

	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.reset_timeout", 30*time.Second)
	v.SetDefault("breaker.half_open_max_calls", 3)

	v.SetDefault("queue.enabled", true)
	v.SetDefault("queue.max_queue_size", 1000)
	v.SetDefault("queue.max_retries", 3)
	v.SetDefault("queue.conflict_resolution", "server-wins")

	v.SetDefault("actions.http_timeout", 10*time.Second)
	v.SetDefault("actions.retry_attempts", 3)
	v.SetDefault("actions.rate_limit", 10)
	v.SetDefault("actions.rate_burst", 5)
	v.SetDefault("actions.cb_timeout", 30*time.Second)
	v.SetDefault("actions.cb_max_requests", 3)
}
