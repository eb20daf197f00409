package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// AppConfig описывает конфигурацию сервиса топа диалогов.
type AppConfig struct {
	AppEnv      string `envconfig:"APP_ENV" default:"dev"`
	HTTPAddr    string `envconfig:"HTTP_ADDR" default:":8080"`
	MetricsAddr string `envconfig:"METRICS_ADDR" default:":9090"`

	Telegram struct {
		APIID       int    `envconfig:"TG_API_ID"`
		APIHash     string `envconfig:"TG_API_HASH"`
		SessionFile string `envconfig:"TG_SESSION_FILE" default:"session.json"`
	} `envconfig:""`

	Storage struct {
		// Backend выбирает хранилище снапшотов: bolt, redis или postgres.
		Backend  string `envconfig:"STORAGE_BACKEND" default:"bolt"`
		BoltPath string `envconfig:"BOLT_PATH" default:"top_dialogs.db"`
	} `envconfig:""`

	RedisAddr string `envconfig:"REDIS_ADDR"`
	PGDSN     string `envconfig:"PG_DSN"`

	RabbitURL string `envconfig:"RABBITMQ_URL"`

	Queues struct {
		Usage string `envconfig:"USAGE_QUEUE_KEY" default:"dialog_usage_events"`
	} `envconfig:""`

	TopDialogs struct {
		Enabled         bool          `envconfig:"TOP_DIALOGS_ENABLED" default:"true"`
		ServerSyncDelay time.Duration `envconfig:"TOP_DIALOGS_SERVER_SYNC_DELAY" default:"24h"`
		DBSyncDelay     time.Duration `envconfig:"TOP_DIALOGS_DB_SYNC_DELAY" default:"10s"`
		RetryDelay      time.Duration `envconfig:"TOP_DIALOGS_RETRY_DELAY" default:"1m"`
	} `envconfig:""`
}

// Load загружает конфиг из окружения.
func Load() AppConfig {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("не удалось загрузить конфиг: %v", err)
	}
	return cfg
}
