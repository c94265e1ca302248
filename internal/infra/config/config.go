package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// AppConfig описывает конфигурацию сервисов.
type AppConfig struct {
	AppEnv string `envconfig:"APP_ENV" default:"dev"`
	TZ     string `envconfig:"TZ" default:"Asia/Phnom_Penh"`
	Port   int    `envconfig:"PORT" default:"8080"`

	Telegram struct {
		Token   string `envconfig:"TG_BOT_TOKEN"`
		APIID   int    `envconfig:"TG_API_ID"`
		APIHash string `envconfig:"TG_API_HASH"`
	} `envconfig:""`

	MTProto struct {
		SessionName string `envconfig:"MTPROTO_SESSION_NAME" default:"default"`
		AccountPool string `envconfig:"MTPROTO_ACCOUNT_POOL"`
	} `envconfig:""`

	PGDSN string `envconfig:"PG_DSN"`

	RedisAddr string `envconfig:"REDIS_ADDR"`

	RabbitURL string `envconfig:"RABBITMQ_URL"`

	Poll struct {
		Interval   time.Duration `envconfig:"POLL_INTERVAL" default:"20m"`
		Window     time.Duration `envconfig:"POLL_WINDOW" default:"30m"`
		ChatDelay  time.Duration `envconfig:"POLL_CHAT_DELAY" default:"200ms"`
		BatchPause time.Duration `envconfig:"POLL_BATCH_PAUSE" default:"2s"`
		BatchSize  int           `envconfig:"POLL_BATCH_SIZE" default:"20"`
		Cooldown   time.Duration `envconfig:"POLL_COOLDOWN" default:"60s"`
		MaxCatchup time.Duration `envconfig:"POLL_MAX_CATCHUP" default:"6h"`
		FloodGrace time.Duration `envconfig:"POLL_FLOOD_GRACE" default:"2s"`
	} `envconfig:""`

	Ingest struct {
		RegistrationGrace time.Duration `envconfig:"INGEST_REGISTRATION_GRACE" default:"2m"`
	} `envconfig:""`

	Shifts struct {
		TickInterval time.Duration `envconfig:"SHIFTS_TICK_INTERVAL" default:"60s"`
	} `envconfig:""`

	Bots struct {
		SelfUsernames []string `envconfig:"SELF_BOT_USERNAMES"`
		Denylist      []string `envconfig:"BOT_DENYLIST" default:"report,admin_tool"`
	} `envconfig:""`

	Queues struct {
		ShiftClose string `envconfig:"SHIFT_CLOSE_QUEUE_KEY" default:"shift_close_jobs"`
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
