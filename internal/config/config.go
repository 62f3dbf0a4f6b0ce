package config

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

type Config struct {
	HttpServerPort uint16   `env:"HTTP_SERVER_PORT" envDefault:"8085" validate:"min=1000,max=65535"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS"  envDefault:"*" envSeparator:","`

	// Shared blocklist; the relay runs standalone when the host is unset.
	RedisBlocklistHost string `env:"REDIS_BLOCKLIST_HOST"`
	RedisBlocklistPort uint16 `env:"REDIS_BLOCKLIST_PORT" envDefault:"6379"`

	MaxConnAttempts    int           `env:"RL_MAX_CONN_ATTEMPTS"    envDefault:"15" validate:"min=1"`
	ConnAttemptWindow  time.Duration `env:"RL_CONN_ATTEMPT_WINDOW"  envDefault:"5m"`
	MaxConcurrentConns int           `env:"RL_MAX_CONCURRENT_CONNS" envDefault:"3"  validate:"min=1"`
	MaxMessages        int           `env:"RL_MAX_MESSAGES"         envDefault:"50" validate:"min=1"`
	MessageWindow      time.Duration `env:"RL_MESSAGE_WINDOW"       envDefault:"60s"`
	ConnBlockDuration  time.Duration `env:"RL_CONN_BLOCK_DURATION"  envDefault:"10m"`
	MsgBlockDuration   time.Duration `env:"RL_MSG_BLOCK_DURATION"   envDefault:"2m"`
	CleanupInterval    time.Duration `env:"RL_CLEANUP_INTERVAL"     envDefault:"2m"`

	PingInterval time.Duration `env:"WS_PING_INTERVAL" envDefault:"30s"`
	PongTimeout  time.Duration `env:"WS_PONG_TIMEOUT"  envDefault:"60s"`

	RoomIdleThreshold time.Duration `env:"ROOM_IDLE_THRESHOLD" envDefault:"10m"`
	ReapInterval      time.Duration `env:"ROOM_REAP_INTERVAL"  envDefault:"10s"`
	ReapGrace         time.Duration `env:"ROOM_REAP_GRACE"     envDefault:"3s"`
	CreatorLeaveGrace time.Duration `env:"CREATOR_LEAVE_GRACE" envDefault:"500ms"`
}

func LoadConfig() (*Config, error) {
	// Load environment variables from .env file
	err := godotenv.Load(".env")
	if err != nil {
		zap.L().Debug(".env file not found", zap.Error(err))
	}

	cfg := &Config{}
	// Parse config from environment variables
	if err = env.Parse(cfg); err != nil {
		zap.L().Error("config_load_failed", zap.Error(err))
		return nil, err
	}

	// Validate the config
	validate := validator.New()
	err = validate.Struct(cfg)
	if err != nil {
		zap.L().Error("config_validation_failed", zap.Error(err))
		return nil, err
	}
	return cfg, nil
}
