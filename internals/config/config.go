package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Redis     RedisConfig     `yaml:"redis"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
	Signaling SignalingConfig `yaml:"signaling"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type SignalingConfig struct {
	// EngineOpTimeout bounds every media-engine call (transport create,
	// connect, produce, consume). A blown deadline is a timeout failure,
	// never an assumed success.
	EngineOpTimeout time.Duration `yaml:"engine_op_timeout"`
	JoinRetries     int           `yaml:"join_retries"`
	RateLimitPerSec float64       `yaml:"rate_limit_per_sec"`
	RateLimitBurst  int           `yaml:"rate_limit_burst"`
	MaxRoomIDLength int           `yaml:"max_room_id_length"`
	MaxUserIDLength int           `yaml:"max_user_id_length"`
	MaxChatLength   int           `yaml:"max_chat_length"`
}

func LoadConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            getEnv("SIGNAL_HOST", "0.0.0.0"),
			Port:            getEnvInt("SIGNAL_PORT", 8080),
			ReadTimeout:     time.Duration(getEnvInt("SIGNAL_READ_TIMEOUT", 30)) * time.Second,
			WriteTimeout:    time.Duration(getEnvInt("SIGNAL_WRITE_TIMEOUT", 30)) * time.Second,
			ShutdownTimeout: time.Duration(getEnvInt("SIGNAL_SHUTDOWN_TIMEOUT", 10)) * time.Second,
			AllowedOrigins:  []string{"*"},
		},
		Redis: RedisConfig{
			Enabled:  getEnvBool("REDIS_ENABLED", true),
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Metrics: MetricsConfig{
			Enabled: getEnvBool("METRICS_ENABLED", true),
			Path:    getEnv("METRICS_PATH", "/metrics"),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Signaling: SignalingConfig{
			EngineOpTimeout: time.Duration(getEnvInt("SIGNAL_ENGINE_OP_TIMEOUT_MS", 5000)) * time.Millisecond,
			JoinRetries:     getEnvInt("SIGNAL_JOIN_RETRIES", 3),
			RateLimitPerSec: float64(getEnvInt("SIGNAL_RATE_LIMIT_PER_SEC", 20)),
			RateLimitBurst:  getEnvInt("SIGNAL_RATE_LIMIT_BURST", 40),
			MaxRoomIDLength: getEnvInt("SIGNAL_MAX_ROOM_ID_LENGTH", 128),
			MaxUserIDLength: getEnvInt("SIGNAL_MAX_USER_ID_LENGTH", 128),
			MaxChatLength:   getEnvInt("SIGNAL_MAX_CHAT_LENGTH", 2000),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
