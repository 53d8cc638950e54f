package config

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// 支持的凭据存储驱动。
const (
	StoreFile     = "file"
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

type Config struct {
	Env      string
	LogLevel string

	APIBaseURL string
	WSBaseURL  string

	RoomID   string
	Email    string
	Password string

	StoreDriver   string
	StorePath     string
	StoreKey      string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	DatabaseDSN   string

	RequestTimeout       time.Duration
	RateLimitRPS         float64
	ReconnectBase        time.Duration
	MaxReconnectAttempts int
	RefreshBuffer        time.Duration

	StatusAddr string
}

func getenv(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

// getint 读取正整数，非法或非正值回退到默认值。
func getint(key string, def int) int {
	v, err := strconv.Atoi(getenv(key, ""))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func getfloat(key string, def float64) float64 {
	v, err := strconv.ParseFloat(getenv(key, ""), 64)
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func defaultStorePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "moderated-chat", "auth-store.json")
}

// Load 从环境变量（以及可选的 .env 文件）加载配置。
func Load() Config {
	_ = godotenv.Load()

	redisDB, err := strconv.Atoi(getenv("REDIS_DB", "0"))
	if err != nil || redisDB < 0 {
		redisDB = 0
	}
	return Config{
		Env:                  getenv("APP_ENV", "dev"),
		LogLevel:             getenv("LOG_LEVEL", "info"),
		APIBaseURL:           getenv("API_BASE_URL", "http://localhost:8000/api/"),
		WSBaseURL:            getenv("WS_BASE_URL", "ws://localhost:8000"),
		RoomID:               getenv("CHAT_ROOM_ID", ""),
		Email:                getenv("CHAT_EMAIL", ""),
		Password:             os.Getenv("CHAT_PASSWORD"),
		StoreDriver:          strings.ToLower(getenv("STORE_DRIVER", StoreFile)),
		StorePath:            getenv("STORE_PATH", defaultStorePath()),
		StoreKey:             getenv("STORE_KEY", "auth-store"),
		RedisAddr:            getenv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword:        os.Getenv("REDIS_PASSWORD"),
		RedisDB:              redisDB,
		DatabaseDSN:          getenv("DATABASE_DSN", ""),
		RequestTimeout:       time.Duration(getint("REQUEST_TIMEOUT_SECONDS", 30)) * time.Second,
		RateLimitRPS:         getfloat("API_RATE_LIMIT_RPS", 10),
		ReconnectBase:        time.Duration(getint("RECONNECT_BASE_SECONDS", 3)) * time.Second,
		MaxReconnectAttempts: getint("RECONNECT_MAX_ATTEMPTS", 5),
		RefreshBuffer:        time.Duration(getint("TOKEN_REFRESH_BUFFER_SECONDS", 60)) * time.Second,
		StatusAddr:           getenv("STATUS_ADDR", ""),
	}
}

// Validate 检查配置的一致性，在启动早期暴露错误。
func Validate(cfg Config) error {
	if cfg.APIBaseURL == "" {
		return errors.New("API_BASE_URL is required")
	}
	if cfg.WSBaseURL == "" {
		return errors.New("WS_BASE_URL is required")
	}
	switch cfg.StoreDriver {
	case StoreFile:
		if cfg.StorePath == "" {
			return errors.New("STORE_PATH is required for the file store")
		}
	case StoreMemory:
	case StoreRedis:
		if cfg.RedisAddr == "" {
			return errors.New("REDIS_ADDR is required for the redis store")
		}
	case StorePostgres:
		if cfg.DatabaseDSN == "" {
			return errors.New("DATABASE_DSN is required for the postgres store")
		}
	default:
		return errors.New("unknown STORE_DRIVER " + strconv.Quote(cfg.StoreDriver))
	}
	if cfg.Email != "" && cfg.Password == "" {
		return errors.New("CHAT_PASSWORD is required when CHAT_EMAIL is set")
	}
	return nil
}
