package config

import (
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
)

type Config struct {
	Port                string
	SessionDir          string
	DBPath              string
	WebhookURL          string
	LogLevel            string
	BaseReconnectDelay  time.Duration
	MaxReconnectDelay   time.Duration
	KeepAliveInterval   time.Duration
	ZombieSweepInterval time.Duration
	ZombieThreshold     time.Duration
}

func getEnv(key, defaultValue string, printEnv bool) string {
	logger := log.Default()
	value := os.Getenv(key)
	if printEnv {
		logger.Info("Env", "key", key, "value", value)
	}
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvDuration(key string, defaultValue time.Duration, printEnv bool) time.Duration {
	raw := getEnv(key, "", printEnv)
	if raw == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		panic(fmt.Sprintf("Environment variable %s is not a valid duration: %v", key, err))
	}
	return d
}

func LoadConfig(printEnv bool) (*Config, error) {
	_ = godotenv.Load()

	conf := &Config{
		Port:                getEnv("PORT", "8080", printEnv),
		SessionDir:          getEnv("SESSION_DIR", "./output/sessions", printEnv),
		DBPath:              getEnv("DB_PATH", "./output/waforge.db", printEnv),
		WebhookURL:          getEnv("WEBHOOK_URL", "", printEnv),
		LogLevel:            getEnv("LOG_LEVEL", "info", printEnv),
		BaseReconnectDelay:  getEnvDuration("BASE_RECONNECT_DELAY", 3*time.Second, printEnv),
		MaxReconnectDelay:   getEnvDuration("MAX_RECONNECT_DELAY", 60*time.Second, printEnv),
		KeepAliveInterval:   getEnvDuration("KEEPALIVE_INTERVAL", 5*time.Minute, printEnv),
		ZombieSweepInterval: getEnvDuration("ZOMBIE_SWEEP_INTERVAL", 15*time.Minute, printEnv),
		ZombieThreshold:     getEnvDuration("ZOMBIE_THRESHOLD", 60*time.Minute, printEnv),
	}

	return conf, nil
}
