package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const envFileVar = "CHATLINE_ENV_FILE"

type Config struct {
	APIURL         string
	SocketURL      string
	Token          string
	Environment    string
	LogLevel       string
	Locale         string
	CachePath      string
	InspectAddr    string
	TypingIdle     time.Duration
	RequestTimeout time.Duration
	MaxReconnects  int
}

func Load() *Config {
	env := envSource{file: readEnvFile()}

	return &Config{
		APIURL:         env.get("CHATLINE_API_URL", "http://localhost:8080/api"),
		SocketURL:      env.get("CHATLINE_SOCKET_URL", "ws://localhost:8080/ws"),
		Token:          env.get("CHATLINE_TOKEN", ""),
		Environment:    env.get("ENVIRONMENT", "development"),
		LogLevel:       env.get("LOG_LEVEL", "info"),
		Locale:         env.get("CHATLINE_LOCALE", "en"),
		CachePath:      env.get("CHATLINE_CACHE_PATH", "./data/chatline.db"),
		InspectAddr:    env.get("CHATLINE_INSPECT_ADDR", "127.0.0.1:7070"),
		TypingIdle:     parseDuration(env.get("CHATLINE_TYPING_IDLE", "3s"), 3*time.Second),
		RequestTimeout: parseDuration(env.get("CHATLINE_REQUEST_TIMEOUT", "10s"), 10*time.Second),
		MaxReconnects:  parseInt(env.get("CHATLINE_MAX_RECONNECTS", "10"), 10),
	}
}

// readEnvFile loads the file named by CHATLINE_ENV_FILE, or ./.env when
// unset. A missing file is not an error.
func readEnvFile() map[string]string {
	path, explicit := os.LookupEnv(envFileVar)
	if !explicit || path == "" {
		path = ".env"
	}
	values, err := godotenv.Read(path)
	if err != nil {
		return nil
	}
	return values
}

type envSource struct {
	file map[string]string
}

// get prefers the process environment over the env file.
func (e envSource) get(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	if value, exists := e.file[key]; exists {
		return value
	}
	return defaultValue
}

func parseInt(s string, fallback int) int {
	val, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return val
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	val, err := time.ParseDuration(s)
	if err != nil || val <= 0 {
		return fallback
	}
	return val
}
