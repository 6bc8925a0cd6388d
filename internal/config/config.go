package config

import (
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	App    AppConfig
	Server ServerConfig
	Stream StreamConfig
}

type AppConfig struct {
	Environment string
	LogFilePath string
	// StreamLogFilePath receives per-frame transport diagnostics, kept out
	// of the main log.
	StreamLogFilePath string
}

type ServerConfig struct {
	// BaseURL is the REST endpoint root, e.g. http://localhost:8000
	BaseURL string
	// WSBaseURL is the websocket endpoint root, e.g. ws://localhost:8000
	WSBaseURL string
}

type StreamConfig struct {
	ReconnectDelayMs     int
	MaxReconnectAttempts int
	DefaultModel         string
	EventTopic           string
}

func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("Note: .env file not found, usage system environment")
	}

	return &Config{
		App: AppConfig{
			Environment:       getEnv("GO_ENV", "development"),
			LogFilePath:       getEnv("LOG_FILE_PATH", "novelrag.log"),
			StreamLogFilePath: getEnv("STREAM_LOG_FILE_PATH", "novelrag_stream.log"),
		},
		Server: ServerConfig{
			BaseURL:   getEnv("SERVER_BASE_URL", "http://localhost:8000"),
			WSBaseURL: getEnv("SERVER_WS_URL", "ws://localhost:8000"),
		},
		Stream: StreamConfig{
			ReconnectDelayMs:     getEnvAsInt("STREAM_RECONNECT_DELAY_MS", 2000),
			MaxReconnectAttempts: getEnvAsInt("STREAM_MAX_RECONNECT_ATTEMPTS", 5),
			DefaultModel:         getEnv("QUERY_DEFAULT_MODEL", "GLM-4.5-Flash"),
			EventTopic:           getEnv("STREAM_EVENT_TOPIC_NAME", "STREAM_EVENTS"),
		},
	}
}

// QueryStreamURL is the websocket endpoint for streaming Q&A.
func (s ServerConfig) QueryStreamURL() string {
	return s.WSBaseURL + "/api/query/stream"
}

// ProgressStreamURL is the websocket endpoint for one novel's indexing watch.
func (s ServerConfig) ProgressStreamURL(novelID int64) string {
	return fmt.Sprintf("%s/ws/progress/%d", s.WSBaseURL, novelID)
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	strValue := getEnv(key, "")
	if value, err := strconv.Atoi(strValue); err == nil {
		return value
	}
	return fallback
}
