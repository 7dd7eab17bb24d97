package config

import (
	"os"
	"strconv"
)

// Config carries process configuration, sourced from the environment.
type Config struct {
	Addr           string
	DownloadBase   string
	TranscribeBase string
	HistoryPath    string
	MaxUploadBytes int64
}

// FromEnv reads configuration with development defaults. The two base
// URLs point at the internal collaborators behind /api/dv and /api/tv.
func FromEnv() Config {
	return Config{
		Addr:           envOrDefault("APP_ADDR", ":3000"),
		DownloadBase:   envOrDefault("DV_INTERNAL", "http://127.0.0.1:8866/dv"),
		TranscribeBase: envOrDefault("TV_INTERNAL", "http://127.0.0.1:6789"),
		HistoryPath:    envOrDefault("TASK_HISTORY_PATH", "data/task-history.json"),
		MaxUploadBytes: envInt64OrDefault("MAX_UPLOAD_BYTES", 500*1024*1024),
	}
}

func envOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func envInt64OrDefault(key string, fallback int64) int64 {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return fallback
	}
	return parsed
}
