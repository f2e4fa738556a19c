package main

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// Config holds flowlet CLI configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath          string `json:"db_path"`
	LogLevel        string `json:"log_level"`
	Model           string `json:"model"`
	AllowUnsafe     bool   `json:"allow_unsafe_code"`
	ConditionEngine string `json:"condition_engine"`
}

func defaultConfig() Config {
	return Config{
		DBPath:   "file:" + filepath.Join(flowletDir(), "flowlet.db"),
		LogLevel: "info",
	}
}

func flowletDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".flowlet"
	}
	return filepath.Join(home, ".flowlet")
}

func settingsPath() string {
	return filepath.Join(flowletDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("FLOWLET_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("FLOWLET_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("FLOWLET_MODEL"); v != "" {
		cfg.Model = v
	}
	if v := os.Getenv("FLOWLET_ALLOW_UNSAFE_CODE"); v != "" {
		cfg.AllowUnsafe = v == "true" || v == "1"
	}
	if v := os.Getenv("FLOWLET_CONDITION_ENGINE"); v != "" {
		cfg.ConditionEngine = v
	}

	return cfg
}
