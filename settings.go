package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

const envPrefix = "BRANCHER"

// Settings are the process settings, read from BRANCHER_* variables.
type Settings struct {
	ListenAddr       string   `envconfig:"LISTEN_ADDR" default:"127.0.0.1:5000"`
	DBPath           string   `envconfig:"DB_PATH" default:"data/brancher.db"`
	ConfigBackend    string   `envconfig:"CONFIG_BACKEND" default:"sqlite"`
	ConfigFile       string   `envconfig:"CONFIG_FILE" default:"data/config.yaml"`
	APIToken         string   `envconfig:"API_TOKEN" default:"admin"`
	Shell            string   `envconfig:"SHELL" default:"/bin/bash"`
	ShellArgs        []string `envconfig:"SHELL_ARGS" default:"-i"`
	StaticDir        string   `envconfig:"STATIC_DIR" default:"static"`
	LogPath          string   `envconfig:"LOG_PATH" default:""`
	MessageRetention int      `envconfig:"MESSAGE_RETENTION" default:"1000"`
	AllowedOrigins   []string `envconfig:"ALLOWED_ORIGINS" default:""`
}

func loadSettings() (Settings, error) {
	var s Settings
	if err := envconfig.Process(envPrefix, &s); err != nil {
		return s, err
	}
	s.ConfigBackend = strings.ToLower(strings.TrimSpace(s.ConfigBackend))
	switch s.ConfigBackend {
	case "sqlite", "yaml":
	default:
		return s, fmt.Errorf("unknown config backend %q (want sqlite or yaml)", s.ConfigBackend)
	}
	if s.MessageRetention < 0 {
		s.MessageRetention = 0
	}
	return s, nil
}

// initLogging adds the optional log file next to stdout. The returned file
// is nil when no file is in use.
func initLogging(path string) *os.File {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		log.Printf("WARNING: cannot create log directory: %v", err)
		return nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.Printf("WARNING: cannot open log file %s: %v", path, err)
		return nil
	}
	log.SetOutput(io.MultiWriter(os.Stdout, f))
	log.Printf("Logging to file: %s", path)
	return f
}
