package main

import (
	"reflect"
	"testing"
)

func TestLoadSettingsDefaults(t *testing.T) {
	s, err := loadSettings()
	if err != nil {
		t.Fatalf("loadSettings: %v", err)
	}
	if s.ListenAddr != "127.0.0.1:5000" || s.APIToken != "admin" || s.ConfigBackend != "sqlite" {
		t.Errorf("defaults = %+v", s)
	}
	if !reflect.DeepEqual(s.ShellArgs, []string{"-i"}) {
		t.Errorf("shell args = %v", s.ShellArgs)
	}
	if s.MessageRetention != 1000 {
		t.Errorf("retention = %d", s.MessageRetention)
	}
}

func TestLoadSettingsFromEnv(t *testing.T) {
	t.Setenv("BRANCHER_CONFIG_BACKEND", "YAML")
	t.Setenv("BRANCHER_SHELL_ARGS", "-l,-i")
	t.Setenv("BRANCHER_API_TOKEN", "s3cret")

	s, err := loadSettings()
	if err != nil {
		t.Fatalf("loadSettings: %v", err)
	}
	if s.ConfigBackend != "yaml" || s.APIToken != "s3cret" {
		t.Errorf("settings = %+v", s)
	}
	if !reflect.DeepEqual(s.ShellArgs, []string{"-l", "-i"}) {
		t.Errorf("shell args = %v", s.ShellArgs)
	}
}

func TestLoadSettingsRejectsUnknownBackend(t *testing.T) {
	t.Setenv("BRANCHER_CONFIG_BACKEND", "etcd")
	if _, err := loadSettings(); err == nil {
		t.Error("expected error for unknown backend")
	}
}
