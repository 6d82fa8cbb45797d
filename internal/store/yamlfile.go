package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"brancher-go/internal/config"
)

// YAMLFile stores the flat configuration as a single-level YAML mapping.
type YAMLFile struct {
	path string
	mu   sync.Mutex
}

func NewYAMLFile(path string) *YAMLFile {
	return &YAMLFile{path: path}
}

// Load reads the file. A missing file is an empty store.
func (f *YAMLFile) Load(_ context.Context) (config.Flat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return config.Flat{}, nil
	}
	if err != nil {
		return nil, err
	}

	var doc map[string]yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", f.path, err)
	}
	flat := make(config.Flat, len(doc))
	for k, node := range doc {
		if node.Kind != yaml.ScalarNode {
			return nil, fmt.Errorf("parse %s: key %q is not a scalar", f.path, k)
		}
		flat[k] = node.Value
	}
	return flat, nil
}

// Replace rewrites the file through a temp file and rename.
func (f *YAMLFile) Replace(_ context.Context, flat config.Flat) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := yaml.Marshal(map[string]string(flat))
	if err != nil {
		return err
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".config-*.yaml")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), f.path)
}
