package config

import (
	"context"
	"fmt"
	"log"
)

// FlatStore persists the flat form. Replace swaps the whole contents.
type FlatStore interface {
	Load(ctx context.Context) (Flat, error)
	Replace(ctx context.Context, flat Flat) error
}

// Reloader is told about every successfully persisted configuration.
type Reloader interface {
	Reload(ctx context.Context, cfg StructuredConfig) error
}

// Service is the configuration read/write boundary: decode on read, encode
// and persist on write, then trigger a reload.
type Service struct {
	store    FlatStore
	reloader Reloader
}

func NewService(store FlatStore, reloader Reloader) *Service {
	return &Service{store: store, reloader: reloader}
}

// Load returns a freshly decoded configuration.
func (s *Service) Load(ctx context.Context) (StructuredConfig, error) {
	flat, err := s.store.Load(ctx)
	if err != nil {
		return StructuredConfig{}, fmt.Errorf("load config: %w", err)
	}
	return Decode(flat), nil
}

// Save flattens and persists cfg. The reloader receives the decoded form of
// what was written; a reload failure does not fail the save.
func (s *Service) Save(ctx context.Context, cfg StructuredConfig) (EncodeResult, error) {
	res := Encode(cfg)
	for _, idx := range res.Skipped {
		log.Printf("[config] sensor at index %d has no id, not saved", idx)
	}
	for _, idx := range res.Duplicates {
		log.Printf("[config] sensor at index %d repeats an earlier id, not saved", idx)
	}
	if err := s.store.Replace(ctx, res.Flat); err != nil {
		return res, fmt.Errorf("save config: %w", err)
	}
	if s.reloader != nil {
		if err := s.reloader.Reload(ctx, Decode(res.Flat)); err != nil {
			log.Printf("[config] reload after save: %v", err)
		}
	}
	return res, nil
}
