// Package settings loads the monitoring settings consumed by each run.
package settings

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"coinrate-alerts/internal/config"
	"coinrate-alerts/internal/model"
)

const rootKey = "monitoring"

// Store returns the current monitoring settings.
type Store interface {
	Settings(ctx context.Context) (*model.Settings, error)
}

// FileStore re-reads the settings file on every call so edits apply to the
// next run without a restart.
type FileStore struct {
	path   string
	logger zerolog.Logger

	mu     sync.Mutex
	warned map[string]struct{}
}

// NewFileStore builds a FileStore for path. An empty path serves defaults.
func NewFileStore(path string, logger zerolog.Logger) *FileStore {
	return &FileStore{
		path:   path,
		logger: logger.With().Str("component", "settings").Logger(),
		warned: make(map[string]struct{}),
	}
}

// Settings reads, validates and returns the settings.
func (f *FileStore) Settings(ctx context.Context) (*model.Settings, error) {
	raw, err := f.readRaw()
	if err != nil {
		return nil, err
	}

	s, warnings, err := model.ParseSettings(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid monitoring settings: %w", err)
	}
	f.logWarnings(warnings)
	return s, nil
}

func (f *FileStore) readRaw() (model.RawSettings, error) {
	if f.path == "" {
		return model.DefaultRawSettings(), nil
	}
	if _, err := os.Stat(f.path); errors.Is(err, fs.ErrNotExist) {
		f.logger.Warn().Str("path", f.path).Msg("settings file not found; using defaults")
		return model.DefaultRawSettings(), nil
	}

	v := viper.New()
	v.SetConfigFile(f.path)
	if err := v.ReadInConfig(); err != nil {
		return model.RawSettings{}, fmt.Errorf("read settings: %w", err)
	}
	if !v.IsSet(rootKey) {
		return model.DefaultRawSettings(), nil
	}

	var raw model.RawSettings
	if err := v.UnmarshalKey(rootKey, &raw, config.DecodeHook()); err != nil {
		return model.RawSettings{}, fmt.Errorf("unmarshal settings: %w", err)
	}
	return raw, nil
}

func (f *FileStore) logWarnings(warnings []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, w := range warnings {
		if _, seen := f.warned[w]; seen {
			continue
		}
		f.warned[w] = struct{}{}
		f.logger.Warn().Msg(w)
	}
}

// Static serves fixed settings.
type Static struct {
	S *model.Settings
}

// Settings returns the fixed settings.
func (s Static) Settings(ctx context.Context) (*model.Settings, error) {
	if s.S == nil {
		return nil, errors.New("settings not configured")
	}
	return s.S, nil
}

var (
	_ Store = (*FileStore)(nil)
	_ Store = Static{}
)
