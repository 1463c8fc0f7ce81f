package cli

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/nyatishield/nyati/internal/config"
)

// dataDir holds the --data-dir persistent flag value (set on root command).
var dataDir string

// loadSettings decodes the effective configuration from viper.
func loadSettings() (*config.Settings, error) {
	return config.Load(viper.GetViper())
}

// resolveDataDir returns the data directory from --data-dir, store.data_dir
// (which NYATI_STORE_DATA_DIR also sets), or ~/.nyati as fallback.
func resolveDataDir(s *config.Settings) string {
	if dataDir != "" {
		return dataDir
	}
	if s != nil && s.Store.DataDir != "" {
		return s.Store.DataDir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".nyati")
}

// openStore opens the configured SQL store. SQLite without a DSN lives in
// the data directory.
func openStore(s *config.Settings) (*config.Store, error) {
	opts := config.Options{Driver: s.Store.Driver, DSN: s.Store.DSN}
	if opts.DSN == "" && (opts.Driver == "" || opts.Driver == "sqlite") {
		opts.DataDir = resolveDataDir(s)
	}
	store, err := config.NewStore(opts)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return store, nil
}

// loadAndOpenStore is the common prologue of the management commands.
func loadAndOpenStore() (*config.Settings, *config.Store, error) {
	s, err := loadSettings()
	if err != nil {
		return nil, nil, err
	}
	store, err := openStore(s)
	if err != nil {
		return nil, nil, err
	}
	return s, store, nil
}

// newLogger builds the process logger from log.level and log.format.
func newLogger(s *config.Settings, dev bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(s.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if dev {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(s.Log.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// versionString returns a display version string.
func versionString() string {
	if appVersion == "" || appVersion == "dev" {
		return "dev"
	}
	if strings.HasPrefix(appVersion, "v") {
		return appVersion
	}
	return "v" + appVersion
}
