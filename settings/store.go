package settings

import (
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const fileName = "config.json"

// fileData is the on-disk layout: the config fields plus a schema version.
type fileData struct {
	SchemaVersion int `json:"schemaVersion"`
	Config
}

type Store struct {
	path   string
	dataMu sync.RWMutex
	data   Config

	listenerMu sync.RWMutex
	listener   OnChangeListener

	watcher    *fsnotify.Watcher
	debounce   *time.Timer
	debounceMu sync.Mutex
}

// NewStore loads the config from dataDir, falling back to defaults for a
// missing, corrupted or invalid file. Missing and outdated files are
// rewritten in the current schema.
func NewStore(dataDir string) (*Store, error) {
	s := &Store{
		path: filepath.Join(dataDir, fileName),
		data: Default(),
	}

	if err := s.load(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) Get() Config {
	s.dataMu.RLock()
	defer s.dataMu.RUnlock()
	return s.data
}

func (s *Store) Update(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	s.dataMu.Lock()
	if err := s.save(cfg); err != nil {
		s.dataMu.Unlock()
		return err
	}
	s.data = cfg
	s.dataMu.Unlock()

	s.notify(cfg)
	return nil
}

func (s *Store) SetOnChangeListener(listener OnChangeListener) {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	s.listener = listener
}

func (s *Store) notify(cfg Config) {
	s.listenerMu.RLock()
	listener := s.listener
	s.listenerMu.RUnlock()
	if listener != nil {
		listener.OnSettingsChange(cfg)
	}
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return s.save(s.data)
	}
	if err != nil {
		return err
	}

	cfg, version, err := decode(data)
	if err != nil {
		slog.Warn("config file unreadable, using defaults", "path", s.path, "error", err)
		return nil
	}

	s.data = cfg
	if version < SchemaVersion {
		slog.Info("migrating config file", "path", s.path, "from", version, "to", SchemaVersion)
		return s.save(cfg)
	}
	return nil
}

// decode parses a persisted config, filling fields absent from older
// schema versions with their defaults. A missing schemaVersion counts as 1.
func decode(data []byte) (Config, int, error) {
	var header struct {
		SchemaVersion int `json:"schemaVersion"`
	}
	if err := json.Unmarshal(data, &header); err != nil {
		return Config{}, 0, err
	}
	version := header.SchemaVersion
	if version == 0 {
		version = 1
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, 0, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, 0, err
	}
	return cfg, version, nil
}

func (s *Store) save(cfg Config) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(fileData{SchemaVersion: SchemaVersion, Config: cfg}, "", "  ")
	if err != nil {
		return err
	}

	// Atomic write: write to temp file then rename. 0600 since the file
	// carries the API key.
	tmp, err := os.CreateTemp(dir, "config-*.json.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	return os.Rename(tmpPath, s.path)
}

// StartWatching reloads the config when config.json is edited outside the
// process.
func (s *Store) StartWatching() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	s.watcher = watcher

	// Watch the directory: file-level watches don't survive the rename in save.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return err
	}

	go s.watchLoop()
	slog.Info("settings store watching for external changes", "path", s.path)
	return nil
}

func (s *Store) StopWatching() {
	s.debounceMu.Lock()
	if s.debounce != nil {
		s.debounce.Stop()
	}
	s.debounceMu.Unlock()

	if s.watcher != nil {
		s.watcher.Close()
	}
}

func (s *Store) watchLoop() {
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != fileName {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			s.scheduleReload()
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("settings fsnotify error", "error", err)
		}
	}
}

const reloadDebounce = 100 * time.Millisecond

func (s *Store) scheduleReload() {
	s.debounceMu.Lock()
	defer s.debounceMu.Unlock()

	if s.debounce != nil {
		s.debounce.Stop()
	}
	s.debounce = time.AfterFunc(reloadDebounce, s.reloadFromDisk)
}

// reloadFromDisk swaps in an externally edited config. Invalid edits are
// ignored; our own writes produce an identical config and fire nothing.
func (s *Store) reloadFromDisk() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		slog.Error("failed to reload config", "error", err)
		return
	}

	cfg, _, err := decode(data)
	if err != nil {
		slog.Warn("ignoring invalid config edit", "path", s.path, "error", err)
		return
	}

	s.dataMu.Lock()
	if cfg == s.data {
		s.dataMu.Unlock()
		return
	}
	s.data = cfg
	s.dataMu.Unlock()

	slog.Info("config reloaded from disk")
	s.notify(cfg)
}
