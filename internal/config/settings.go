package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Settings are the user preferences the viewer reads at runtime.
type Settings struct {
	PreloadOffset int `koanf:"preloadOffset" json:"preloadOffset"`
}

// DefaultSettings returns the settings used when nothing has been saved.
func DefaultSettings() Settings {
	return Settings{PreloadOffset: DefaultPreloadOffset}
}

// Validate reports whether the settings can be applied.
func (s Settings) Validate() error {
	return ValidatePreloadOffset(s.PreloadOffset)
}

// SettingsStore persists Settings as a JSON document. Keys it does not know
// about are preserved across saves.
type SettingsStore struct {
	path string
	mu   sync.Mutex
}

// NewSettingsStore returns a store backed by the JSON file at path.
func NewSettingsStore(path string) *SettingsStore {
	return &SettingsStore{path: path}
}

// Path returns the settings file location.
func (s *SettingsStore) Path() string {
	return s.path
}

// Load returns the saved settings, or the defaults when the file is missing,
// unreadable or holds values out of range.
func (s *SettingsStore) Load() Settings {
	settings, err := s.read()
	if err != nil {
		return DefaultSettings()
	}
	return settings
}

// Read returns the saved settings and the reason they could not be read.
// A missing file is not an error.
func (s *SettingsStore) Read() (Settings, error) {
	return s.read()
}

// Save validates and writes settings. The file is replaced atomically.
func (s *SettingsStore) Save(settings Settings) error {
	if err := settings.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := koanf.New(".")
	if _, err := os.Stat(s.path); err == nil {
		// A corrupt file is overwritten rather than blocking the save.
		_ = k.Load(file.Provider(s.path), kjson.Parser())
	}
	if err := k.Set("preloadOffset", settings.PreloadOffset); err != nil {
		return fmt.Errorf("config: set preloadOffset: %w", err)
	}
	payload, err := k.Marshal(kjson.Parser())
	if err != nil {
		return fmt.Errorf("config: encode settings: %w", err)
	}
	return writeFileAtomic(s.path, payload)
}

func (s *SettingsStore) read() (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := koanf.New(".")
	if err := k.Load(confmap.Provider(map[string]any{"preloadOffset": DefaultPreloadOffset}, "."), nil); err != nil {
		return Settings{}, fmt.Errorf("config: load settings defaults: %w", err)
	}
	if _, err := os.Stat(s.path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultSettings(), nil
		}
		return Settings{}, fmt.Errorf("config: stat settings %s: %w", s.path, err)
	}
	if err := k.Load(file.Provider(s.path), kjson.Parser()); err != nil {
		return Settings{}, fmt.Errorf("config: read settings %s: %w", s.path, err)
	}
	var settings Settings
	if err := k.Unmarshal("", &settings); err != nil {
		return Settings{}, fmt.Errorf("config: decode settings %s: %w", s.path, err)
	}
	if err := settings.Validate(); err != nil {
		return Settings{}, err
	}
	return settings, nil
}

func writeFileAtomic(path string, payload []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("config: create settings dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("config: create temp settings: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("config: write settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("config: close settings: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("config: replace settings: %w", err)
	}
	return nil
}
