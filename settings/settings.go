// Package settings holds the user-configurable preferences of the chat host.
package settings

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrInvalidConfig = errors.New("invalid config")

// SchemaVersion is the version written alongside persisted configs.
// Version 1 files predate autoCreateChat.
const SchemaVersion = 2

const DefaultModel = "claude-3-opus-20240229"

type Theme string

const (
	ThemeLight Theme = "light"
	ThemeDark  Theme = "dark"
)

func (t Theme) IsValid() bool {
	switch t {
	case ThemeLight, ThemeDark:
		return true
	default:
		return false
	}
}

type Config struct {
	APIKey     string `json:"apiKey"`
	Model      string `json:"model"`
	Theme      Theme  `json:"theme"`
	MaxHistory int    `json:"maxHistory"`
	// AutoCreateChat controls whether a chat is opened automatically when
	// none exist. Absent in older payloads; decodes to true in that case.
	AutoCreateChat bool `json:"autoCreateChat"`
}

func Default() Config {
	return Config{
		APIKey:         "",
		Model:          DefaultModel,
		Theme:          ThemeLight,
		MaxHistory:     100,
		AutoCreateChat: true,
	}
}

func (c Config) Validate() error {
	if !c.Theme.IsValid() {
		return fmt.Errorf("%w: theme %q", ErrInvalidConfig, c.Theme)
	}
	if c.MaxHistory <= 0 {
		return fmt.Errorf("%w: maxHistory must be positive, got %d", ErrInvalidConfig, c.MaxHistory)
	}
	if c.Model == "" {
		return fmt.Errorf("%w: model is required", ErrInvalidConfig)
	}
	return nil
}

// partialConfig mirrors Config with every field optional so that absent
// keys can be told apart from zero values.
type partialConfig struct {
	APIKey         *string `json:"apiKey"`
	Model          *string `json:"model"`
	Theme          *Theme  `json:"theme"`
	MaxHistory     *int    `json:"maxHistory"`
	AutoCreateChat *bool   `json:"autoCreateChat"`
}

// UnmarshalJSON fills every field missing from data with its Default value.
func (c *Config) UnmarshalJSON(data []byte) error {
	var p partialConfig
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}

	cfg := Default()
	if p.APIKey != nil {
		cfg.APIKey = *p.APIKey
	}
	if p.Model != nil {
		cfg.Model = *p.Model
	}
	if p.Theme != nil {
		cfg.Theme = *p.Theme
	}
	if p.MaxHistory != nil {
		cfg.MaxHistory = *p.MaxHistory
	}
	if p.AutoCreateChat != nil {
		cfg.AutoCreateChat = *p.AutoCreateChat
	}

	*c = cfg
	return nil
}

// OnChangeListener receives the new config after every successful change.
type OnChangeListener interface {
	OnSettingsChange(cfg Config)
}
