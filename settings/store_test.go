package settings

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

type captureListener struct {
	mu   sync.Mutex
	cfgs []Config
	ch   chan Config
}

func newCaptureListener() *captureListener {
	return &captureListener{ch: make(chan Config, 8)}
}

func (l *captureListener) OnSettingsChange(cfg Config) {
	l.mu.Lock()
	l.cfgs = append(l.cfgs, cfg)
	l.mu.Unlock()
	l.ch <- cfg
}

func writeConfigFile(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
}

func TestNewStore_DefaultsWhenNoFile(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	if got := store.Get(); got != Default() {
		t.Errorf("expected defaults, got %+v", got)
	}

	// Defaults are persisted on first start.
	if _, err := os.Stat(filepath.Join(dir, "config.json")); err != nil {
		t.Errorf("expected config.json to be written: %v", err)
	}
}

func TestNewStore_LoadsExistingFile(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, `{"schemaVersion":2,"apiKey":"sk-1","model":"m","theme":"dark","maxHistory":20,"autoCreateChat":false}`)

	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	want := Config{APIKey: "sk-1", Model: "m", Theme: ThemeDark, MaxHistory: 20, AutoCreateChat: false}
	if got := store.Get(); got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestNewStore_MigratesVersion1File(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, `{"apiKey":"sk-1","model":"m","theme":"dark","maxHistory":20}`)

	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	got := store.Get()
	if !got.AutoCreateChat {
		t.Error("expected autoCreateChat to default to true for a version 1 file")
	}
	if got.APIKey != "sk-1" || got.Theme != ThemeDark {
		t.Errorf("existing fields lost in migration: %+v", got)
	}

	data, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var header struct {
		SchemaVersion int  `json:"schemaVersion"`
		AutoCreate    bool `json:"autoCreateChat"`
	}
	if err := json.Unmarshal(data, &header); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if header.SchemaVersion != SchemaVersion || !header.AutoCreate {
		t.Errorf("file not rewritten in current schema: %s", data)
	}
}

func TestNewStore_FallsBackOnCorruptedJSON(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, `{invalid json`)

	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	if got := store.Get(); got != Default() {
		t.Errorf("expected defaults, got %+v", got)
	}
}

func TestNewStore_FallsBackOnInvalidValue(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, `{"schemaVersion":2,"theme":"solarized"}`)

	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	if got := store.Get(); got.Theme != ThemeLight {
		t.Errorf("expected default theme, got %q", got.Theme)
	}
}

func TestStore_Update(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	l := newCaptureListener()
	store.SetOnChangeListener(l)

	cfg := Config{APIKey: "sk-2", Model: "m2", Theme: ThemeDark, MaxHistory: 5, AutoCreateChat: false}
	if err := store.Update(cfg); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	if got := store.Get(); got != cfg {
		t.Errorf("got %+v, want %+v", got, cfg)
	}
	select {
	case got := <-l.ch:
		if got != cfg {
			t.Errorf("listener got %+v, want %+v", got, cfg)
		}
	default:
		t.Error("expected listener to be notified")
	}
}

func TestStore_Update_RejectsInvalidValue(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	invalid := Default()
	invalid.Theme = "solarized"
	if err := store.Update(invalid); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}

	// Should retain original value
	if got := store.Get(); got != Default() {
		t.Errorf("expected defaults retained, got %+v", got)
	}
}

func TestStore_Update_PersistsToDisk(t *testing.T) {
	dir := t.TempDir()

	store1, _ := NewStore(dir)
	cfg := Default()
	cfg.Theme = ThemeDark
	cfg.AutoCreateChat = false
	store1.Update(cfg)

	// Create new store from same directory
	store2, _ := NewStore(dir)
	if got := store2.Get(); got != cfg {
		t.Errorf("expected persisted %+v, got %+v", cfg, got)
	}

	info, err := os.Stat(filepath.Join(dir, "config.json"))
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("config file mode = %o, want 600", perm)
	}
}

func TestStore_Watching_ReloadsExternalEdit(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	l := newCaptureListener()
	store.SetOnChangeListener(l)

	if err := store.StartWatching(); err != nil {
		t.Fatalf("StartWatching: %v", err)
	}
	t.Cleanup(store.StopWatching)

	writeConfigFile(t, dir, `{"schemaVersion":2,"model":"edited","theme":"dark","maxHistory":7}`)

	select {
	case got := <-l.ch:
		if got.Model != "edited" || got.Theme != ThemeDark || got.MaxHistory != 7 {
			t.Errorf("reloaded %+v", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for reload")
	}

	if got := store.Get(); got.Model != "edited" {
		t.Errorf("store not updated: %+v", got)
	}
}

func TestConfig_UnmarshalFillsDefaults(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want Config
	}{
		{
			name: "empty object",
			in:   `{}`,
			want: Default(),
		},
		{
			name: "missing autoCreateChat",
			in:   `{"apiKey":"k","model":"m","theme":"dark","maxHistory":3}`,
			want: Config{APIKey: "k", Model: "m", Theme: ThemeDark, MaxHistory: 3, AutoCreateChat: true},
		},
		{
			name: "explicit false kept",
			in:   `{"autoCreateChat":false}`,
			want: func() Config { c := Default(); c.AutoCreateChat = false; return c }(),
		},
		{
			name: "unknown fields ignored",
			in:   `{"fontSize":14,"theme":"dark"}`,
			want: func() Config { c := Default(); c.Theme = ThemeDark; return c }(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got Config
			if err := json.Unmarshal([]byte(tt.in), &got); err != nil {
				t.Fatalf("Unmarshal: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errSub string
	}{
		{"default is valid", func(*Config) {}, ""},
		{"bad theme", func(c *Config) { c.Theme = "blue" }, "theme"},
		{"zero history", func(c *Config) { c.MaxHistory = 0 }, "maxHistory"},
		{"negative history", func(c *Config) { c.MaxHistory = -1 }, "maxHistory"},
		{"empty model", func(c *Config) { c.Model = "" }, "model"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.errSub == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, ErrInvalidConfig) || !strings.Contains(err.Error(), tt.errSub) {
				t.Errorf("expected ErrInvalidConfig mentioning %q, got %v", tt.errSub, err)
			}
		})
	}
}

func TestTheme_IsValid(t *testing.T) {
	tests := []struct {
		theme Theme
		valid bool
	}{
		{ThemeLight, true},
		{ThemeDark, true},
		{"system", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := tt.theme.IsValid(); got != tt.valid {
			t.Errorf("Theme(%q).IsValid() = %v, want %v", tt.theme, got, tt.valid)
		}
	}
}
