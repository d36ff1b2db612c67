// Package archive exports chat history to versioned JSON bundles and
// imports them back.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/mcpchat/host/session"
)

var (
	ErrVersionMismatch  = errors.New("archive version not supported")
	ErrMalformedArchive = errors.New("malformed archive")
	ErrNoArchive        = errors.New("no export found")
	ErrOutsideExports   = errors.New("import path outside exports directory")
)

// Version is written into every export.
const Version = "1.0.0"

// supported is the range of bundle versions Import accepts.
var supported = mustConstraint("^1")

func mustConstraint(c string) *semver.Constraints {
	constraint, err := semver.NewConstraint(c)
	if err != nil {
		panic(err)
	}
	return constraint
}

const (
	exportDir   = "exports"
	filePrefix  = "chat-history-"
	fileSuffix  = ".json"
	stampLayout = "20060102T150405.000000000Z"
)

// ExportData is the persisted export bundle.
type ExportData struct {
	Sessions   []session.ChatSession `json:"sessions"`
	Messages   []session.Message     `json:"messages"`
	Version    string                `json:"version"`
	ExportedAt time.Time             `json:"exportedAt"`
}

type Result struct {
	Path     string
	Sessions int
	Messages int
}

type Archiver struct {
	store session.Store
	dir   string
	now   func() time.Time
	// historyLimit, when set, caps the messages kept per imported session.
	historyLimit func() int
}

func New(store session.Store, dataDir string) *Archiver {
	return &Archiver{
		store: store,
		dir:   filepath.Join(dataDir, exportDir),
		now:   time.Now,
	}
}

// Dir is where exports are written and the only place imports are read
// from.
func (a *Archiver) Dir() string {
	return a.dir
}

// SetHistoryLimit makes Import prune every imported session to limit()
// messages, the same cap new messages are held to.
func (a *Archiver) SetHistoryLimit(limit func() int) {
	a.historyLimit = limit
}

// Export snapshots every session and message into a new file and returns
// its path.
func (a *Archiver) Export(ctx context.Context) (string, error) {
	sessions, err := a.store.List(ctx)
	if err != nil {
		return "", err
	}
	messages, err := a.store.AllMessages(ctx)
	if err != nil {
		return "", err
	}

	exportedAt := a.now().UTC()
	bundle := ExportData{
		Sessions:   sessions,
		Messages:   messages,
		Version:    Version,
		ExportedAt: exportedAt,
	}

	data, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return "", err
	}

	path := filepath.Join(a.dir, filePrefix+exportedAt.Format(stampLayout)+fileSuffix)
	if err := writeAtomic(path, data); err != nil {
		return "", err
	}

	slog.Info("chat history exported", "path", path, "sessions", len(sessions), "messages", len(messages))
	return path, nil
}

// Import applies the bundle at path. An empty path selects the newest
// export in Dir; otherwise path must name a file directly inside Dir, either
// by its bare name or by a path within Dir.
func (a *Archiver) Import(ctx context.Context, path string) (Result, error) {
	if path == "" {
		latest, err := a.Latest()
		if err != nil {
			return Result{}, err
		}
		path = latest
	} else {
		resolved, err := a.resolve(path)
		if err != nil {
			return Result{}, err
		}
		path = resolved
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Result{}, err
	}

	bundle, err := Decode(data)
	if err != nil {
		return Result{}, err
	}

	if err := a.store.Import(ctx, bundle.Sessions, bundle.Messages); err != nil {
		return Result{}, err
	}
	if err := a.prune(ctx, bundle.Sessions); err != nil {
		return Result{}, err
	}

	slog.Info("chat history imported", "path", path, "version", bundle.Version,
		"sessions", len(bundle.Sessions), "messages", len(bundle.Messages))
	return Result{
		Path:     path,
		Sessions: len(bundle.Sessions),
		Messages: len(bundle.Messages),
	}, nil
}

func (a *Archiver) resolve(path string) (string, error) {
	name := filepath.Base(path)
	if name == "." || name == ".." || name == string(filepath.Separator) {
		return "", fmt.Errorf("%w: %s", ErrOutsideExports, path)
	}
	if name != path && filepath.Clean(filepath.Dir(path)) != filepath.Clean(a.dir) {
		return "", fmt.Errorf("%w: %s", ErrOutsideExports, path)
	}
	return filepath.Join(a.dir, name), nil
}

func (a *Archiver) prune(ctx context.Context, sessions []session.ChatSession) error {
	if a.historyLimit == nil {
		return nil
	}
	limit := a.historyLimit()
	if limit <= 0 {
		return nil
	}
	for _, sess := range sessions {
		removed, err := a.store.PruneMessages(ctx, sess.ID, limit)
		if err != nil {
			return err
		}
		if removed > 0 {
			slog.Debug("pruned imported session", "sessionId", sess.ID, "removed", removed, "limit", limit)
		}
	}
	return nil
}

// Latest returns the newest export file in Dir.
func (a *Archiver) Latest() (string, error) {
	entries, err := os.ReadDir(a.dir)
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrNoArchive
	}
	if err != nil {
		return "", err
	}

	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		names = append(names, name)
	}
	if len(names) == 0 {
		return "", ErrNoArchive
	}

	// Stamps are fixed-width UTC, so lexical order is chronological.
	sort.Strings(names)
	return filepath.Join(a.dir, names[len(names)-1]), nil
}

// Decode parses and validates a bundle without applying it.
func Decode(data []byte) (ExportData, error) {
	var bundle ExportData
	if err := json.Unmarshal(data, &bundle); err != nil {
		return ExportData{}, fmt.Errorf("%w: %v", ErrMalformedArchive, err)
	}

	if bundle.Version == "" {
		return ExportData{}, fmt.Errorf("%w: missing version", ErrMalformedArchive)
	}
	v, err := semver.NewVersion(bundle.Version)
	if err != nil {
		return ExportData{}, fmt.Errorf("%w: version %q: %v", ErrMalformedArchive, bundle.Version, err)
	}
	if !supported.Check(v) {
		return ExportData{}, fmt.Errorf("%w: %s (supported %s)", ErrVersionMismatch, bundle.Version, supported)
	}

	known := make(map[string]struct{}, len(bundle.Sessions))
	for _, sess := range bundle.Sessions {
		if sess.ID == "" {
			return ExportData{}, fmt.Errorf("%w: session without id", ErrMalformedArchive)
		}
		if sess.UpdatedAt.Before(sess.CreatedAt) {
			return ExportData{}, fmt.Errorf("%w: session %s updated before it was created", ErrMalformedArchive, sess.ID)
		}
		known[sess.ID] = struct{}{}
	}
	for _, msg := range bundle.Messages {
		if msg.ID == "" {
			return ExportData{}, fmt.Errorf("%w: message without id", ErrMalformedArchive)
		}
		if _, ok := known[msg.SessionID]; !ok {
			return ExportData{}, fmt.Errorf("%w: message %s references unknown session %q", ErrMalformedArchive, msg.ID, msg.SessionID)
		}
		if !msg.Role.IsValid() {
			return ExportData{}, fmt.Errorf("%w: message %s has role %q", ErrMalformedArchive, msg.ID, msg.Role)
		}
	}

	return bundle, nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "export-*.json.tmp")
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

	return os.Rename(tmpPath, path)
}
