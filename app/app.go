// Package app is the front end's application context. It owns the state
// containers and updates them from successful backend calls only.
package app

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/mcpchat/host/client"
	"github.com/mcpchat/host/session"
	"github.com/mcpchat/host/settings"
	"github.com/mcpchat/host/state"
)

var ErrNoActiveSession = errors.New("no active session")

type App struct {
	backend  client.Backend
	Chat     *state.ChatState
	Settings *state.SettingsState
	log      *slog.Logger

	mu     sync.Mutex
	unsubs []client.Unsubscribe
}

func New(backend client.Backend, log *slog.Logger) *App {
	if log == nil {
		log = slog.Default()
	}
	return &App{
		backend:  backend,
		Chat:     state.NewChatState(),
		Settings: state.NewSettingsState(),
		log:      log,
	}
}

// Start loads the config, initialises the assistant when a key is stored,
// loads the session list and opens a chat when none exist and
// autoCreateChat is on. Otherwise the newest session is selected.
func (a *App) Start(ctx context.Context) error {
	if err := a.LoadConfig(ctx); err != nil {
		return err
	}
	cfg := a.Settings.Get()

	if cfg.APIKey != "" {
		if _, err := a.Initialize(ctx); err != nil {
			a.log.Warn("assistant initialization failed", "error", err)
		}
	}

	if err := a.RefreshSessions(ctx); err != nil {
		return err
	}

	sessions := a.Chat.Get().Sessions
	if len(sessions) == 0 {
		if !cfg.AutoCreateChat {
			return nil
		}
		_, err := a.CreateSession(ctx, "")
		return err
	}
	return a.SelectSession(ctx, sessions[0].ID)
}

func (a *App) LoadConfig(ctx context.Context) error {
	cfg, err := a.backend.GetConfig(ctx)
	if err != nil {
		return err
	}
	a.Settings.Set(cfg)
	return nil
}

func (a *App) SaveConfig(ctx context.Context, cfg settings.Config) error {
	if err := a.backend.SaveConfig(ctx, cfg); err != nil {
		return err
	}
	a.Settings.Set(cfg)
	return nil
}

// Initialize binds the assistant to the stored API key.
func (a *App) Initialize(ctx context.Context) (string, error) {
	return a.backend.InitializeMcp(ctx, a.Settings.Get().APIKey)
}

func (a *App) RefreshSessions(ctx context.Context) error {
	sessions, err := a.backend.GetChatSessions(ctx)
	if err != nil {
		return err
	}
	a.Chat.SetSessions(sessions)
	return nil
}

// SelectSession makes id the current session, fetching its messages first
// if they are not cached.
func (a *App) SelectSession(ctx context.Context, id string) error {
	if _, ok := a.Chat.MessagesFor(id); ok {
		a.Chat.SetCurrentSession(id)
		return nil
	}

	msgs, err := a.backend.GetChatMessages(ctx, id)
	if err != nil {
		return err
	}
	a.Chat.Update(func(c state.Chat) state.Chat {
		c.Messages[id] = msgs
		c.CurrentSessionID = id
		return c
	})
	return nil
}

// CreateSession creates a session, reloads the list and selects it.
func (a *App) CreateSession(ctx context.Context, title string) (string, error) {
	id, err := a.backend.CreateChatSession(ctx, title)
	if err != nil {
		return "", err
	}
	sessions, err := a.backend.GetChatSessions(ctx)
	if err != nil {
		return id, err
	}

	a.Chat.Update(func(c state.Chat) state.Chat {
		c.Sessions = sessions
		c.Messages[id] = []session.Message{}
		c.CurrentSessionID = id
		return c
	})
	return id, nil
}

func (a *App) RenameSession(ctx context.Context, id, title string) error {
	if err := a.backend.UpdateChatSessionTitle(ctx, id, title); err != nil {
		return err
	}
	return a.RefreshSessions(ctx)
}

func (a *App) DeleteSession(ctx context.Context, id string) error {
	if err := a.backend.DeleteChatSession(ctx, id); err != nil {
		return err
	}
	a.Chat.RemoveSession(id)
	return nil
}

// Send asks the assistant to reply to content in the current session, then
// stores the exchange. Nothing is stored if the assistant fails.
func (a *App) Send(ctx context.Context, content string) (string, error) {
	sessionID := a.Chat.Get().CurrentSessionID
	if sessionID == "" {
		return "", ErrNoActiveSession
	}

	reply, err := a.backend.SendMessage(ctx, sessionID, content)
	if err != nil {
		return "", err
	}

	if _, err := a.backend.AddChatMessage(ctx, sessionID, session.RoleUser, content); err != nil {
		return "", err
	}
	if _, err := a.backend.AddChatMessage(ctx, sessionID, session.RoleAssistant, reply); err != nil {
		return "", err
	}

	// Reload rather than append: the backend may have pruned older messages.
	msgs, err := a.backend.GetChatMessages(ctx, sessionID)
	if err != nil {
		return "", err
	}
	a.Chat.SetMessages(sessionID, msgs)

	if err := a.RefreshSessions(ctx); err != nil {
		a.log.Warn("failed to refresh sessions after send", "error", err)
	}
	return reply, nil
}

func (a *App) Export(ctx context.Context) (string, error) {
	return a.backend.ExportChatHistory(ctx)
}

// Import applies an export (the newest one when path is empty) and drops
// every cached message list, since imported messages may belong to any
// session.
func (a *App) Import(ctx context.Context, path string) (string, error) {
	var (
		imported string
		err      error
	)
	if path == "" {
		imported, err = a.backend.ImportChatHistory(ctx)
	} else {
		imported, err = a.backend.ImportChatHistoryFrom(ctx, path)
	}
	if err != nil {
		return "", err
	}

	sessions, err := a.backend.GetChatSessions(ctx)
	if err != nil {
		return imported, err
	}
	a.Chat.Update(func(c state.Chat) state.Chat {
		c.Sessions = sessions
		clear(c.Messages)
		if _, ok := c.Session(c.CurrentSessionID); !ok {
			c.CurrentSessionID = ""
		}
		return c
	})
	return imported, nil
}

// Watch keeps the containers in sync with changes made by other clients or
// by edits to the config file. Stop ends it.
func (a *App) Watch(ctx context.Context) error {
	configFeed := &feed[settings.Config]{apply: a.Settings.Set}
	sessionFeed := &feed[client.SessionEvent]{apply: a.onSessionEvent}

	cfg, unsubConfig, err := a.backend.SubscribeConfig(ctx, configFeed.deliver)
	if err != nil {
		return err
	}
	sessions, unsubSessions, err := a.backend.SubscribeSessions(ctx, sessionFeed.deliver)
	if err != nil {
		if uerr := unsubConfig(ctx); uerr != nil {
			a.log.Warn("failed to unsubscribe", "error", uerr)
		}
		return err
	}

	configFeed.start(func() { a.Settings.Set(cfg) })
	sessionFeed.start(func() { a.Chat.SetSessions(sessions) })

	a.mu.Lock()
	a.unsubs = append(a.unsubs, unsubConfig, unsubSessions)
	a.mu.Unlock()
	return nil
}

// feed holds notifications that arrive before a subscription's snapshot is
// applied and replays them on top of it, so the snapshot never overwrites a
// newer change.
type feed[T any] struct {
	mu      sync.Mutex
	apply   func(T)
	ready   bool
	pending []T
}

func (f *feed[T]) deliver(v T) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.ready {
		f.pending = append(f.pending, v)
		return
	}
	f.apply(v)
}

func (f *feed[T]) start(applySnapshot func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	applySnapshot()
	for _, v := range f.pending {
		f.apply(v)
	}
	f.pending = nil
	f.ready = true
}

func (a *App) onSessionEvent(e client.SessionEvent) {
	switch e.Operation {
	case session.OperationDelete:
		a.Chat.RemoveSession(e.SessionID)
	case session.OperationCreate, session.OperationUpdate:
		if e.Session == nil {
			return
		}
		updated := *e.Session
		a.Chat.Update(func(c state.Chat) state.Chat {
			c.Sessions = upsertSession(c.Sessions, updated)
			return c
		})
	}
}

// upsertSession replaces or inserts s, keeping the list ordered by
// updatedAt descending.
func upsertSession(sessions []session.ChatSession, s session.ChatSession) []session.ChatSession {
	out := make([]session.ChatSession, 0, len(sessions)+1)
	inserted := false
	for _, existing := range sessions {
		if existing.ID == s.ID {
			continue
		}
		if !inserted && !existing.UpdatedAt.After(s.UpdatedAt) {
			out = append(out, s)
			inserted = true
		}
		out = append(out, existing)
	}
	if !inserted {
		out = append(out, s)
	}
	return out
}

// Stop cancels subscriptions started by Watch.
func (a *App) Stop(ctx context.Context) {
	a.mu.Lock()
	unsubs := a.unsubs
	a.unsubs = nil
	a.mu.Unlock()

	for _, unsub := range unsubs {
		if err := unsub(ctx); err != nil {
			a.log.Warn("failed to unsubscribe", "error", err)
		}
	}
}
