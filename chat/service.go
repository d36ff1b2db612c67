// Package chat coordinates the assistant and the session store.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/mcpchat/host/assistant"
	"github.com/mcpchat/host/logger"
	"github.com/mcpchat/host/session"
	"github.com/mcpchat/host/settings"
)

var (
	ErrNotInitialized    = errors.New("assistant not initialized")
	ErrInvalidCredential = errors.New("invalid credential")
	ErrEmptyContent      = errors.New("content is required")
)

// InitializedMessage is the status returned by a successful Initialize.
const InitializedMessage = "MCP client initialized"

// contextWindow is how many stored messages accompany a new prompt.
const contextWindow = 10

type ConfigSource interface {
	Get() settings.Config
}

// Service is the single entry point for chat interactions.
type Service struct {
	store        session.Store
	config       ConfigSource
	newCompleter assistant.Factory

	mu        sync.RWMutex
	completer assistant.Completer
}

func NewService(store session.Store, config ConfigSource, factory assistant.Factory) *Service {
	return &Service{
		store:        store,
		config:       config,
		newCompleter: factory,
	}
}

// Initialize binds the assistant to apiKey and the configured model.
// Calling it again replaces the previous binding.
func (s *Service) Initialize(ctx context.Context, apiKey string) (string, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return "", ErrInvalidCredential
	}

	model := s.config.Get().Model
	completer := s.newCompleter(apiKey, model)

	s.mu.Lock()
	s.completer = completer
	s.mu.Unlock()

	slog.Info("assistant initialized", "model", model)
	return InitializedMessage, nil
}

func (s *Service) Initialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.completer != nil
}

// SendMessage asks the assistant to reply to content in the context of the
// session's recent messages. Nothing is persisted.
func (s *Service) SendMessage(ctx context.Context, sessionID, content string) (string, error) {
	if strings.TrimSpace(content) == "" {
		return "", ErrEmptyContent
	}

	s.mu.RLock()
	completer := s.completer
	s.mu.RUnlock()
	if completer == nil {
		return "", ErrNotInitialized
	}

	history, err := s.store.Messages(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if len(history) > contextWindow {
		history = history[len(history)-contextWindow:]
	}

	prompt := make([]assistant.Message, 0, len(history)+1)
	for _, m := range history {
		prompt = append(prompt, assistant.Message{Role: m.Role, Content: m.Content})
	}
	prompt = append(prompt, assistant.Message{Role: session.RoleUser, Content: content})

	log := logger.NewRequestLogger().With("sessionId", sessionID)
	log.Debug("sending prompt", "messages", len(prompt), "content", logger.Truncate(content, 80))

	reply, err := completer.Complete(ctx, prompt)
	if err != nil {
		log.Warn("assistant request failed", "error", err)
		return "", err
	}

	log.Debug("assistant replied", "content", logger.Truncate(reply, 80))
	return reply, nil
}

// AddMessage stores a message and prunes the session to the configured
// maxHistory.
func (s *Service) AddMessage(ctx context.Context, sessionID string, role session.Role, content string) (session.Message, error) {
	if !role.IsValid() {
		return session.Message{}, fmt.Errorf("%w: %q", session.ErrInvalidRole, role)
	}

	msg, err := s.store.AddMessage(ctx, sessionID, role, content)
	if err != nil {
		return session.Message{}, err
	}

	keep := s.config.Get().MaxHistory
	if keep > 0 {
		removed, err := s.store.PruneMessages(ctx, sessionID, keep)
		if err != nil {
			// The message is stored; pruning catches up on the next add.
			slog.Warn("failed to prune messages", "sessionId", sessionID, "error", err)
		} else if removed > 0 {
			slog.Debug("pruned messages", "sessionId", sessionID, "removed", removed, "keep", keep)
		}
	}

	return msg, nil
}
