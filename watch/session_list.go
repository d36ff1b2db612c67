package watch

import (
	"context"
	"log/slog"

	"github.com/mcpchat/host/rpc"
	"github.com/mcpchat/host/session"
)

// SessionListWatcher notifies subscribers when the session list changes.
// Uses a channel-based async notification pattern to avoid blocking the session
// store during network I/O.
type SessionListWatcher struct {
	*BaseWatcher
	store   session.Store
	eventCh chan session.ChangeEvent
}

func NewSessionListWatcher(store session.Store) *SessionListWatcher {
	w := &SessionListWatcher{
		BaseWatcher: NewBaseWatcher("sl"),
		store:       store,
		eventCh:     make(chan session.ChangeEvent, 64), // Buffer to avoid blocking
	}
	store.SetOnChangeListener(w)
	return w
}

func (w *SessionListWatcher) Start() error {
	go w.eventLoop()
	slog.Info("SessionListWatcher started")
	return nil
}

func (w *SessionListWatcher) Stop() {
	w.Cancel()
	slog.Info("SessionListWatcher stopped")
}

// eventLoop processes session change events asynchronously.
func (w *SessionListWatcher) eventLoop() {
	for {
		select {
		case <-w.Context().Done():
			return
		case event := <-w.eventCh:
			w.notifyChange(event)
		}
	}
}

func (w *SessionListWatcher) notifyChange(event session.ChangeEvent) {
	if !w.HasSubscriptions() {
		return
	}

	w.NotifyAll(rpc.NotifySessionListChanged, func(sub *Subscription) any {
		params := rpc.SessionListChangedParams{
			ID:        sub.ID,
			Operation: string(event.Op),
		}
		if event.Op == session.OperationDelete {
			params.SessionID = event.Session.ID
		} else {
			sess := event.Session
			params.Session = &sess
		}
		return params
	})

	slog.Debug("notified session list change", "operation", event.Op)
}

// Subscribe registers a subscriber and returns the subscription ID along with
// the current session list.
func (w *SessionListWatcher) Subscribe(ctx context.Context, notifier Notifier) (string, []session.ChatSession, error) {
	id := w.GenerateID()
	// Add subscription BEFORE getting the list to avoid missing events
	// that occur between List() and AddSubscription().
	w.AddSubscription(&Subscription{
		ID:       id,
		Notifier: notifier,
	})

	sessions, err := w.store.List(ctx)
	if err != nil {
		w.RemoveSubscription(id)
		return "", nil, err
	}

	return id, sessions, nil
}

// OnSessionChange implements session.OnChangeListener. Events are queued
// for the event loop; a full buffer drops the event.
func (w *SessionListWatcher) OnSessionChange(event session.ChangeEvent) {
	if w.Context().Err() != nil {
		return
	}

	select {
	case w.eventCh <- event:
	default:
		slog.Warn("session list change event dropped (buffer full)", "operation", event.Op)
	}
}
