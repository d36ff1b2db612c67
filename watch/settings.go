package watch

import (
	"log/slog"

	"github.com/mcpchat/host/rpc"
	"github.com/mcpchat/host/settings"
)

// SettingsWatcher notifies subscribers when the config changes, whether
// through save_config_command or an edit of config.json on disk. At most one
// change is pending; a newer config replaces it.
type SettingsWatcher struct {
	*BaseWatcher
	store   *settings.Store
	eventCh chan settings.Config
}

func NewSettingsWatcher(store *settings.Store) *SettingsWatcher {
	w := &SettingsWatcher{
		BaseWatcher: NewBaseWatcher("st"),
		store:       store,
		eventCh:     make(chan settings.Config, 1),
	}
	store.SetOnChangeListener(w)
	return w
}

func (w *SettingsWatcher) Start() error {
	go w.eventLoop()
	slog.Info("SettingsWatcher started")
	return nil
}

func (w *SettingsWatcher) Stop() {
	w.Cancel()
	slog.Info("SettingsWatcher stopped")
}

func (w *SettingsWatcher) eventLoop() {
	for {
		select {
		case <-w.Context().Done():
			return
		case cfg := <-w.eventCh:
			w.notifyChange(cfg)
		}
	}
}

func (w *SettingsWatcher) notifyChange(cfg settings.Config) {
	if !w.HasSubscriptions() {
		return
	}

	w.NotifyAll(rpc.NotifySettingsChanged, func(sub *Subscription) any {
		return rpc.SettingsChangedParams{
			ID:     sub.ID,
			Config: cfg,
		}
	})

	slog.Debug("notified settings change")
}

// Subscribe registers a subscriber and returns the subscription ID along with
// the current config.
func (w *SettingsWatcher) Subscribe(notifier Notifier) (string, settings.Config) {
	id := w.GenerateID()
	w.AddSubscription(&Subscription{
		ID:       id,
		Notifier: notifier,
	})

	return id, w.store.Get()
}

// OnSettingsChange implements settings.OnChangeListener. Must not block.
func (w *SettingsWatcher) OnSettingsChange(cfg settings.Config) {
	if w.Context().Err() != nil {
		return
	}

	for {
		select {
		case w.eventCh <- cfg:
			return
		default:
		}
		select {
		case stale := <-w.eventCh:
			slog.Debug("superseded pending settings change", "model", stale.Model)
		default:
		}
	}
}
