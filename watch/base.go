package watch

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// notifyTimeout bounds a single notification write so one stalled
// connection cannot hold up the event loop.
const notifyTimeout = 5 * time.Second

type Subscription struct {
	ID       string
	Notifier Notifier
}

// BaseWatcher is the subscription registry shared by all watchers. IDs carry
// the watcher's prefix so a client can tell which watcher issued them.
type BaseWatcher struct {
	idPrefix string

	subMu         sync.RWMutex
	subscriptions map[string]*Subscription

	ctx    context.Context
	cancel context.CancelFunc
}

func NewBaseWatcher(idPrefix string) *BaseWatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &BaseWatcher{
		idPrefix:      idPrefix,
		subscriptions: make(map[string]*Subscription),
		ctx:           ctx,
		cancel:        cancel,
	}
}

func (b *BaseWatcher) GenerateID() string {
	return generateIDWithPrefix(b.idPrefix)
}

func (b *BaseWatcher) AddSubscription(sub *Subscription) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	b.subscriptions[sub.ID] = sub
}

// RemoveSubscription returns the removed subscription, or nil if id was
// not registered.
func (b *BaseWatcher) RemoveSubscription(id string) *Subscription {
	b.subMu.Lock()
	defer b.subMu.Unlock()

	sub, ok := b.subscriptions[id]
	if !ok {
		return nil
	}
	delete(b.subscriptions, id)
	return sub
}

func (b *BaseWatcher) snapshot() []*Subscription {
	b.subMu.RLock()
	defer b.subMu.RUnlock()

	subs := make([]*Subscription, 0, len(b.subscriptions))
	for _, sub := range b.subscriptions {
		subs = append(subs, sub)
	}
	return subs
}

// NotifyAll sends method to every subscriber, building per-subscriber params
// with makeParams. Delivery failures are logged and otherwise ignored; the
// connection's own cleanup removes dead subscribers. Returns the number of
// subscribers addressed.
func (b *BaseWatcher) NotifyAll(method string, makeParams func(sub *Subscription) any) int {
	subs := b.snapshot()
	for _, sub := range subs {
		ctx, cancel := context.WithTimeout(b.ctx, notifyTimeout)
		n := Notification{Method: method, Params: makeParams(sub)}
		if err := sub.Notifier.Notify(ctx, n); err != nil {
			slog.Debug("failed to notify subscriber", "id", sub.ID, "method", method, "error", err)
		}
		cancel()
	}
	return len(subs)
}

func (b *BaseWatcher) Context() context.Context { return b.ctx }
func (b *BaseWatcher) Cancel()                  { b.cancel() }

func (b *BaseWatcher) HasSubscriptions() bool {
	return b.SubscriptionCount() > 0
}

func (b *BaseWatcher) SubscriptionCount() int {
	b.subMu.RLock()
	defer b.subMu.RUnlock()
	return len(b.subscriptions)
}

func (b *BaseWatcher) Unsubscribe(id string) {
	b.RemoveSubscription(id)
}
