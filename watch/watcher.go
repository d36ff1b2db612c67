// Package watch fans store changes out to subscribed connections.
package watch

import (
	"context"

	"github.com/google/uuid"
)

// Watcher is what the transport needs to drop a connection's subscriptions
// when it closes.
type Watcher interface {
	Unsubscribe(id string)
}

// Notification is one change addressed to a single subscription.
type Notification struct {
	Method string
	Params any
}

// Notifier delivers notifications to one connection.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Subscription IDs look like "st_<uuidv7>" so a client can tell which
// watcher issued them.
func generateIDWithPrefix(prefix string) string {
	return prefix + "_" + uuid.Must(uuid.NewV7()).String()
}
