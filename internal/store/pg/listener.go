package pg

import (
	"context"
	"encoding/json"
	"time"

	"github.com/lib/pq"

	"bankcore.io/internal/ledger"
	"bankcore.io/internal/obs"
)

const (
	reconnectInterval = 5 * time.Second
	pingInterval      = 90 * time.Second
)

// Listener relays committed notifications announced with pg_notify to an
// in-process publisher, typically the stream hub.
type Listener struct {
	dsn          string
	channel      string
	minReconnect time.Duration
	maxReconnect time.Duration
	publish      func(ledger.Notification)
}

// NewListener creates a listener on channel; it does nothing until Run.
func NewListener(dsn, channel string, minReconnect, maxReconnect time.Duration, publish func(ledger.Notification)) *Listener {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Listener{
		dsn:          dsn,
		channel:      channel,
		minReconnect: minReconnect,
		maxReconnect: maxReconnect,
		publish:      publish,
	}
}

// Run listens until ctx is done, reconnecting after connection loss.
func (l *Listener) Run(ctx context.Context) {
	for {
		l.connectAndListen(ctx)

		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectInterval):
			obs.Log("info", "reconnecting notification listener", map[string]any{"channel": l.channel})
		}
	}
}

func (l *Listener) connectAndListen(ctx context.Context) {
	listener := pq.NewListener(l.dsn, l.minReconnect, l.maxReconnect, func(ev pq.ListenerEventType, err error) {
		fields := map[string]any{"channel": l.channel, "event": eventName(ev)}
		if err != nil {
			fields["error"] = err.Error()
			obs.Log("warn", "notification listener event", fields)
			return
		}
		obs.Log("info", "notification listener event", fields)
	})
	defer listener.Close()

	if err := listener.Listen(l.channel); err != nil {
		obs.Log("error", "listen failed", map[string]any{"channel": l.channel, "error": err.Error()})
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case n := <-listener.Notify:
			if n == nil {
				// connection lost; pq re-establishes it but events in between are gone
				continue
			}
			l.handle(n.Extra)
		case <-time.After(pingInterval):
			go func() {
				if err := listener.Ping(); err != nil {
					obs.Log("warn", "listener ping failed", map[string]any{"error": err.Error()})
				}
			}()
		}
	}
}

func (l *Listener) handle(payload string) {
	var n ledger.Notification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		obs.Log("warn", "bad notification payload", map[string]any{"error": err.Error()})
		return
	}
	if n.UserID == "" {
		return
	}
	l.publish(n)
}

func eventName(ev pq.ListenerEventType) string {
	switch ev {
	case pq.ListenerEventConnected:
		return "connected"
	case pq.ListenerEventDisconnected:
		return "disconnected"
	case pq.ListenerEventReconnected:
		return "reconnected"
	case pq.ListenerEventConnectionAttemptFailed:
		return "connection_attempt_failed"
	}
	return "unknown"
}
