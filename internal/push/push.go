// Package push receives server-initiated notifications over a persistent
// websocket and fans each one out to the registered consumers.
package push

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/goccy/go-json"
)

// Message is one displayable notification.
type Message struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	URL   string `json:"url,omitempty"`
}

// defaultTitle is used when a push payload carries no title of its own.
const defaultTitle = "Wampums"

// Parse decodes a raw push payload. Payloads are expected to be JSON, but a
// plain-text frame still produces a usable notification with the raw bytes
// as the body.
func Parse(raw []byte) Message {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err == nil && (msg.Title != "" || msg.Body != "") {
		if msg.Title == "" {
			msg.Title = defaultTitle
		}
		return msg
	}
	return Message{
		Title: defaultTitle,
		Body:  strings.TrimSpace(string(raw)),
	}
}

// Notifier consumes notifications for display.
type Notifier interface {
	Notify(msg Message)
}

// LogNotifier writes notifications to the structured log. It stands in for a
// display surface when none is attached.
type LogNotifier struct{}

func (LogNotifier) Notify(msg Message) {
	slog.Info("notification", "title", msg.Title, "body", msg.Body, "url", msg.URL)
}

// subscriberBuffer bounds how far a slow subscriber can lag before messages
// are dropped for it.
const subscriberBuffer = 8

// Broadcaster fans messages out to any number of subscribers. Each
// subscriber gets its own copy of every message; a subscriber that stops
// reading loses messages rather than stalling the others.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[int]chan Message
	next int
}

// NewBroadcaster creates an empty Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan Message)}
}

// Subscribe registers a new consumer. The returned cancel func must be
// called when the consumer is done; the channel is closed by it.
func (b *Broadcaster) Subscribe() (<-chan Message, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan Message, subscriberBuffer)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers msg to every subscriber, non-blocking.
func (b *Broadcaster) Publish(msg Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- msg:
		default:
		}
	}
}

// Subscribers returns the current subscriber count.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Listener maintains the websocket to the push endpoint and dispatches every
// received payload to both the notifier and the broadcaster. The two
// consumers are independent: each receives the message regardless of what
// the other does with it.
type Listener struct {
	url         string
	notifier    Notifier
	broadcaster *Broadcaster
}

// NewListener creates a Listener for the given websocket URL. Either
// consumer may be nil.
func NewListener(url string, n Notifier, b *Broadcaster) *Listener {
	return &Listener{url: url, notifier: n, broadcaster: b}
}

// Run connects and reads until the context is cancelled, reconnecting under
// exponential backoff after any connection loss.
func (l *Listener) Run(ctx context.Context) error {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = time.Minute

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := l.listen(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		sleep := backoffCfg.NextBackOff()
		slog.Warn("push connection lost", "error", err, "reconnect_in", sleep)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}

// listen runs one connection lifetime: dial, then read frames until failure.
func (l *Listener) listen(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, l.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "shutting down")

	slog.Info("push connection established", "url", l.url)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		l.dispatch(Parse(data))
	}
}

// dispatch hands one message to each consumer.
func (l *Listener) dispatch(msg Message) {
	if l.notifier != nil {
		l.notifier.Notify(msg)
	}
	if l.broadcaster != nil {
		l.broadcaster.Publish(msg)
	}
}
