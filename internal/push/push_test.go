package push

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_JSONPayload(t *testing.T) {
	msg := Parse([]byte(`{"title":"Meeting moved","body":"Now at 19:00","url":"/calendar"}`))
	assert.Equal(t, "Meeting moved", msg.Title)
	assert.Equal(t, "Now at 19:00", msg.Body)
	assert.Equal(t, "/calendar", msg.URL)
}

func TestParse_JSONWithoutTitle(t *testing.T) {
	msg := Parse([]byte(`{"body":"badge approved"}`))
	assert.Equal(t, "Wampums", msg.Title)
	assert.Equal(t, "badge approved", msg.Body)
}

func TestParse_PlainTextFallback(t *testing.T) {
	msg := Parse([]byte("  server maintenance tonight \n"))
	assert.Equal(t, "Wampums", msg.Title)
	assert.Equal(t, "server maintenance tonight", msg.Body)
	assert.Empty(t, msg.URL)
}

func TestParse_EmptyJSONFallsBackToRaw(t *testing.T) {
	// Valid JSON carrying neither title nor body is not a usable notification
	msg := Parse([]byte(`{"unrelated":true}`))
	assert.Equal(t, "Wampums", msg.Title)
	assert.Equal(t, `{"unrelated":true}`, msg.Body)
}

func TestBroadcaster_FanOut(t *testing.T) {
	b := NewBroadcaster()

	ch1, cancel1 := b.Subscribe()
	ch2, cancel2 := b.Subscribe()
	defer cancel1()
	defer cancel2()
	assert.Equal(t, 2, b.Subscribers())

	b.Publish(Message{Title: "t", Body: "b"})

	for _, ch := range []<-chan Message{ch1, ch2} {
		select {
		case msg := <-ch:
			assert.Equal(t, "t", msg.Title)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive message")
		}
	}
}

func TestBroadcaster_CancelClosesChannel(t *testing.T) {
	b := NewBroadcaster()

	ch, cancel := b.Subscribe()
	cancel()
	cancel() // idempotent

	_, open := <-ch
	assert.False(t, open)
	assert.Zero(t, b.Subscribers())

	// Publishing after unsubscribe must not panic
	b.Publish(Message{Title: "t"})
}

func TestBroadcaster_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := NewBroadcaster()

	ch, cancel := b.Subscribe()
	defer cancel()

	// Fill the buffer and then some; Publish must never block
	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*3; i++ {
			b.Publish(Message{Body: "overflow"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
	assert.Len(t, ch, subscriberBuffer)
}

func TestListener_DeliversToBothConsumers(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()
		_ = conn.Write(ctx, websocket.MessageText,
			[]byte(`{"title":"Honor awarded","body":"Zoe earned an honor"}`))
		<-ctx.Done()
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	notified := make(chan Message, 1)
	notifier := notifierFunc(func(msg Message) { notified <- msg })
	broadcaster := NewBroadcaster()
	sub, unsub := broadcaster.Subscribe()
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- NewListener(wsURL, notifier, broadcaster).Run(ctx) }()

	// Both consumers receive the same message independently
	select {
	case msg := <-notified:
		assert.Equal(t, "Honor awarded", msg.Title)
	case <-time.After(5 * time.Second):
		t.Fatal("notifier did not receive message")
	}
	select {
	case msg := <-sub:
		assert.Equal(t, "Zoe earned an honor", msg.Body)
	case <-time.After(5 * time.Second):
		t.Fatal("broadcaster subscriber did not receive message")
	}

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("listener did not stop on cancel")
	}
}

// notifierFunc adapts a function to the Notifier interface.
type notifierFunc func(Message)

func (f notifierFunc) Notify(msg Message) { f(msg) }
