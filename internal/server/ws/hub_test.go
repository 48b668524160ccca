package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/copyvault/internal/domain"
)

type chanBus struct {
	mu     sync.Mutex
	chans  map[string]chan []byte
	stream []domain.StreamMessage
	read   []string
}

func (b *chanBus) get(channel string) chan []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.chans == nil {
		b.chans = make(map[string]chan []byte)
	}
	ch, ok := b.chans[channel]
	if !ok {
		ch = make(chan []byte, 16)
		b.chans[channel] = ch
	}
	return ch
}

func (b *chanBus) Publish(context.Context, string, []byte) error { return nil }
func (b *chanBus) Subscribe(_ context.Context, channel string) (<-chan []byte, error) {
	return b.get(channel), nil
}
func (b *chanBus) StreamAppend(context.Context, string, []byte) error { return nil }
func (b *chanBus) StreamRead(_ context.Context, stream, lastID string, _ int) ([]domain.StreamMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.read = append(b.read, stream+"@"+lastID)
	return b.stream, nil
}

func TestRouteChannel(t *testing.T) {
	assert.Equal(t, "vault:abc", routeChannel(vaultPattern, []byte(`{"vault_id":"abc","seq":1}`)))
	assert.Equal(t, vaultPattern, routeChannel(vaultPattern, []byte(`not json`)))
	assert.Equal(t, conditionsChannel, routeChannel(conditionsChannel, []byte(`{"vault_id":"abc"}`)))
}

func TestClientSubscriptionMatching(t *testing.T) {
	c := &client{subs: map[string]bool{"vault:*": true}}
	assert.True(t, c.isSubscribed("vault:abc"))
	assert.False(t, c.isSubscribed(conditionsChannel))

	c.handleSubscription(subscribeMsg{Action: "unsubscribe", Channels: []string{"vault:*"}})
	c.handleSubscription(subscribeMsg{Action: "subscribe", Channels: []string{"vault:abc"}})
	assert.True(t, c.isSubscribed("vault:abc"))
	assert.False(t, c.isSubscribed("vault:other"))
}

func TestHubRelaysVaultEventsToSubscribedClient(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := &chanBus{}
	hub := NewHub(bus, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?vault=abc"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Registration races the first publish, so keep publishing until a frame
	// arrives.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				for _, msg := range []string{`{"vault_id":"other","seq":1}`, `{"vault_id":"abc","seq":1}`} {
					select {
					case bus.get(vaultPattern) <- []byte(msg):
					case <-stop:
						return
					}
				}
			}
		}
	}()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, frame, err := conn.ReadMessage()
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(frame, &env))
	assert.Equal(t, "vault:abc", env.Channel)
	assert.JSONEq(t, `{"vault_id":"abc","seq":1}`, string(env.Data))
}

func TestHubReplaysVaultStream(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := &chanBus{stream: []domain.StreamMessage{
		{ID: "1-0", Payload: []byte(`{"vault_id":"abc","seq":1}`)},
		{ID: "2-0", Payload: []byte(`{"vault_id":"abc","seq":2}`)},
	}}
	hub := NewHub(bus, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?vault=abc&from=0"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for _, want := range []string{"1-0", "2-0"} {
		_, frame, err := conn.ReadMessage()
		require.NoError(t, err)
		var env Envelope
		require.NoError(t, json.Unmarshal(frame, &env))
		assert.Equal(t, "vault:abc", env.Channel)
		assert.Equal(t, want, env.StreamID)
	}

	bus.mu.Lock()
	defer bus.mu.Unlock()
	assert.Equal(t, []string{"vault:abc@0"}, bus.read)
}
