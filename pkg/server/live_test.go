package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lensview/lensview/pkg/entry"
)

func TestLiveFeedDeliversPublishedEntries(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleLive))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return hub.ClientCount() == 1
	}, time.Second, 10*time.Millisecond)

	published := &entry.Entry{ID: "live-1", Type: entry.TypeRequest}
	hub.Publish(published)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, message, err := conn.ReadMessage()
	require.NoError(t, err)

	var got entry.Entry
	require.NoError(t, json.Unmarshal(message, &got))
	assert.Equal(t, "live-1", got.ID)
}

func TestSlowClientDropsOldestMessages(t *testing.T) {
	hub := NewHub()
	client := &liveClient{send: make(chan []byte, 2)}
	hub.register(client)

	for i := 0; i < 5; i++ {
		hub.Publish(&entry.Entry{ID: "e", Type: entry.TypeQuery, Sequence: int64(i)})
	}

	assert.Equal(t, 2, len(client.send))
	assert.Equal(t, int64(3), hub.Dropped())

	// The surviving messages are the newest ones.
	var got entry.Entry
	require.NoError(t, json.Unmarshal(<-client.send, &got))
	assert.Equal(t, int64(3), got.Sequence)
}

func TestWedgedClientCountsDiscardedMessage(t *testing.T) {
	// An unbuffered channel with no reader never accepts the re-offer
	// after the drop, so the new message itself is lost and must count.
	hub := NewHub()
	client := &liveClient{send: make(chan []byte)}
	hub.register(client)

	hub.Publish(&entry.Entry{ID: "lost", Type: entry.TypeRequest})

	assert.Equal(t, int64(1), hub.Dropped())
}

func TestPublishWithoutClientsIsCheap(t *testing.T) {
	hub := NewHub()
	hub.Publish(&entry.Entry{ID: "nobody", Type: entry.TypeCache})
	assert.Zero(t, hub.Dropped())
}
