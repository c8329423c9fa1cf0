package notify

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMultiFansOut(t *testing.T) {
	a, b := &Recorder{}, &Recorder{}
	Multi{a, Discard, b}.Publish(New(TypeFill, map[string]string{"trade_id": "1"}))

	require.Len(t, a.Events(), 1)
	require.Len(t, b.Events(), 1)
	assert.Equal(t, TypeFill, a.Events()[0].Type)
	assert.False(t, a.Events()[0].TS.IsZero())
}

func TestRecorderOfType(t *testing.T) {
	r := &Recorder{}
	r.Publish(New(TypeFill, nil))
	r.Publish(New(TypeOrderUpsert, nil))
	r.Publish(New(TypeFill, nil))

	assert.Len(t, r.OfType(TypeFill), 2)
	assert.Len(t, r.OfType(TypeMarkPrice), 0)
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "ledger.events.SUB_LEDGER_UPDATE", Subject(TypeSubLedgerUpdate))
}

func TestWSHubBroadcast(t *testing.T) {
	hub := NewWSHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(httpHandler(hub))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.Publish(New(TypeConsistencyStatus, map[string]string{"status": "OK"}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var got struct {
		Type    string            `json:"type"`
		Payload map[string]string `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, TypeConsistencyStatus, got.Type)
	assert.Equal(t, "OK", got.Payload["status"])
}

func TestWSHubDropsWhenFull(t *testing.T) {
	hub := NewWSHub() // not running: nothing drains the buffer
	for i := 0; i < 1000; i++ {
		hub.Publish(New(TypeMarkPrice, i))
	}
	assert.Len(t, hub.broadcast, cap(hub.broadcast))
}
