package websocket

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twvoice/backend/model"
	"github.com/twvoice/backend/service"
	"github.com/twvoice/backend/storage/memory"
)

func newTestServer(t *testing.T) (*httptest.Server, *service.Service) {
	t.Helper()
	logger := zerolog.Nop()
	svc := service.NewService(service.Config{
		RoomStore: memory.NewStore(memory.Config{}),
		Logger:    &logger,
	})
	srv := NewServer(Config{
		Logger:      &logger,
		SyncService: svc,
		ListenAddr:  ":0",
	})
	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(ts.Close)
	return ts, svc
}

func dial(t *testing.T, ts *httptest.Server, roomID, userID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/sync/room/" + roomID + "/user/" + userID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func exchange(t *testing.T, conn *websocket.Conn, body string) model.SyncSnapshot {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(body)))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var snap model.SyncSnapshot
	require.NoError(t, json.Unmarshal(msg, &snap))
	return snap
}

func TestUnknownRoomRejectedBeforeUpgrade(t *testing.T) {
	ts, _ := newTestServer(t)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/sync/room/NOPE00/user/u1"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 404, resp.StatusCode)
}

func TestSyncExchange(t *testing.T) {
	ts, svc := newTestServer(t)
	svc.EnsureRoom("AB12CD")

	conn := dial(t, ts, "AB12CD", "u1")

	// body id is ignored; the path decides the session identity
	snap := exchange(t, conn, `{"user":{"id":"spoof","nickname":"alice","isMicOn":true},"signalsToSend":[]}`)
	require.Len(t, snap.Participants, 1)
	assert.Equal(t, "u1", snap.Participants[0].ID)
	assert.True(t, snap.Participants[0].IsMicOn)
	assert.Empty(t, snap.SignalsForMe)
}

func TestSignalRelayAcrossConnections(t *testing.T) {
	ts, svc := newTestServer(t)
	svc.EnsureRoom("AB12CD")

	connX := dial(t, ts, "AB12CD", "u1")
	connY := dial(t, ts, "AB12CD", "u2")

	exchange(t, connX, `{"user":{"nickname":"alice"},"signalsToSend":[]}`)

	snap := exchange(t, connY,
		`{"user":{"nickname":"bob"},"signalsToSend":[{"to":"u1","type":"offer","data":{"sdp":"v=0"}}]}`)
	assert.Len(t, snap.Participants, 2)

	snap = exchange(t, connX, `{"user":{"nickname":"alice"},"signalsToSend":[]}`)
	require.Len(t, snap.SignalsForMe, 1)
	assert.Equal(t, "u2", snap.SignalsForMe[0].From)
	assert.Equal(t, model.SignalTypeOffer, snap.SignalsForMe[0].Type)
	assert.JSONEq(t, `{"sdp":"v=0"}`, string(snap.SignalsForMe[0].Data))
}
