package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patricksmith/highline-capture/internal/conf"
	"github.com/patricksmith/highline-capture/internal/errors"
)

// wsServer is a minimal backend stand-in: it accepts websocket upgrades and
// exposes the live connections for the test to drive.
type wsServer struct {
	*httptest.Server
	upgrader websocket.Upgrader

	mu        sync.Mutex
	conns     []*websocket.Conn
	accepting atomic.Bool
	connected chan *websocket.Conn
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	ws := &wsServer{connected: make(chan *websocket.Conn, 8)}
	ws.accepting.Store(true)
	ws.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !ws.accepting.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := ws.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ws.mu.Lock()
		ws.conns = append(ws.conns, conn)
		ws.mu.Unlock()
		ws.connected <- conn
	}))
	t.Cleanup(ws.Close)
	return ws
}

func (ws *wsServer) lastConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-ws.connected:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("no websocket connection arrived")
		return nil
	}
}

func channelSettings(origin string) *conf.Settings {
	settings := &conf.Settings{}
	settings.Server.Origin = origin
	settings.Server.WebsocketPath = "/ws"
	settings.Realtime.HeartbeatInterval = 50 * time.Millisecond
	settings.Realtime.ReconnectBaseDelay = 10 * time.Millisecond
	settings.Realtime.ReconnectMaxDelay = 80 * time.Millisecond
	settings.Realtime.MaxReconnectAttempts = 3
	return settings
}

func startChannel(t *testing.T, ws *wsServer) (*Channel, *websocket.Conn) {
	t.Helper()
	c := NewChannel(channelSettings(ws.URL), nil)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(c.Disconnect)
	return c, ws.lastConn(t)
}

func TestChannelDispatchesSubscribedEvents(t *testing.T) {
	ws := newWSServer(t)
	c, serverConn := startChannel(t, ws)

	received := make(chan Envelope, 1)
	c.Subscribe(EventSessionStarted, func(env Envelope) { received <- env })

	require.NoError(t, serverConn.WriteJSON(NewEnvelope(EventSessionStarted,
		map[string]any{"room": "kitchen"}, "session-1")))

	select {
	case env := <-received:
		assert.Equal(t, EventSessionStarted, env.Type)
		assert.Equal(t, "session-1", env.SessionID)
	case <-time.After(2 * time.Second):
		t.Fatal("event not dispatched")
	}
}

func TestPhotoUploadedFansOutDerivedEvents(t *testing.T) {
	ws := newWSServer(t)
	c, serverConn := startChannel(t, ws)

	var itemUpdated, roomProgress atomic.Int32
	done := make(chan struct{}, 2)
	c.Subscribe(EventItemUpdated, func(env Envelope) {
		itemUpdated.Add(1)
		done <- struct{}{}
	})
	c.Subscribe(EventRoomProgressUpdated, func(env Envelope) {
		roomProgress.Add(1)
		done <- struct{}{}
	})

	require.NoError(t, serverConn.WriteJSON(NewEnvelope(EventPhotoUploaded,
		map[string]any{"photoId": "p1", "itemId": "item-1"}, "")))

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("derived events not dispatched")
		}
	}
	assert.Equal(t, int32(1), itemUpdated.Load())
	assert.Equal(t, int32(1), roomProgress.Load())
}

// readEventEnvelope reads the next non-heartbeat envelope off a server-side
// connection.
func readEventEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var env Envelope
		require.NoError(t, conn.ReadJSON(&env))
		if env.Type != EventPing {
			return env
		}
	}
}

func TestPublishReachesServer(t *testing.T) {
	ws := newWSServer(t)
	c, serverConn := startChannel(t, ws)

	require.NoError(t, c.Publish(NewEnvelope(EventSessionEnded,
		map[string]any{"photoCount": 4}, "session-1")))

	env := readEventEnvelope(t, serverConn)
	assert.Equal(t, EventSessionEnded, env.Type)
	assert.Equal(t, "session-1", env.SessionID)
	assert.NotZero(t, env.Timestamp)
}

func TestHeartbeatSendsPingEnvelopes(t *testing.T) {
	ws := newWSServer(t)
	_, serverConn := startChannel(t, ws)

	require.NoError(t, serverConn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env Envelope
	require.NoError(t, serverConn.ReadJSON(&env))
	assert.Equal(t, EventPing, env.Type)
	assert.NotZero(t, env.Timestamp)
}

func TestPublishWhileDisconnectedFails(t *testing.T) {
	c := NewChannel(channelSettings("http://unused.test"), nil)

	err := c.Publish(NewEnvelope(EventSessionEnded, nil, ""))
	require.Error(t, err)

	var enhanced *errors.EnhancedError
	require.True(t, errors.As(err, &enhanced))
	assert.Equal(t, errors.CategoryChannel, enhanced.ErrorCategory())
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	ws := newWSServer(t)
	c, serverConn := startChannel(t, ws)

	var calls atomic.Int32
	unsubscribe := c.Subscribe(EventItemUpdated, func(env Envelope) { calls.Add(1) })
	witness := make(chan struct{}, 2)
	c.Subscribe(EventItemUpdated, func(env Envelope) { witness <- struct{}{} })

	require.NoError(t, serverConn.WriteJSON(NewEnvelope(EventItemUpdated, nil, "")))
	<-witness
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	unsubscribe()
	require.NoError(t, serverConn.WriteJSON(NewEnvelope(EventItemUpdated, nil, "")))
	<-witness
	assert.Equal(t, int32(1), calls.Load())
}

func TestPanickingHandlerIsIsolated(t *testing.T) {
	ws := newWSServer(t)
	c, serverConn := startChannel(t, ws)

	c.Subscribe(EventItemUpdated, func(env Envelope) { panic("bad handler") })
	survived := make(chan struct{}, 1)
	c.Subscribe(EventItemUpdated, func(env Envelope) { survived <- struct{}{} })

	require.NoError(t, serverConn.WriteJSON(NewEnvelope(EventItemUpdated, nil, "")))

	select {
	case <-survived:
	case <-time.After(2 * time.Second):
		t.Fatal("panic poisoned the dispatch loop")
	}
}

func TestChannelReconnectsAfterDrop(t *testing.T) {
	ws := newWSServer(t)
	c, serverConn := startChannel(t, ws)

	received := make(chan Envelope, 1)
	c.Subscribe(EventItemUpdated, func(env Envelope) { received <- env })

	// Server-side drop. The channel must come back on its own.
	require.NoError(t, serverConn.Close())

	newConn := ws.lastConn(t)
	assert.Eventually(t, c.IsConnected, 2*time.Second, 10*time.Millisecond)

	// Subscriptions survive the reconnect.
	require.NoError(t, newConn.WriteJSON(NewEnvelope(EventItemUpdated, nil, "")))
	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("subscription lost across reconnect")
	}
}

func TestDisconnectSuppressesReconnect(t *testing.T) {
	ws := newWSServer(t)
	c, _ := startChannel(t, ws)

	c.Disconnect()
	assert.Equal(t, StateDisconnected, c.State())

	// No reconnect may arrive after an explicit disconnect.
	select {
	case <-ws.connected:
		t.Fatal("channel reconnected after Disconnect")
	case <-time.After(200 * time.Millisecond):
	}
}

func waitEnvelope(t *testing.T, ch chan Envelope, msg string) Envelope {
	t.Helper()
	select {
	case env := <-ch:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal(msg)
		return Envelope{}
	}
}

func TestConnectionLifecycleEventsAreDispatched(t *testing.T) {
	ws := newWSServer(t)
	c := NewChannel(channelSettings(ws.URL), nil)
	t.Cleanup(c.Disconnect)

	opened := make(chan Envelope, 4)
	closed := make(chan Envelope, 4)
	c.Subscribe(EventConnectionOpened, func(env Envelope) { opened <- env })
	c.Subscribe(EventConnectionClosed, func(env Envelope) { closed <- env })

	require.NoError(t, c.Start(context.Background()))
	serverConn := ws.lastConn(t)
	waitEnvelope(t, opened, "no open event after connect")

	// A server-side drop closes abnormally, then the reconnect opens again.
	require.NoError(t, serverConn.Close())
	env := waitEnvelope(t, closed, "no close event after drop")
	data, ok := env.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, websocket.CloseAbnormalClosure, data["code"])
	ws.lastConn(t)
	waitEnvelope(t, opened, "no open event after reconnect")

	c.Disconnect()
	env = waitEnvelope(t, closed, "no close event after disconnect")
	data, ok = env.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, websocket.CloseNormalClosure, data["code"])
}

func TestChannelGivesUpAfterAttemptBudget(t *testing.T) {
	ws := newWSServer(t)
	c, serverConn := startChannel(t, ws)

	// Refuse upgrades, then drop the connection: every retry fails.
	ws.accepting.Store(false)
	require.NoError(t, serverConn.Close())

	// 3 attempts at 10/20/40ms. Well past that, the channel must be idle.
	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, StateDisconnected, c.State())

	// Manual recovery resets the budget.
	ws.accepting.Store(true)
	require.NoError(t, c.Reconnect())
	ws.lastConn(t)
	assert.True(t, c.IsConnected())
}
