package cable

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karthikraju391/go-nats-chat-console/transport"
)

// fakeCableServer confirms every subscription, then pushes one data frame and
// one payload-less frame to it. Received commands are forwarded to commands.
func fakeCableServer(t *testing.T, commands chan<- command) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		_ = ws.WriteJSON(map[string]any{"type": "welcome"})
		_ = ws.WriteJSON(map[string]any{"type": "ping", "message": 1})

		for {
			var cmd command
			if err := ws.ReadJSON(&cmd); err != nil {
				return
			}
			commands <- cmd
			if cmd.Command != cmdSubscribe {
				continue
			}
			_ = ws.WriteJSON(map[string]any{"type": "confirm_subscription", "identifier": cmd.Identifier})
			_ = ws.WriteJSON(map[string]any{
				"identifier": cmd.Identifier,
				"message":    map[string]any{"message": map[string]any{"id": 9, "body": "hi", "user_id": 7}},
			})
			_ = ws.WriteJSON(map[string]any{"identifier": `{"channel":"Elsewhere"}`, "message": map[string]any{"x": 1}})
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestIdentifier(t *testing.T) {
	assert.Equal(t, `{"channel":"ConversationChannel","conversation_id":42}`,
		Identifier(transport.Channel{Family: transport.FamilyDirect, TargetID: 42}))
	assert.Equal(t, `{"channel":"GroupChannel","group_id":42}`,
		Identifier(transport.Channel{Family: transport.FamilyGroup, TargetID: 42}))
}

func TestConn_SubscribeReceivesFramesAndUnsubscribes(t *testing.T) {
	commands := make(chan command, 8)
	srv := fakeCableServer(t, commands)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := Dial(ctx, wsURL(srv), Options{})
	require.NoError(t, err)
	defer conn.Close()

	connected := make(chan struct{}, 1)
	frames := make(chan []byte, 4)
	ch := transport.Channel{Family: transport.FamilyDirect, TargetID: 42}
	sub, err := conn.Subscribe(ctx, ch, transport.Callbacks{
		OnConnect: func() { connected <- struct{}{} },
		OnFrame:   func(d []byte) { frames <- d },
	})
	require.NoError(t, err)
	assert.Equal(t, ch, sub.Channel())

	select {
	case cmd := <-commands:
		assert.Equal(t, cmdSubscribe, cmd.Command)
		assert.Equal(t, Identifier(ch), cmd.Identifier)
	case <-time.After(2 * time.Second):
		t.Fatal("subscribe command not received")
	}

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("subscription was not confirmed")
	}

	select {
	case data := <-frames:
		var payload struct {
			Message struct {
				ID int64 `json:"id"`
			} `json:"message"`
		}
		require.NoError(t, json.Unmarshal(data, &payload))
		assert.Equal(t, int64(9), payload.Message.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("frame not delivered")
	}

	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, sub.Unsubscribe())

	select {
	case cmd := <-commands:
		assert.Equal(t, cmdUnsubscribe, cmd.Command)
	case <-time.After(2 * time.Second):
		t.Fatal("unsubscribe command not received")
	}
	select {
	case cmd := <-commands:
		t.Fatalf("unexpected second command %+v", cmd)
	case <-time.After(100 * time.Millisecond):
	}
	assert.Len(t, frames, 0, "frames for other identifiers must not be delivered")
}

// pushingCableServer confirms subscriptions and writes every frame sent on
// push to the connected client.
func pushingCableServer(t *testing.T, commands chan<- command, push <-chan map[string]any) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		var writeMu sync.Mutex
		write := func(v any) {
			writeMu.Lock()
			defer writeMu.Unlock()
			_ = ws.WriteJSON(v)
		}
		write(map[string]any{"type": "welcome"})

		done := make(chan struct{})
		defer close(done)
		go func() {
			for {
				select {
				case f := <-push:
					write(f)
				case <-done:
					return
				}
			}
		}()

		for {
			var cmd command
			if err := ws.ReadJSON(&cmd); err != nil {
				return
			}
			commands <- cmd
			if cmd.Command == cmdSubscribe {
				write(map[string]any{"type": "confirm_subscription", "identifier": cmd.Identifier})
			}
		}
	}))
}

func expectCommand(t *testing.T, commands <-chan command, want string) {
	t.Helper()
	select {
	case cmd := <-commands:
		assert.Equal(t, want, cmd.Command)
	case <-time.After(2 * time.Second):
		t.Fatalf("%s command not received", want)
	}
}

func expectNoCommand(t *testing.T, commands <-chan command) {
	t.Helper()
	select {
	case cmd := <-commands:
		t.Fatalf("unexpected command %+v", cmd)
	case <-time.After(100 * time.Millisecond):
	}
}

func expectSignal(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal(what)
	}
}

func TestConn_SharedIdentifierFansOut(t *testing.T) {
	commands := make(chan command, 8)
	push := make(chan map[string]any, 4)
	srv := pushingCableServer(t, commands, push)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := Dial(ctx, wsURL(srv), Options{})
	require.NoError(t, err)
	defer conn.Close()

	ch := transport.Channel{Family: transport.FamilyDirect, TargetID: 42}
	connectedA, connectedB := make(chan struct{}, 1), make(chan struct{}, 1)
	framesA, framesB := make(chan []byte, 4), make(chan []byte, 4)

	subA, err := conn.Subscribe(ctx, ch, transport.Callbacks{
		OnConnect: func() { connectedA <- struct{}{} },
		OnFrame:   func(d []byte) { framesA <- d },
	})
	require.NoError(t, err)
	expectCommand(t, commands, cmdSubscribe)
	expectSignal(t, connectedA, "first subscription was not confirmed")

	subB, err := conn.Subscribe(ctx, ch, transport.Callbacks{
		OnConnect: func() { connectedB <- struct{}{} },
		OnFrame:   func(d []byte) { framesB <- d },
	})
	require.NoError(t, err)
	expectSignal(t, connectedB, "second subscription was not reported connected")
	expectNoCommand(t, commands)

	data := map[string]any{"identifier": Identifier(ch), "message": map[string]any{"message": map[string]any{"id": 9}}}
	push <- data
	for _, frames := range []chan []byte{framesA, framesB} {
		select {
		case <-frames:
		case <-time.After(2 * time.Second):
			t.Fatal("frame not fanned out")
		}
	}

	require.NoError(t, subA.Unsubscribe())
	expectNoCommand(t, commands)

	push <- data
	select {
	case <-framesB:
	case <-time.After(2 * time.Second):
		t.Fatal("remaining subscriber stopped receiving")
	}
	assert.Len(t, framesA, 0)

	require.NoError(t, subB.Unsubscribe())
	expectCommand(t, commands, cmdUnsubscribe)
}

func TestConn_ClosedRefusesSubscribe(t *testing.T) {
	commands := make(chan command, 8)
	srv := fakeCableServer(t, commands)
	defer srv.Close()

	conn, err := Dial(context.Background(), wsURL(srv), Options{})
	require.NoError(t, err)
	conn.Close()
	conn.Close()

	_, err = conn.Subscribe(context.Background(), transport.Channel{Family: transport.FamilyGroup, TargetID: 1}, transport.Callbacks{})
	assert.ErrorIs(t, err, transport.ErrClosed)
}

func TestConn_DisconnectIsReported(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = ws.WriteJSON(map[string]any{"type": "welcome"})
		var cmd command
		_ = ws.ReadJSON(&cmd)
		ws.Close()
	}))
	defer srv.Close()

	conn, err := Dial(context.Background(), wsURL(srv), Options{})
	require.NoError(t, err)
	defer conn.Close()

	dropped := make(chan error, 1)
	_, err = conn.Subscribe(context.Background(), transport.Channel{Family: transport.FamilyDirect, TargetID: 3}, transport.Callbacks{
		OnDisconnect: func(err error) { dropped <- err },
	})
	require.NoError(t, err)

	select {
	case err := <-dropped:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect not reported")
	}
}
