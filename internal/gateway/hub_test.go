package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HsiangNianian/AMonItor/transport/internal/broker"
	"github.com/HsiangNianian/AMonItor/transport/internal/config"
	"github.com/HsiangNianian/AMonItor/transport/internal/protocol"
	"github.com/HsiangNianian/AMonItor/transport/internal/store"
	"github.com/HsiangNianian/AMonItor/transport/internal/transport"
)

const token = "panel-secret"

func newTestHub(t *testing.T) (*Hub, *websocket.Conn) {
	t.Helper()
	ctx := context.Background()

	tr := transport.New(config.Config{Timeout: config.DefaultProcessTimeout}, broker.NewMemory(), nil, nil, nil)
	t.Cleanup(func() { _ = tr.Close(context.Background()) })

	mux := transport.NewMux("calc-node", "")
	mux.Handle("math.add", func(_ context.Context, params json.RawMessage) (json.RawMessage, error) {
		var args struct{ A, B int }
		if err := json.Unmarshal(params, &args); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]int{"result": args.A + args.B})
	})
	_, err := tr.Listen(ctx, "redis", mux, config.Options{})
	require.NoError(t, err)
	client, err := tr.Client(ctx, "redis", []string{"math.add"}, config.Options{})
	require.NoError(t, err)

	hub := NewHub(store.NewMemoryStore(), client, token, "", nil)
	require.NoError(t, hub.AddRoute(ctx, "calc", "math.add"))

	srv := httptest.NewServer(http.HandlerFunc(hub.HandlePanel))
	t.Cleanup(srv.Close)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return hub, conn
}

func sendAction(t *testing.T, conn *websocket.Conn, msgID, targetID string, payload protocol.ActionPayload) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(protocol.Envelope{
		MsgID:    msgID,
		Type:     protocol.TypeAction,
		TargetID: targetID,
		Payload:  mustJSON(payload),
	}))
}

// readN reads n envelopes keyed by type; acks and results may interleave.
func readN(t *testing.T, conn *websocket.Conn, n int) map[string]protocol.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	out := make(map[string]protocol.Envelope, n)
	for i := 0; i < n; i++ {
		var env protocol.Envelope
		require.NoError(t, conn.ReadJSON(&env))
		out[env.Type] = env
	}
	return out
}

func TestActionRoundTrip(t *testing.T) {
	_, conn := newTestHub(t)

	sendAction(t, conn, "m1", "calc", protocol.ActionPayload{Action: "math.add", Params: json.RawMessage(`{"a":1,"b":2}`)})
	got := readN(t, conn, 2)

	var ack protocol.ActionAckPayload
	require.NoError(t, json.Unmarshal(got[protocol.TypeActionAck].Payload, &ack))
	assert.True(t, ack.Success)
	assert.Equal(t, "m1", ack.ActionMsgID)

	res := got[protocol.TypeActionResult]
	assert.Equal(t, "m1", res.MsgID)
	assert.Equal(t, "calc", res.TargetID)
	var result protocol.ActionResultPayload
	require.NoError(t, json.Unmarshal(res.Payload, &result))
	assert.Nil(t, result.Error)
	assert.JSONEq(t, `{"result":3}`, string(result.Result))
}

func TestActionWithoutTargetUsesPattern(t *testing.T) {
	_, conn := newTestHub(t)

	sendAction(t, conn, "m1", "", protocol.ActionPayload{Action: "math.add", Params: json.RawMessage(`{"a":4,"b":4}`)})
	got := readN(t, conn, 2)

	var result protocol.ActionResultPayload
	require.NoError(t, json.Unmarshal(got[protocol.TypeActionResult].Payload, &result))
	assert.JSONEq(t, `{"result":8}`, string(result.Result))
}

func TestDuplicateAction(t *testing.T) {
	_, conn := newTestHub(t)

	sendAction(t, conn, "m1", "calc", protocol.ActionPayload{Action: "math.add", Params: json.RawMessage(`{"a":1,"b":1}`)})
	readN(t, conn, 2)

	sendAction(t, conn, "m1", "calc", protocol.ActionPayload{Action: "math.add", Params: json.RawMessage(`{"a":1,"b":1}`)})
	got := readN(t, conn, 1)
	var ack protocol.ActionAckPayload
	require.NoError(t, json.Unmarshal(got[protocol.TypeActionAck].Payload, &ack))
	assert.Equal(t, "duplicate ignored", ack.Message)
}

func TestActionErrors(t *testing.T) {
	_, conn := newTestHub(t)

	cases := []struct {
		msgID, target string
		payload       protocol.ActionPayload
		contains      string
	}{
		{"e1", "nowhere", protocol.ActionPayload{Action: "math.add"}, "no route"},
		{"e2", "", protocol.ActionPayload{Action: "math.mul"}, "topic not prepared"},
		{"e3", "calc", protocol.ActionPayload{}, "missing action"},
		{"", "calc", protocol.ActionPayload{Action: "math.add"}, "missing msg_id"},
	}
	for _, tc := range cases {
		sendAction(t, conn, tc.msgID, tc.target, tc.payload)
		got := readN(t, conn, 1)
		env, ok := got[protocol.TypeError]
		require.True(t, ok, tc.contains)
		var body map[string]string
		require.NoError(t, json.Unmarshal(env.Payload, &body))
		assert.Equal(t, "ACTION_FORWARD_FAILED", body["code"])
		assert.Contains(t, body["message"], tc.contains)
	}
}

func TestPanelUnauthorized(t *testing.T) {
	hub := NewHub(store.NewMemoryStore(), nil, token, "", nil)
	srv := httptest.NewServer(http.HandlerFunc(hub.HandlePanel))
	defer srv.Close()

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAddRouteValidation(t *testing.T) {
	hub := NewHub(store.NewMemoryStore(), nil, "", "", nil)
	assert.Error(t, hub.AddRoute(context.Background(), "", "math.add"))
	assert.Error(t, hub.AddRoute(context.Background(), "calc", ""))
}

func TestRetryAfterFailedForward(t *testing.T) {
	_, conn := newTestHub(t)

	sendAction(t, conn, "r1", "nowhere", protocol.ActionPayload{Action: "math.add", Params: json.RawMessage(`{"a":2,"b":3}`)})
	_, failed := readN(t, conn, 1)[protocol.TypeError]
	require.True(t, failed)

	sendAction(t, conn, "r1", "calc", protocol.ActionPayload{Action: "math.add", Params: json.RawMessage(`{"a":2,"b":3}`)})
	got := readN(t, conn, 2)

	var ack protocol.ActionAckPayload
	require.NoError(t, json.Unmarshal(got[protocol.TypeActionAck].Payload, &ack))
	assert.Empty(t, ack.Message)

	res, ok := got[protocol.TypeActionResult]
	require.True(t, ok)
	var result protocol.ActionResultPayload
	require.NoError(t, json.Unmarshal(res.Payload, &result))
	assert.JSONEq(t, `{"result":5}`, string(result.Result))
}

type captureSender struct {
	done chan transport.Completion
}

func (s captureSender) Send(_ context.Context, _ string, _ *protocol.Message, done transport.Completion) error {
	s.done <- done
	return nil
}

func TestCompletionDoesNotBlockOnPanels(t *testing.T) {
	sender := captureSender{done: make(chan transport.Completion, 1)}
	hub := NewHub(store.NewMemoryStore(), sender, "", "", nil)

	env := protocol.Envelope{MsgID: "s1", Type: protocol.TypeAction, Payload: mustJSON(protocol.ActionPayload{Action: "math.add"})}
	require.NoError(t, hub.handleAction(context.Background(), env))
	done := <-sender.done

	// A held panel lock stands in for a slow websocket write.
	hub.panelMu.Lock()
	returned := make(chan struct{})
	go func() {
		done(&protocol.Message{ID: "x", Kind: protocol.KindRes}, nil)
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Error("completion blocked on panel broadcast")
	}
	hub.panelMu.Unlock()
}
