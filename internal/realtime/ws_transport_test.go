package realtime

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
)

type chanHandler struct {
	msgs chan Frame
	lost chan error
}

func (h *chanHandler) OnMessage(topic string, payload []byte) {
	h.msgs <- Frame{Topic: topic, Payload: payload}
}

func (h *chanHandler) OnLost(err error) { h.lost <- err }

func TestWSTransport_RoundTrip(t *testing.T) {
	frames := make(chan Frame, 4)
	cookies := make(chan string, 1)
	hangup := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookies <- r.Header.Get("Cookie")
		up := websocket.Upgrader{}
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for i := 0; i < 2; i++ {
			var f Frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			frames <- f
		}
		_ = conn.WriteJSON(Frame{Type: "pong"})
		_ = conn.WriteJSON(Frame{Type: FramePublish, Topic: TopicMessages, Payload: json.RawMessage(`{"type":"message","body":"hi"}`)})
		<-hangup
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
		time.Sleep(50 * time.Millisecond)
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	tr := NewWSTransport(url, func() http.Header {
		return http.Header{"Cookie": {"c_user=100042"}}
	}, nil)
	h := &chanHandler{msgs: make(chan Frame, 4), lost: make(chan error, 1)}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, tr.Connect(ctx, DialOptions{ClientID: "cid", UserID: "100042", DeviceID: "dev", Online: true}, h))
	require.NoError(t, tr.Subscribe(ctx, DefaultTopics()...))
	assert.Equal(t, "c_user=100042", <-cookies)

	connect := <-frames
	assert.Equal(t, FrameConnect, connect.Type)
	var cp ConnectPayload
	require.NoError(t, json.Unmarshal(connect.Payload, &cp))
	assert.Equal(t, ConnectPayload{ClientID: "cid", UserID: "100042", DeviceID: "dev", Online: true}, cp)

	sub := <-frames
	assert.Equal(t, FrameSubscribe, sub.Type)
	assert.JSONEq(t, `["/t_ms","/thread_typing","/orca_presence"]`, string(sub.Payload))

	select {
	case m := <-h.msgs:
		assert.Equal(t, TopicMessages, m.Topic)
		assert.JSONEq(t, `{"type":"message","body":"hi"}`, string(m.Payload))
	case <-time.After(5 * time.Second):
		t.Fatal("no publish frame delivered")
	}
	require.NoError(t, tr.Ping(ctx))

	close(hangup)
	select {
	case err := <-h.lost:
		assert.NoError(t, err, "正常关闭")
	case <-time.After(5 * time.Second):
		t.Fatal("connection loss not reported")
	}
	assert.Error(t, tr.Ping(ctx))
	assert.NoError(t, tr.Close())
}

func TestWSTransport_DialFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	tr := NewWSTransport("ws"+strings.TrimPrefix(srv.URL, "http"), nil, nil)
	err := tr.Connect(context.Background(), DialOptions{ClientID: "cid", UserID: "1"}, &chanHandler{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 403")
	assert.Error(t, tr.Subscribe(context.Background(), TopicMessages))
}

func TestMQTTUsername(t *testing.T) {
	raw := mqttUsername(DialOptions{ClientID: "abc", UserID: "100042", DeviceID: "dev-1", Online: true})
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &m))
	assert.Equal(t, "100042", m["u"])
	assert.Equal(t, "abc", m["d"])
	assert.Equal(t, "dev-1", m["aid"])
	assert.Equal(t, true, m["chat_on"])
	assert.Equal(t, "websocket", m["ct"])
	assert.Equal(t, float64(3), m["cp"])
	assert.Nil(t, m["gas"])
	assert.Contains(t, m, "gas")
}

func TestMQTTTransport_NotConfigured(t *testing.T) {
	tr := NewMQTTTransport(MQTTConfig{}, nil, nil)
	assert.Error(t, tr.Connect(context.Background(), DialOptions{}, &chanHandler{}))
	assert.Error(t, tr.Ping(context.Background()))
	assert.NoError(t, tr.Close())
}
