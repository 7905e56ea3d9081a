package client

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taoyao-code/chatguard/internal/activity"
	"github.com/taoyao-code/chatguard/internal/anomaly"
	"github.com/taoyao-code/chatguard/internal/apperr"
	"github.com/taoyao-code/chatguard/internal/behavior"
	"github.com/taoyao-code/chatguard/internal/clock"
	"github.com/taoyao-code/chatguard/internal/identity"
	"github.com/taoyao-code/chatguard/internal/realtime"
	"github.com/taoyao-code/chatguard/internal/session"
)

var t0 = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

type fakeTransport struct {
	mu       sync.Mutex
	failFrom int // 第 failFrom 次及以后的 Connect 失败，0 表示不失败
	dials    int
	opts     []realtime.DialOptions
	handler  realtime.TransportHandler
	closes   int
}

func (f *fakeTransport) Connect(_ context.Context, o realtime.DialOptions, h realtime.TransportHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials++
	f.opts = append(f.opts, o)
	if f.failFrom > 0 && f.dials >= f.failFrom {
		return errors.New("dial refused")
	}
	f.handler = h
	return nil
}

func (f *fakeTransport) Subscribe(context.Context, ...string) error { return nil }
func (f *fakeTransport) Ping(context.Context) error                 { return nil }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeTransport) publish(topic, payload string) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	h.OnMessage(topic, []byte(payload))
}

type events struct {
	mu   sync.Mutex
	list []realtime.Event
}

func (e *events) handle(ev realtime.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.list = append(e.list, ev)
}

func (e *events) kinds() []realtime.EventKind {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []realtime.EventKind
	for _, ev := range e.list {
		out = append(out, ev.Kind)
	}
	return out
}

func newClient(t *testing.T, tr realtime.Transport, opts Options, chCfg realtime.Config) (*Client, *clock.FakeClock, *identity.Store) {
	t.Helper()
	c := clock.Fake(t0)
	store := identity.NewStore(identity.NewFileBackend(filepath.Join(t.TempDir(), "id.json")), identity.WithClock(c))
	store.Load(context.Background())
	det, err := anomaly.New(anomaly.DefaultPolicy(), anomaly.WithClock(c))
	require.NoError(t, err)
	orch, err := session.New(store, det, session.Config{
		Activity: activity.Config{
			Profile:  "steady",
			Profiles: map[string]activity.Profile{"steady": {HourlyLimit: 100, BurstLimit: 100}, "slow": {HourlyLimit: 5, BurstLimit: 2}},
			Location: time.UTC,
		},
		Behavior: behavior.Config{Disabled: true},
	}, session.WithClock(c))
	require.NoError(t, err)
	return New(orch, store, tr, chCfg, opts, WithClock(c)), c, store
}

func TestListen_Filters(t *testing.T) {
	tr := &fakeTransport{}
	cl, _, store := newClient(t, tr, Options{UserID: "100042", Online: true}, realtime.Config{})
	ev := &events{}

	stop, err := cl.Listen(context.Background(), ev.handle)
	require.NoError(t, err)
	assert.True(t, cl.Listening())
	assert.Equal(t, store.Snapshot().DeviceID, tr.opts[0].DeviceID)
	assert.Equal(t, "100042", tr.opts[0].UserID)

	tr.publish(realtime.TopicMessages, `{"type":"message","senderID":"100042","body":"mine"}`)
	tr.publish(realtime.TopicMessages, `{"type":"message","senderID":"555","body":"theirs"}`)
	tr.publish(realtime.TopicTyping, `{"state":1}`)
	tr.publish(realtime.TopicPresence, `{"list":[]}`)
	assert.Equal(t, []realtime.EventKind{realtime.EventConnect, realtime.EventMessage}, ev.kinds())

	h := cl.Health()
	require.NotNil(t, h.Channel)
	assert.Equal(t, int64(4), h.Channel.MessageCount)

	stop()
	stop()
	assert.False(t, cl.Listening())
	assert.Nil(t, cl.Health().Channel)
	assert.Equal(t, 1, tr.closes)
}

func TestListen_SelfListenAndEvents(t *testing.T) {
	tr := &fakeTransport{}
	cl, _, _ := newClient(t, tr, Options{UserID: "100042", SelfListen: true, ListenEvents: true}, realtime.Config{})
	ev := &events{}
	_, err := cl.Listen(context.Background(), ev.handle)
	require.NoError(t, err)

	tr.publish(realtime.TopicMessages, `{"type":"message","senderID":"100042","body":"mine"}`)
	tr.publish(realtime.TopicTyping, `{"state":1}`)
	tr.publish(realtime.TopicPresence, `{"list":[]}`)
	assert.Equal(t, []realtime.EventKind{
		realtime.EventConnect, realtime.EventMessage, realtime.EventTyping, realtime.EventPresence,
	}, ev.kinds())

	// 再次 Listen 只替换回调，不重新建连
	ev2 := &events{}
	_, err = cl.Listen(context.Background(), ev2.handle)
	require.NoError(t, err)
	assert.Equal(t, 1, tr.dials)
	tr.publish(realtime.TopicTyping, `{"state":0}`)
	assert.Equal(t, []realtime.EventKind{realtime.EventTyping}, ev2.kinds())
}

func TestListen_DropsChannelAfterMaxReconnect(t *testing.T) {
	tr := &fakeTransport{failFrom: 2}
	cl, c, _ := newClient(t, tr, Options{UserID: "100042"}, realtime.Config{MaxReconnectAttempts: 2})
	ev := &events{}
	_, err := cl.Listen(context.Background(), ev.handle)
	require.NoError(t, err)

	tr.mu.Lock()
	h := tr.handler
	tr.mu.Unlock()
	h.OnLost(errors.New("reset"))
	c.Advance(time.Minute)

	kinds := ev.kinds()
	assert.Equal(t, realtime.EventMaxReconnect, kinds[len(kinds)-1])
	assert.False(t, cl.Listening())

	// 之后可以重新监听
	tr.mu.Lock()
	tr.failFrom = 0
	tr.mu.Unlock()
	_, err = cl.Listen(context.Background(), ev.handle)
	require.NoError(t, err)
	assert.True(t, cl.Listening())
}

func TestListen_ConnectFailure(t *testing.T) {
	tr := &fakeTransport{failFrom: 1}
	cl, _, _ := newClient(t, tr, Options{UserID: "100042"}, realtime.Config{})
	_, err := cl.Listen(context.Background(), nil)
	require.Error(t, err)
	assert.False(t, cl.Listening())

	anon, _, _ := newClient(t, &fakeTransport{}, Options{}, realtime.Config{})
	_, err = anon.Listen(context.Background(), nil)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	none, _, _ := newClient(t, nil, Options{UserID: "1"}, realtime.Config{})
	_, err = none.Listen(context.Background(), nil)
	assert.Error(t, err)
}

func TestSetOnlineReconnectsLazily(t *testing.T) {
	tr := &fakeTransport{}
	cl, _, _ := newClient(t, tr, Options{UserID: "100042", Online: true}, realtime.Config{})
	_, err := cl.Listen(context.Background(), nil)
	require.NoError(t, err)

	cl.SetOnline(false)
	assert.False(t, cl.Listening())
	_, err = cl.Listen(context.Background(), nil)
	require.NoError(t, err)
	assert.False(t, tr.opts[1].Online)
}

func TestDoAndLogout(t *testing.T) {
	tr := &fakeTransport{}
	cl, _, _ := newClient(t, tr, Options{UserID: "100042"}, realtime.Config{})
	ok := func(context.Context, http.Header) (*anomaly.Response, error) {
		return &anomaly.Response{StatusCode: 200, Body: "ok"}, nil
	}

	require.NoError(t, cl.Start(context.Background(), ok))
	_, report, err := cl.Do(context.Background(), session.Action{Endpoint: "/typing", Class: "typing"}, ok)
	require.NoError(t, err)
	assert.False(t, report.Detected)

	assert.ErrorIs(t, cl.SetActivityProfile("nope"), apperr.ErrValidation)
	require.NoError(t, cl.SetActivityProfile("slow"))
	assert.Equal(t, "slow", cl.Health().Activity.Profile)

	_, err = cl.Listen(context.Background(), nil)
	require.NoError(t, err)
	require.NoError(t, cl.Logout())
	require.NoError(t, cl.Logout())
	assert.False(t, cl.Listening())

	_, _, err = cl.Do(context.Background(), session.Action{Endpoint: "/typing"}, ok)
	assert.ErrorIs(t, err, ErrLoggedOut)
	_, err = cl.Listen(context.Background(), nil)
	assert.ErrorIs(t, err, ErrLoggedOut)
}
