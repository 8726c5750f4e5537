package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jsonkit/jsonkit/internal/tree"
)

// fakeServer serves a listing that changes on every load and a push channel
// that sends the queued messages on each connection.
type fakeServer struct {
	loads    atomic.Int32
	accepts  atomic.Int32
	listings []string
	failLoad bool

	// dropFirst closes the first push connection right after accepting it.
	dropFirst bool
	push      []tree.Event
}

func (f *fakeServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/files", func(w http.ResponseWriter, r *http.Request) {
		if f.failLoad {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":"IOError"}`))
			return
		}
		n := int(f.loads.Add(1)) - 1
		if n >= len(f.listings) {
			n = len(f.listings) - 1
		}
		_, _ = w.Write([]byte(f.listings[n]))
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()

		if f.accepts.Add(1) == 1 && f.dropFirst {
			_ = conn.Close(websocket.StatusGoingAway, "restart")
			return
		}
		for _, ev := range f.push {
			data, err := json.Marshal(ev)
			if err != nil {
				return
			}
			if err := conn.Write(r.Context(), websocket.MessageText, data); err != nil {
				return
			}
		}
		for {
			if _, _, err := conn.Read(context.Background()); err != nil {
				return
			}
		}
	})
	return mux
}

type stateLog struct {
	mu     sync.Mutex
	states []State
}

func (l *stateLog) record(s State, _ error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, s)
}

func (l *stateLog) has(s State) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, got := range l.states {
		if got == s {
			return true
		}
	}
	return false
}

// startSession runs a session against fake. The returned stop function
// cancels it and returns Run's result; it is also registered as cleanup.
func startSession(t *testing.T, fake *fakeServer, log *stateLog) (*Reconciler, *Session, func() error) {
	t.Helper()
	ts := httptest.NewServer(fake.handler())
	t.Cleanup(ts.Close)

	api, err := NewAPI(ts.URL, nil)
	require.NoError(t, err)

	rec := NewReconciler("/data", nil)
	sess, err := NewSession(SessionConfig{
		API:            api,
		Reconciler:     rec,
		PushURL:        api.PushURL(Settings{}),
		ReconnectDelay: 50 * time.Millisecond,
		OnState:        log.record,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sess.Run(ctx) }()

	var once sync.Once
	var runErr error
	stop := func() error {
		once.Do(func() {
			cancel()
			select {
			case runErr = <-done:
			case <-time.After(2 * time.Second):
				runErr = errors.New("session did not stop")
			}
		})
		return runErr
	}
	t.Cleanup(func() { _ = stop() })
	return rec, sess, stop
}

func TestNewSession_Validates(t *testing.T) {
	api, err := NewAPI("http://localhost:1", nil)
	require.NoError(t, err)
	rec := NewReconciler("/data", nil)

	_, err = NewSession(SessionConfig{Reconciler: rec, PushURL: "ws://x"})
	assert.Error(t, err)
	_, err = NewSession(SessionConfig{API: api, PushURL: "ws://x"})
	assert.Error(t, err)
	_, err = NewSession(SessionConfig{API: api, Reconciler: rec})
	assert.Error(t, err)
}

func TestSession_LoadsThenAppliesEvents(t *testing.T) {
	fake := &fakeServer{
		listings: []string{`[{"title":"a.json","key":"/data/a.json","type":"file"}]`},
		push: []tree.Event{
			{Kind: tree.FileAdded, Path: "/data/x/y.json", ExtData: tree.ExtData{"tags": {"t"}}, Time: time.Now()},
		},
	}
	log := &stateLog{}
	rec, sess, stop := startSession(t, fake, log)

	require.Eventually(t, func() bool { return rec.Lookup("/data/x/y.json") != nil }, 2*time.Second, 10*time.Millisecond)
	assert.NotNil(t, rec.Lookup("/data/a.json"))
	assert.NotNil(t, rec.Lookup("/data/x"))
	assert.Equal(t, StateLive, sess.State())

	assert.ErrorIs(t, stop(), context.Canceled)
}

func TestSession_ReloadsOnReconnect(t *testing.T) {
	fake := &fakeServer{
		dropFirst: true,
		listings: []string{
			`[{"title":"stale.json","key":"/data/stale.json","type":"file"}]`,
			`[{"title":"fresh.json","key":"/data/fresh.json","type":"file"}]`,
		},
	}
	log := &stateLog{}
	rec, sess, _ := startSession(t, fake, log)

	require.Eventually(t, func() bool { return rec.Lookup("/data/fresh.json") != nil }, 3*time.Second, 10*time.Millisecond)
	assert.Nil(t, rec.Lookup("/data/stale.json"))
	assert.GreaterOrEqual(t, fake.loads.Load(), int32(2))
	assert.True(t, log.has(StateDisconnected))
	require.Eventually(t, func() bool { return sess.State() == StateLive }, time.Second, 10*time.Millisecond)
}

func TestSession_LoadFailure(t *testing.T) {
	fake := &fakeServer{failLoad: true}
	log := &stateLog{}
	_, sess, _ := startSession(t, fake, log)

	require.Eventually(t, func() bool { return log.has(StateLoadFailed) }, 2*time.Second, 10*time.Millisecond)
	assert.NotEqual(t, StateLive, sess.State())
	assert.False(t, log.has(StateLive))
}

func TestSession_DialFailureIsDisconnected(t *testing.T) {
	api, err := NewAPI("http://127.0.0.1:1", nil)
	require.NoError(t, err)
	log := &stateLog{}

	sess, err := NewSession(SessionConfig{
		API:            api,
		Reconciler:     NewReconciler("/data", nil),
		PushURL:        "ws://127.0.0.1:1/ws",
		ReconnectDelay: 20 * time.Millisecond,
		OnState:        log.record,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err = sess.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, log.has(StateDisconnected))
	assert.False(t, log.has(StateLoadFailed))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "live", StateLive.String())
	assert.True(t, strings.HasPrefix(State(42).String(), "State("))
}
