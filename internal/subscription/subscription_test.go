package subscription

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/roach88/tether/internal/cache"
	"github.com/roach88/tether/internal/clienterr"
	"github.com/roach88/tether/internal/wire"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// fakeServer answers subscribe frames according to the function path:
// "fail:*" gets an error frame, anything else gets its args echoed back
// as two updates. Frames it receives are recorded.
type fakeServer struct {
	*httptest.Server

	mu       sync.Mutex
	received []wire.Object
	conns    []*websocket.Conn
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{}
	fs.Server = httptest.NewServer(http.HandlerFunc(fs.handle))
	t.Cleanup(fs.Close)
	return fs
}

func (fs *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(fs.URL, "http")
}

func (fs *fakeServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	fs.mu.Lock()
	fs.conns = append(fs.conns, conn)
	fs.mu.Unlock()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		v, err := wire.DecodeBytes(data)
		if err != nil {
			return
		}
		frame := v.(wire.Object)
		fs.mu.Lock()
		fs.received = append(fs.received, frame)
		fs.mu.Unlock()

		if frame["type"] != wire.String("subscribe") {
			continue
		}
		path, _ := wire.AsString(frame["path"])
		if strings.HasPrefix(path, "fail:") {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(wire.MustEncode(wire.Object{
				"type":         wire.String("error"),
				"id":           frame["id"],
				"errorMessage": wire.String("no such query"),
				"errorData":    wire.Object{"code": wire.String("NOT_FOUND")},
			})))
			continue
		}
		for n := 1; n <= 2; n++ {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(wire.MustEncode(wire.Object{
				"type":  wire.String("update"),
				"id":    frame["id"],
				"value": wire.Object{"args": frame["args"], "n": wire.Float64(n)},
			})))
		}
	}
}

func (fs *fakeServer) frames() []wire.Object {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]wire.Object(nil), fs.received...)
}

func (fs *fakeServer) dropConnections() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for _, c := range fs.conns {
		_ = c.Close()
	}
}

// verifyNoLeaks registers the leak check before any cleanup that stops
// goroutines, so it runs after them.
func verifyNoLeaks(t *testing.T) {
	t.Helper()
	opt := goleak.IgnoreCurrent()
	t.Cleanup(func() { goleak.VerifyNone(t, opt) })
}

func dial(t *testing.T, fs *fakeServer, c cache.Cache) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cl, err := Dial(ctx, fs.url(), c)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cl.Close() })
	return cl
}

// waitFor reads updates until one satisfies ok.
func waitFor(t *testing.T, sub *Subscription, ok func(wire.Value) bool) wire.Value {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case v, open := <-sub.Updates():
			require.True(t, open, "subscription ended early: %v", sub.Err())
			if ok(v) {
				return v
			}
		case <-timeout:
			t.Fatal("timed out waiting for update")
		}
	}
}

func isSecondUpdate(v wire.Value) bool {
	obj, ok := v.(wire.Object)
	return ok && wire.Equal(obj["n"], wire.Float64(2))
}

func TestSubscribe_WritesUpdatesIntoCache(t *testing.T) {
	verifyNoLeaks(t)

	fs := newFakeServer(t)
	mem := cache.NewMemory()
	cl := dial(t, fs, mem)

	args := map[string]any{"list": "groceries"}
	sub, err := cl.Subscribe(context.Background(), "todos:list", args)
	require.NoError(t, err)
	assert.Equal(t, cache.MustQueryKey("todos:list", args), sub.Key)
	assert.Equal(t, 1, cl.Active())

	got := waitFor(t, sub, isSecondUpdate)

	cached, ok := mem.Lookup(sub.Key)
	require.True(t, ok)
	assert.True(t, wire.Equal(got, cached))

	echoed, _ := got.(wire.Object).Get("args")
	assert.True(t, wire.Equal(wire.Object{"list": wire.String("groceries")}, echoed))

	frames := fs.frames()
	require.NotEmpty(t, frames)
	assert.Equal(t, wire.String("subscribe"), frames[0]["type"])
	assert.Equal(t, wire.String("todos:list"), frames[0]["path"])
}

func TestSubscribe_MultiplexesByID(t *testing.T) {
	verifyNoLeaks(t)

	fs := newFakeServer(t)
	mem := cache.NewMemory()
	cl := dial(t, fs, mem)

	a, err := cl.Subscribe(context.Background(), "todos:list", nil)
	require.NoError(t, err)
	b, err := cl.Subscribe(context.Background(), "todos:count", nil)
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)

	waitFor(t, a, isSecondUpdate)
	waitFor(t, b, isSecondUpdate)

	_, ok := mem.Lookup(cache.MustQueryKey("todos:list", nil))
	assert.True(t, ok)
	_, ok = mem.Lookup(cache.MustQueryKey("todos:count", nil))
	assert.True(t, ok)
}

func TestSubscribe_ErrorFrameEndsSubscription(t *testing.T) {
	verifyNoLeaks(t)

	fs := newFakeServer(t)
	mem := cache.NewMemory()
	cl := dial(t, fs, mem)

	sub, err := cl.Subscribe(context.Background(), "fail:missing", nil)
	require.NoError(t, err)

	select {
	case _, open := <-sub.Updates():
		assert.False(t, open)
	case <-time.After(5 * time.Second):
		t.Fatal("subscription did not end")
	}

	err = sub.Err()
	require.Error(t, err)
	assert.True(t, clienterr.IsRemoteFunction(err))
	assert.ErrorContains(t, err, "no such query")

	var ce *clienterr.Error
	require.ErrorAs(t, err, &ce)
	assert.True(t, wire.Equal(wire.Object{"code": wire.String("NOT_FOUND")}, ce.Data.(wire.Value)))

	assert.Equal(t, 0, cl.Active())
	assert.Equal(t, 0, mem.Len())
}

func TestUnsubscribe(t *testing.T) {
	verifyNoLeaks(t)

	fs := newFakeServer(t)
	cl := dial(t, fs, cache.NewMemory())

	sub, err := cl.Subscribe(context.Background(), "todos:list", nil)
	require.NoError(t, err)
	waitFor(t, sub, isSecondUpdate)

	require.NoError(t, sub.Unsubscribe(context.Background()))
	assert.NoError(t, sub.Err())
	assert.Equal(t, 0, cl.Active())

	// Second call is a no-op.
	require.NoError(t, sub.Unsubscribe(context.Background()))

	require.Eventually(t, func() bool {
		for _, f := range fs.frames() {
			if f["type"] == wire.String("unsubscribe") {
				return wire.Equal(f["id"], wire.Float64(sub.ID))
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
}

func TestClose_EndsSubscriptions(t *testing.T) {
	verifyNoLeaks(t)

	fs := newFakeServer(t)
	cl := dial(t, fs, cache.NewMemory())

	sub, err := cl.Subscribe(context.Background(), "todos:list", nil)
	require.NoError(t, err)

	require.NoError(t, cl.Close())
	require.NoError(t, cl.Close())

	for range sub.Updates() {
	}
	assert.ErrorIs(t, sub.Err(), ErrClosed)

	_, err = cl.Subscribe(context.Background(), "todos:list", nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestConnectionLoss(t *testing.T) {
	verifyNoLeaks(t)

	fs := newFakeServer(t)
	cl := dial(t, fs, cache.NewMemory())

	sub, err := cl.Subscribe(context.Background(), "todos:list", nil)
	require.NoError(t, err)
	waitFor(t, sub, isSecondUpdate)

	fs.dropConnections()

	select {
	case <-cl.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("read loop did not exit")
	}
	for range sub.Updates() {
	}
	assert.ErrorIs(t, sub.Err(), clienterr.ErrConnectionFailure)
	assert.ErrorIs(t, cl.Err(), clienterr.ErrConnectionFailure)
}

func TestDial_Refused(t *testing.T) {
	fs := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(fs.URL, "http")
	fs.Close()

	_, err := Dial(context.Background(), url, cache.NewMemory())
	require.Error(t, err)
	assert.ErrorIs(t, err, clienterr.ErrConnectionFailure)
}

func TestSubscribe_UnsupportedArgs(t *testing.T) {
	verifyNoLeaks(t)

	fs := newFakeServer(t)
	cl := dial(t, fs, cache.NewMemory())

	_, err := cl.Subscribe(context.Background(), "todos:list", map[string]any{"ch": make(chan int)})
	assert.ErrorIs(t, err, clienterr.ErrUnsupportedValueType)
	assert.Equal(t, 0, cl.Active())
}
