package livereload

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/buildwatch/internal/artifact"
	"github.com/conneroisu/buildwatch/internal/results"
)

type recordingGauge struct {
	mu   sync.Mutex
	last int
}

func (g *recordingGauge) SetClients(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.last = n
}

func (g *recordingGauge) value() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last
}

func newTestServer(t *testing.T, opts HubOptions) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(opts)
	srv := httptest.NewServer(NewMux(hub, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("metrics"))
	})))
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = hub.Shutdown(ctx)
	})
	return hub, srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + PathLiveReload
}

func dial(t *testing.T, hub *Hub, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(srv), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestMessageFor(t *testing.T) {
	tests := []struct {
		name string
		res  results.Result
		want Message
	}{
		{
			name: "full",
			res:  results.Result{Kind: results.KindFull, BuildID: "b1"},
			want: Message{Type: TypeFullReload, BuildID: "b1"},
		},
		{
			name: "hard incremental",
			res:  results.Result{Kind: results.KindIncremental, Modified: []string{"main.js"}},
			want: Message{Type: TypeFullReload},
		},
		{
			name: "background incremental",
			res: results.Result{
				Kind:       results.KindIncremental,
				Background: true,
				Added:      []string{"chunk.js"},
				Modified:   []string{"styles.css"},
				Removed:    []results.RemovedFile{{Path: "old.css", Kind: artifact.KindBrowser}},
			},
			want: Message{
				Type:       TypeUpdate,
				Background: true,
				Files:      []string{"chunk.js", "styles.css"},
				Removed:    []string{"old.css"},
			},
		},
		{
			name: "component update",
			res: results.Result{Kind: results.KindComponentUpdate, Updates: []results.Update{
				{Type: "template", ID: "app.component", Content: "<p>hi</p>"},
			}},
			want: Message{Type: TypeComponentUpdate, Updates: []ComponentUpdate{
				{ID: "app.component", Type: "template", Content: "<p>hi</p>"},
			}},
		},
		{
			name: "failure",
			res:  results.Result{Kind: results.KindFailure, Errors: []string{"boom"}},
			want: Message{Type: TypeError, Errors: []string{"boom"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MessageFor(tt.res)
			assert.False(t, got.Timestamp.IsZero())
			got.Timestamp = time.Time{}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHubBroadcastsResults(t *testing.T) {
	gauge := &recordingGauge{}
	hub, srv := newTestServer(t, HubOptions{Gauge: gauge})

	a := dial(t, hub, srv)
	b := dial(t, hub, srv)
	require.Eventually(t, func() bool { return hub.Clients() == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, gauge.value())

	hub.Publish(results.Result{Kind: results.KindIncremental, Background: true, Modified: []string{"styles.css"}})

	for _, conn := range []*websocket.Conn{a, b} {
		msg := readMessage(t, conn)
		assert.Equal(t, TypeUpdate, msg.Type)
		assert.True(t, msg.Background)
		assert.Equal(t, []string{"styles.css"}, msg.Files)
	}
}

func TestHubUnregistersClosedClients(t *testing.T) {
	gauge := &recordingGauge{}
	hub, srv := newTestServer(t, HubOptions{Gauge: gauge})

	conn := dial(t, hub, srv)
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, "bye"))
	require.Eventually(t, func() bool { return hub.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, gauge.value())
}

func TestHubRejectsForeignOrigin(t *testing.T) {
	hub, srv := newTestServer(t, HubOptions{AllowedOrigins: []string{"localhost:4200"}})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, resp, err := websocket.Dial(ctx, wsURL(srv), &websocket.DialOptions{
		HTTPHeader: http.Header{"Origin": []string{"http://evil.example"}},
	})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := websocket.Dial(ctx, wsURL(srv), &websocket.DialOptions{
		HTTPHeader: http.Header{"Origin": []string{"http://localhost:4200"}},
	})
	require.NoError(t, err)
	defer conn.CloseNow()
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestHubShutdownClosesClients(t *testing.T) {
	hub, srv := newTestServer(t, HubOptions{})
	conn := dial(t, hub, srv)
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, hub.Shutdown(ctx))
	assert.Equal(t, 0, hub.Clients())

	readCtx, readCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer readCancel()
	_, _, err := conn.Read(readCtx)
	assert.Error(t, err)

	resp, err := http.Get(srv.URL + PathLiveReload)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestMuxServesMetrics(t *testing.T) {
	_, srv := newTestServer(t, HubOptions{})
	resp, err := http.Get(srv.URL + PathMetrics)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
