package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jsonkit/jsonkit/internal/extdata"
	"github.com/jsonkit/jsonkit/internal/scanner"
	"github.com/jsonkit/jsonkit/internal/tree"
)

type fixture struct {
	root   string
	server *Server
	http   *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "public"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "b.json"), []byte(`{"name":"bee"}`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.json"), []byte(`{"name":"ay"}`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "broken.json"), []byte(`{"name":`), 0644))

	cache, err := extdata.NewCache(extdata.New(extdata.Rules{"name": "name"}, nil), 0)
	require.NoError(t, err)
	sc, err := scanner.New(scanner.Config{
		Root:     root,
		Excluded: []string{filepath.Join(root, "public")},
		Cache:    cache,
	})
	require.NoError(t, err)

	srv, err := NewServer(&Config{
		Scanner: sc,
		Settings: Settings{
			Title:             "JSON Kit",
			Version:           "1.0",
			JSONDirectory:     ".",
			JSONDirectoryFull: root,
			ExtData:           map[string]string{"name": "name"},
			ExtDataFilterSize: 3,
		},
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(func() { _ = srv.Stop() })

	return &fixture{root: root, server: srv, http: ts}
}

func (f *fixture) get(t *testing.T, route, path string) *http.Response {
	t.Helper()
	u := f.http.URL + route
	if path != "" {
		u += "?path=" + url.QueryEscape(path)
	}
	resp, err := http.Get(u)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeError(t *testing.T, resp *http.Response) errorResponse {
	t.Helper()
	var body errorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func TestNewServer_RequiresScanner(t *testing.T) {
	_, err := NewServer(&Config{})
	assert.Error(t, err)
	_, err = NewServer(nil)
	assert.Error(t, err)
}

func TestFiles_ListsSortedChildren(t *testing.T) {
	f := newFixture(t)

	resp := f.get(t, "/api/files", f.root)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var nodes []*tree.Node
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&nodes))

	var names []string
	for _, n := range nodes {
		names = append(names, n.Title)
	}
	assert.Equal(t, []string{"sub", "a.json", "b.json", "broken.json"}, names)
	assert.Equal(t, tree.KindDirectory, nodes[0].Kind)
	assert.Equal(t, []any{"ay"}, nodes[1].ExtData["name"])
	assert.Empty(t, nodes[3].ExtData)
}

func TestFiles_Errors(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		path   string
		status int
		code   string
	}{
		{"missing path", "", http.StatusBadRequest, "BadRequest"},
		{"outside root", filepath.Dir(f.root), http.StatusForbidden, "AccessDenied"},
		{"asset root", filepath.Join(f.root, "public"), http.StatusForbidden, "AccessDenied"},
		{"not found", filepath.Join(f.root, "nope"), http.StatusNotFound, "NotFound"},
		{"not a directory", filepath.Join(f.root, "a.json"), http.StatusInternalServerError, "IOError"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.get(t, "/api/files", tt.path)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.code, decodeError(t, resp).Error)
		})
	}
}

func TestFile_ReturnsContent(t *testing.T) {
	f := newFixture(t)

	resp := f.get(t, "/api/file", filepath.Join(f.root, "a.json"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ay", body["name"])
}

func TestFile_Errors(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.WriteFile(filepath.Join(f.root, "notes.txt"), []byte("x"), 0644))
	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "private.json"), []byte(`{}`), 0644))
	require.NoError(t, os.Symlink(outside, filepath.Join(f.root, "escape")))

	tests := []struct {
		name   string
		path   string
		status int
		code   string
	}{
		{"missing path", "", http.StatusBadRequest, "BadRequest"},
		{"not json", filepath.Join(f.root, "notes.txt"), http.StatusBadRequest, "BadRequest"},
		{"outside root", filepath.Join(filepath.Dir(f.root), "x.json"), http.StatusForbidden, "AccessDenied"},
		{"not found", filepath.Join(f.root, "missing.json"), http.StatusNotFound, "NotFound"},
		{"through symlink out of root", filepath.Join(f.root, "escape", "private.json"), http.StatusForbidden, "AccessDenied"},
		{"malformed", filepath.Join(f.root, "broken.json"), http.StatusInternalServerError, "MalformedContent"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.get(t, "/api/file", tt.path)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.code, decodeError(t, resp).Error)
		})
	}
}

func TestConfig_ServesSettings(t *testing.T) {
	f := newFixture(t)

	resp := f.get(t, "/config", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got Settings
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, "JSON Kit", got.Title)
	assert.Equal(t, f.root, got.JSONDirectoryFull)
	assert.Equal(t, 3, got.ExtDataFilterSize)

	updated := got
	updated.ExtData = map[string]string{"tags": "$.tags[*]"}
	f.server.SetSettings(updated)

	resp = f.get(t, "/config", "")
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, map[string]string{"tags": "$.tags[*]"}, got.ExtData)
}

func TestHealth(t *testing.T) {
	f := newFixture(t)

	resp := f.get(t, "/health", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 0, body["clients"])
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.get(t, "/api/files", f.root)

	resp := f.get(t, "/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "jsonkit_http_requests_total")
}

func TestWebSocket_ReceivesBroadcast(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws"
	conns := make([]*websocket.Conn, 2)
	for i := range conns {
		conn, _, err := websocket.Dial(ctx, wsURL, nil)
		require.NoError(t, err)
		defer conn.CloseNow()
		conns[i] = conn
	}
	require.Eventually(t, func() bool { return f.server.ClientCount() == 2 }, 2*time.Second, 10*time.Millisecond)

	path := filepath.Join(f.root, "sub", "new.json")
	n := f.server.Broadcast(tree.Event{
		Kind:    tree.FileAdded,
		Path:    path,
		ExtData: tree.ExtData{"name": {"new"}},
		Time:    time.Now(),
	})
	assert.Equal(t, 2, n)

	for _, conn := range conns {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)

		var msg tree.Message
		require.NoError(t, json.Unmarshal(data, &msg))
		assert.Equal(t, "add", msg.Type)
		assert.Equal(t, path, msg.Path)
		assert.Equal(t, "new.json", msg.Basename)
		assert.False(t, msg.IsDirectory)
		assert.Equal(t, []any{"new"}, msg.ExtData["name"])
	}
}

func TestWebSocket_DisconnectDeregisters(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.server.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))
	require.Eventually(t, func() bool { return f.server.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestServerStartStop(t *testing.T) {
	sc, err := scanner.New(scanner.Config{Root: t.TempDir()})
	require.NoError(t, err)

	srv, err := NewServer(&Config{Port: 0, Scanner: sc})
	require.NoError(t, err)
	require.NoError(t, srv.Start())

	addr := srv.GetAddr()
	require.NotEmpty(t, addr)
	assert.Empty(t, srv.GetWSAddr())

	resp, err := http.Get("http://" + addr + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, srv.Stop())
}

func TestRoot_EscapesSettings(t *testing.T) {
	f := newFixture(t)
	settings := f.server.Settings()
	settings.Title = `<script>alert("x")</script>`
	f.server.SetSettings(settings)

	resp := f.get(t, "/", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.NotContains(t, string(body), "<script>")
	assert.Contains(t, string(body), "&lt;script&gt;")
}
