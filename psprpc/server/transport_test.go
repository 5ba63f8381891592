// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package server_test

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Query-farm/vgi-perspective/psprpc"
	"github.com/Query-farm/vgi-perspective/psprpc/client"
	"github.com/Query-farm/vgi-perspective/psprpc/memengine"
	"github.com/Query-farm/vgi-perspective/psprpc/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pricesCSV = "sym,px\nabc,1.5\nxyz,2.25\n"

// exercise runs the same table and view round trip over any transport.
func exercise(t *testing.T, c *client.Client) *client.Table {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, c.Init(ctx))

	table, err := c.Table(ctx, psprpc.FromCSV(pricesCSV), client.TableInitOptions{})
	require.NoError(t, err)
	schema, err := table.Schema(ctx)
	require.NoError(t, err)
	assert.Equal(t, psprpc.Schema{{Name: "sym", Type: psprpc.TypeString}, {Name: "px", Type: psprpc.TypeFloat}}, schema)

	view, err := table.View(ctx, nil)
	require.NoError(t, err)
	cols, err := view.ToColumns(ctx, client.ViewWindow{})
	require.NoError(t, err)
	assert.Equal(t, map[string][]any{"sym": {"abc", "xyz"}, "px": {1.5, 2.25}}, cols)
	return table
}

func TestHTTPTransport(t *testing.T) {
	for _, level := range []int{0, 3} {
		t.Run(map[int]string{0: "plain", 3: "zstd"}[level], func(t *testing.T) {
			ts := httptest.NewServer(server.NewHttpServer(server.PerSession(memengine.New())))
			defer ts.Close()

			var opts []client.HTTPOption
			if level > 0 {
				opts = append(opts, client.WithCompression(level))
			}
			send, err := client.NewHTTPSend(ts.URL+"/psp", opts...)
			require.NoError(t, err)
			c := client.NewClient(send)

			var mu sync.Mutex
			var pushes int
			_, err = c.OnHostedTablesUpdate(context.Background(), func([]psprpc.HostedTable) {
				mu.Lock()
				pushes++
				mu.Unlock()
			})
			require.NoError(t, err)

			exercise(t, c)
			mu.Lock()
			defer mu.Unlock()
			assert.Equal(t, 1, pushes, "pushes raised by a request ride in its reply body")
		})
	}
}

func TestHTTPClientsGetSeparateSessions(t *testing.T) {
	ctx := context.Background()
	h := server.NewHttpServer(server.PerSession(memengine.New()))
	ts := httptest.NewServer(h)
	defer ts.Close()

	newClient := func() *client.Client {
		send, err := client.NewHTTPSend(ts.URL + "/psp")
		require.NoError(t, err)
		c := client.NewClient(send)
		require.NoError(t, c.Init(ctx))
		return c
	}

	// Both clients number their messages from 1, so a's subscription and b's
	// update carry the same msg id.
	a := newClient()
	name := "shared"
	table, err := a.Table(ctx, psprpc.FromCSV(pricesCSV), client.TableInitOptions{Name: &name})
	require.NoError(t, err)
	view, err := table.View(ctx, nil)
	require.NoError(t, err)
	var aUpdates int
	_, err = view.OnUpdate(ctx, func(client.OnUpdateData) { aUpdates++ }, client.OnUpdateOptions{})
	require.NoError(t, err)

	b := newClient()
	other, err := b.OpenTable(ctx, name)
	require.NoError(t, err)
	_, err = other.MakePort(ctx)
	require.NoError(t, err)
	require.NoError(t, other.Update(ctx, psprpc.FromCSV("sym,px\nqqq,3\n"), client.UpdateOptions{}))
	assert.Equal(t, 2, h.Sessions())

	size, err := table.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), size)
	assert.Zero(t, aUpdates, "b's update is not a push for a's subscription")

	require.NoError(t, table.Update(ctx, psprpc.FromCSV("sym,px\nzzz,4\n"), client.UpdateOptions{}))
	assert.Equal(t, 1, aUpdates)

	require.NoError(t, h.Close(ctx))
	assert.Zero(t, h.Sessions())
}

func TestHTTPSessionLifecycle(t *testing.T) {
	eng := memengine.New()
	h := server.NewHttpServer(server.PerSession(eng))
	ts := httptest.NewServer(h)
	defer ts.Close()

	post := func(session string) *http.Response {
		t.Helper()
		req, err := http.NewRequest(http.MethodPost, ts.URL+"/psp", bytes.NewReader([]byte("garbage")))
		require.NoError(t, err)
		req.Header.Set("Content-Type", client.ArrowContentType)
		if session != "" {
			req.Header.Set(client.SessionHeader, session)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp
	}

	resp := post("")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	id := resp.Header.Get(client.SessionHeader)
	require.NotEmpty(t, id)

	resp = post(id)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, id, resp.Header.Get(client.SessionHeader))
	assert.Equal(t, http.StatusNotFound, post("no-such-session").StatusCode)

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/psp", nil)
	require.NoError(t, err)
	req.Header.Set(client.SessionHeader, id)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, http.StatusNotFound, post(id).StatusCode)
	assert.Zero(t, h.Sessions())
}

func TestHTTPIdleSessionsAreClosed(t *testing.T) {
	ctx := context.Background()
	eng := memengine.New()
	h := server.NewHttpServer(server.PerSession(eng))
	h.SetIdleTimeout(time.Millisecond)
	ts := httptest.NewServer(h)
	defer ts.Close()

	send, err := client.NewHTTPSend(ts.URL + "/psp")
	require.NoError(t, err)
	idle := client.NewClient(send)
	require.NoError(t, idle.Init(ctx))
	table, err := idle.Table(ctx, psprpc.FromCSV(pricesCSV), client.TableInitOptions{})
	require.NoError(t, err)
	_, err = table.View(ctx, nil)
	require.NoError(t, err)
	assert.Error(t, eng.TableDelete(ctx, table.Name()), "the idle session's view still reads the table")

	time.Sleep(10 * time.Millisecond)
	send, err = client.NewHTTPSend(ts.URL + "/psp")
	require.NoError(t, err)
	require.NoError(t, client.NewClient(send).Init(ctx))

	assert.Equal(t, 1, h.Sessions())
	assert.NoError(t, eng.TableDelete(ctx, table.Name()), "closing the idle session dropped its view")
}

func TestLoopbackServesOneClient(t *testing.T) {
	ctx := context.Background()
	vs := server.NewVirtualServer(memengine.New())
	first := server.NewLoopbackClient(vs)
	require.NoError(t, first.Init(ctx))

	second := server.NewLoopbackClient(vs)
	assert.ErrorIs(t, second.Init(ctx), server.ErrServerBound)
	require.NoError(t, first.Init(ctx))
}

func TestLoopbackClientsShareAnEngine(t *testing.T) {
	ctx := context.Background()
	eng := memengine.New()
	a := server.NewLoopbackClient(server.NewVirtualServer(eng))
	b := server.NewLoopbackClient(server.NewVirtualServer(eng))
	require.NoError(t, a.Init(ctx))
	require.NoError(t, b.Init(ctx))

	table := exercise(t, a)
	view, err := table.View(ctx, nil)
	require.NoError(t, err)
	var updates int
	_, err = view.OnUpdate(ctx, func(client.OnUpdateData) { updates++ }, client.OnUpdateOptions{})
	require.NoError(t, err)

	other, err := b.OpenTable(ctx, table.Name())
	require.NoError(t, err)
	_, err = other.MakePort(ctx)
	require.NoError(t, err)
	require.NoError(t, other.Update(ctx, psprpc.FromCSV("sym,px\nqqq,3\n"), client.UpdateOptions{}))
	assert.Zero(t, updates)

	require.NoError(t, table.Update(ctx, psprpc.FromCSV("sym,px\nzzz,4\n"), client.UpdateOptions{}))
	assert.Equal(t, 1, updates)
}

func TestHTTPRejectsRequests(t *testing.T) {
	ts := httptest.NewServer(server.NewHttpServer(server.PerSession(memengine.New())))
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/psp", "text/plain", strings.NewReader("hi"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/elsewhere")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Post(ts.URL+"/psp", client.ArrowContentType, bytes.NewReader([]byte("garbage")))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	frame, err := psprpc.ReadFrame(bytes.NewReader(body))
	require.NoError(t, err)
	reply, err := psprpc.DecodeResponse(frame)
	require.NoError(t, err)
	_, isErr := reply.Payload.(*psprpc.ServerError)
	assert.True(t, isErr)
}

func TestHTTPLandingPage(t *testing.T) {
	eng := memengine.New()
	index := "sym"
	require.NoError(t, eng.MakeTable(context.Background(), "<prices>", psprpc.FromCSV(pricesCSV), psprpc.MakeTableOptions{Index: &index}))
	ts := httptest.NewServer(server.NewHttpServer(server.PerSession(eng, server.WithServerID("s1"))))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/psp")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "<code>&lt;prices&gt;</code>")
	assert.Contains(t, string(body), "<code>sym</code>")
	assert.Contains(t, string(body), "<code>s1</code>")
}

func TestHTTPPrefix(t *testing.T) {
	h := server.NewHttpServer(server.PerSession(memengine.New()))
	h.SetPrefix("/rpc")
	ts := httptest.NewServer(h)
	defer ts.Close()

	send, err := client.NewHTTPSend(ts.URL + "/rpc")
	require.NoError(t, err)
	exercise(t, client.NewClient(send))
}

func TestStreamTransport(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng := memengine.New()
	vs := server.NewVirtualServer(eng)
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	served := make(chan error, 1)
	go func() {
		served <- vs.ServeStream(ctx, reqR, respW)
		respW.Close()
	}()

	c, conn := client.NewStreamClient(ctx, respR, reqW)
	table := exercise(t, c)

	deleted := make(chan struct{}, 1)
	_, err := table.OnDelete(ctx, func() { deleted <- struct{}{} })
	require.NoError(t, err)
	require.NoError(t, table.Delete(ctx, client.DeleteOptions{Force: true}))
	select {
	case <-deleted:
	case <-time.After(2 * time.Second):
		t.Fatal("no delete push")
	}

	again, err := c.Table(ctx, psprpc.FromCSV(pricesCSV), client.TableInitOptions{})
	require.NoError(t, err)
	_, err = again.View(ctx, nil)
	require.NoError(t, err)

	require.NoError(t, reqW.Close())
	require.NoError(t, <-served)
	<-conn.Done()
	assert.NoError(t, conn.Err())

	// The session's views went away with the stream.
	assert.NoError(t, eng.TableDelete(context.Background(), again.Name()))

	_, err = c.GetHostedTables(ctx)
	assert.ErrorIs(t, err, client.ErrConnClosed)
}

func TestWebSocketTransport(t *testing.T) {
	eng := memengine.New()
	h := server.NewWebSocketHandler(func(*http.Request) *server.VirtualServer {
		return server.NewVirtualServer(eng)
	})
	ts := httptest.NewServer(h)
	defer ts.Close()

	ctx := context.Background()
	c, conn, err := client.DialWebSocket(ctx, "ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	table := exercise(t, c)
	view, err := table.View(ctx, nil)
	require.NoError(t, err)
	got := make(chan client.OnUpdateData, 1)
	_, err = view.OnUpdate(ctx, func(d client.OnUpdateData) { got <- d }, client.OnUpdateOptions{})
	require.NoError(t, err)

	require.NoError(t, table.Update(ctx, psprpc.FromCSV("sym,px\nqqq,3\n"), client.UpdateOptions{}))
	select {
	case d := <-got:
		assert.Empty(t, d.Delta)
	case <-time.After(2 * time.Second):
		t.Fatal("no update push")
	}

	other, otherConn, err := client.DialWebSocket(ctx, "ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	require.NoError(t, err)
	defer otherConn.Close()
	names, err := other.GetHostedTableNames(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{table.Name()}, names, "connections share the engine")
}

func TestWebSocketRejectsForeignOrigin(t *testing.T) {
	h := server.NewWebSocketHandler(func(*http.Request) *server.VirtualServer {
		return server.NewVirtualServer(memengine.New())
	})
	ts := httptest.NewServer(h)
	defer ts.Close()

	header := http.Header{"Origin": {"http://elsewhere.example"}}
	_, _, err := client.DialWebSocket(context.Background(), "ws"+strings.TrimPrefix(ts.URL, "http"), header)
	assert.Error(t, err)
}

func TestSameOriginCheck(t *testing.T) {
	tests := []struct {
		name   string
		origin string
		want   bool
	}{
		{"no origin", "", true},
		{"same host", "http://example.com", true},
		{"other host", "http://evil.example", false},
		{"bad url", "://", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "http://example.com/ws", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, server.SameOriginCheck(r))
		})
	}
}
