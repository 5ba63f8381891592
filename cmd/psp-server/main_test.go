// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Query-farm/vgi-perspective/psprpc"
	"github.com/Query-farm/vgi-perspective/psprpc/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestPairs(t *testing.T) {
	got, err := pairs([]string{"a=x.csv", "b=y=z"}, "--table")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "x.csv", "b": "y=z"}, got)

	for _, bad := range [][]string{{"novalue"}, {"=x"}, {"a="}, {"a=1", "a=2"}} {
		_, err := pairs(bad, "--table")
		assert.Error(t, err, bad)
	}
}

func TestReadTableFile(t *testing.T) {
	tests := []struct {
		name   string
		file   string
		body   string
		format psprpc.DataFormat
	}{
		{"csv", "t.csv", "a\n1\n", psprpc.FormatCSV},
		{"rows", "t.json", ` [{"a": 1}]`, psprpc.FormatRows},
		{"columns", "t.json", `{"a": [1]}`, psprpc.FormatColumns},
		{"arrow", "t.arrow", "raw", psprpc.FormatArrow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := readTableFile(writeFile(t, tt.file, tt.body))
			require.NoError(t, err)
			assert.Equal(t, tt.format, data.Format)
		})
	}

	_, err := readTableFile(writeFile(t, "t.xml", "<a/>"))
	assert.ErrorContains(t, err, "unsupported")
}

func TestBuildEngineLoadsTables(t *testing.T) {
	g := &globalFlags{
		tables: []string{"fruit=" + writeFile(t, "fruit.csv", "id,name\n1,apple\n2,pear\n")},
		index:  []string{"fruit=id"},
	}
	eng, err := buildEngine(context.Background(), g)
	require.NoError(t, err)
	hosted, err := eng.GetHostedTables(context.Background())
	require.NoError(t, err)
	require.Len(t, hosted, 1)
	assert.Equal(t, "fruit", hosted[0].EntityID)
	require.NotNil(t, hosted[0].Index)
	assert.Equal(t, "id", *hosted[0].Index)

	_, err = buildEngine(context.Background(), &globalFlags{index: []string{"ghost=id"}})
	assert.ErrorContains(t, err, "no such --table")
}

func TestBuildEngineDemoRows(t *testing.T) {
	ctx := context.Background()
	eng, err := buildEngine(ctx, &globalFlags{demoRows: 25})
	require.NoError(t, err)
	size, err := eng.TableSize(ctx, demoTable)
	require.NoError(t, err)
	assert.Equal(t, uint32(25), size)

	_, err = buildEngine(ctx, &globalFlags{
		demoRows: 5,
		tables:   []string{demoTable + "=" + writeFile(t, "t.csv", "a\n1\n")},
	})
	assert.ErrorContains(t, err, "already loaded")
}

func TestStateFileSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	g := &globalFlags{state: filepath.Join(t.TempDir(), "state.db")}
	d, err := setup(ctx, g)
	require.NoError(t, err)
	require.NoError(t, d.engine.MakeTable(ctx, "kept", psprpc.FromCSV("a\n1\n2\n"), psprpc.MakeTableOptions{}))
	d.close()

	d, err = setup(ctx, g)
	require.NoError(t, err)
	defer d.close()
	size, err := d.engine.TableSize(ctx, "kept")
	require.NoError(t, err)
	assert.Equal(t, uint32(2), size)
}

func TestNewLogger(t *testing.T) {
	_, err := newLogger("debug", "json")
	assert.NoError(t, err)
	_, err = newLogger("loud", "text")
	assert.Error(t, err)
	_, err = newLogger("info", "xml")
	assert.Error(t, err)
}

func TestRouter(t *testing.T) {
	d, err := setup(context.Background(), &globalFlags{})
	require.NoError(t, err)
	ts := httptest.NewServer(newRouter(d, httpFlags{prefix: "/psp", compression: 3}))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "ok", string(body))

	send, err := client.NewHTTPSend(ts.URL+"/psp", client.WithCompression(3))
	require.NoError(t, err)
	c := client.NewClient(send)
	require.NoError(t, c.Init(context.Background()))
	_, err = c.Table(context.Background(), psprpc.FromCSV("a\n1\n"), client.TableInitOptions{})
	require.NoError(t, err)

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.True(t, strings.Contains(string(body), `perspective_rpc_requests_total{category="table",kind="make_table_req",status="ok"} 1`))
}

func TestServeUnix(t *testing.T) {
	d, err := setup(context.Background(), &globalFlags{})
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "psp.sock")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serveUnix(ctx, d, path) }()

	var conn net.Conn
	require.Eventually(t, func() bool {
		conn, err = net.Dial("unix", path)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	defer conn.Close()

	c, _ := client.NewStreamClient(ctx, conn, conn)
	require.NoError(t, c.Init(ctx))
	features, err := c.Features()
	require.NoError(t, err)
	assert.True(t, features.Expressions)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}
