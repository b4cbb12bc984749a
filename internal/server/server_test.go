package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/bobs4462/validator-offload/internal/metrics"
	"github.com/bobs4462/validator-offload/internal/router"
)

type fakeRouter struct {
	msgs chan router.Msg
}

func (f *fakeRouter) Send(m router.Msg) { f.msgs <- m }

func startServer(t *testing.T, maxConns int) (*Server, *fakeRouter) {
	t.Helper()
	r := &fakeRouter{msgs: make(chan router.Msg, 16)}
	srv := New(Config{
		Listen:         "127.0.0.1:0",
		MaxConnections: maxConns,
		SessionBuffer:  64,
	}, r, metrics.New(), zerolog.Nop())
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		require.NoError(t, srv.Shutdown(200*time.Millisecond))
	})
	return srv, r
}

func dial(t *testing.T, srv *Server) (net.Conn, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, _, err := ws.Dial(ctx, "ws://"+srv.Addr()+"/")
	return conn, err
}

func TestServer_UpgradesAndRunsSession(t *testing.T) {
	srv, r := startServer(t, 4)

	conn, err := dial(t, srv)
	require.NoError(t, err)
	defer conn.Close()

	req := `{"jsonrpc":"2.0","id":1,"method":"slotSubscribe"}`
	require.NoError(t, wsutil.WriteClientMessage(conn, ws.OpText, []byte(req)))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	data, _, err := wsutil.ReadServerData(conn)
	require.NoError(t, err)

	var resp struct {
		ID     uint64 `json:"id"`
		Result uint64 `json:"result"`
	}
	require.NoError(t, json.Unmarshal(data, &resp))
	require.Equal(t, uint64(1), resp.ID)
	require.Equal(t, uint64(0), resp.Result)

	select {
	case msg := <-r.msgs:
		require.IsType(t, router.SlotSubscribe{}, msg)
	case <-time.After(2 * time.Second):
		t.Fatal("router never saw the subscription")
	}
}

func TestServer_RejectsBeyondCapacity(t *testing.T) {
	srv, _ := startServer(t, 1)

	first, err := dial(t, srv)
	require.NoError(t, err)

	_, err = dial(t, srv)
	require.Error(t, err, "second connection should be rejected at capacity")

	// Closing the first connection frees its slot once the session
	// exits.
	require.NoError(t, first.Close())
	require.Eventually(t, func() bool {
		conn, err := dial(t, srv)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 2*time.Second, 50*time.Millisecond)
}

func TestServer_HealthReportsConnections(t *testing.T) {
	srv, _ := startServer(t, 3)

	conn, err := dial(t, srv)
	require.NoError(t, err)
	defer conn.Close()

	resp, err := http.Get(fmt.Sprintf("http://%s/health", srv.Addr()))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health struct {
		Status         string  `json:"status"`
		UptimeS        int64   `json:"uptime_s"`
		Connections    int     `json:"connections"`
		MaxConnections int     `json:"max_connections"`
		Goroutines     int     `json:"goroutines"`
		CPUPercent     float64 `json:"cpu_percent"`
		MemAllocBytes  uint64  `json:"mem_alloc_bytes"`
		Slot           uint64  `json:"slot"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	require.Equal(t, "ok", health.Status)
	require.Equal(t, 1, health.Connections)
	require.Equal(t, 3, health.MaxConnections)
	require.Greater(t, health.Goroutines, 0)
	require.Greater(t, health.MemAllocBytes, uint64(0))
	require.Zero(t, health.Slot, "no broker traffic in this test")
}

func TestServer_MetricsEndpointServesPrometheus(t *testing.T) {
	srv, _ := startServer(t, 2)

	resp, err := http.Get(fmt.Sprintf("http://%s/metrics", srv.Addr()))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "connections_count")
}

func TestServer_UnknownPathIs404(t *testing.T) {
	srv, _ := startServer(t, 2)

	resp, err := http.Get(fmt.Sprintf("http://%s/nowhere", srv.Addr()))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_ShutdownRejectsNewConnections(t *testing.T) {
	r := &fakeRouter{msgs: make(chan router.Msg, 16)}
	srv := New(Config{
		Listen:         "127.0.0.1:0",
		MaxConnections: 2,
		SessionBuffer:  64,
	}, r, metrics.New(), zerolog.Nop())
	require.NoError(t, srv.Start())

	conn, err := dial(t, srv)
	require.NoError(t, err)
	defer conn.Close()

	start := time.Now()
	require.NoError(t, srv.Shutdown(300*time.Millisecond))
	require.Less(t, time.Since(start), 2*time.Second)

	_, err = dial(t, srv)
	require.Error(t, err, "connections must be refused after shutdown")
}
