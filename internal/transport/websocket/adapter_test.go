package websocket_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/require"

	wstransport "github.com/relaybridge/relayd/internal/transport/websocket"
)

type upgradeResult struct {
	name    string
	adapter *wstransport.Adapter
	err     error
}

// startTestListener accepts one connection, runs the server-side upgrade
// on it, and reports the outcome.
func startTestListener(t *testing.T) (string, <-chan upgradeResult) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	results := make(chan upgradeResult, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		name, adapter, err := wstransport.Upgrade(nil, conn)
		results <- upgradeResult{name: name, adapter: adapter, err: err}
	}()
	return ln.Addr().String(), results
}

func dial(t *testing.T, addr, path string) net.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, _, err := ws.Dial(ctx, "ws://"+addr+path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func awaitUpgrade(t *testing.T, results <-chan upgradeResult) upgradeResult {
	t.Helper()
	select {
	case r := <-results:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server-side upgrade")
		return upgradeResult{}
	}
}

func TestUpgrade_ParsesChannelNameFromPath(t *testing.T) {
	addr, results := startTestListener(t)
	dial(t, addr, "/channels/lobby")

	r := awaitUpgrade(t, results)
	require.NoError(t, r.err)
	require.Equal(t, "lobby", r.name)
}

func TestUpgrade_RejectsInvalidPath(t *testing.T) {
	addr, results := startTestListener(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, _, err := ws.Dial(ctx, "ws://"+addr+"/not-a-channel")
	require.Error(t, err)

	r := awaitUpgrade(t, results)
	require.Error(t, r.err)
}

func TestAdapter_NextIngressSkipsNonBinaryFrames(t *testing.T) {
	addr, results := startTestListener(t)
	conn := dial(t, addr, "/channels/lobby")

	r := awaitUpgrade(t, results)
	require.NoError(t, r.err)

	require.NoError(t, wsutil.WriteClientMessage(conn, ws.OpText, []byte("ignored")))
	require.NoError(t, wsutil.WriteClientMessage(conn, ws.OpBinary, []byte("payload")))

	data, err := r.adapter.NextIngress(context.Background())
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), data)
}

func TestAdapter_NextIngressAnswersPingAndKeepsReading(t *testing.T) {
	addr, results := startTestListener(t)
	conn := dial(t, addr, "/channels/lobby")

	r := awaitUpgrade(t, results)
	require.NoError(t, r.err)

	require.NoError(t, wsutil.WriteClientMessage(conn, ws.OpPing, nil))
	require.NoError(t, wsutil.WriteClientMessage(conn, ws.OpBinary, []byte{0xDE, 0xAD}))

	data, err := r.adapter.NextIngress(context.Background())
	require.NoError(t, err)
	require.Equal(t, []byte{0xDE, 0xAD}, data)
}

func TestAdapter_SendEgressWritesBinaryFrame(t *testing.T) {
	addr, results := startTestListener(t)
	conn := dial(t, addr, "/channels/lobby")

	r := awaitUpgrade(t, results)
	require.NoError(t, r.err)

	require.NoError(t, r.adapter.SendEgress([]byte("hello")))

	data, op, err := wsutil.ReadServerData(conn)
	require.NoError(t, err)
	require.Equal(t, ws.OpBinary, op)
	require.Equal(t, []byte("hello"), data)
}

func TestAdapter_NextIngressEndsOnContextCancel(t *testing.T) {
	addr, results := startTestListener(t)
	dial(t, addr, "/channels/lobby")

	r := awaitUpgrade(t, results)
	require.NoError(t, r.err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := r.adapter.NextIngress(ctx)
		errc <- err
	}()

	cancel()

	select {
	case err := <-errc:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("NextIngress did not return after context cancellation")
	}
}
