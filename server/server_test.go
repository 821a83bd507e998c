package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"evermeet/account"
	"evermeet/models"
	"evermeet/plate"
	"evermeet/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	srv   *Server
	table *session.Table
	store *account.Gateway
}

// setupTestServer builds a server over an in-memory account store holding
// user 7 with password "x".
func setupTestServer(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store := account.NewGateway(account.NewMemoryBackend())
	require.NoError(t, store.Put(context.Background(), &models.User{
		ID: 7, Name: "alice", Password: "x", Friends: []int64{1, 2},
	}))

	table := session.NewTable(session.Config{}, logger)
	srv := New(cfg, plate.NewService(table, store, logger), plate.JSONResponder{}, logger, nil)
	t.Cleanup(srv.Stop)

	return &testEnv{srv: srv, table: table, store: store}
}

type testClient struct {
	conn   net.Conn
	reader *bufio.Reader
}

func newTestClient(conn net.Conn) *testClient {
	return &testClient{conn: conn, reader: bufio.NewReader(conn)}
}

// pipeClient runs handleConnection on one end of a pipe and returns the
// other end plus a channel closed when the handler exits.
func (e *testEnv) pipeClient(t *testing.T) (*testClient, <-chan struct{}) {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	t.Cleanup(func() { clientConn.Close() })

	done := make(chan struct{})
	go func() {
		defer close(done)
		e.srv.handleConnection(serverConn)
	}()
	return newTestClient(clientConn), done
}

func (c *testClient) send(t *testing.T, request string) {
	t.Helper()
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, err := c.conn.Write([]byte(request + "\n"))
	require.NoError(t, err)
}

func (c *testClient) read(timeout time.Duration) (string, error) {
	c.conn.SetReadDeadline(time.Now().Add(timeout))
	line, err := c.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(line, "\n"), nil
}

func (c *testClient) roundTrip(t *testing.T, request string) map[string]any {
	t.Helper()
	c.send(t, request)
	line, err := c.read(5 * time.Second)
	require.NoError(t, err)

	var resp map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &resp), line)
	return resp
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("connection handler did not exit")
	}
}

func TestMessageRoundTrip(t *testing.T) {
	env := setupTestServer(t, Config{})
	client, _ := env.pipeClient(t)

	resp := client.roundTrip(t, `{"plate_id":"P1","user_id":7,"user_password":"x","level_duration":30,"level_difficulty":2}`)
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, "alice", resp["user_name"])
	assert.Equal(t, float64(1), resp["levels"])

	resp = client.roundTrip(t, "plate_id=P1|user_id=7|user_password=x|level_duration=15|level_difficulty=5")
	assert.Equal(t, float64(2), resp["levels"])
	assert.Equal(t, float64(45), resp["total_duration"])
	assert.Equal(t, float64(5), resp["max_difficulty"])
}

func TestUnknownUserOpensSession(t *testing.T) {
	env := setupTestServer(t, Config{})
	client, _ := env.pipeClient(t)

	resp := client.roundTrip(t, `{"plate_id":"P1","user_id":8,"user_password":"x"}`)
	assert.Equal(t, "error", resp["status"])
	assert.Equal(t, "not_found", resp["error"])

	sess, ok := env.table.Get("P1")
	require.True(t, ok)
	assert.Empty(t, sess.Levels)
}

func TestMalformedFrameKeepsConnection(t *testing.T) {
	env := setupTestServer(t, Config{})
	client, _ := env.pipeClient(t)

	client.send(t, "this is not a message")
	line, err := client.read(5 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "{}", line)
	assert.Zero(t, env.table.Len())

	resp := client.roundTrip(t, `{"plate_id":"P1","user_id":7,"user_password":"x"}`)
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, uint64(1), env.srv.GetStats().ParseErrors)
}

func TestBlankLinesIgnored(t *testing.T) {
	env := setupTestServer(t, Config{})
	client, _ := env.pipeClient(t)

	client.send(t, "")
	client.send(t, "   ")
	resp := client.roundTrip(t, `{"plate_id":"P1","user_id":7,"user_password":"x"}`)
	assert.Equal(t, "ok", resp["status"])
}

func TestOversizedFrame(t *testing.T) {
	env := setupTestServer(t, Config{MaxFrameSize: 64})
	client, _ := env.pipeClient(t)

	client.send(t, `{"plate_id":"P1","user_id":7,"user_password":"`+strings.Repeat("x", 100)+`"}`)
	line, err := client.read(5 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "{}", line)
	assert.Zero(t, env.table.Len())

	resp := client.roundTrip(t, `{"plate_id":"P1","user_id":7,"user_password":"x"}`)
	assert.Equal(t, "ok", resp["status"])
}

// A plate that disconnects ends only its own connection.
func TestDisconnectLeavesOthersRunning(t *testing.T) {
	env := setupTestServer(t, Config{})
	first, firstDone := env.pipeClient(t)
	second, _ := env.pipeClient(t)

	first.roundTrip(t, `{"plate_id":"P1","user_id":7,"user_password":"x"}`)
	second.roundTrip(t, `{"plate_id":"P2","user_id":7,"user_password":"x"}`)
	assert.Equal(t, 2, env.srv.GetStats().Connections)

	require.NoError(t, first.conn.Close())
	waitDone(t, firstDone)
	assert.Equal(t, 1, env.srv.GetStats().Connections)

	resp := second.roundTrip(t, `{"plate_id":"P2","user_id":7,"user_password":"x","level_duration":1,"level_difficulty":1}`)
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, float64(1), resp["levels"])
}

func TestIdleTimeoutClosesConnection(t *testing.T) {
	env := setupTestServer(t, Config{ReadTimeout: 50 * time.Millisecond})
	client, done := env.pipeClient(t)

	waitDone(t, done)
	_, err := client.read(time.Second)
	assert.ErrorIs(t, err, io.EOF)
}

func dialTCP(t *testing.T, addr net.Addr) *testClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr.String(), 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return newTestClient(conn)
}

func TestTCPServeAndStop(t *testing.T) {
	env := setupTestServer(t, Config{Host: "127.0.0.1"})
	require.NoError(t, env.srv.Start(context.Background()))

	client := dialTCP(t, env.srv.Addr())
	resp := client.roundTrip(t, `{"plate_id":"P1","user_id":7,"user_password":"x"}`)
	assert.Equal(t, "ok", resp["status"])

	env.srv.Stop()

	_, err := client.read(5 * time.Second)
	assert.Error(t, err)
	assert.Equal(t, 0, env.srv.GetStats().Connections)
}

func TestTCPConnectionLimit(t *testing.T) {
	env := setupTestServer(t, Config{Host: "127.0.0.1", MaxConnections: 1})
	require.NoError(t, env.srv.Start(context.Background()))

	first := dialTCP(t, env.srv.Addr())
	first.roundTrip(t, `{"plate_id":"P1","user_id":7,"user_password":"x"}`)

	second := dialTCP(t, env.srv.Addr())
	second.send(t, `{"plate_id":"P2","user_id":7,"user_password":"x"}`)
	_, err := second.read(200 * time.Millisecond)
	var netErr net.Error
	require.ErrorAs(t, err, &netErr)
	assert.True(t, netErr.Timeout())

	first.conn.Close()

	line, err := second.read(5 * time.Second)
	require.NoError(t, err)
	assert.Contains(t, line, `"status":"ok"`)
}

func TestStartBindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	env := setupTestServer(t, Config{Host: "127.0.0.1", Port: port})
	assert.Error(t, env.srv.Start(context.Background()))
}

func TestStartUnknownMode(t *testing.T) {
	env := setupTestServer(t, Config{Mode: "sctp"})
	assert.Error(t, env.srv.Start(context.Background()))
}

func TestStartConvenience(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := account.NewGateway(account.NewMemoryBackend())
	table := session.NewTable(session.Config{}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	srv, err := Start(ctx, "127.0.0.1", 0, plate.NewService(table, store, logger), plate.JSONResponder{})
	require.NoError(t, err)

	client := dialTCP(t, srv.Addr())
	resp := client.roundTrip(t, `{"plate_id":"P1","user_id":7,"user_password":"x"}`)
	assert.Equal(t, "not_found", resp["error"])

	cancel()
	_, err = client.read(5 * time.Second)
	assert.Error(t, err)
	srv.Stop()
}

func dialUDP(t *testing.T, addr net.Addr) *net.UDPConn {
	t.Helper()
	conn, err := net.DialUDP("udp", nil, addr.(*net.UDPAddr))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readDatagram(t *testing.T, conn *net.UDPConn) map[string]any {
	t.Helper()
	buf := make([]byte, 2048)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, err := conn.Read(buf)
	require.NoError(t, err)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(buf[:n], &resp), string(buf[:n]))
	return resp
}

// Near-simultaneous datagrams for one plate must both land in its session.
func TestUDPConcurrentDatagramsSamePlate(t *testing.T) {
	env := setupTestServer(t, Config{Host: "127.0.0.1", Mode: ModeUDP, UDPWorkers: 4})
	require.NoError(t, env.srv.Start(context.Background()))

	conn := dialUDP(t, env.srv.Addr())
	for _, d := range []int{10, 20} {
		_, err := conn.Write([]byte(`{"plate_id":"P2","user_id":7,"user_password":"x","level_duration":` +
			strconv.Itoa(d) + `,"level_difficulty":1}`))
		require.NoError(t, err)
	}

	for i := 0; i < 2; i++ {
		resp := readDatagram(t, conn)
		assert.Equal(t, "ok", resp["status"])
	}

	sess, ok := env.table.Get("P2")
	require.True(t, ok)
	assert.Len(t, sess.Levels, 2)
	assert.Equal(t, float64(30), sess.TotalDuration())
	assert.Equal(t, uint64(2), env.srv.GetStats().DatagramsReceived)
}

func TestUDPMalformedDatagram(t *testing.T) {
	env := setupTestServer(t, Config{Host: "127.0.0.1", Mode: ModeUDP})
	require.NoError(t, env.srv.Start(context.Background()))

	conn := dialUDP(t, env.srv.Addr())
	_, err := conn.Write([]byte("plate_id"))
	require.NoError(t, err)

	resp := readDatagram(t, conn)
	assert.Empty(t, resp)
	assert.Zero(t, env.table.Len())
}
