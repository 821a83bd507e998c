package main

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"testing"
	"time"

	"evermeet/account"
	"evermeet/config"
	"evermeet/models"
	"evermeet/plate"
	"evermeet/server"
	"evermeet/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestControlCommands(t *testing.T) {
	shutdowns := make(chan struct{}, 1)
	ctl := newControlServer("", discardLogger(),
		func() string { return "connections=2,sessions=3" },
		func() { shutdowns <- struct{}{} })

	tests := []struct {
		command  string
		expected string
	}{
		{"stats", "OK|connections=2,sessions=3"},
		{"bogus", "ERROR|Unknown command"},
		{"", "ERROR|Invalid command"},
		{"shutdown", "OK|Shutting down"},
	}

	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			serverConn, clientConn := net.Pipe()
			defer clientConn.Close()
			go ctl.handleControlCommand(serverConn)

			_, err := clientConn.Write([]byte(tt.command + "\n"))
			require.NoError(t, err)
			clientConn.SetReadDeadline(time.Now().Add(5 * time.Second))
			line, err := bufio.NewReader(clientConn).ReadString('\n')
			require.NoError(t, err)
			assert.Equal(t, tt.expected+"\n", line)
		})
	}
	select {
	case <-shutdowns:
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown callback not called")
	}
}

func TestControlSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ctl.sock")
	ctx, cancel := context.WithCancel(context.Background())

	stopped := make(chan struct{})
	ctl := newControlServer(path, discardLogger(),
		func() string { return "connections=0,sessions=1" },
		func() { close(stopped) })
	require.NoError(t, ctl.Listen())

	served := make(chan error, 1)
	go func() { served <- ctl.Serve(ctx) }()

	reply, err := sendControlCommand(path, "stats")
	require.NoError(t, err)
	assert.Equal(t, "connections=0,sessions=1", reply)

	_, err = sendControlCommand(path, "reboot")
	assert.EqualError(t, err, "Unknown command")

	reply, err = sendControlCommand(path, "shutdown")
	require.NoError(t, err)
	assert.Equal(t, "Shutting down", reply)
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown callback not called")
	}

	cancel()
	require.NoError(t, <-served)
	_, err = sendControlCommand(path, "stats")
	assert.Error(t, err)
}

func TestServiceStatsString(t *testing.T) {
	s := serviceStats{Stats: server.Stats{Connections: 4}, Sessions: 9}
	assert.Equal(t, "connections=4,sessions=9", s.String())

	data, err := json.Marshal(s)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"connections":4`)
	assert.Contains(t, string(data), `"sessions":9`)
}

func TestOpenStore(t *testing.T) {
	store, err := openStore(config.StoreConfig{Driver: config.DriverMemory})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store, err = openCheckedStore(context.Background(), config.StoreConfig{
		Driver: config.DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "users.db"),
	})
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.Put(context.Background(), &models.User{ID: 1, Name: "a", Password: "p", Friends: []int64{}}))

	_, err = openStore(config.StoreConfig{Driver: "mongo"})
	assert.Error(t, err)
}

func TestOpenCheckedStoreUnreachableRedis(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	_, err = openCheckedStore(context.Background(), config.StoreConfig{
		Driver: config.DriverRedis,
		Redis:  config.RedisConfig{Addr: addr},
	})
	assert.ErrorIs(t, err, account.ErrStoreUnavailable)
}

func startPlateServer(t *testing.T, mode string) (*server.Server, *session.Table) {
	t.Helper()
	logger := discardLogger()
	store := account.NewGateway(account.NewMemoryBackend())
	require.NoError(t, store.Put(context.Background(), &models.User{ID: 7, Name: "alice", Password: "x|y"}))

	table := session.NewTable(session.Config{}, logger)
	srv := server.New(server.Config{Host: "127.0.0.1", Mode: mode},
		plate.NewService(table, store, logger), plate.JSONResponder{}, logger, nil)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(srv.Stop)
	return srv, table
}

func TestSendPlateMessage(t *testing.T) {
	for _, mode := range []string{server.ModeTCP, server.ModeUDP} {
		t.Run(mode, func(t *testing.T) {
			srv, table := startPlateServer(t, mode)

			reply, err := sendPlateMessage(srv.Addr().String(), mode == server.ModeUDP, []string{
				"plate_id=P1", "user_id=7", "user_password=x|y", "level_duration=12", "level_difficulty=3",
			})
			require.NoError(t, err)

			var resp map[string]any
			require.NoError(t, json.Unmarshal([]byte(reply), &resp), reply)
			assert.Equal(t, "ok", resp["status"])
			assert.Equal(t, float64(12), resp["total_duration"])

			sess, ok := table.Get("P1")
			require.True(t, ok)
			assert.Len(t, sess.Levels, 1)
		})
	}
}

func TestSendPlateMessageBadArgument(t *testing.T) {
	_, err := sendPlateMessage("127.0.0.1:1", false, []string{"plate_id"})
	assert.Error(t, err)
}
