package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"
)

// controlServer answers management commands on a unix socket:
//
//	stats     -> OK|connections=N,sessions=M
//	shutdown  -> OK|Shutting down, then the serve command stops
type controlServer struct {
	path     string
	logger   *slog.Logger
	stats    func() string
	shutdown func()
	listener net.Listener
}

func newControlServer(path string, logger *slog.Logger, stats func() string, shutdown func()) *controlServer {
	return &controlServer{path: path, logger: logger, stats: stats, shutdown: shutdown}
}

// Listen replaces any stale socket file and binds the socket.
func (c *controlServer) Listen() error {
	os.Remove(c.path)

	listener, err := net.Listen("unix", c.path)
	if err != nil {
		return fmt.Errorf("create control socket %s: %w", c.path, err)
	}
	c.listener = listener
	c.logger.Info("Control socket listening", slog.String("path", c.path))
	return nil
}

// Serve accepts commands until ctx is cancelled.
func (c *controlServer) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		c.listener.Close()
	}()
	defer os.Remove(c.path)

	for {
		conn, err := c.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			c.logger.Warn("Control socket accept failed", slog.String("error", err.Error()))
			continue
		}
		go c.handleControlCommand(conn)
	}
}

func (c *controlServer) handleControlCommand(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && line == "" {
		return
	}

	cmd, _, _ := strings.Cut(strings.TrimSpace(line), "|")
	switch cmd {
	case "stats":
		conn.Write([]byte("OK|" + c.stats() + "\n"))

	case "shutdown":
		conn.Write([]byte("OK|Shutting down\n"))
		c.logger.Info("Shutdown requested over control socket")
		c.shutdown()

	case "":
		conn.Write([]byte("ERROR|Invalid command\n"))

	default:
		conn.Write([]byte("ERROR|Unknown command\n"))
	}
}

// sendControlCommand sends one command to the socket at path and returns the reply line.
func sendControlCommand(path, cmd string) (string, error) {
	conn, err := net.DialTimeout("unix", path, 5*time.Second)
	if err != nil {
		return "", fmt.Errorf("connect to control socket %s: %w", path, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(10 * time.Second))

	if _, err := conn.Write([]byte(cmd + "\n")); err != nil {
		return "", err
	}
	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && reply == "" {
		return "", err
	}

	reply = strings.TrimSpace(reply)
	if msg, ok := strings.CutPrefix(reply, "ERROR|"); ok {
		return "", errors.New(msg)
	}
	return strings.TrimPrefix(reply, "OK|"), nil
}
