// Package server accepts plate connections over TCP or UDP and runs every
// inbound frame through a Handler and a Responder.
package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"evermeet/metrics"
	"evermeet/models"
	"evermeet/protocol"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

const (
	ModeTCP = "tcp"
	ModeUDP = "udp"
)

// Handler processes one decoded message.
type Handler interface {
	HandleMessage(ctx context.Context, msg *protocol.Message) (*models.Reply, error)
}

// Responder turns a handler result into response bytes.
type Responder interface {
	Respond(msg *protocol.Message, reply *models.Reply, err error) []byte
	Malformed() []byte
}

type Config struct {
	Host           string
	Port           int
	Mode           string
	MaxConnections int
	MaxFrameSize   int
	ReadTimeout    time.Duration // idle limit per connection, 0 disables
	WriteTimeout   time.Duration
	UDPWorkers     int
	UDPQueueSize   int
}

func (c *Config) setDefaults() {
	if c.Mode == "" {
		c.Mode = ModeTCP
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = 256
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = protocol.DefaultMaxFrameSize
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.UDPWorkers <= 0 {
		c.UDPWorkers = 4
	}
	if c.UDPQueueSize <= 0 {
		c.UDPQueueSize = 1000
	}
}

func (c *Config) address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

type Server struct {
	config    Config
	handler   Handler
	responder Responder
	logger    *slog.Logger
	metrics   *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	listener   net.Listener
	packetConn *net.UDPConn
	packetChan chan *incomingPacket
	sem        *semaphore.Weighted

	mu    sync.Mutex
	conns map[string]net.Conn

	datagramsReceived atomic.Uint64
	datagramsDropped  atomic.Uint64
	messagesHandled   atomic.Uint64
	parseErrors       atomic.Uint64
}

// Stats is a point-in-time view of the server.
type Stats struct {
	Mode              string `json:"mode"`
	Connections       int    `json:"connections"`
	MessagesHandled   uint64 `json:"messages_handled"`
	ParseErrors       uint64 `json:"parse_errors"`
	DatagramsReceived uint64 `json:"datagrams_received"`
	DatagramsDropped  uint64 `json:"datagrams_dropped"`
}

func New(config Config, handler Handler, responder Responder, logger *slog.Logger, m *metrics.Metrics) *Server {
	config.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		config:    config,
		handler:   handler,
		responder: responder,
		logger:    logger,
		metrics:   m,
		ctx:       ctx,
		cancel:    cancel,
		sem:       semaphore.NewWeighted(int64(config.MaxConnections)),
		conns:     make(map[string]net.Conn),
	}
}

// Start binds the configured address and serves in the background until ctx
// is cancelled or Stop is called. A bind failure is returned.
func Start(ctx context.Context, host string, port int, handler Handler, responder Responder) (*Server, error) {
	srv := New(Config{Host: host, Port: port}, handler, responder, nil, nil)
	if err := srv.Start(ctx); err != nil {
		return nil, err
	}
	return srv, nil
}

func (s *Server) Start(ctx context.Context) error {
	var err error
	switch s.config.Mode {
	case ModeTCP:
		err = s.startTCP()
	case ModeUDP:
		err = s.startUDP()
	default:
		err = fmt.Errorf("unknown mode %q", s.config.Mode)
	}
	if err != nil {
		s.cancel()
		return err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-ctx.Done():
		case <-s.ctx.Done():
		}
		s.cancel()
		s.closeAll()
	}()
	return nil
}

// Stop closes the listener and every live connection, then waits for all
// server goroutines to exit.
func (s *Server) Stop() {
	s.cancel()
	s.closeAll()
	s.wg.Wait()
	s.logger.Info("Server stopped",
		slog.Uint64("messages_handled", s.messagesHandled.Load()),
		slog.Uint64("parse_errors", s.parseErrors.Load()),
	)
}

// Addr is the bound address, nil before Start.
func (s *Server) Addr() net.Addr {
	switch {
	case s.listener != nil:
		return s.listener.Addr()
	case s.packetConn != nil:
		return s.packetConn.LocalAddr()
	default:
		return nil
	}
}

func (s *Server) GetStats() Stats {
	s.mu.Lock()
	conns := len(s.conns)
	s.mu.Unlock()

	return Stats{
		Mode:              s.config.Mode,
		Connections:       conns,
		MessagesHandled:   s.messagesHandled.Load(),
		ParseErrors:       s.parseErrors.Load(),
		DatagramsReceived: s.datagramsReceived.Load(),
		DatagramsDropped:  s.datagramsDropped.Load(),
	}
}

func (s *Server) closeAll() {
	if s.listener != nil {
		s.listener.Close()
	}
	if s.packetConn != nil {
		s.packetConn.Close()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conn := range s.conns {
		conn.Close()
	}
}

func (s *Server) startTCP() error {
	listener, err := net.Listen("tcp", s.config.address())
	if err != nil {
		return fmt.Errorf("listen tcp %s: %w", s.config.address(), err)
	}
	s.listener = listener

	s.logger.Info("Plate server started",
		slog.String("mode", ModeTCP),
		slog.String("address", listener.Addr().String()),
		slog.Int("max_connections", s.config.MaxConnections),
	)

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		// A slot is taken before accepting so excess plates wait in the backlog.
		if err := s.sem.Acquire(s.ctx, 1); err != nil {
			return
		}

		conn, err := s.listener.Accept()
		if err != nil {
			s.sem.Release(1)
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("Error accepting connection", slog.String("error", err.Error()))
			time.Sleep(10 * time.Millisecond)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.sem.Release(1)
			s.handleConnection(conn)
		}()
	}
}

func (s *Server) track(id string, conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	s.conns[id] = conn
	return true
}

func (s *Server) untrack(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, id)
}

// handleConnection serves one stream connection until the peer leaves, the
// idle timeout fires or the server stops.
func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()

	id := uuid.NewString()
	logger := s.logger.With(
		slog.String("conn_id", id),
		slog.String("remote_addr", conn.RemoteAddr().String()),
	)
	if !s.track(id, conn) {
		return
	}
	defer s.untrack(id)

	s.metrics.ConnectionOpened()
	defer s.metrics.ConnectionClosed()

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	logger.Info("Plate connected")

	reader := protocol.NewFrameReader(conn, s.config.MaxFrameSize)
	for {
		if s.config.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		}
		frame, err := reader.ReadFrame()
		if errors.Is(err, protocol.ErrFrameTooLong) {
			s.recordParseError(logger, err)
			if !s.write(conn, s.responder.Malformed(), logger) {
				break
			}
			continue
		}
		if err != nil {
			s.logReadError(logger, err)
			break
		}

		if len(bytes.TrimSpace(frame)) == 0 {
			continue
		}

		resp := s.process(ctx, frame, logger)
		if ctx.Err() != nil {
			// Closed while the handler ran.
			break
		}
		if !s.write(conn, resp, logger) {
			break
		}
	}

	logger.Info("Plate disconnected")
}

func (s *Server) logReadError(logger *slog.Logger, err error) {
	var netErr net.Error
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), errors.Is(err, io.ErrClosedPipe):
	case errors.As(err, &netErr) && netErr.Timeout():
		logger.Info("Closing idle connection", slog.Duration("read_timeout", s.config.ReadTimeout))
	default:
		logger.Warn("Error reading from plate", slog.String("error", err.Error()))
	}
}

func (s *Server) write(conn net.Conn, payload []byte, logger *slog.Logger) bool {
	conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	if _, err := conn.Write(protocol.AppendFrame(nil, payload)); err != nil {
		logger.Warn("Error writing to plate", slog.String("error", err.Error()))
		return false
	}
	return true
}

func (s *Server) recordParseError(logger *slog.Logger, err error) {
	s.parseErrors.Add(1)
	s.metrics.RecordParseError()
	logger.Warn("Malformed frame", slog.String("error", err.Error()))
}

// process runs one frame through the handler and returns the response
// payload without framing.
func (s *Server) process(ctx context.Context, frame []byte, logger *slog.Logger) []byte {
	msg, err := protocol.ParseMessage(frame)
	if err != nil {
		s.recordParseError(logger, err)
		return s.responder.Malformed()
	}

	start := time.Now()
	reply, err := s.handler.HandleMessage(ctx, msg)
	elapsed := time.Since(start)
	s.messagesHandled.Add(1)

	result := metrics.ResultOK
	if err != nil {
		result = metrics.ResultError
		logger.Info("Message rejected",
			slog.String("plate_id", msg.PlateID),
			slog.Int64("user_id", msg.UserID),
			slog.String("error", err.Error()),
		)
	} else {
		logger.Debug("Message handled",
			slog.String("plate_id", msg.PlateID),
			slog.Int64("user_id", msg.UserID),
			slog.Duration("elapsed", elapsed),
		)
	}
	s.metrics.RecordMessage(result, elapsed.Seconds())

	return s.responder.Respond(msg, reply, err)
}
