package server

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net"
)

// incomingPacket is a received datagram with its origin.
type incomingPacket struct {
	data       []byte
	remoteAddr *net.UDPAddr
}

func (s *Server) startUDP() error {
	addr, err := net.ResolveUDPAddr("udp", s.config.address())
	if err != nil {
		return fmt.Errorf("resolve udp %s: %w", s.config.address(), err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("listen udp %s: %w", s.config.address(), err)
	}
	s.packetConn = conn
	s.packetChan = make(chan *incomingPacket, s.config.UDPQueueSize)

	s.logger.Info("Plate server started",
		slog.String("mode", ModeUDP),
		slog.String("address", conn.LocalAddr().String()),
		slog.Int("workers", s.config.UDPWorkers),
		slog.Int("queue_size", s.config.UDPQueueSize),
	)

	for i := 0; i < s.config.UDPWorkers; i++ {
		s.wg.Add(1)
		go s.packetProcessor(i)
	}

	s.wg.Add(1)
	go s.receiveLoop()
	return nil
}

// receiveLoop reads datagrams until the socket is closed. It is the only
// sender on packetChan and closes it on exit.
func (s *Server) receiveLoop() {
	defer s.wg.Done()
	defer close(s.packetChan)

	buffer := make([]byte, s.config.MaxFrameSize+1)
	for {
		n, remoteAddr, err := s.packetConn.ReadFromUDP(buffer)
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("Failed to read datagram", slog.String("error", err.Error()))
			continue
		}
		s.datagramsReceived.Add(1)

		// buffer is reused
		data := make([]byte, n)
		copy(data, buffer[:n])

		select {
		case s.packetChan <- &incomingPacket{data: data, remoteAddr: remoteAddr}:
		default:
			s.datagramsDropped.Add(1)
			s.metrics.RecordDatagramDropped()
			s.logger.Warn("Datagram queue full, dropping datagram",
				slog.String("remote_addr", remoteAddr.String()),
				slog.Int("size", n),
			)
		}
	}
}

func (s *Server) packetProcessor(workerID int) {
	defer s.wg.Done()

	s.logger.Debug("Datagram worker started", slog.Int("worker_id", workerID))
	for packet := range s.packetChan {
		s.handleDatagram(packet, workerID)
	}
	s.logger.Debug("Datagram worker stopped", slog.Int("worker_id", workerID))
}

func (s *Server) handleDatagram(packet *incomingPacket, workerID int) {
	if s.ctx.Err() != nil {
		return
	}
	logger := s.logger.With(
		slog.String("remote_addr", packet.remoteAddr.String()),
		slog.Int("worker_id", workerID),
	)

	var resp []byte
	switch {
	case len(packet.data) > s.config.MaxFrameSize:
		s.recordParseError(logger, fmt.Errorf("datagram of %d bytes exceeds %d", len(packet.data), s.config.MaxFrameSize))
		resp = s.responder.Malformed()
	case len(bytes.TrimSpace(packet.data)) == 0:
		return
	default:
		resp = s.process(s.ctx, packet.data, logger)
	}

	if s.ctx.Err() != nil {
		return
	}
	if _, err := s.packetConn.WriteToUDP(resp, packet.remoteAddr); err != nil {
		logger.Warn("Failed to send datagram", slog.String("error", err.Error()))
	}
}
