package main

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"time"

	"evermeet/protocol"
)

// sendPlateMessage acts as a plate: it encodes key=value args in the pipe
// format, sends them to addr and returns the server's reply.
func sendPlateMessage(addr string, udp bool, args []string) (string, error) {
	fields := make(map[string]string, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return "", fmt.Errorf("argument %q is not key=value", arg)
		}
		fields[key] = value
	}
	line := protocol.FormatFields(fields)

	network := "tcp"
	if udp {
		network = "udp"
	}
	conn, err := net.DialTimeout(network, addr, 5*time.Second)
	if err != nil {
		return "", fmt.Errorf("connect to %s: %w", addr, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(10 * time.Second))

	if udp {
		if _, err := conn.Write([]byte(line)); err != nil {
			return "", err
		}
		buf := make([]byte, 64*1024)
		n, err := conn.Read(buf)
		if err != nil {
			return "", fmt.Errorf("read reply: %w", err)
		}
		return string(buf[:n]), nil
	}

	if _, err := conn.Write(protocol.AppendFrame(nil, []byte(line))); err != nil {
		return "", err
	}
	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read reply: %w", err)
	}
	return strings.TrimSuffix(reply, "\n"), nil
}
