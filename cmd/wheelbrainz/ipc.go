package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"
)

// ============================================================================
// IPC Server - Unix Domain Socket Interface
// ============================================================================
// The simulator (or a replay rig) pushes telemetry and impact events to the
// daemon over a Unix domain socket.
//
// Protocol: Line-delimited JSON
//   - Client sends: {"type": "telemetry", "data": {...}}
//   - Server responds: {"status": "ok"} or {"status": "error", "error": "msg"}
// ============================================================================

// ipcMaxLine bounds a single request line.
const ipcMaxLine = 64 * 1024

// IPCResponse represents the response sent back to IPC clients
type IPCResponse struct {
	Status string `json:"status"`          // "ok" or "error"
	Error  string `json:"error,omitempty"` // error message if status == "error"
}

// ipcServer accepts connections and forwards decoded events to the loop.
type ipcServer struct {
	socketPath string
	events     chan<- Event
	metrics    *daemonMetrics
	logger     *slog.Logger
}

// runIPCServer starts the Unix domain socket server.
// It runs until ctx is canceled, at which point it closes the listener and exits.
func runIPCServer(ctx context.Context, socketPath string, events chan<- Event, metrics *daemonMetrics, logger *slog.Logger) error {
	s := &ipcServer{socketPath: socketPath, events: events, metrics: metrics, logger: logger}
	return s.serve(ctx)
}

func (s *ipcServer) serve(ctx context.Context) error {
	if err := os.RemoveAll(s.socketPath); err != nil {
		return fmt.Errorf("remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}
	defer listener.Close()
	defer os.Remove(s.socketPath)

	if err := os.Chmod(s.socketPath, 0660); err != nil {
		return fmt.Errorf("chmod socket: %w", err)
	}

	s.logger.Info("IPC listening", "socket", s.socketPath)

	// Close the listener on shutdown. This unblocks Accept().
	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.logger.Debug("IPC listener closed (shutdown)")
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				s.logger.Debug("IPC listener closed")
				return nil
			}
			s.logger.Error("IPC accept error", "error", err)
			continue
		}

		go s.handle(ctx, conn)
	}
}

// handle processes a single IPC client connection until it closes or the
// daemon shuts down.
func (s *ipcServer) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	s.logger.Debug("IPC connection", "remote_addr", conn.RemoteAddr())

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), ipcMaxLine)
	encoder := json.NewEncoder(conn)

	reply := func(resp IPCResponse) {
		if err := encoder.Encode(resp); err != nil {
			s.logger.Debug("IPC failed to send response", "error", err)
		}
	}

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}

		ev, err := UnmarshalEvent(line)
		if err != nil {
			s.metrics.ipcRejected(ctx, "parse")
			reply(IPCResponse{Status: "error", Error: fmt.Sprintf("parse event: %v", err)})
			continue
		}

		select {
		case s.events <- ev:
			reply(IPCResponse{Status: "ok"})
		default:
			s.metrics.ipcRejected(ctx, "queue_full")
			reply(IPCResponse{Status: "error", Error: "event queue full"})
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		s.logger.Warn("IPC read error", "error", err)
	}
	s.logger.Debug("IPC connection closed")
}

// ============================================================================
// IPC Client Utility Functions
// ============================================================================

// SendIPCEvent sends an event to the daemon via IPC and returns the response
func SendIPCEvent(socketPath string, ev Event) error {
	conn, err := net.DialTimeout("unix", socketPath, 2*time.Second)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	data, err := MarshalEvent(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if _, err := fmt.Fprintf(conn, "%s\n", data); err != nil {
		return fmt.Errorf("send event: %w", err)
	}

	var resp IPCResponse
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if resp.Status != "ok" {
		return fmt.Errorf("ipc error: %s", resp.Error)
	}
	return nil
}
