package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"wheelbrainz/internal/wheel"
)

// ============================================================================
// State WebSocket: hub + per-client pumps + broadcaster
// ============================================================================
//
// Outbound frames are JSON text messages with an envelope {type, ts, data}:
//   - state_init     first frame on connect (StateSnapshot, via the loop)
//   - tick_state     coalesced per-tick inputs and gear
//   - vehicle_input  controls written to the vehicle, every tick
//   - shift          admitted / rejected gear requests and stalls
//   - warning        interlock warning start / stop cues
//   - device         wheel availability changes
//
// Inbound frames use the IPC event envelope ({type, data}), so a simulator
// can stream telemetry and impacts over the same connection it reads
// vehicle_input from.
//
// Loop-owned state is never shared: the initial snapshot is requested
// through the event queue, and broadcasts are emitted by the loop.
// Slow clients are disconnected when their send buffer fills.
// ============================================================================

type wsTickData struct {
	Inputs wheel.NormalizedInputs `json:"inputs"`
	Gear   wheel.GearState        `json:"gear"`
}

type wsShiftData struct {
	Outcome wheel.ShiftOutcome `json:"outcome"`
	Stalled bool               `json:"stalled"`
	Gear    wheel.GearState    `json:"gear"`
}

type wsWarningData struct {
	Cue   string             `json:"cue"` // "start" or "stop"
	State wheel.WarningState `json:"state"`
}

type wsDeviceData struct {
	Available bool   `json:"available"`
	Error     string `json:"error,omitempty"`
}

// wsOutboundEvent is a pre-typed, externally-consumable state event.
type wsOutboundEvent struct {
	Type string
	Data any
	At   time.Time // zero means "use now"
}

// envelope is the wire format envelope for WS messages.
type envelope struct {
	Type string     `json:"type"`
	Ts   *time.Time `json:"ts,omitempty"`
	Data any        `json:"data,omitempty"`
}

func (ev wsOutboundEvent) marshal() ([]byte, error) {
	ts := ev.At.UTC()
	if ev.At.IsZero() {
		ts = time.Now().UTC()
	}
	return json.Marshal(envelope{Type: ev.Type, Ts: &ts, Data: ev.Data})
}

// ============================================================================
// Hub
// ============================================================================

type Hub struct {
	logger *slog.Logger

	// Buffered broadcast channel for already-serialized JSON frames.
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	// Inbound simulator events are forwarded here (may be nil).
	events chan<- Event

	mu      sync.Mutex
	clients map[*Client]struct{}

	sendBuf int
}

type HubConfig struct {
	// SendBuf is the per-client outbound queue size. Zero selects 64.
	SendBuf int

	// BroadcastBuf is the hub inbound broadcast queue size. Zero selects 128.
	BroadcastBuf int
}

// NewHub constructs a hub. Call Run(ctx) to start it.
func NewHub(logger *slog.Logger, events chan<- Event, cfg HubConfig) *Hub {
	sendBuf := cfg.SendBuf
	if sendBuf <= 0 {
		sendBuf = 64
	}
	bcastBuf := cfg.BroadcastBuf
	if bcastBuf <= 0 {
		bcastBuf = defaultBroadcastQueue
	}

	return &Hub{
		logger:     logger,
		broadcast:  make(chan []byte, bcastBuf),
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		events:     events,
		clients:    make(map[*Client]struct{}),
		sendBuf:    sendBuf,
	}
}

// Run processes hub events until ctx is canceled.
// It disconnects all clients on shutdown.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Debug("ws hub starting")

	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("ws hub stopping")
			h.closeAllClients()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws client registered", "remote_addr", c.remoteAddr, "clients", n)

		case c := <-h.unregister:
			h.removeClient(c, "unregister")

		case msg := <-h.broadcast:
			var slow []*Client

			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					slow = append(slow, c)
				}
			}
			h.mu.Unlock()

			for _, c := range slow {
				h.removeClient(c, "slow_client")
			}
		}
	}
}

// ClientCount returns the number of registered clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c.conn != nil {
			_ = c.conn.Close()
		}
		safeCloseChan(c.send)
		delete(h.clients, c)
	}
}

func (h *Hub) removeClient(c *Client, reason string) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
	}
	n := len(h.clients)
	h.mu.Unlock()

	if !ok {
		return
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
	// Closing send signals writePump to exit.
	safeCloseChan(c.send)
	h.logger.Info("ws client disconnected", "remote_addr", c.remoteAddr, "reason", reason, "clients", n)
}

func safeCloseChan(ch chan []byte) {
	defer func() {
		_ = recover() // ignore "close of closed channel"
	}()
	close(ch)
}

// BroadcastBytes enqueues a pre-serialized JSON WS frame for broadcast.
// It never blocks; if the hub queue is full it drops the message.
func (h *Hub) BroadcastBytes(msg []byte) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("ws hub broadcast queue full, dropping message", "bytes", len(msg))
	}
}

// ============================================================================
// Client
// ============================================================================

type Client struct {
	hub *Hub

	conn *websocket.Conn
	send chan []byte

	remoteAddr string
	logger     *slog.Logger
}

// NewClient creates a client with a buffered send channel.
func NewClient(hub *Hub, conn *websocket.Conn, remoteAddr string, logger *slog.Logger) *Client {
	sendBuf := 64
	if hub != nil && hub.sendBuf > 0 {
		sendBuf = hub.sendBuf
	}
	return &Client{
		hub:        hub,
		conn:       conn,
		send:       make(chan []byte, sendBuf),
		remoteAddr: remoteAddr,
		logger:     logger,
	}
}

const (
	writeWait  = 5 * time.Second
	pongWait   = 30 * time.Second
	pingPeriod = 20 * time.Second

	// wsMaxInbound bounds one inbound simulator frame.
	wsMaxInbound = 64 * 1024
)

// wsTickCoalesceWindow is the maximum time window during which tick_state
// frames are coalesced (latest-wins) before broadcasting to clients.
const wsTickCoalesceWindow = 50 * time.Millisecond

// closeStatus extracts a human-readable websocket close code / text when possible.
func closeStatus(err error) (code int, text string, ok bool) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text, true
	}
	return 0, "", false
}

func (c *Client) logExit(pump, cause string, err error) {
	if errors.Is(err, websocket.ErrCloseSent) {
		return
	}
	if code, text, ok := closeStatus(err); ok {
		c.logger.Info("ws "+pump+" exiting (close)", "remote_addr", c.remoteAddr, "code", code, "reason", text)
		return
	}
	c.logger.Info("ws "+pump+" exiting ("+cause+")", "remote_addr", c.remoteAddr, "error", err)
}

// writePump writes messages from the send queue to the websocket.
// It exits on write error or when send is closed.
func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Channel closed: hub is disconnecting us.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logExit("writePump", "write error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logExit("writePump", "ping error", err)
				return
			}
		}
	}
}

// readPump reads simulator frames and forwards them to the loop. It exits
// on read error, then unregisters the client.
func (c *Client) readPump(ctx context.Context) {
	c.conn.SetReadLimit(wsMaxInbound)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if ctx.Err() != nil {
			return
		}

		typ, data, err := c.conn.ReadMessage()
		if err != nil {
			c.logExit("readPump", "read error", err)
			if c.hub != nil {
				c.hub.unregister <- c
			}
			return
		}
		// Any frame proves liveness, not just pongs.
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		if typ != websocket.TextMessage {
			continue
		}
		c.forward(data)
	}
}

// forward decodes one inbound frame and queues it to the loop without
// blocking. Bad frames and a full queue are logged and dropped.
func (c *Client) forward(data []byte) {
	if c.hub == nil || c.hub.events == nil {
		return
	}
	ev, err := UnmarshalEvent(data)
	if err != nil {
		c.logger.Debug("ws inbound frame rejected", "remote_addr", c.remoteAddr, "error", err)
		return
	}
	select {
	case c.hub.events <- ev:
	default:
		c.logger.Warn("ws inbound event dropped (queue full)", "remote_addr", c.remoteAddr)
	}
}

// ============================================================================
// HTTP Handler
// ============================================================================

type Server struct {
	logger *slog.Logger

	hub *Hub

	// Required for the initial snapshot request on connect.
	events chan<- Event
}

type ServerConfig struct {
	Hub HubConfig
}

// NewServer constructs the WS state server components. Call Register on a
// mux, start hub.Run(ctx), and start RunBroadcaster.
func NewServer(logger *slog.Logger, events chan<- Event, cfg ServerConfig) *Server {
	return &Server{
		logger: logger,
		hub:    NewHub(logger, events, cfg.Hub),
		events: events,
	}
}

func (s *Server) Hub() *Hub { return s.hub }

// Register registers the WS handler on the provided mux.
func (s *Server) Register(mux *http.ServeMux, path string) {
	if mux == nil {
		return
	}
	mux.HandleFunc(path, s.handleStateWS)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The daemon binds to the local machine; browser dashboards are served
	// from other origins.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleStateWS upgrades and registers a client, then sends state_init.
func (s *Server) handleStateWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "error", err)
		return
	}

	client := NewClient(s.hub, conn, r.RemoteAddr, s.logger)

	// Register client first so broadcasts can reach it.
	s.hub.register <- client

	// The pumps must outlive the handler: net/http cancels r.Context() when
	// it returns. The hub and connection errors end them instead.
	go client.writePump(context.Background())
	go client.readPump(context.Background())

	snap, err := requestSnapshot(r.Context(), s.events, time.Second)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.logger.Warn("ws snapshot request failed", "error", err)
		}
		return
	}

	initMsg, err := wsOutboundEvent{Type: "state_init", Data: snap, At: snap.At}.marshal()
	if err != nil {
		s.logger.Warn("ws state_init marshal failed", "error", err)
		return
	}
	select {
	case client.send <- initMsg:
	default:
		s.hub.unregister <- client
	}
}

// requestSnapshot asks the loop for a StateSnapshot and waits up to timeout.
func requestSnapshot(ctx context.Context, events chan<- Event, timeout time.Duration) (StateSnapshot, error) {
	if events == nil {
		return StateSnapshot{}, errors.New("no event loop")
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reply := make(chan StateSnapshot, 1)
	select {
	case <-ctx.Done():
		return StateSnapshot{}, ctx.Err()
	case events <- RequestStateSnapshot{Reply: reply}:
	}

	select {
	case <-ctx.Done():
		return StateSnapshot{}, ctx.Err()
	case snap := <-reply:
		return snap, nil
	}
}

// ============================================================================
// Broadcaster
// ============================================================================

// coalescer holds the latest pending tick_state and flushes it at most once
// per window, even while updates keep arriving (no debounce-on-silence).
type coalescer struct {
	window  time.Duration
	pending *wsOutboundEvent
	timer   *time.Timer
}

// C returns the flush channel, or nil when no timer is running.
func (c *coalescer) C() <-chan time.Time {
	if c.timer == nil {
		return nil
	}
	return c.timer.C
}

func (c *coalescer) put(ev wsOutboundEvent) {
	c.pending = &ev
	if c.timer == nil {
		c.timer = time.NewTimer(c.window)
	}
}

// take returns the pending event, if any, and stops the timer. The next
// put starts a fresh window.
func (c *coalescer) take() (wsOutboundEvent, bool) {
	p := c.pending
	c.pending = nil
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if p == nil {
		return wsOutboundEvent{}, false
	}
	return *p, true
}

// RunBroadcaster reads loop-emitted StateBroadcast values, marshals them, and
// broadcasts them to all hub clients. Intended to run as a single goroutine.
func RunBroadcaster(ctx context.Context, hub *Hub, src <-chan StateBroadcast, logger *slog.Logger) {
	if hub == nil || src == nil {
		return
	}

	tick := &coalescer{window: wsTickCoalesceWindow}

	emit := func(ev wsOutboundEvent) {
		msg, err := ev.marshal()
		if err != nil {
			logger.Warn("ws broadcaster marshal failed", "error", err, "type", ev.Type)
			return
		}
		hub.BroadcastBytes(msg)
	}
	flush := func() {
		if ev, ok := tick.take(); ok {
			emit(ev)
		}
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return

		case <-tick.C():
			flush()

		case b, ok := <-src:
			if !ok {
				flush()
				logger.Info("ws broadcaster stopping (source ended)")
				return
			}

			ev, ok := convertBroadcast(b)
			if !ok {
				continue
			}
			if ev.Type == "tick_state" {
				tick.put(ev)
				continue
			}

			// Discrete events flush the pending tick first so clients see
			// the state that led to them.
			flush()
			emit(ev)
		}
	}
}

func convertBroadcast(b StateBroadcast) (wsOutboundEvent, bool) {
	switch ev := b.(type) {
	case BroadcastTick:
		return wsOutboundEvent{
			Type: "tick_state",
			Data: wsTickData{Inputs: ev.Inputs, Gear: ev.Gear},
			At:   ev.At,
		}, true

	case BroadcastVehicleInput:
		return wsOutboundEvent{Type: "vehicle_input", Data: ev.Input, At: ev.At}, true

	case BroadcastShift:
		return wsOutboundEvent{
			Type: "shift",
			Data: wsShiftData{Outcome: ev.Outcome, Stalled: ev.Stalled, Gear: ev.Gear},
			At:   ev.At,
		}, true

	case BroadcastWarning:
		cue := "stop"
		if ev.Transition == wheel.WarningStarted {
			cue = "start"
		}
		return wsOutboundEvent{
			Type: "warning",
			Data: wsWarningData{Cue: cue, State: ev.State},
			At:   ev.At,
		}, true

	case BroadcastDevice:
		return wsOutboundEvent{
			Type: "device",
			Data: wsDeviceData{Available: ev.Available, Error: ev.Error},
			At:   ev.At,
		}, true

	default:
		return wsOutboundEvent{}, false
	}
}
