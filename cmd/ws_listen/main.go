package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
)

// ============================================================================
// ws_listen - watch a wheelbrainz state websocket
// ============================================================================
// Prints shift, warning and device frames as they arrive. With -sim-speed it
// also acts as a bench simulator, streaming a constant telemetry frame so
// the spring/damper effects can be felt without a game running.
// ============================================================================

type frame struct {
	Type string          `json:"type"`
	Ts   *time.Time      `json:"ts"`
	Data json.RawMessage `json:"data"`
}

func main() {
	var (
		wsURL     = flag.String("ws", "ws://127.0.0.1:3002/ws", "wheelbrainz websocket URL")
		showTicks = flag.Bool("ticks", false, "Also print coalesced tick_state frames")
		showInput = flag.Bool("inputs", false, "Also print vehicle_input frames")
		simSpeed  = flag.Float64("sim-speed", -1, "Stream telemetry at this speed (km/h); negative disables")
		simEvery  = flag.Int("sim-interval", 50, "Telemetry interval in milliseconds")
	)
	flag.Parse()

	u, err := url.Parse(*wsURL)
	if err != nil {
		log.Fatalf("invalid websocket URL: %v", err)
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	d := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	log.Printf("connecting to %s...", u.String())
	conn, _, err := d.Dial(u.String(), nil)
	if err != nil {
		log.Fatalf("failed to connect: %v", err)
	}
	defer conn.Close()
	log.Printf("connected! (press Ctrl+C to exit)")

	// Mutex to protect concurrent writes to websocket
	var writeMu sync.Mutex

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})

	if *simSpeed >= 0 {
		go streamTelemetry(conn, &writeMu, *simSpeed, time.Duration(*simEvery)*time.Millisecond)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			messageType, message, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Printf("websocket error: %v", err)
				}
				return
			}
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			if messageType == websocket.TextMessage {
				handleFrame(message, *showTicks, *showInput)
			}
		}
	}()

	select {
	case <-sigc:
		log.Printf("shutting down...")
		writeMu.Lock()
		err := conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		writeMu.Unlock()
		if err != nil {
			log.Printf("error closing connection: %v", err)
		}
		select {
		case <-done:
		case <-time.After(time.Second):
		}
	case <-done:
		log.Printf("connection closed")
	}
}

func handleFrame(message []byte, showTicks, showInput bool) {
	var f frame
	if err := json.Unmarshal(message, &f); err != nil {
		fmt.Printf("[TEXT] %s\n", string(message))
		return
	}

	ts := "--:--:--.---"
	if f.Ts != nil {
		ts = f.Ts.Local().Format("15:04:05.000")
	}

	switch f.Type {
	case "state_init":
		var pretty any
		_ = json.Unmarshal(f.Data, &pretty)
		out, _ := json.MarshalIndent(pretty, "", "  ")
		fmt.Printf("%s [INIT]\n%s\n", ts, out)

	case "shift":
		var d struct {
			Outcome struct {
				Kind   string `json:"kind"`
				Gear   int    `json:"gear"`
				From   int    `json:"from"`
				To     int    `json:"to"`
				Reason string `json:"reason"`
			} `json:"outcome"`
			Stalled bool `json:"stalled"`
		}
		if json.Unmarshal(f.Data, &d) != nil {
			return
		}
		switch d.Outcome.Kind {
		case "admitted":
			fmt.Printf("%s [SHIFT] gear %d\n", ts, d.Outcome.Gear)
		case "rejected":
			fmt.Printf("%s [SHIFT] rejected %d -> %d (%s)\n", ts, d.Outcome.From, d.Outcome.To, d.Outcome.Reason)
		}
		if d.Stalled {
			fmt.Printf("%s [STALL]\n", ts)
		}

	case "warning":
		var d struct {
			Cue   string `json:"cue"`
			State struct {
				Reason string `json:"reason"`
			} `json:"state"`
		}
		if json.Unmarshal(f.Data, &d) == nil {
			fmt.Printf("%s [WARNING] %s %s\n", ts, d.Cue, d.State.Reason)
		}

	case "device":
		var d struct {
			Available bool   `json:"available"`
			Error     string `json:"error"`
		}
		if json.Unmarshal(f.Data, &d) == nil {
			if d.Available {
				fmt.Printf("%s [DEVICE] available\n", ts)
			} else {
				fmt.Printf("%s [DEVICE] unavailable: %s\n", ts, d.Error)
			}
		}

	case "tick_state":
		if showTicks {
			fmt.Printf("%s [TICK] %s\n", ts, string(f.Data))
		}

	case "vehicle_input":
		if showInput {
			fmt.Printf("%s [INPUT] %s\n", ts, string(f.Data))
		}

	default:
		fmt.Printf("%s [%s] %s\n", ts, f.Type, string(f.Data))
	}
}

// streamTelemetry sends a constant telemetry frame every interval until a
// write fails.
func streamTelemetry(conn *websocket.Conn, writeMu *sync.Mutex, speed float64, every time.Duration) {
	payload, err := json.Marshal(map[string]any{
		"type": "telemetry",
		"data": map[string]any{"speed_kph": speed, "vertical_g": 1.0},
	})
	if err != nil {
		log.Printf("error marshaling telemetry: %v", err)
		return
	}

	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for range ticker.C {
		writeMu.Lock()
		err := conn.WriteMessage(websocket.TextMessage, payload)
		writeMu.Unlock()
		if err != nil {
			log.Printf("telemetry stream stopped: %v", err)
			return
		}
	}
}
