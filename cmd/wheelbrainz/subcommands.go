package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"wheelbrainz/internal/journal"
	"wheelbrainz/internal/wheel"
)

// ============================================================================
// send - push one simulator event to a running daemon over IPC
// ============================================================================

func printSendUsage() {
	fmt.Printf("wheelbrainz send v%s\n", version)
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  wheelbrainz send [OPTIONS] telemetry")
	fmt.Println("  wheelbrainz send [OPTIONS] impact")
	fmt.Println()
	fmt.Println("OPTIONS:")
	fmt.Println("  -ipc-socket string   daemon socket (default \"" + defaultIPCSocket + "\")")
	fmt.Println("  -speed float         telemetry: speed in km/h")
	fmt.Println("  -lateral-g float     telemetry: lateral acceleration in g")
	fmt.Println("  -longitudinal-g float")
	fmt.Println("                       telemetry: longitudinal acceleration in g")
	fmt.Println("  -vertical-g float    telemetry: vertical acceleration in g")
	fmt.Println("  -gear int            telemetry: gear reported by the simulator")
	fmt.Println("  -engine string       telemetry: on|off (omit to leave unchanged)")
	fmt.Println("  -velocity float      impact: impact velocity in m/s")
	fmt.Println()
}

func runSendSubcommand(args []string) int {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	fs.Usage = printSendUsage
	var (
		socket   = fs.String("ipc-socket", defaultIPCSocket, "Unix domain socket path for IPC")
		speed    = fs.Float64("speed", 0, "speed in km/h")
		latG     = fs.Float64("lateral-g", 0, "lateral acceleration in g")
		longG    = fs.Float64("longitudinal-g", 0, "longitudinal acceleration in g")
		vertG    = fs.Float64("vertical-g", 0, "vertical acceleration in g")
		gear     = fs.Int("gear", 0, "gear reported by the simulator")
		engine   = fs.String("engine", "", "on|off")
		velocity = fs.Float64("velocity", 0, "impact velocity in m/s")
	)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	ev, err := buildSendEvent(fs.Args(), wheel.Telemetry{
		SpeedKph:      *speed,
		LateralG:      *latG,
		LongitudinalG: *longG,
		VerticalG:     *vertG,
		EngagedGear:   *gear,
	}, *engine, *velocity)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		printSendUsage()
		return 2
	}

	if err := SendIPCEvent(*socket, ev); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	return 0
}

func buildSendEvent(positional []string, tel wheel.Telemetry, engine string, velocity float64) (Event, error) {
	if len(positional) != 1 {
		return nil, fmt.Errorf("expected exactly one event kind, got %d", len(positional))
	}
	switch positional[0] {
	case "telemetry":
		ev := TelemetryUpdate{Telemetry: tel}
		switch engine {
		case "":
		case "on":
			ev.EngineRunning = ptr(true)
		case "off":
			ev.EngineRunning = ptr(false)
		default:
			return nil, fmt.Errorf("-engine must be on or off, got %q", engine)
		}
		return ev, nil
	case "impact":
		if velocity < 0 {
			return nil, fmt.Errorf("-velocity must be >= 0")
		}
		return ImpactReported{Velocity: velocity}, nil
	default:
		return nil, fmt.Errorf("unknown event kind %q", positional[0])
	}
}

func ptr[T any](v T) *T { return &v }

// ============================================================================
// incidents - read the SQLite journal
// ============================================================================

func printIncidentsUsage() {
	fmt.Printf("wheelbrainz incidents v%s\n", version)
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  wheelbrainz incidents [OPTIONS]")
	fmt.Println()
	fmt.Println("OPTIONS:")
	fmt.Println("  -journal-path string  SQLite journal (default \"" + defaultJournalPath + "\")")
	fmt.Println("  -session string       only this session (default: all sessions)")
	fmt.Println("  -limit int            newest N incidents (default 50)")
	fmt.Println("  -json                 print JSON instead of a table")
	fmt.Println()
}

func runIncidentsSubcommand(args []string) int {
	fs := flag.NewFlagSet("incidents", flag.ContinueOnError)
	fs.Usage = printIncidentsUsage
	var (
		path    = fs.String("journal-path", defaultJournalPath, "SQLite journal path")
		session = fs.String("session", "", "session id")
		limit   = fs.Int("limit", 50, "newest N incidents")
		asJSON  = fs.Bool("json", false, "print JSON")
	)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := journal.Open(ctx, ExpandPath(*path))
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	defer store.Close()

	incidents, err := store.ListIncidents(ctx, *session, *limit)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(incidents); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			return 1
		}
		return 0
	}

	writeIncidentTable(os.Stdout, incidents)

	if *session != "" {
		counts, err := store.CountIncidents(ctx, *session)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			return 1
		}
		writeIncidentCounts(os.Stdout, counts)
	}
	return 0
}

func writeIncidentTable(w io.Writer, incidents []journal.Incident) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "AT\tKIND\tFROM\tTO\tREASON\tMAGNITUDE\tDETAIL")
	for _, inc := range incidents {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			inc.At.Local().Format("2006-01-02 15:04:05.000"),
			inc.Kind,
			gearText(inc.FromGear),
			gearText(inc.ToGear),
			dash(inc.Reason),
			magnitudeText(inc.Magnitude),
			dash(inc.Detail))
	}
	_ = tw.Flush()
}

func writeIncidentCounts(w io.Writer, counts map[journal.Kind]int) {
	kinds := make([]string, 0, len(counts))
	for k := range counts {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	fmt.Fprintln(w)
	for _, k := range kinds {
		fmt.Fprintf(w, "%-20s %d\n", k, counts[journal.Kind(k)])
	}
}

func gearText(g *int) string {
	switch {
	case g == nil:
		return "-"
	case *g == 0:
		return "N"
	case *g < 0:
		return "R"
	default:
		return fmt.Sprint(*g)
	}
}

func magnitudeText(m int) string {
	if m == 0 {
		return "-"
	}
	return fmt.Sprint(m)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
