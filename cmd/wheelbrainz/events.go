package main

import (
	"encoding/json"
	"fmt"

	"wheelbrainz/internal/wheel"
)

// ============================================================================
// Events - inputs from the simulator side
// ============================================================================
// Events arrive over IPC or the websocket and are queued to the daemon loop.
// The loop is the only goroutine that applies them, so none of these types
// need locking.
// ============================================================================

// Event is a marker interface for everything the daemon loop accepts from
// outside the device.
type Event interface {
	eventMarker()
}

// TelemetryUpdate replaces the latest vehicle telemetry sample.
type TelemetryUpdate struct {
	wheel.Telemetry

	// EngineRunning lets the simulator report engine state it owns.
	// Omitted means "unchanged".
	EngineRunning *bool `json:"engine_running,omitempty"`
}

func (TelemetryUpdate) eventMarker() {}

// ImpactReported queues one external impact (m/s) for the next tick.
type ImpactReported struct {
	Velocity float64 `json:"velocity"`
}

func (ImpactReported) eventMarker() {}

// RequestStateSnapshot asks the daemon loop for a consistent snapshot.
// Reply must be buffered (size 1); the loop never blocks on it.
type RequestStateSnapshot struct {
	Reply chan StateSnapshot
}

func (RequestStateSnapshot) eventMarker() {}

// ============================================================================
// JSON Encoding/Decoding Support
// ============================================================================

// EventEnvelope wraps an event with a type discriminator for JSON marshaling
type EventEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// UnmarshalEvent deserializes a JSON event envelope into a concrete Event
func UnmarshalEvent(data []byte) (Event, error) {
	var env EventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}

	switch env.Type {
	case "telemetry":
		var e TelemetryUpdate
		if err := json.Unmarshal(env.Data, &e); err != nil {
			return nil, fmt.Errorf("unmarshal TelemetryUpdate: %w", err)
		}
		return e, nil

	case "impact":
		var e ImpactReported
		if err := json.Unmarshal(env.Data, &e); err != nil {
			return nil, fmt.Errorf("unmarshal ImpactReported: %w", err)
		}
		if e.Velocity < 0 {
			return nil, fmt.Errorf("impact velocity must be >= 0, got %v", e.Velocity)
		}
		return e, nil

	default:
		return nil, fmt.Errorf("unknown event type: %q", env.Type)
	}
}

// MarshalEvent serializes an Event into a JSON envelope with type discriminator
func MarshalEvent(e Event) ([]byte, error) {
	var env EventEnvelope

	switch e := e.(type) {
	case TelemetryUpdate:
		env.Type = "telemetry"
		data, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("marshal TelemetryUpdate: %w", err)
		}
		env.Data = data

	case ImpactReported:
		env.Type = "impact"
		data, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("marshal ImpactReported: %w", err)
		}
		env.Data = data

	default:
		return nil, fmt.Errorf("unsupported event type: %T", e)
	}

	return json.Marshal(env)
}
