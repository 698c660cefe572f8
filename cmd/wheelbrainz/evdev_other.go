//go:build !linux

package main

import (
	"errors"
	"log/slog"

	"wheelbrainz/internal/wheel"
)

var errNoEvdev = errors.New("evdev wheels are only supported on linux")

// unsupportedDevice reports itself unavailable so the loop still runs
// (neutral inputs, no effects) and the HTTP/IPC surfaces stay testable.
type unsupportedDevice struct{}

func newEvdevDevice(cfg DeviceConfig, logger *slog.Logger) wheel.Device {
	logger.Warn("No wheel backend for this platform", "path", cfg.Path)
	return unsupportedDevice{}
}

func (unsupportedDevice) Initialize() error {
	return &wheel.DeviceError{Op: "init", Err: errNoEvdev}
}

func (unsupportedDevice) Poll() (wheel.DeviceSnapshot, error) {
	return wheel.DeviceSnapshot{}, &wheel.DeviceError{Op: "poll", Err: errNoEvdev}
}

func (unsupportedDevice) SendEffect(wheel.EffectCommand) error {
	return &wheel.DeviceError{Op: "send", Err: errNoEvdev}
}

func (unsupportedDevice) Shutdown() error { return nil }
