package wheel

import (
	"errors"
	"fmt"
)

// ErrDeviceUnavailable is matched by every device failure, including a clean disconnect.
var ErrDeviceUnavailable = errors.New("device unavailable")

// DeviceError wraps a failed device operation ("poll", "send", "init").
type DeviceError struct {
	Op  string
	Err error
}

func (e *DeviceError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("device %s: %v", e.Op, ErrDeviceUnavailable)
	}
	return fmt.Sprintf("device %s: %v", e.Op, e.Err)
}

func (e *DeviceError) Unwrap() []error { return []error{ErrDeviceUnavailable, e.Err} }

// ConfigurationError reports an invalid construction-time setting.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid config %s: %s", e.Field, e.Reason)
}
