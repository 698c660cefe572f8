package main

import (
	"encoding/binary"
	"fmt"

	"wheelbrainz/internal/wheel"
)

// ============================================================================
// evdev wire encoding
// ============================================================================
// Pure encoding helpers for the Linux input/force-feedback ABI. They do not
// touch file descriptors so they build and test on every platform; the
// ioctl plumbing lives in evdev_linux.go.
//
// Layouts assume a 64-bit kernel ABI (struct ff_effect is 48 bytes, its
// union starts at offset 16 because ff_periodic_effect carries a pointer).
// ============================================================================

const (
	inputEventSize = 24 // struct input_event: timeval(16) + type(2) + code(2) + value(4)
	absInfoSize    = 24 // struct input_absinfo: 6 x s32
	ffEffectSize   = 48 // struct ff_effect

	ffUnionOffset = 16
	ffDirection   = 0x4000
)

const (
	iocWrite = 1
	iocRead  = 2
)

func ioc(dir, typ, nr, size uintptr) uintptr {
	return dir<<30 | size<<16 | typ<<8 | nr
}

func eviocgabs(abs uint16) uintptr   { return ioc(iocRead, 'E', 0x40+uintptr(abs), absInfoSize) }
func eviocgbit(ev, size int) uintptr { return ioc(iocRead, 'E', 0x20+uintptr(ev), uintptr(size)) }
func eviocgkey(size int) uintptr     { return ioc(iocRead, 'E', 0x18, uintptr(size)) }
func eviocsff() uintptr              { return ioc(iocWrite, 'E', 0x80, ffEffectSize) }
func eviocrmff() uintptr             { return ioc(iocWrite, 'E', 0x81, 4) }
func eviocgeffects() uintptr         { return ioc(iocRead, 'E', 0x84, 4) }

// inputEvent is a decoded struct input_event.
type inputEvent struct {
	Sec   int64
	Usec  int64
	Type  uint16
	Code  uint16
	Value int32
}

func decodeInputEvent(b []byte) inputEvent {
	return inputEvent{
		Sec:   int64(binary.NativeEndian.Uint64(b[0:8])),
		Usec:  int64(binary.NativeEndian.Uint64(b[8:16])),
		Type:  binary.NativeEndian.Uint16(b[16:18]),
		Code:  binary.NativeEndian.Uint16(b[18:20]),
		Value: int32(binary.NativeEndian.Uint32(b[20:24])),
	}
}

func encodeInputEvent(ev inputEvent) [inputEventSize]byte {
	var b [inputEventSize]byte
	binary.NativeEndian.PutUint64(b[0:8], uint64(ev.Sec))
	binary.NativeEndian.PutUint64(b[8:16], uint64(ev.Usec))
	binary.NativeEndian.PutUint16(b[16:18], ev.Type)
	binary.NativeEndian.PutUint16(b[18:20], ev.Code)
	binary.NativeEndian.PutUint32(b[20:24], uint32(ev.Value))
	return b
}

// absInfo is a decoded struct input_absinfo.
type absInfo struct {
	Value, Minimum, Maximum, Fuzz, Flat, Resolution int32
}

func decodeAbsInfo(b []byte) absInfo {
	v := func(i int) int32 { return int32(binary.NativeEndian.Uint32(b[i*4 : i*4+4])) }
	return absInfo{Value: v(0), Minimum: v(1), Maximum: v(2), Fuzz: v(3), Flat: v(4), Resolution: v(5)}
}

// scaleAxis maps a raw reading in [min, max] onto the signed 16-bit range
// [-32767, 32767] the control loop expects.
func scaleAxis(v, min, max int32) int16 {
	if max <= min {
		return 0
	}
	if v < min {
		v = min
	}
	if v > max {
		v = max
	}
	span := int64(max) - int64(min)
	out := (int64(v)-int64(min))*65534/span - 32767
	return int16(out)
}

// physicalAxisCodes maps each wheel.PhysicalAxis to its ABS_* code.
var physicalAxisCodes = map[wheel.PhysicalAxis]uint16{
	wheel.AxisX:       ABS_X,
	wheel.AxisY:       ABS_Y,
	wheel.AxisZ:       ABS_Z,
	wheel.AxisRx:      ABS_RX,
	wheel.AxisRy:      ABS_RY,
	wheel.AxisRz:      ABS_RZ,
	wheel.AxisSlider0: ABS_THROTTLE,
	wheel.AxisSlider1: ABS_RUDDER,
}

// testBit reports whether bit n is set in a kernel bitmask.
func testBit(mask []byte, n int) bool {
	if n/8 >= len(mask) {
		return false
	}
	return mask[n/8]&(1<<(uint(n)%8)) != 0
}

// buttonIndexes assigns button indexes to supported key codes in ascending
// code order, capped at wheel.MaxButtons.
func buttonIndexes(keyMask []byte) map[uint16]int {
	out := make(map[uint16]int)
	for code := 0; code <= KEY_MAX && len(out) < wheel.MaxButtons; code++ {
		if testBit(keyMask, code) {
			out[uint16(code)] = len(out)
		}
	}
	return out
}

func effectType(kind wheel.EffectKind) (uint16, error) {
	switch kind {
	case wheel.KindConstant:
		return FF_CONSTANT, nil
	case wheel.KindSpring:
		return FF_SPRING, nil
	case wheel.KindDamper:
		return FF_DAMPER, nil
	case wheel.KindSurface:
		return FF_PERIODIC, nil
	default:
		return 0, fmt.Errorf("unknown effect kind %q", kind)
	}
}

func waveformCode(w wheel.Waveform) uint16 {
	switch w {
	case wheel.WaveSquare:
		return FF_SQUARE
	case wheel.WaveTriangle:
		return FF_TRIANGLE
	case wheel.WaveSawUp:
		return FF_SAW_UP
	case wheel.WaveSawDown:
		return FF_SAW_DOWN
	default:
		return FF_SINE
	}
}

func pctToS16(p int) int16  { return int16(clampPct(p) * 0x7fff / 100) }
func pctToU16(p int) uint16 { return uint16(clampPct(p) * 0xffff / 100) }

func clampPct(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// encodeEffect builds a struct ff_effect for upload. id is -1 for a new
// effect or the kernel-assigned id when updating a playing one.
func encodeEffect(cmd wheel.EffectCommand, id int16) ([ffEffectSize]byte, error) {
	var b [ffEffectSize]byte
	if cmd.Stop {
		return b, fmt.Errorf("stop commands are not uploaded")
	}
	typ, err := effectType(cmd.Kind)
	if err != nil {
		return b, err
	}
	ne := binary.NativeEndian
	ne.PutUint16(b[0:2], typ)
	ne.PutUint16(b[2:4], uint16(id))
	ne.PutUint16(b[4:6], ffDirection)
	// trigger and replay stay zero: no trigger button, infinite length, no delay.

	u := b[ffUnionOffset:]
	switch cmd.Kind {
	case wheel.KindConstant:
		ne.PutUint16(u[0:2], uint16(pctToS16(cmd.Magnitude)))

	case wheel.KindSpring, wheel.KindDamper:
		sat := uint16(0xffff)
		if cmd.Kind == wheel.KindSpring {
			sat = pctToU16(cmd.Saturation)
		}
		coef := pctToS16(cmd.Coefficient)
		for i := 0; i < 2; i++ {
			c := u[i*12:]
			ne.PutUint16(c[0:2], sat)          // right_saturation
			ne.PutUint16(c[2:4], sat)          // left_saturation
			ne.PutUint16(c[4:6], uint16(coef)) // right_coeff
			ne.PutUint16(c[6:8], uint16(coef)) // left_coeff
		}

	case wheel.KindSurface:
		period := 0
		if cmd.Frequency > 0 {
			period = 1000 / cmd.Frequency
		}
		if period < 1 {
			period = 1
		}
		ne.PutUint16(u[0:2], waveformCode(cmd.Waveform))
		ne.PutUint16(u[2:4], uint16(period))
		ne.PutUint16(u[4:6], uint16(pctToS16(cmd.Magnitude)))
	}
	return b, nil
}
