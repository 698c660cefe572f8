//go:build linux

package main

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"wheelbrainz/internal/wheel"
)

var errDeviceClosed = errors.New("device not open")

// evdevDevice is a wheel.Device backed by a Linux evdev node.
//
// The fd is non-blocking: Poll drains whatever the kernel has queued and
// returns the accumulated state. When the node disappears (USB unplug) the
// fd is closed and Poll retries the open at most once per reopen interval.
type evdevDevice struct {
	path        string
	reopenEvery time.Duration
	gain        int
	logger      *slog.Logger
	now         func() time.Time

	fd       int
	lastOpen time.Time
	resync   bool

	axisByCode map[uint16]wheel.PhysicalAxis
	ranges     map[uint16]absInfo
	keys       map[uint16]int
	ffTypes    map[wheel.EffectKind]bool

	snap wheel.DeviceSnapshot
	buf  []byte

	effects map[wheel.EffectKind]int16
	playing map[wheel.EffectKind]bool
}

func newEvdevDevice(cfg DeviceConfig, logger *slog.Logger) wheel.Device {
	reopen := time.Duration(cfg.ReopenIntervalMS) * time.Millisecond
	if reopen <= 0 {
		reopen = defaultReopenInterval
	}
	return &evdevDevice{
		path:        ExpandPath(cfg.Path),
		reopenEvery: reopen,
		gain:        cfg.Gain,
		logger:      logger,
		now:         time.Now,
		fd:          -1,
		buf:         make([]byte, inputEventSize*64),
	}
}

func (d *evdevDevice) Initialize() error {
	if err := d.open(); err != nil {
		return &wheel.DeviceError{Op: "init", Err: err}
	}
	return nil
}

func (d *evdevDevice) open() error {
	d.lastOpen = d.now()

	fd, err := unix.Open(d.path, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", d.path, err)
	}

	keyMask := make([]byte, KEY_MAX/8+1)
	if err := ioctlPtr(fd, eviocgbit(EV_KEY, len(keyMask)), unsafe.Pointer(&keyMask[0])); err != nil {
		unix.Close(fd)
		return fmt.Errorf("EVIOCGBIT(EV_KEY): %w", err)
	}
	absMask := make([]byte, ABS_MAX/8+1)
	if err := ioctlPtr(fd, eviocgbit(EV_ABS, len(absMask)), unsafe.Pointer(&absMask[0])); err != nil {
		unix.Close(fd)
		return fmt.Errorf("EVIOCGBIT(EV_ABS): %w", err)
	}
	ffMask := make([]byte, 0x7f/8+1)
	if err := ioctlPtr(fd, eviocgbit(EV_FF, len(ffMask)), unsafe.Pointer(&ffMask[0])); err != nil {
		// No FF support at all; the wheel still works as an input device.
		clear(ffMask)
	}
	var ffSlots int32
	if err := ioctlPtr(fd, eviocgeffects(), unsafe.Pointer(&ffSlots)); err != nil {
		ffSlots = 0
	}

	d.fd = fd
	d.keys = buttonIndexes(keyMask)
	d.axisByCode = make(map[uint16]wheel.PhysicalAxis)
	d.ranges = make(map[uint16]absInfo)
	for axis, code := range physicalAxisCodes {
		if !testBit(absMask, int(code)) {
			continue
		}
		d.axisByCode[code] = axis
	}
	d.ffTypes = make(map[wheel.EffectKind]bool)
	for _, kind := range wheel.EffectKinds {
		typ, _ := effectType(kind)
		d.ffTypes[kind] = testBit(ffMask, int(typ))
	}
	d.effects = make(map[wheel.EffectKind]int16)
	d.playing = make(map[wheel.EffectKind]bool)
	d.snap = wheel.DeviceSnapshot{}

	if err := d.readState(); err != nil {
		d.close()
		return err
	}

	if d.ffTypes[wheel.KindConstant] || d.ffTypes[wheel.KindSpring] {
		if err := d.writeEvent(EV_FF, FF_GAIN, int32(clampPct(d.gain)*0xffff/100)); err != nil {
			d.logger.Warn("Failed to set FF gain", "error", err)
		}
	}

	d.logger.Info("Wheel device opened",
		"path", d.path,
		"axes", len(d.axisByCode),
		"buttons", len(d.keys),
		"ff", d.ffTypes,
		"ff_slots", ffSlots)
	return nil
}

// readState refreshes the snapshot from the kernel's current key and
// absolute-axis state. Used after open and after SYN_DROPPED.
func (d *evdevDevice) readState() error {
	keyState := make([]byte, KEY_MAX/8+1)
	if err := ioctlPtr(d.fd, eviocgkey(len(keyState)), unsafe.Pointer(&keyState[0])); err != nil {
		return fmt.Errorf("EVIOCGKEY: %w", err)
	}
	for code, idx := range d.keys {
		d.snap = d.snap.WithButton(idx, testBit(keyState, int(code)))
	}

	var raw [absInfoSize]byte
	for code, axis := range d.axisByCode {
		if err := ioctlPtr(d.fd, eviocgabs(code), unsafe.Pointer(&raw[0])); err != nil {
			return fmt.Errorf("EVIOCGABS(%d): %w", code, err)
		}
		info := decodeAbsInfo(raw[:])
		d.ranges[code] = info
		d.snap = d.snap.WithAxis(axis, scaleAxis(info.Value, info.Minimum, info.Maximum))
	}
	return nil
}

func (d *evdevDevice) Poll() (wheel.DeviceSnapshot, error) {
	if d.fd < 0 {
		if d.now().Sub(d.lastOpen) < d.reopenEvery {
			return d.snap, &wheel.DeviceError{Op: "poll", Err: errDeviceClosed}
		}
		if err := d.open(); err != nil {
			return d.snap, &wheel.DeviceError{Op: "poll", Err: err}
		}
	}

	for {
		n, err := unix.Read(d.fd, d.buf)
		if errors.Is(err, unix.EAGAIN) {
			break
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err == nil && n == 0 {
			err = io.EOF
		}
		if err != nil {
			d.close()
			return d.snap, &wheel.DeviceError{Op: "poll", Err: err}
		}
		for off := 0; off+inputEventSize <= n; off += inputEventSize {
			d.apply(decodeInputEvent(d.buf[off : off+inputEventSize]))
		}
	}

	if d.resync {
		d.resync = false
		if err := d.readState(); err != nil {
			d.close()
			return d.snap, &wheel.DeviceError{Op: "poll", Err: err}
		}
	}
	return d.snap, nil
}

func (d *evdevDevice) apply(ev inputEvent) {
	switch ev.Type {
	case EV_SYN:
		if ev.Code == SYN_DROPPED {
			d.resync = true
		}
	case EV_KEY:
		if idx, ok := d.keys[ev.Code]; ok {
			d.snap = d.snap.WithButton(idx, ev.Value != evValueRelease)
		}
	case EV_ABS:
		axis, ok := d.axisByCode[ev.Code]
		if !ok {
			return
		}
		r := d.ranges[ev.Code]
		d.snap = d.snap.WithAxis(axis, scaleAxis(ev.Value, r.Minimum, r.Maximum))
	}
}

// SendEffect uploads (or updates) the effect for cmd.Kind and starts it.
// Spring, damper and surface keep one playing slot each and are updated in
// place; constant force is restarted on every command so each impulse plays.
func (d *evdevDevice) SendEffect(cmd wheel.EffectCommand) error {
	if d.fd < 0 {
		return &wheel.DeviceError{Op: "send", Err: errDeviceClosed}
	}
	if !d.ffTypes[cmd.Kind] {
		return nil
	}

	if cmd.Stop {
		id, ok := d.effects[cmd.Kind]
		if !ok || !d.playing[cmd.Kind] {
			return nil
		}
		if err := d.writeEvent(EV_FF, uint16(id), 0); err != nil {
			return d.fail("send", err)
		}
		d.playing[cmd.Kind] = false
		return nil
	}

	id, ok := d.effects[cmd.Kind]
	if !ok {
		id = -1
	}
	raw, err := encodeEffect(cmd, id)
	if err != nil {
		return err
	}
	if err := ioctlPtr(d.fd, eviocsff(), unsafe.Pointer(&raw[0])); err != nil {
		return d.fail("send", fmt.Errorf("EVIOCSFF %s: %w", cmd.Kind, err))
	}
	id = int16(binary.NativeEndian.Uint16(raw[2:4]))
	d.effects[cmd.Kind] = id

	if cmd.Kind == wheel.KindConstant || !d.playing[cmd.Kind] {
		if err := d.writeEvent(EV_FF, uint16(id), 1); err != nil {
			return d.fail("send", err)
		}
		d.playing[cmd.Kind] = true
	}
	return nil
}

// Shutdown stops and removes every uploaded effect and closes the node.
func (d *evdevDevice) Shutdown() error {
	if d.fd < 0 {
		return nil
	}
	var errs []error
	for kind, id := range d.effects {
		if d.playing[kind] {
			if err := d.writeEvent(EV_FF, uint16(id), 0); err != nil {
				errs = append(errs, err)
			}
		}
		if err := unix.IoctlSetInt(d.fd, uint(eviocrmff()), int(id)); err != nil {
			errs = append(errs, fmt.Errorf("EVIOCRMFF %s: %w", kind, err))
		}
	}
	d.close()
	return errors.Join(errs...)
}

// fail closes the node when the kernel says it is gone, and wraps err.
func (d *evdevDevice) fail(op string, err error) error {
	if errors.Is(err, unix.ENODEV) || errors.Is(err, unix.EIO) {
		d.close()
	}
	return &wheel.DeviceError{Op: op, Err: err}
}

func (d *evdevDevice) close() {
	if d.fd < 0 {
		return
	}
	_ = unix.Close(d.fd)
	d.fd = -1
	clear(d.effects)
	clear(d.playing)
	d.logger.Warn("Wheel device closed", "path", d.path)
}

func (d *evdevDevice) writeEvent(typ, code uint16, value int32) error {
	b := encodeInputEvent(inputEvent{Type: typ, Code: code, Value: value})
	_, err := unix.Write(d.fd, b[:])
	return err
}

func ioctlPtr(fd int, req uintptr, p unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(p))
	if errno != 0 {
		return errno
	}
	return nil
}
