package main

import "time"

// Linux input event types and codes (from <linux/input-event-codes.h>)
const (
	EV_SYN = 0x00
	EV_KEY = 0x01
	EV_ABS = 0x03
	EV_FF  = 0x15
	EV_MAX = 0x1f

	SYN_DROPPED = 3

	KEY_MAX = 0x2ff

	ABS_X        = 0x00
	ABS_Y        = 0x01
	ABS_Z        = 0x02
	ABS_RX       = 0x03
	ABS_RY       = 0x04
	ABS_RZ       = 0x05
	ABS_THROTTLE = 0x06
	ABS_RUDDER   = 0x07
	ABS_MAX      = 0x3f
)

// Force-feedback effect types and waveforms (from <linux/input.h>)
const (
	FF_RUMBLE   = 0x50
	FF_PERIODIC = 0x51
	FF_CONSTANT = 0x52
	FF_SPRING   = 0x53
	FF_FRICTION = 0x54
	FF_DAMPER   = 0x55

	FF_SQUARE   = 0x58
	FF_TRIANGLE = 0x59
	FF_SINE     = 0x5a
	FF_SAW_UP   = 0x5b
	FF_SAW_DOWN = 0x5c

	FF_GAIN = 0x60
)

// Input event value constants
const (
	evValueRelease = 0
	evValuePress   = 1
	evValueRepeat  = 2
)

// Loop and transport defaults
const (
	defaultPollHz         = 250
	defaultTickHz         = 50
	defaultReopenInterval = time.Second
	defaultHTTPPort       = 3002
	defaultIPCSocket      = "/tmp/wheelbrainz.sock"
	defaultDevicePath     = "/dev/input/by-id/usb-Logitech_G29_Driving_Force_Racing_Wheel-event-joystick"
	defaultJournalPath    = "~/.local/state/wheelbrainz/journal.db"
	defaultJournalQueue   = 256
	defaultEventQueue     = 64
	defaultBroadcastQueue = 128
)
