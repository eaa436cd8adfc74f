// DAC/I2S playback engine interface
// https://github.com/usbarmory/usb-audio-speaker
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package playback declares the DAC/I2S playback engine interface the
// speaker core drives. The engine itself -- the hardware codec driver -- is
// a board concern: it is expressed only as this interface (c.f.
// usb.Controller) rather than a vendored driver.
package playback

// Command identifies a transport command issued to the engine when the ring
// buffer has pre-rolled enough audio to start, or needs to stop, pause or
// resume playback.
type Command int

const (
	CommandStart Command = iota
	CommandPlay
	CommandStop
	CommandPause
	CommandResume
)

// Engine is implemented by the DAC/I2S driver. Init/DeInit bracket the
// SET_INTERFACE alternate setting transitions: Init is called when the host
// selects the operational alternate setting, DeInit when it returns to the
// zero-bandwidth one.
type Engine interface {
	// Init prepares the engine for playback at the given sample rate,
	// with the volume expressed as a percentage and any engine-specific
	// option bits.
	Init(rateHz int, volumePercent int, options uint32) error

	// DeInit releases engine resources acquired by Init.
	DeInit(options uint32)

	// Cmd issues a transport command against a window of the ring
	// buffer, sizeBytes bytes starting at buf[0]. CommandStart is issued
	// once the ring buffer has pre-rolled half full.
	Cmd(cmd Command, buf []byte, sizeBytes int)

	// Mute sets or clears the feature unit's mute state.
	Mute(on bool)

	// Volume sets the feature unit's volume percentage. Declared for
	// interface completeness; the class driver exposes no volume control
	// and never calls it.
	Volume(percent int)
}
