// USB Audio Class explicit feedback computation
// https://github.com/usbarmory/usb-audio-speaker
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package feedback computes the USB Audio Class explicit feedback value
// sent to the host once per start-of-frame, in the UAC 10.14 fixed-point
// format (USB Audio Data Formats 1.0, 3.7.2.2), steering the host's
// playback rate towards the device's actual consumption rate.
package feedback

import "fmt"

// Delta bounds how far the reported feedback value may stray from the
// nominal sample rate. The internal representation carries the 10.14
// samples-per-frame value shifted left by 8, so 1<<22 is one sample per
// frame, i.e. 1 kHz at full speed.
const Delta = 1 << 22

// Nominal returns the default feedback value for a supported sample rate,
// in the shifted 10.14 representation.
func Nominal(rateHz int) (uint32, error) {
	switch rateHz {
	case 48000:
		return 48 << 22, nil
	case 96000:
		return 96 << 22, nil
	case 44100:
		return (44 << 22) + (1<<22)/10, nil
	default:
		return 0, fmt.Errorf("feedback: unsupported sample rate %d", rateHz)
	}
}

// Controller tracks the explicit feedback value and the bookkeeping needed
// to resynchronize transmission after an isochronous IN incomplete event.
type Controller struct {
	nominal uint32

	lastFNSOF     uint16
	haveLastFNSOF bool
}

// New creates a feedback Controller for the given nominal sample rate.
func New(rateHz int) (*Controller, error) {
	nominal, err := Nominal(rateHz)
	if err != nil {
		return nil, err
	}

	return &Controller{nominal: nominal}, nil
}

// clamp restricts v to [nominal-Delta, nominal+Delta].
func (c *Controller) clamp(v int64) uint32 {
	lo := int64(c.nominal) - Delta
	hi := int64(c.nominal) + Delta

	if v < lo {
		v = lo
	} else if v > hi {
		v = hi
	}

	return uint32(v)
}

// Compute derives the feedback value from the ring buffer's current
// writable-sample headroom, with a proportional control law:
//
//	dev   = writableSamples - totalBytes/12
//	k     = (1<<22) + dev*256
//	value = clamp((nominal * k) >> 22)
//
// totalBytes/12 is the target steady-state headroom in stereo frames, the
// midpoint of the safe region between producer and consumer; deviation
// above or below it nudges the reported rate up or down respectively, each
// frame of deviation scaling it by 1/2^14 of the nominal value.
func (c *Controller) Compute(writableSamples, totalBytes int) uint32 {
	dev := int64(writableSamples) - int64(totalBytes)/12
	k := int64(1<<22) + dev*256
	raw := (int64(c.nominal) * k) >> 22

	return c.clamp(raw)
}

// Serialize converts a feedback value into the 3 little-endian wire bytes
// expected on the feedback IN endpoint (bits 8-31 of the value, the low 8
// bits of the internal representation are not transmitted).
func Serialize(value uint32) [3]byte {
	shifted := value >> 8
	return [3]byte{byte(shifted), byte(shifted >> 8), byte(shifted >> 16)}
}

// ObserveIncomplete records the frame number reported by an isochronous IN
// incomplete event, used by ShouldTransmit to decide when it is safe to
// resume feedback transmission.
func (c *Controller) ObserveIncomplete(fnsof uint16) {
	c.lastFNSOF = fnsof
	c.haveLastFNSOF = true
}

// ShouldTransmit reports whether feedback may be transmitted on the current
// frame: transmission resumes only once the current frame's parity (FNSOF
// low bit) matches the parity observed at the last IN incomplete event. OTG
// cores transmit isochronous IN packets only on frames matching the
// endpoint's configured odd/even bit, and a missed transfer flips the
// expected parity. Before any incomplete event has been observed,
// transmission is always allowed.
func (c *Controller) ShouldTransmit(currentFNSOF uint16) bool {
	if !c.haveLastFNSOF {
		return true
	}

	return (c.lastFNSOF & 1) == (currentFNSOF & 1)
}

// Reset clears incomplete-event bookkeeping, used when the streaming
// interface is reset to alternate setting 0.
func (c *Controller) Reset() {
	c.lastFNSOF = 0
	c.haveLastFNSOF = false
}
