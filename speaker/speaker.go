// USB Audio Class 1.0 speaker device
// https://github.com/usbarmory/usb-audio-speaker
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package speaker implements a USB Audio Class 1.0 speaker gadget: the
// class-specific control-transfer handling and the isochronous event
// handlers that bind the ring buffer, the feedback controller and the DAC
// playback engine into a single owning device aggregate.
//
// Device methods are USB ISR-context callbacks: they are invoked at a
// single interrupt priority level, never reentered, and never block. No
// method takes a lock.
package speaker

import (
	"fmt"
	"log"

	"github.com/usbarmory/usb-audio-speaker/dma"
	"github.com/usbarmory/usb-audio-speaker/feedback"
	"github.com/usbarmory/usb-audio-speaker/playback"
	"github.com/usbarmory/usb-audio-speaker/ring"
	"github.com/usbarmory/usb-audio-speaker/usb"
)

// Fixed interface and endpoint addresses.
const (
	InterfaceAudioControl   = 0
	InterfaceAudioStreaming = 1

	AltZeroBandwidth = 0
	AltOperational   = 1

	// MaxAlternateSetting rejects SET_INTERFACE requests for alternate
	// settings the AudioStreaming interface does not declare.
	MaxAlternateSetting = AltOperational

	AudioOutEndpoint = 0x01
	AudioInEndpoint  = 0x82

	InputTerminalID  = 1
	FeatureUnitID    = 2
	OutputTerminalID = 3

	// DefaultVolumePercent is passed to playback.Engine.Init; the class
	// driver exposes no volume control.
	DefaultVolumePercent = 100

	// ringMilliseconds sizes the ring buffer as a fixed number of
	// milliseconds of audio at the nominal rate (1920 bytes at 48kHz is
	// exactly 10ms of stereo 16-bit audio).
	ringMilliseconds = 10

	controlScratchSize = 64
)

// UAC1 control request codes (USB Audio Class 1.0, Table A-9), distinct
// from the standard chapter 9 request codes in usb.SET_INTERFACE etc.
const (
	uacSetCur = 0x01
	uacGetCur = 0x81
)

// offsetState gates the one-shot playback start trigger: offsetUnknown
// until the ring first reaches half full, offsetNone once playback has
// been started for the session.
type offsetState int

const (
	offsetUnknown offsetState = iota
	offsetNone
)

// controlRequest is the outstanding EP0 OUT data-stage request armed by
// SET_CUR and resolved by EP0RxReady.
type controlRequest struct {
	armed bool
	cmd   uint8
	len   uint16
	unit  uint8
	data  [controlScratchSize]byte
}

// ReadPointerSource derives the DMA consumer's current ring offset,
// typically backed by the DMA controller's residual-transfer counter
// (NDTR). The DMA hardware advances autonomously; the core only ever reads
// the position it reports, once per SOF.
type ReadPointerSource interface {
	ReadPointer() int
}

// Device aggregates the audio session state, the feedback controller and
// the transfer flags shared by the class callbacks.
type Device struct {
	rate int

	desc *usb.Device

	ring *ring.Ring
	fb   *feedback.Controller

	engine playback.Engine
	ctrl   usb.Controller
	dmaPos ReadPointerSource

	// dmaRegion, when set via AttachDMARegion, backs the ring buffer with
	// memory reserved out of a DMA-reachable region instead of a plain Go
	// slice, for targets where the USB/DAC DMA engines cannot see the Go
	// heap.
	dmaRegion *dma.Region

	staging []byte

	isPlaying bool
	allReady  bool
	txFlag    bool

	offsetState      offsetState
	rdEnable         bool
	alternateSetting uint8

	ctl controlRequest

	fbPacket [3]byte
}

// New creates a speaker Device for the given nominal sample rate (one of
// 44100, 48000, 96000), building its fixed USB descriptors and feedback
// controller for a full-speed device. The ring buffer and playback engine
// are not attached until Init.
func New(rateHz int) (*Device, error) {
	return newDevice(rateHz, false)
}

// NewHighSpeed creates a Device whose isochronous endpoints declare the
// high-speed service interval instead of the full-speed one.
func NewHighSpeed(rateHz int) (*Device, error) {
	return newDevice(rateHz, true)
}

func newDevice(rateHz int, highSpeed bool) (*Device, error) {
	fb, err := feedback.New(rateHz)
	if err != nil {
		return nil, err
	}

	desc, err := buildDescriptors(rateHz, highSpeed)
	if err != nil {
		return nil, err
	}

	d := &Device{
		rate:        rateHz,
		desc:        desc,
		fb:          fb,
		offsetState: offsetUnknown,
		txFlag:      true,
	}

	desc.Setup = d.handleSetup

	return d, nil
}

// AttachReadPointerSource wires the board's DMA-derived read-pointer
// observer. Tests, and boards without a wired source yet, may instead call
// UpdateReadPointer directly between SOF ticks.
func (d *Device) AttachReadPointerSource(src ReadPointerSource) {
	d.dmaPos = src
}

// AttachDMARegion routes the ring buffer's backing memory through region
// instead of a plain Go slice allocation. It must be called before Init;
// it has no effect on a ring already allocated.
func (d *Device) AttachDMARegion(region *dma.Region) {
	d.dmaRegion = region
}

// UpdateReadPointer records the DMA consumer's current ring offset,
// typically the ring size minus (NDTR & 0xffff) on controllers exposing a
// residual counter. Exposed directly for callers that drive the read
// pointer without a ReadPointerSource.
func (d *Device) UpdateReadPointer(rd int) {
	if d.ring != nil {
		d.ring.UpdateReadPointer(rd)
	}
}

// USBDevice returns the usb.Device descriptor model, for wiring into a
// board's USB stack (e.g. control-transfer dispatch via
// usb.Device.HandleSetup).
func (d *Device) USBDevice() *usb.Device {
	return d.desc
}

// maxPacketSize returns the isochronous OUT endpoint's maximum packet size
// in bytes for the given sample rate (rate * 2 channels * 2 bytes / 1000
// frames per second), rounded up to the next whole byte to accommodate
// fractional rates such as 44.1kHz.
func maxPacketSize(rateHz int) uint16 {
	return uint16((rateHz*4 + 999) / 1000)
}

func (d *Device) maxPacketSize() uint16 {
	return maxPacketSize(d.rate)
}

// Init performs the class initialization sequence: it allocates the ring
// buffer, opens both isochronous endpoints, initializes the DAC at the
// nominal rate and arms the first OUT receive.
func (d *Device) Init(ctrl usb.Controller, engine playback.Engine) error {
	total := d.rate * 4 * ringMilliseconds / 1000

	var r *ring.Ring
	var err error

	if d.dmaRegion != nil {
		r, err = ring.NewDMA(d.dmaRegion, total)
	} else {
		r, err = ring.New(total)
	}
	if err != nil {
		return fmt.Errorf("speaker: allocating ring: %w", err)
	}

	if err := ctrl.OpenEndpoint(AudioOutEndpoint, usb.TransferIsochronous, d.maxPacketSize()); err != nil {
		return fmt.Errorf("speaker: opening OUT endpoint: %w", err)
	}

	if err := ctrl.OpenEndpoint(AudioInEndpoint, usb.TransferIsochronous, 3); err != nil {
		ctrl.CloseEndpoint(AudioOutEndpoint)
		return fmt.Errorf("speaker: opening IN endpoint: %w", err)
	}

	ctrl.FlushEndpoint(AudioInEndpoint)

	d.ring = r
	d.ctrl = ctrl
	d.engine = engine
	d.offsetState = offsetUnknown
	d.rdEnable = false
	d.txFlag = true
	d.staging = make([]byte, d.maxPacketSize())

	if err := engine.Init(d.rate, DefaultVolumePercent, 0); err != nil {
		return fmt.Errorf("speaker: DAC init: %w", err)
	}

	return ctrl.PrepareReceive(AudioOutEndpoint, d.staging)
}

// DeInit tears the class session down: flush and close both endpoints,
// clear the feedback transmit flag and deinitialize the DAC.
func (d *Device) DeInit() {
	if d.ctrl != nil {
		d.ctrl.FlushEndpoint(AudioOutEndpoint)
		d.ctrl.FlushEndpoint(AudioInEndpoint)
		d.ctrl.CloseEndpoint(AudioOutEndpoint)
		d.ctrl.CloseEndpoint(AudioInEndpoint)
	}

	d.txFlag = false

	if d.engine != nil {
		d.engine.DeInit(0)
	}

	if d.ring != nil {
		d.ring.Release()
	}

	d.ring = nil
	d.engine = nil
	d.ctrl = nil
}

// resetSession implements the reset sequence shared by both branches of
// SET_INTERFACE: zero the ring, clear all flags, flush both isochronous
// endpoints.
func (d *Device) resetSession() {
	if d.ring != nil {
		d.ring.Reset()
	}

	if d.ctrl != nil {
		d.ctrl.FlushEndpoint(AudioOutEndpoint)
		d.ctrl.FlushEndpoint(AudioInEndpoint)
	}

	d.allReady = false
	d.txFlag = true
	d.isPlaying = false
	d.offsetState = offsetUnknown
	d.rdEnable = false
	d.fb.Reset()
}

// handleSetup is the usb.SetupFunction bound to the device descriptor's
// Setup field, dispatching SET_INTERFACE and the UAC Mute GET_CUR/SET_CUR
// class requests.
func (d *Device) handleSetup(setup *usb.SetupData) (in []byte, ack bool, done bool, err error) {
	switch {
	case setup.Request == usb.SET_INTERFACE:
		return d.setInterface(setup)
	case setup.RequestType&usb.RequestTypeClass != 0 && setup.Request == uacGetCur:
		return d.getCur(setup)
	case setup.RequestType&usb.RequestTypeClass != 0 && setup.Request == uacSetCur:
		return d.setCur(setup)
	}

	return nil, false, false, nil
}

// setInterface switches the AudioStreaming interface between its
// zero-bandwidth and operational alternate settings, resetting the audio
// session either way.
func (d *Device) setInterface(setup *usb.SetupData) (in []byte, ack bool, done bool, err error) {
	iface := uint8(setup.Index & 0xff)
	alt := uint8(setup.Value)

	if iface != InterfaceAudioStreaming {
		// Interface 0 (AudioControl) has no alternate settings; accept
		// and ignore, as it carries no ring/feedback side effects.
		d.desc.AlternateSetting = alt
		return nil, true, true, nil
	}

	if alt > MaxAlternateSetting {
		return nil, false, true, usb.ErrControlStall
	}

	d.resetSession()

	log.Printf("speaker: setting interface alternate setting value %d", alt)

	if alt == AltOperational {
		if d.engine != nil {
			if err := d.engine.Init(d.rate, DefaultVolumePercent, 0); err != nil {
				return nil, false, true, err
			}
		}

		d.txFlag = false
		d.allReady = true
	} else if d.engine != nil {
		d.engine.DeInit(0)
	}

	d.alternateSetting = alt
	d.desc.AlternateSetting = alt

	return nil, true, true, nil
}

// getCur serves the UAC Mute GET_CUR request: the core keeps no persistent
// mute state (the DAC's mute is write-only), so it always reports a zeroed
// scratch buffer.
func (d *Device) getCur(setup *usb.SetupData) (in []byte, ack bool, done bool, err error) {
	var zero [controlScratchSize]byte

	n := int(setup.Length)
	if n > controlScratchSize {
		n = controlScratchSize
	}

	return zero[:n], false, true, nil
}

// setCur arms the EP0 OUT data stage for a UAC SET_CUR request, resolved by
// EP0RxReady.
func (d *Device) setCur(setup *usb.SetupData) (in []byte, ack bool, done bool, err error) {
	d.ctl.armed = true
	d.ctl.cmd = uacSetCur
	d.ctl.len = setup.Length
	d.ctl.unit = uint8(setup.Index >> 8)

	return nil, false, true, nil
}

// EP0RxReady delivers the EP0 OUT data stage for a previously armed SET_CUR
// request. If the request targeted the feature unit, the DAC's mute state
// is updated; the request is cleared either way.
func (d *Device) EP0RxReady(data []byte) {
	if !d.ctl.armed {
		return
	}

	copy(d.ctl.data[:], data)

	if d.ctl.cmd == uacSetCur && d.ctl.unit == FeatureUnitID && d.engine != nil {
		muted := d.ctl.data[0] != 0
		log.Printf("speaker: setting mute %v", muted)
		d.engine.Mute(muted)
	}

	d.ctl.armed = false
	d.ctl.cmd = 0
	d.ctl.len = 0
}

// DataOut handles an isochronous OUT completion: the received packet is
// copied from the staging buffer into the ring, the staging buffer is
// re-armed for the next packet, and playback is started if this is the
// packet that crosses the half-full pre-roll threshold.
func (d *Device) DataOut(ep uint8) {
	if !d.allReady || ep != AudioOutEndpoint {
		return
	}

	size := d.ctrl.ReceivedSize(ep)
	max := int(d.maxPacketSize())

	if size > max || size%4 != 0 {
		// Oversize or misaligned packet: drop silently, size forced to
		// zero. Hosts can overshoot by one sample due to feedback
		// latency.
		size = 0
	}

	if size > 0 {
		d.ring.Write(d.staging[:size])
	}

	d.ctrl.PrepareReceive(AudioOutEndpoint, d.staging)

	if d.offsetState == offsetUnknown && !d.isPlaying && d.ring.HalfFull() {
		d.offsetState = offsetNone
		d.isPlaying = true
		d.rdEnable = true

		if d.engine != nil {
			// Start the DAC on the pre-rolled first half of the ring;
			// the DMA engine then cycles over the whole buffer while
			// ingestion fills the second half.
			buf := d.ring.Buffer()
			d.engine.Cmd(playback.CommandStart, buf, len(buf)/2)
		}
	}
}

// DataIn handles an isochronous IN completion: clearing txFlag on the
// feedback endpoint allows the next SOF to submit a fresh feedback packet.
func (d *Device) DataIn(ep uint8) {
	if ep == AudioInEndpoint {
		d.txFlag = false
	}
}

// IsoOutIncomplete recovers from a missed OUT transfer: the endpoint is
// flushed and reception re-armed onto the staging buffer exactly as DataOut
// would, leaving the ring's write pointer untouched since no data was
// actually received.
func (d *Device) IsoOutIncomplete(ep uint8) {
	if ep != AudioOutEndpoint || d.ctrl == nil {
		return
	}

	log.Printf("speaker: EP%d.0 iso-out incomplete", ep)
	d.ctrl.FlushEndpoint(ep)
	d.ctrl.PrepareReceive(ep, d.staging)
}

// IsoInIncomplete recovers from a missed feedback IN transfer: it records
// the frame number for the next SOF's parity check, flushes the endpoint
// and clears txFlag so the next SOF re-evaluates.
func (d *Device) IsoInIncomplete(ep uint8) {
	if ep != AudioInEndpoint || d.ctrl == nil {
		return
	}

	log.Printf("speaker: EP%d.1 iso-in incomplete", ep&0xf)
	d.fb.ObserveIncomplete(d.ctrl.FrameNumber())
	d.ctrl.FlushEndpoint(ep)
	d.txFlag = false
}

// SOF performs the per-frame feedback tick, gated on playback having
// started and the streaming interface being operational. It is budgeted
// well under a 1ms frame: one ring computation, the proportional feedback
// formula, a parity compare and at most one Transmit call.
func (d *Device) SOF() {
	if !d.rdEnable || !d.allReady {
		return
	}

	if d.dmaPos != nil {
		d.ring.UpdateReadPointer(d.dmaPos.ReadPointer())
	}

	value := d.fb.Compute(d.ring.WritableSamples(), d.ring.Capacity()*4)
	d.fbPacket = feedback.Serialize(value)

	if d.txFlag {
		return
	}

	if d.ctrl == nil || !d.fb.ShouldTransmit(d.ctrl.FrameNumber()) {
		return
	}

	if err := d.ctrl.Transmit(AudioInEndpoint, d.fbPacket[:]); err == nil {
		d.txFlag = true
	}
}

// ConfigurationDescriptor returns the full configuration descriptor blob
// for configuration index 0.
func (d *Device) ConfigurationDescriptor() ([]byte, error) {
	return d.desc.Configuration(0)
}

// DeviceQualifierDescriptor returns the device qualifier descriptor bytes.
func (d *Device) DeviceQualifierDescriptor() []byte {
	return d.desc.Qualifier.Bytes()
}

// IsPlaying reports whether playback has started in the current session.
func (d *Device) IsPlaying() bool {
	return d.isPlaying
}

// AlternateSetting returns the AudioStreaming interface's current
// alternate setting.
func (d *Device) AlternateSetting() uint8 {
	return d.alternateSetting
}
