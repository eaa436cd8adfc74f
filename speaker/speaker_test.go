// USB Audio Class 1.0 speaker device
// https://github.com/usbarmory/usb-audio-speaker
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package speaker

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"

	"github.com/usbarmory/usb-audio-speaker/dma"
	"github.com/usbarmory/usb-audio-speaker/feedback"
	"github.com/usbarmory/usb-audio-speaker/playback"
	"github.com/usbarmory/usb-audio-speaker/usb"
)

// fakeController is an in-memory usb.Controller double: endpoints are
// tracked by address, PrepareReceive records the last armed buffer and
// Transmit every transmitted buffer for inspection, and
// FrameNumber/ReceivedSize are driven directly by tests.
type fakeController struct {
	opened map[uint8]bool

	receiveBuf map[uint8][]byte
	received   int

	transmitted [][]byte
	frame       uint16

	flushCount map[uint8]int
}

func newFakeController() *fakeController {
	return &fakeController{
		opened:     make(map[uint8]bool),
		receiveBuf: make(map[uint8][]byte),
		flushCount: make(map[uint8]int),
	}
}

func (f *fakeController) OpenEndpoint(address uint8, transferType usb.TransferType, maxPacketSize uint16) error {
	f.opened[address] = true
	return nil
}

func (f *fakeController) CloseEndpoint(address uint8) error {
	delete(f.opened, address)
	return nil
}

func (f *fakeController) FlushEndpoint(address uint8) {
	f.flushCount[address]++
}

func (f *fakeController) PrepareReceive(address uint8, buf []byte) error {
	f.receiveBuf[address] = buf
	return nil
}

func (f *fakeController) Transmit(address uint8, buf []byte) error {
	cp := append([]byte{}, buf...)
	f.transmitted = append(f.transmitted, cp)
	return nil
}

func (f *fakeController) ReceivedSize(address uint8) int {
	return f.received
}

func (f *fakeController) FrameNumber() uint16 {
	return f.frame
}

// deliver simulates a host OUT packet landing in the endpoint's currently
// armed receive buffer, then triggers DataOut.
func (f *fakeController) deliver(d *Device, data []byte) {
	buf := f.receiveBuf[AudioOutEndpoint]
	copy(buf, data)
	f.received = len(data)
	d.DataOut(AudioOutEndpoint)
}

// fakeEngine is a playback.Engine double recording every call.
type fakeEngine struct {
	initRate int
	deinited bool
	cmds     []playback.Command
	sizes    []int
	muted    bool
	volume   int
}

func (f *fakeEngine) Init(rateHz int, volumePercent int, options uint32) error {
	f.initRate = rateHz
	return nil
}

func (f *fakeEngine) DeInit(options uint32) {
	f.deinited = true
}

func (f *fakeEngine) Cmd(cmd playback.Command, buf []byte, sizeBytes int) {
	f.cmds = append(f.cmds, cmd)
	f.sizes = append(f.sizes, sizeBytes)
}

func (f *fakeEngine) Mute(on bool) {
	f.muted = on
}

func (f *fakeEngine) Volume(percent int) {
	f.volume = percent
}

// start brings a fresh Device through cold enumeration: Init, then
// SET_INTERFACE(AudioStreaming, alt 1).
func start(t *testing.T, rateHz int) (*Device, *fakeController, *fakeEngine) {
	t.Helper()

	d, err := New(rateHz)
	assert.NoError(t, err)

	ctrl := newFakeController()
	engine := &fakeEngine{}

	assert.NoError(t, d.Init(ctrl, engine))

	_, _, done, err := d.handleSetup(&usb.SetupData{
		Request: usb.SET_INTERFACE,
		Value:   uint16(AltOperational),
		Index:   InterfaceAudioStreaming,
	})
	assert.True(t, done)
	assert.NoError(t, err)

	return d, ctrl, engine
}

// Cold enumeration opens both endpoints, initializes the DAC and arms the
// first OUT receive, without starting playback.
func TestColdEnumeration(t *testing.T) {
	d, ctrl, engine := start(t, 48000)

	assert.True(t, ctrl.opened[AudioOutEndpoint])
	assert.True(t, ctrl.opened[AudioInEndpoint])
	assert.Equal(t, 48000, engine.initRate)
	assert.False(t, d.IsPlaying())
	assert.NotNil(t, ctrl.receiveBuf[AudioOutEndpoint])
}

// The configuration descriptor is exactly 109 bytes, with the standard
// configuration header's first four bytes fixing its length and total
// size.
func TestConfigurationDescriptorBytes(t *testing.T) {
	d, err := New(48000)
	assert.NoError(t, err)

	buf, err := d.ConfigurationDescriptor()
	assert.NoError(t, err)

	assert.Len(t, buf, 109)
	assert.Equal(t, []byte{0x09, 0x02, 0x6D, 0x00}, buf[0:4])
}

// The device qualifier is the fixed 10-byte USB 2.00 descriptor with a
// 64-byte EP0 and a single configuration.
func TestDeviceQualifierDescriptorBytes(t *testing.T) {
	d, err := New(48000)
	assert.NoError(t, err)

	buf := d.DeviceQualifierDescriptor()

	assert.Len(t, buf, 10)
	assert.Equal(t, []byte{0x0a, 0x06, 0x00, 0x02}, buf[0:4])
	assert.Equal(t, byte(64), buf[7])
	assert.Equal(t, byte(1), buf[8])
}

// Both isochronous endpoints declare a 1-frame service interval at full
// speed and a 4-microframe one at high speed.
func TestEndpointIntervalFollowsDeviceSpeed(t *testing.T) {
	// Offsets of bInterval within the fixed 109-byte configuration blob:
	// the OUT endpoint descriptor (9 bytes, with bSynchAddress) begins at
	// 93, the IN endpoint descriptor (7 bytes) at 102.
	const outInterval, inInterval = 93 + 6, 102 + 6

	fs, err := New(48000)
	assert.NoError(t, err)

	buf, err := fs.ConfigurationDescriptor()
	assert.NoError(t, err)
	assert.Equal(t, byte(1), buf[outInterval])
	assert.Equal(t, byte(1), buf[inInterval])

	hs, err := NewHighSpeed(48000)
	assert.NoError(t, err)

	buf, err = hs.ConfigurationDescriptor()
	assert.NoError(t, err)
	assert.Equal(t, byte(4), buf[outInterval])
	assert.Equal(t, byte(4), buf[inInterval])
}

// Bouncing the streaming interface through alternate setting 0 and back to
// 1 fully zeroes the ring between sessions, and playback starts again only
// after the new session pre-rolls to half full.
func TestAltSettingBounceStartsFreshSession(t *testing.T) {
	d, ctrl, _ := start(t, 48000)

	packet := make([]byte, d.maxPacketSize())
	total := d.ring.Capacity() * 4

	for d.ring.WritePointer() < total/2 {
		ctrl.deliver(d, packet)
	}
	assert.True(t, d.IsPlaying())

	for _, alt := range []uint8{AltZeroBandwidth, AltOperational} {
		_, _, done, err := d.handleSetup(&usb.SetupData{
			Request: usb.SET_INTERFACE,
			Value:   uint16(alt),
			Index:   InterfaceAudioStreaming,
		})
		assert.True(t, done)
		assert.NoError(t, err)
	}

	assert.False(t, d.IsPlaying())
	assert.Equal(t, 0, d.ring.WritePointer())
	assert.Equal(t, 0, d.ring.WritableSamples())

	assert.Equal(t, make([]byte, total), d.ring.Buffer())

	for d.ring.WritePointer() < total/2 {
		assert.False(t, d.IsPlaying())
		ctrl.deliver(d, packet)
	}
	assert.True(t, d.IsPlaying())
}

// Feedback steady state: once the ring has pre-rolled to half full and the
// read pointer tracks the nominal drain rate, SOF reports the nominal
// feedback value.
func TestFeedbackSteadyState(t *testing.T) {
	d, ctrl, _ := start(t, 48000)

	packet := make([]byte, d.maxPacketSize())
	total := d.ring.Capacity() * 4

	for d.ring.WritePointer() < total/2 {
		ctrl.deliver(d, packet)
	}
	assert.True(t, d.IsPlaying())

	d.UpdateReadPointer(d.ring.WritePointer() + total/3)

	d.SOF()
	assert.Equal(t, 1, len(ctrl.transmitted))

	fb, err := feedback.Nominal(48000)
	assert.NoError(t, err)

	wire := ctrl.transmitted[0]
	assert.Equal(t, byte(fb>>8), wire[0])
	assert.Equal(t, byte(fb>>16), wire[1])
	assert.Equal(t, byte(fb>>24), wire[2])
}

// wireToValue reconstructs the top 24 bits of a feedback wire packet, for
// comparing reported direction against the nominal rate (the low 8
// fractional bits are never transmitted; see feedback.Serialize).
func wireToValue(wire []byte) uint32 {
	return uint32(wire[0])<<8 | uint32(wire[1])<<16 | uint32(wire[2])<<24
}

// Underrun risk: when writable headroom is far above the target (the ring
// is nearly drained, close to underrunning), feedback is adjusted upward
// from nominal, telling the host to send faster.
func TestFeedbackUnderrunRisk(t *testing.T) {
	d, ctrl, _ := start(t, 48000)

	packet := make([]byte, d.maxPacketSize())
	total := d.ring.Capacity() * 4

	for d.ring.WritePointer() < total/2 {
		ctrl.deliver(d, packet)
	}

	// Read pointer barely behind the write pointer: almost nothing is
	// queued between them, so almost the entire buffer reads as writable
	// headroom -- the ring is nearly empty.
	d.UpdateReadPointer(d.ring.WritePointer() - 4)

	d.SOF()

	nominal, err := feedback.Nominal(48000)
	assert.NoError(t, err)

	got := wireToValue(ctrl.transmitted[0])
	assert.Greater(t, got, nominal)
}

// Overrun risk: zero writable headroom (the ring is nearly full) adjusts
// feedback downward from nominal, telling the host to slow down; the
// feedback package's own clamp test (TestComputeClampsToDelta) covers the
// saturation boundary itself.
func TestFeedbackOverrunRisk(t *testing.T) {
	d, ctrl, _ := start(t, 48000)

	packet := make([]byte, d.maxPacketSize())
	total := d.ring.Capacity() * 4

	for d.ring.WritePointer() < total/2 {
		ctrl.deliver(d, packet)
	}

	d.UpdateReadPointer(d.ring.WritePointer())

	d.SOF()

	nominal, err := feedback.Nominal(48000)
	assert.NoError(t, err)

	got := wireToValue(ctrl.transmitted[0])
	assert.Less(t, got, nominal)
}

// An alt switch to zero-bandwidth mid-stream resets all session state --
// playback stops, the ring is cleared and feedback transmission goes quiet
// until the next cold start.
func TestAltSwitchToZeroBandwidthMidStream(t *testing.T) {
	d, ctrl, engine := start(t, 48000)

	packet := make([]byte, d.maxPacketSize())
	total := d.ring.Capacity() * 4

	for d.ring.WritePointer() < total/2 {
		ctrl.deliver(d, packet)
	}
	assert.True(t, d.IsPlaying())

	// Playback started once, on the pre-rolled first half of the ring.
	assert.Equal(t, []playback.Command{playback.CommandStart}, engine.cmds)
	assert.Equal(t, []int{total / 2}, engine.sizes)

	_, _, done, err := d.handleSetup(&usb.SetupData{
		Request: usb.SET_INTERFACE,
		Value:   uint16(AltZeroBandwidth),
		Index:   InterfaceAudioStreaming,
	})
	assert.True(t, done)
	assert.NoError(t, err)

	assert.False(t, d.IsPlaying())
	assert.True(t, engine.deinited)
	assert.Equal(t, 0, d.ring.WritePointer())

	d.SOF()
	assert.Equal(t, 0, len(ctrl.transmitted))
}

// An oversize isochronous OUT packet is dropped rather than partially
// written, preserving 4-byte write-pointer alignment.
func TestOversizePacketDropped(t *testing.T) {
	d, ctrl, _ := start(t, 48000)

	oversize := make([]byte, int(d.maxPacketSize())+4)
	ctrl.received = len(oversize)
	buf := ctrl.receiveBuf[AudioOutEndpoint]
	copy(buf, oversize[:len(buf)])
	d.DataOut(AudioOutEndpoint)

	assert.Equal(t, 0, d.ring.WritePointer())
}

// Mute SET_CUR on the feature unit is applied once the EP0 data stage
// arrives, not at SETUP time.
func TestMuteSetCur(t *testing.T) {
	d, _, engine := start(t, 48000)

	_, ack, done, err := d.handleSetup(&usb.SetupData{
		RequestType: usb.RequestTypeClass,
		Request:     uacSetCur,
		Index:       uint16(FeatureUnitID) << 8,
		Length:      1,
	})
	assert.True(t, done)
	assert.False(t, ack)
	assert.NoError(t, err)
	assert.False(t, engine.muted)

	d.EP0RxReady([]byte{1})
	assert.True(t, engine.muted)
}

// Oversize/invalid alternate settings are rejected with a control stall.
func TestSetInterfaceRejectsInvalidAlt(t *testing.T) {
	d, _, _ := start(t, 48000)

	_, _, done, err := d.handleSetup(&usb.SetupData{
		Request: usb.SET_INTERFACE,
		Value:   2,
		Index:   InterfaceAudioStreaming,
	})
	assert.True(t, done)
	assert.ErrorIs(t, err, usb.ErrControlStall)
}

// An isochronous IN incomplete event gates feedback transmission until
// frame parity matches again, then resumes.
func TestIsoInIncompleteGatesTransmission(t *testing.T) {
	d, ctrl, _ := start(t, 48000)

	packet := make([]byte, d.maxPacketSize())
	total := d.ring.Capacity() * 4

	for d.ring.WritePointer() < total/2 {
		ctrl.deliver(d, packet)
	}

	ctrl.frame = 4
	d.IsoInIncomplete(AudioInEndpoint)

	ctrl.frame = 5
	d.SOF()
	assert.Equal(t, 0, len(ctrl.transmitted))

	d.DataIn(AudioInEndpoint)
	ctrl.frame = 6
	d.SOF()
	assert.Equal(t, 1, len(ctrl.transmitted))
}

// A Device with a DMA region attached allocates its ring out of that
// region instead of the Go heap, and releases the reservation on DeInit.
func TestAttachDMARegionBacksRing(t *testing.T) {
	mem := make([]byte, 1<<20)
	start := uint(uintptr(unsafe.Pointer(&mem[0])))
	region := dma.NewRegion(start, uint(len(mem)))

	d, err := New(48000)
	assert.NoError(t, err)
	d.AttachDMARegion(region)

	ctrl := newFakeController()
	engine := &fakeEngine{}
	assert.NoError(t, d.Init(ctrl, engine))

	ringStart := uint(uintptr(unsafe.Pointer(&d.ring.Buffer()[0])))
	assert.GreaterOrEqual(t, ringStart, region.Start())
	assert.Less(t, ringStart, region.End())

	d.DeInit()

	// The reservation is released; a fresh Init can reuse the same space.
	assert.NoError(t, d.Init(ctrl, engine))
	assert.NoError(t, err)
	assert.Equal(t, ringStart, uint(uintptr(unsafe.Pointer(&d.ring.Buffer()[0]))))
}
