// USB Audio Class 1.0 class-specific descriptor support
// https://github.com/usbarmory/usb-audio-speaker
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package usb

import (
	"bytes"
	"encoding/binary"
)

// UAC1 class and subclass codes
// (USB Audio Class 1.0 spec, Table A-1/A-2)
const (
	AUDIO_DEVICE_CLASS = 0x01

	AUDIO_SUBCLASS_AUDIOCONTROL   = 0x01
	AUDIO_SUBCLASS_AUDIOSTREAMING = 0x02

	// GET_DESCRIPTOR type used by the AudioControl class-specific
	// descriptor fetch (not a standard chapter 9 type).
	AUDIO_DESCRIPTOR_TYPE = 0x21

	// USB_AUDIO_DESC_SIZ is the length of the class-specific AudioControl
	// descriptor block (AC header + input terminal + feature unit +
	// output terminal) returned by a GET_DESCRIPTOR(AUDIO_DESCRIPTOR_TYPE)
	// request.
	USB_AUDIO_DESC_SIZ = 9 + 12 + 9 + 9

	// CS_INTERFACE is shared with other USB device classes that attach
	// class-specific descriptors to an interface (p45, Table 24, CDC 1.1;
	// equivalently Table 4-3, UAC1).
	CS_INTERFACE = 0x24
	CS_ENDPOINT  = 0x25
)

// AudioControl interface descriptor subtypes (UAC1, Table A-5)
const (
	AC_HEADER          = 0x01
	AC_INPUT_TERMINAL  = 0x02
	AC_OUTPUT_TERMINAL = 0x03
	AC_FEATURE_UNIT    = 0x06
)

// AudioStreaming interface descriptor subtypes (UAC1, Table A-6)
const (
	AS_GENERAL     = 0x01
	AS_FORMAT_TYPE = 0x02
)

// Format type codes (UAC1, Table A-7/A-8)
const (
	FORMAT_TYPE_I = 0x01
	PCM           = 0x0001
)

// Terminal types (UAC1 Terminal Types spec, Table 2-1/2-2/2-3)
const (
	TERMINAL_USB_STREAMING = 0x0101
	TERMINAL_OUT_SPEAKER   = 0x0301
)

// Audio class-specific control selectors (UAC1, Table A-10/A-11B)
const (
	MUTE_CONTROL   = 0x01
	VOLUME_CONTROL = 0x02
)

// Endpoint control selectors (UAC1, Table A-19)
const (
	SAMPLING_FREQ_CONTROL = 0x01
)

// ACHeaderDescriptor implements
// UAC1 Table 4-2: Class-Specific AC Interface Header Descriptor, with a
// single streaming interface in bInCollection (this device exposes exactly
// one AudioStreaming interface).
type ACHeaderDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	DescriptorSubType uint8
	bcdADC            uint16
	TotalLength       uint16
	InCollection      uint8
	InterfaceNumbers  uint8
}

// SetDefaults initializes default values for the AC header descriptor.
func (d *ACHeaderDescriptor) SetDefaults() {
	d.Length = 9
	d.DescriptorType = CS_INTERFACE
	d.DescriptorSubType = AC_HEADER
	d.bcdADC = 0x0100
	d.InCollection = 1
}

// Bytes converts the descriptor structure to byte array format.
func (d *ACHeaderDescriptor) Bytes() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, d)
	return buf.Bytes()
}

// ACInputTerminalDescriptor implements
// UAC1 Table 4-3: Input Terminal Descriptor, fixed to a single-channel (mono)
// USB streaming terminal: the channel count the DAC expands to is a
// concern of the AudioStreaming Type I Format Descriptor, not this
// terminal.
type ACInputTerminalDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	DescriptorSubType uint8
	TerminalID        uint8
	TerminalType      uint16
	AssocTerminal     uint8
	NrChannels        uint8
	ChannelConfig     uint16
	ChannelNames      uint8
	Terminal          uint8
}

// SetDefaults initializes default values for the AC input terminal
// descriptor.
func (d *ACInputTerminalDescriptor) SetDefaults() {
	d.Length = 12
	d.DescriptorType = CS_INTERFACE
	d.DescriptorSubType = AC_INPUT_TERMINAL
	d.TerminalType = TERMINAL_USB_STREAMING
	d.NrChannels = 1
}

// Bytes converts the descriptor structure to byte array format.
func (d *ACInputTerminalDescriptor) Bytes() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, d)
	return buf.Bytes()
}

// ACFeatureUnitDescriptor implements
// UAC1 Table 4-7: Feature Unit Descriptor, carrying a master-channel control
// bitmap plus a (unused) per-channel bitmap for the single logical channel
// downstream of the input terminal. Only the Mute control bit is set
// (bmaControls(0) bit 0); Mute is the only control this device exposes.
type ACFeatureUnitDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	DescriptorSubType uint8
	UnitID            uint8
	SourceID          uint8
	ControlSize       uint8
	MasterControls    uint8
	ChannelControls   uint8
	Feature           uint8
}

// SetDefaults initializes default values for the AC feature unit descriptor.
func (d *ACFeatureUnitDescriptor) SetDefaults() {
	d.Length = 9
	d.DescriptorType = CS_INTERFACE
	d.DescriptorSubType = AC_FEATURE_UNIT
	d.ControlSize = 1
	d.MasterControls = 0x01 // Mute
}

// Bytes converts the descriptor structure to byte array format.
func (d *ACFeatureUnitDescriptor) Bytes() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, d)
	return buf.Bytes()
}

// ACOutputTerminalDescriptor implements
// UAC1 Table 4-4: Output Terminal Descriptor, fixed to a speaker terminal
// fed by the feature unit.
type ACOutputTerminalDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	DescriptorSubType uint8
	TerminalID        uint8
	TerminalType      uint16
	AssocTerminal     uint8
	SourceID          uint8
	Terminal          uint8
}

// SetDefaults initializes default values for the AC output terminal
// descriptor.
func (d *ACOutputTerminalDescriptor) SetDefaults() {
	d.Length = 9
	d.DescriptorType = CS_INTERFACE
	d.DescriptorSubType = AC_OUTPUT_TERMINAL
	d.TerminalType = TERMINAL_OUT_SPEAKER
}

// Bytes converts the descriptor structure to byte array format.
func (d *ACOutputTerminalDescriptor) Bytes() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, d)
	return buf.Bytes()
}

// ASGeneralDescriptor implements
// UAC1 Table 4-19: Class-Specific AS Interface Descriptor.
type ASGeneralDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	DescriptorSubType uint8
	TerminalLink      uint8
	Delay             uint8
	FormatTag         uint16
}

// SetDefaults initializes default values for the AS general descriptor.
func (d *ASGeneralDescriptor) SetDefaults() {
	d.Length = 7
	d.DescriptorType = CS_INTERFACE
	d.DescriptorSubType = AS_GENERAL
	d.FormatTag = PCM
}

// Bytes converts the descriptor structure to byte array format.
func (d *ASGeneralDescriptor) Bytes() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, d)
	return buf.Bytes()
}

// ASFormatTypeIDescriptor implements
// UAC1 Table 4-20 / 2-1: Type I Format Descriptor, fixed to a single
// sampling frequency (continuous sample-rate negotiation is a non-goal).
type ASFormatTypeIDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	DescriptorSubType uint8
	FormatType        uint8
	NrChannels        uint8
	SubframeSize      uint8
	BitResolution     uint8
	SamFreqType       uint8

	// SamFreq is a 24-bit little-endian sample rate in Hz; stored
	// separately because binary.Write cannot express a 3-byte field.
	SamFreq uint32
}

// SetDefaults initializes default values for the AS Type I format
// descriptor: 2 channels, 16-bit samples, one discrete sample rate.
func (d *ASFormatTypeIDescriptor) SetDefaults() {
	d.Length = 11
	d.DescriptorType = CS_INTERFACE
	d.DescriptorSubType = AS_FORMAT_TYPE
	d.FormatType = FORMAT_TYPE_I
	d.NrChannels = 2
	d.SubframeSize = 2
	d.BitResolution = 16
	d.SamFreqType = 1
}

// Bytes converts the descriptor structure to byte array format.
func (d *ASFormatTypeIDescriptor) Bytes() []byte {
	buf := new(bytes.Buffer)

	binary.Write(buf, binary.LittleEndian, d.Length)
	binary.Write(buf, binary.LittleEndian, d.DescriptorType)
	binary.Write(buf, binary.LittleEndian, d.DescriptorSubType)
	binary.Write(buf, binary.LittleEndian, d.FormatType)
	binary.Write(buf, binary.LittleEndian, d.NrChannels)
	binary.Write(buf, binary.LittleEndian, d.SubframeSize)
	binary.Write(buf, binary.LittleEndian, d.BitResolution)
	binary.Write(buf, binary.LittleEndian, d.SamFreqType)
	buf.WriteByte(byte(d.SamFreq))
	buf.WriteByte(byte(d.SamFreq >> 8))
	buf.WriteByte(byte(d.SamFreq >> 16))

	return buf.Bytes()
}
