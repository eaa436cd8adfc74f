// USB Audio Class 1.0 speaker descriptors
// https://github.com/usbarmory/usb-audio-speaker
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package speaker

import (
	"github.com/usbarmory/usb-audio-speaker/usb"
)

const (
	vendorID  = 0x1209 // pid.codes test VID
	productID = 0x0001

	stringManufacturer = "usbarmory"
	stringProduct      = "UAC1 Speaker"
)

// Isochronous endpoint service intervals (bInterval): one frame at full
// speed, 2^(4-1) microframes at high speed.
const (
	intervalFullSpeed = 1
	intervalHighSpeed = 4
)

// buildDescriptors assembles the full UAC1 descriptor tree for a speaker
// exposing exactly one AudioControl interface and one AudioStreaming
// interface with two alternate settings. The sample rate is assumed
// already validated by feedback.New.
func buildDescriptors(rateHz int, highSpeed bool) (*usb.Device, error) {
	dev := &usb.Device{
		Descriptor: &usb.DeviceDescriptor{},
		Qualifier:  &usb.DeviceQualifierDescriptor{},
	}

	dev.Descriptor.SetDefaults()
	dev.Descriptor.VendorId = vendorID
	dev.Descriptor.ProductId = productID
	dev.Descriptor.DeviceClass = 0x00

	dev.Qualifier.SetDefaults()

	if err := dev.SetLanguageCodes([]uint16{0x0409}); err != nil {
		return nil, err
	}

	mfg, err := dev.AddString(stringManufacturer)
	if err != nil {
		return nil, err
	}

	prod, err := dev.AddString(stringProduct)
	if err != nil {
		return nil, err
	}

	dev.Descriptor.Manufacturer = mfg
	dev.Descriptor.Product = prod

	conf := &usb.ConfigurationDescriptor{}
	conf.SetDefaults()

	conf.AddInterface(audioControlInterface())

	asZero, asOperational := audioStreamingInterfaces(rateHz, highSpeed)
	conf.AddInterface(asZero)
	conf.AddInterface(asOperational)

	if err := dev.AddConfiguration(conf); err != nil {
		return nil, err
	}

	return dev, nil
}

// audioControlInterface builds interface 0 (AudioControl), carrying the
// class-specific header, input terminal, feature unit and output terminal
// descriptors (UAC1 §4.3).
func audioControlInterface() *usb.InterfaceDescriptor {
	iface := &usb.InterfaceDescriptor{}
	iface.SetDefaults()
	iface.InterfaceClass = usb.AUDIO_DEVICE_CLASS
	iface.InterfaceSubClass = usb.AUDIO_SUBCLASS_AUDIOCONTROL

	header := &usb.ACHeaderDescriptor{}
	header.SetDefaults()
	header.InterfaceNumbers = InterfaceAudioStreaming

	input := &usb.ACInputTerminalDescriptor{}
	input.SetDefaults()
	input.TerminalID = InputTerminalID

	feature := &usb.ACFeatureUnitDescriptor{}
	feature.SetDefaults()
	feature.UnitID = FeatureUnitID
	feature.SourceID = InputTerminalID

	output := &usb.ACOutputTerminalDescriptor{}
	output.SetDefaults()
	output.TerminalID = OutputTerminalID
	output.SourceID = FeatureUnitID
	output.AssocTerminal = InputTerminalID

	headerBytes := header.Bytes()
	classBlock := append([]byte{}, headerBytes...)
	classBlock = append(classBlock, input.Bytes()...)
	classBlock = append(classBlock, feature.Bytes()...)
	classBlock = append(classBlock, output.Bytes()...)

	// Patch wTotalLength in the header now that the full AC class block
	// size is known (UAC1 Table 4-2).
	total := uint16(len(classBlock))
	classBlock[5] = byte(total)
	classBlock[6] = byte(total >> 8)

	iface.ClassDescriptors = [][]byte{classBlock}

	return iface
}

// audioStreamingInterfaces builds interface 1's two alternate settings: alt
// 0 (zero-bandwidth, no endpoints) and alt 1 (operational, carrying the
// class-specific AS general/format descriptors, the isochronous OUT data
// endpoint and the isochronous IN feedback endpoint).
func audioStreamingInterfaces(rateHz int, highSpeed bool) (zero, operational *usb.InterfaceDescriptor) {
	interval := uint8(intervalFullSpeed)
	if highSpeed {
		interval = intervalHighSpeed
	}

	zero = &usb.InterfaceDescriptor{}
	zero.SetDefaults()
	zero.AlternateSetting = AltZeroBandwidth
	zero.InterfaceClass = usb.AUDIO_DEVICE_CLASS
	zero.InterfaceSubClass = usb.AUDIO_SUBCLASS_AUDIOSTREAMING

	operational = &usb.InterfaceDescriptor{}
	operational.SetDefaults()
	operational.AlternateSetting = AltOperational
	operational.InterfaceClass = usb.AUDIO_DEVICE_CLASS
	operational.InterfaceSubClass = usb.AUDIO_SUBCLASS_AUDIOSTREAMING
	operational.NumEndpoints = 2

	general := &usb.ASGeneralDescriptor{}
	general.SetDefaults()
	general.TerminalLink = InputTerminalID

	format := &usb.ASFormatTypeIDescriptor{}
	format.SetDefaults()
	format.SamFreq = uint32(rateHz)

	operational.ClassDescriptors = [][]byte{general.Bytes(), format.Bytes()}

	out := &usb.EndpointDescriptor{}
	out.SetDefaults()
	out.EndpointAddress = AudioOutEndpoint
	// Isochronous, asynchronous synchronization, data endpoint (UAC1
	// Table 4-21 bmAttributes via bSynchAddress below).
	out.Attributes = 0x05
	out.MaxPacketSize = maxPacketSize(rateHz)
	out.Interval = interval
	out.HasSynchAddress = true
	out.SynchAddress = AudioInEndpoint

	in := &usb.EndpointDescriptor{}
	in.SetDefaults()
	in.EndpointAddress = AudioInEndpoint
	// Isochronous, no synchronization, feedback endpoint (USB2.0 Table
	// 9-13 bmAttributes: usage type 0b01 = feedback).
	in.Attributes = 0x11
	in.MaxPacketSize = 3
	in.Interval = interval

	operational.Endpoints = []*usb.EndpointDescriptor{out, in}

	return zero, operational
}
