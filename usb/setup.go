// USB control transfer dispatch
// https://github.com/usbarmory/usb-audio-speaker
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package usb

import (
	"fmt"
	"log"
)

// Standard request codes (p279, Table 9-4, USB2.0)
const (
	GET_STATUS        = 0
	CLEAR_FEATURE     = 1
	SET_FEATURE       = 3
	SET_ADDRESS       = 5
	GET_DESCRIPTOR    = 6
	SET_DESCRIPTOR    = 7
	GET_CONFIGURATION = 8
	SET_CONFIGURATION = 9
	GET_INTERFACE     = 10
	SET_INTERFACE     = 11
	SYNCH_FRAME       = 12
)

// Descriptor types (p279, Table 9-5, USB2.0)
const (
	DEVICE           = 1
	CONFIGURATION    = 2
	STRING           = 3
	INTERFACE        = 4
	ENDPOINT         = 5
	DEVICE_QUALIFIER = 6
)

// Standard feature selectors (p280, Table 9-6, USB2.0)
const (
	ENDPOINT_HALT        = 0
	DEVICE_REMOTE_WAKEUP = 1
	TEST_MODE            = 2
)

// bmRequestType direction/type/recipient masks (p278, Table 9-2, USB2.0)
const (
	RequestDirectionIn = 0x80
	RequestTypeClass   = 0x20
	RequestTypeVendor  = 0x40
)

// ErrControlStall is returned by a SetupFunction, or by Device.HandleSetup,
// to signal that the control transfer is malformed and EP0 must be stalled.
var ErrControlStall = fmt.Errorf("usb: control transfer stalled")

// SetupData implements
// p276, Table 9-2. Format of Setup Data, USB2.0.
type SetupData struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
}

// SetupFunction represents the function to process class-specific setup
// requests (UAC Mute GET_CUR/SET_CUR, alt-setting switches that require
// side effects beyond recording AlternateSetting).
//
// The function is invoked before standard setup handlers and is expected to
// return an `in` buffer for transmission on EP0 IN; `ack` signals whether a
// zero-length status packet should be sent when `in` is empty. A non-nil
// `err` results in a stall. `done` signals whether standard handling should
// still run (false) when the class handler did not recognize the request.
type SetupFunction func(setup *SetupData) (in []byte, ack bool, done bool, err error)

func trim(buf []byte, wLength uint16) []byte {
	if int(wLength) < len(buf) {
		buf = buf[0:wLength]
	}

	return buf
}

// getDescriptor serves GET_DESCRIPTOR for the standard descriptor types and
// for AUDIO_DESCRIPTOR_TYPE, which returns the class-specific AudioControl
// descriptor block out of configuration 0. Any other descriptor type
// stalls.
func getDescriptor(ctrl Controller, dev *Device, setup *SetupData) (err error) {
	bDescriptorType := setup.Value & 0xff
	index := setup.Value >> 8

	switch bDescriptorType {
	case DEVICE:
		log.Printf("usb: sending device descriptor")
		err = ctrl.Transmit(0x80, trim(dev.Descriptor.Bytes(), setup.Length))
	case CONFIGURATION:
		var conf []byte
		if conf, err = dev.Configuration(index); err == nil {
			log.Printf("usb: sending configuration descriptor %d (%d bytes)", index, setup.Length)
			err = ctrl.Transmit(0x80, trim(conf, setup.Length))
		}
	case STRING:
		if int(index+1) > len(dev.Strings) {
			err = ErrControlStall
		} else {
			log.Printf("usb: sending string descriptor %d", index)
			err = ctrl.Transmit(0x80, trim(dev.Strings[index], setup.Length))
		}
	case DEVICE_QUALIFIER:
		log.Printf("usb: sending device qualifier")
		err = ctrl.Transmit(0x80, dev.Qualifier.Bytes())
	case AUDIO_DESCRIPTOR_TYPE:
		var conf []byte
		if conf, err = dev.Configuration(0); err == nil {
			log.Printf("usb: sending audio control descriptor")
			// Skip the standard Configuration (9 bytes) and AudioControl
			// Interface (9 bytes) descriptors to reach the class-specific
			// AudioControl descriptor block.
			const skip = CONFIGURATION_LENGTH + INTERFACE_LENGTH
			err = ctrl.Transmit(0x80, trim(conf[skip:skip+USB_AUDIO_DESC_SIZ], setup.Length))
		}
	default:
		err = ErrControlStall
	}

	return
}

// HandleSetup dispatches a single EP0 control transfer: for class-type
// requests the device's SetupFunction (if any) is tried first, then the
// standard USB2.0 chapter 9 requests, where SET_INTERFACE is also delegated
// to the SetupFunction. It operates purely through the Controller
// interface, never on controller registers.
func (dev *Device) HandleSetup(ctrl Controller, setup *SetupData) error {
	if setup == nil {
		return nil
	}

	if setup.RequestType&RequestTypeClass != 0 && dev.Setup != nil {
		in, ack, done, err := dev.Setup(setup)

		if done {
			if err != nil {
				return ErrControlStall
			} else if len(in) != 0 {
				return ctrl.Transmit(0x80, in)
			} else if ack {
				return ctrl.Transmit(0x80, nil)
			}

			return nil
		}
	}

	switch setup.Request {
	case GET_STATUS:
		if dev.ConfigurationValue == 0 {
			return ErrControlStall
		}

		return ctrl.Transmit(0x80, []byte{0x00, 0x00})
	case CLEAR_FEATURE:
		if setup.Value != ENDPOINT_HALT {
			return ErrControlStall
		}

		return ctrl.Transmit(0x80, nil)
	case SET_ADDRESS:
		log.Printf("usb: setting address %d", setup.Value)
		return ctrl.Transmit(0x80, nil)
	case GET_DESCRIPTOR:
		return getDescriptor(ctrl, dev, setup)
	case GET_CONFIGURATION:
		return ctrl.Transmit(0x80, []byte{dev.ConfigurationValue})
	case SET_CONFIGURATION:
		dev.ConfigurationValue = uint8(setup.Value)
		log.Printf("usb: setting configuration value %d", dev.ConfigurationValue)
		return ctrl.Transmit(0x80, nil)
	case GET_INTERFACE:
		if dev.ConfigurationValue == 0 {
			return ErrControlStall
		}

		return ctrl.Transmit(0x80, []byte{dev.AlternateSetting})
	case SET_INTERFACE:
		if dev.Setup == nil {
			return ErrControlStall
		}

		in, ack, _, err := dev.Setup(setup)

		if err != nil {
			return ErrControlStall
		} else if len(in) != 0 {
			return ctrl.Transmit(0x80, in)
		} else if ack {
			return ctrl.Transmit(0x80, nil)
		}

		return nil
	default:
		return ErrControlStall
	}
}
