// USB device controller interface
// https://github.com/usbarmory/usb-audio-speaker
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package usb

// TransferType identifies the USB endpoint transfer type
// (p270, Table 9-13 bmAttributes, USB2.0).
type TransferType int

const (
	TransferControl     TransferType = 0
	TransferIsochronous TransferType = 1
	TransferBulk        TransferType = 2
	TransferInterrupt   TransferType = 3
)

// Controller is the complete set of USB device-stack primitives the speaker
// core requires from a host controller driver: endpoint lifecycle, transfer
// arming and completion for non-control transfers, and SOF frame-number
// observation. It exists so that descriptor construction and control-request
// dispatch, the ring buffer, the feedback controller and the audio class
// state machine never import register-level code directly -- a board wires
// a real controller (for example a TamaGo soc/nxp/usb-style driver) behind
// this interface, and tests wire a fake.
//
// Endpoint addresses follow the standard bEndpointAddress encoding: bit 7
// set for IN, the low nibble is the endpoint number.
type Controller interface {
	// OpenEndpoint configures an endpoint for the given transfer type and
	// maximum packet size and enables it.
	OpenEndpoint(address uint8, transferType TransferType, maxPacketSize uint16) error

	// CloseEndpoint disables a previously opened endpoint.
	CloseEndpoint(address uint8) error

	// FlushEndpoint discards any transfer in flight on the endpoint.
	FlushEndpoint(address uint8)

	// PrepareReceive arms an OUT endpoint to receive up to len(buf) bytes
	// into buf on the next host transfer.
	PrepareReceive(address uint8, buf []byte) error

	// Transmit queues buf for transmission on an IN endpoint.
	Transmit(address uint8, buf []byte) error

	// ReceivedSize returns the number of bytes written by the most recent
	// completed OUT transfer on the endpoint.
	ReceivedSize(address uint8) int

	// FrameNumber returns the 11-bit USB frame number (FNSOF) last
	// observed by the controller, used to resynchronize feedback
	// transmission after an isochronous IN incomplete event.
	FrameNumber() uint16
}
