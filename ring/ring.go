// Isochronous audio ring buffer
// https://github.com/usbarmory/usb-audio-speaker
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package ring implements the isochronous audio ring buffer that bridges
// the USB OUT streaming endpoint (producer) and the I2S/DMA playback engine
// (consumer).
//
// The buffer has exactly one writer (the USB DataOut handler, via Write)
// and one reader whose position is never advanced by
// this package: the DMA engine's progress, observable through its residual
// transfer counter (NDTR), is sampled once per SOF and reported through
// UpdateReadPointer.
package ring

import (
	"fmt"

	"github.com/usbarmory/usb-audio-speaker/dma"
)

// frameSize is the byte width of one stereo 16-bit PCM frame (2 channels *
// 2 bytes). The write pointer only ever advances by whole frames.
const frameSize = 4

// Ring is a single-producer/single-consumer byte ring buffer sized to hold
// a fixed number of audio frames.
type Ring struct {
	buf     []byte
	total   int
	wr      int
	rd      int
	region  *dma.Region
	dmaAddr uint
}

// New allocates a ring of the given total size in bytes, backed by a plain
// Go slice. total must be a positive multiple of the frame size.
func New(total int) (*Ring, error) {
	if total <= 0 || total%frameSize != 0 {
		return nil, fmt.Errorf("ring: size %d must be a positive multiple of %d", total, frameSize)
	}

	return &Ring{buf: make([]byte, total), total: total}, nil
}

// NewDMA allocates a ring backed by memory reserved out of a DMA region,
// for targets where the buffer must be reachable by both the CPU and the
// USB/DAC DMA engines. The reservation is word-aligned, preserving 4-byte
// frame alignment. Release frees the reservation back to the region.
func NewDMA(region *dma.Region, total int) (*Ring, error) {
	if total <= 0 || total%frameSize != 0 {
		return nil, fmt.Errorf("ring: size %d must be a positive multiple of %d", total, frameSize)
	}

	addr, buf := region.Reserve(total, frameSize)

	return &Ring{buf: buf, total: total, region: region, dmaAddr: addr}, nil
}

// Release returns a DMA-backed ring's memory to its owning region. It is a
// no-op for rings created with New.
func (r *Ring) Release() {
	if r.region != nil {
		r.region.Release(r.dmaAddr)
	}
}

// Buffer returns the underlying backing array, handed to the playback
// engine when playback starts.
func (r *Ring) Buffer() []byte {
	return r.buf
}

// Reset returns the ring to its power-up state: write and read pointers at
// zero, buffer contents zeroed. Used by the SET_INTERFACE alternate setting
// reset sequence, which zeroes the buffer along with both pointers.
func (r *Ring) Reset() {
	r.wr = 0
	r.rd = 0

	for i := range r.buf {
		r.buf[i] = 0
	}
}

// WritePointer returns the current producer offset.
func (r *Ring) WritePointer() int {
	return r.wr
}

// Write copies an isochronous OUT packet into the ring at the current
// write pointer, wrapping at the end of the buffer, and advances the write
// pointer by len(data). The caller is responsible for rejecting oversize
// packets before calling Write: such packets are dropped entirely, never
// partially written, so the write pointer never loses 4-byte alignment.
func (r *Ring) Write(data []byte) {
	if len(data) == 0 {
		return
	}

	n := len(data)
	end := r.wr + n

	if end <= r.total {
		copy(r.buf[r.wr:end], data)
	} else {
		split := r.total - r.wr
		copy(r.buf[r.wr:], data[:split])
		copy(r.buf[0:], data[split:])
	}

	r.wr = (r.wr + n) % r.total
}

// UpdateReadPointer records the consumer's current position, to be called
// once per SOF with the DMA engine's live transfer offset. It never
// advances the read pointer itself; the value is wholly owned by the
// caller.
func (r *Ring) UpdateReadPointer(rd int) {
	r.rd = ((rd % r.total) + r.total) % r.total
}

// WritableSamples returns the number of whole frames available between the
// write pointer and the read pointer, i.e. how much headroom the producer
// has before it would catch up to the consumer.
func (r *Ring) WritableSamples() int {
	dist := r.rd - r.wr
	if dist < 0 {
		dist += r.total
	}

	return dist / frameSize
}

// Capacity returns the total ring size in frames.
func (r *Ring) Capacity() int {
	return r.total / frameSize
}

// HalfFull reports whether the write pointer has advanced at least halfway
// around the buffer, the cold-start condition used by DataOut to decide
// when enough audio has accumulated to begin playback.
func (r *Ring) HalfFull() bool {
	return r.wr >= r.total/2
}
