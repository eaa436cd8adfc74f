// USB Audio Class explicit feedback computation
// https://github.com/usbarmory/usb-audio-speaker
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package feedback

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestNominalTable(t *testing.T) {
	cases := []struct {
		rate int
		want uint32
	}{
		{48000, 48 << 22},
		{96000, 96 << 22},
		{44100, (44 << 22) + (1<<22)/10},
	}

	for _, c := range cases {
		got, err := Nominal(c.rate)
		if err != nil {
			t.Fatalf("Nominal(%d): %v", c.rate, err)
		}

		if got != c.want {
			t.Fatalf("Nominal(%d) = %#x, want %#x", c.rate, got, c.want)
		}
	}

	if _, err := Nominal(22050); err == nil {
		t.Fatal("expected error for unsupported rate")
	}
}

// Steady-state 48kHz with writable samples exactly at the target headroom
// (160 frames for a 1920 byte ring) reports feedback equal to the nominal
// value, serialized as {0x00, 0x00, 0x0c}.
func TestComputeSteadyState(t *testing.T) {
	c, err := New(48000)
	if err != nil {
		t.Fatal(err)
	}

	got := c.Compute(160, 1920)
	if got != 48<<22 {
		t.Fatalf("steady state feedback = %#x, want %#x", got, uint32(48<<22))
	}

	wire := Serialize(got)
	if wire != [3]byte{0x00, 0x00, 0x0c} {
		t.Fatalf("serialized steady state = %v, want [0 0 12]", wire)
	}
}

func TestComputeClampsToDelta(t *testing.T) {
	c, err := New(48000)
	if err != nil {
		t.Fatal(err)
	}

	got := c.Compute(1_000_000, 1920)
	if got != uint32(48<<22)+Delta {
		t.Fatalf("feedback = %#x, want nominal+delta", got)
	}

	got = c.Compute(-1_000_000, 1920)
	if got != uint32(48<<22)-Delta {
		t.Fatalf("feedback = %#x, want nominal-delta", got)
	}
}

func TestShouldTransmitParityGating(t *testing.T) {
	c, err := New(48000)
	if err != nil {
		t.Fatal(err)
	}

	if !c.ShouldTransmit(5) {
		t.Fatal("transmission should be allowed before any incomplete event")
	}

	c.ObserveIncomplete(4) // even
	if c.ShouldTransmit(5) {
		t.Fatal("odd frame should not match even last-incomplete parity")
	}

	if !c.ShouldTransmit(6) {
		t.Fatal("even frame should match even last-incomplete parity")
	}

	c.Reset()
	if !c.ShouldTransmit(7) {
		t.Fatal("transmission should be allowed again after reset")
	}
}

// Compute always returns a value within [nominal-Delta, nominal+Delta].
func TestPropertyComputeBounded(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		rate := rapid.SampledFrom([]int{48000, 96000, 44100}).Draw(t, "rate")
		c, err := New(rate)
		assert.NoError(t, err)

		writable := rapid.IntRange(-100000, 100000).Draw(t, "writable")
		total := rapid.IntRange(4, 1<<20).Draw(t, "total")

		got := c.Compute(writable, total)

		assert.GreaterOrEqual(t, int64(got), int64(c.nominal)-Delta)
		assert.LessOrEqual(t, int64(got), int64(c.nominal)+Delta)
	})
}

// Serialize never reads more than the top 24 bits of the value (the low 8
// bits never influence the wire bytes).
func TestPropertySerializeDropsFractionalByte(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		v := rapid.Uint32().Draw(t, "v")
		lowByteVaried := v &^ 0xff

		for lsb := 0; lsb < 256; lsb++ {
			got := Serialize(lowByteVaried | uint32(lsb))
			want := Serialize(lowByteVaried)
			assert.Equal(t, want, got)
		}
	})
}
