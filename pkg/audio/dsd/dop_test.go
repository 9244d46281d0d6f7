// ABOUTME: Tests for DSD repacking utilities
// ABOUTME: Planar de-interleave, U32_BE byte order, DoP extraction
package dsd

import (
	"bytes"
	"testing"
)

func TestDeinterleaveToPlanarStereo(t *testing.T) {
	src := []byte{'L', 'R', 'l', 'r', '1', '2'}
	dst := make([]byte, len(src))
	DeinterleaveToPlanar(src, dst, 2)

	want := []byte{'L', 'l', '1', 'R', 'r', '2'}
	if !bytes.Equal(dst, want) {
		t.Fatalf("expected %q, got %q", want, dst)
	}
}

func TestDeinterleaveToPlanarMono(t *testing.T) {
	src := []byte{1, 2, 3}
	dst := make([]byte, 3)
	DeinterleaveToPlanar(src, dst, 1)
	if !bytes.Equal(dst, src) {
		t.Fatalf("mono must copy through, got %v", dst)
	}
}

func TestDeinterleaveU32BE(t *testing.T) {
	// One stereo frame: L word B3 B2 B1 B0, R word b3 b2 b1 b0.
	// Temporal order is the reverse of the big-endian byte order.
	src := []byte{0xB3, 0xB2, 0xB1, 0xB0, 0xA3, 0xA2, 0xA1, 0xA0}
	dst := make([]byte, 8)
	DeinterleaveU32BE(src, dst, 1, 2)

	want := []byte{0xB0, 0xB1, 0xB2, 0xB3, 0xA0, 0xA1, 0xA2, 0xA3}
	if !bytes.Equal(dst, want) {
		t.Fatalf("expected %v, got %v", want, dst)
	}
}

func TestConvertDoPToNative(t *testing.T) {
	// One stereo DoP frame, S32_LE in memory: pad, LSB, MSB, marker
	src := []byte{
		0x00, 0x34, 0x12, 0x05, // left: MSB 0x12, LSB 0x34
		0x00, 0x78, 0x56, 0x05, // right: MSB 0x56, LSB 0x78
	}
	dst := make([]byte, 4)
	ConvertDoPToNative(src, dst, 1, 2)

	want := []byte{0x12, 0x34, 0x56, 0x78}
	if !bytes.Equal(dst, want) {
		t.Fatalf("expected %v, got %v", want, dst)
	}
}

func TestDoPRates(t *testing.T) {
	// DoP at 176.4 kHz PCM carries DSD64
	if got := DoPRate(176400); got != 2822400 {
		t.Errorf("expected 2822400, got %d", got)
	}
	// Native U32 at 88.2 kHz frames carries DSD64
	if got := NativeU32Rate(88200); got != 2822400 {
		t.Errorf("expected 2822400, got %d", got)
	}
}
