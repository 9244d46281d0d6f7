// ABOUTME: Tests for ADTS transport framing
// ABOUTME: Sync scan, header fields, garbage resync, truncation handling
package decode

import (
	"errors"
	"testing"
)

// buildADTS assembles a syntactically valid ADTS frame of the given
// payload length at 44.1 kHz stereo (sample rate index 4, channel cfg 2).
func buildADTS(payloadLen int) []byte {
	frameLen := 7 + payloadLen
	h := make([]byte, 7)
	h[0] = 0xFF
	h[1] = 0xF1            // MPEG-4, layer 0, protection absent
	h[2] = 0x40 | (4 << 2) // profile LC(1)-1=0x40, sample rate index 4
	h[3] = byte(2<<6) | byte((frameLen>>11)&0x03)
	h[4] = byte(frameLen >> 3)
	h[5] = byte(frameLen&0x07)<<5 | 0x1F
	h[6] = 0xFC
	return append(h, make([]byte, payloadLen)...)
}

func TestNextADTSFrame(t *testing.T) {
	frame := buildADTS(20)

	got, consumed, err := nextADTSFrame(frame)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if consumed != len(frame) {
		t.Errorf("expected %d consumed, got %d", len(frame), consumed)
	}
	if got.sampleRate != 44100 {
		t.Errorf("expected 44100, got %d", got.sampleRate)
	}
	if got.channels != 2 {
		t.Errorf("expected 2 channels, got %d", got.channels)
	}
	if len(got.data) != len(frame) {
		t.Errorf("expected %d frame bytes, got %d", len(frame), len(got.data))
	}
}

func TestNextADTSFrameSkipsGarbage(t *testing.T) {
	garbage := []byte{0x00, 0x12, 0x34, 0x99}
	frame := buildADTS(8)
	data := append(append([]byte{}, garbage...), frame...)

	got, consumed, err := nextADTSFrame(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if consumed != len(data) {
		t.Errorf("expected %d consumed, got %d", len(data), consumed)
	}
	if got.sampleRate != 44100 {
		t.Errorf("expected resync to valid frame, rate %d", got.sampleRate)
	}
}

func TestNextADTSFrameNeedMore(t *testing.T) {
	frame := buildADTS(100)

	_, consumed, err := nextADTSFrame(frame[:30])
	if !errors.Is(err, errADTSNeedMore) {
		t.Fatalf("expected errADTSNeedMore, got %v", err)
	}
	if consumed != 0 {
		t.Errorf("expected 0 consumed for partial frame, got %d", consumed)
	}
}

func TestNextADTSFrameNoSync(t *testing.T) {
	data := []byte{0x01, 0x02, 0x03, 0x04, 0x05}

	_, consumed, err := nextADTSFrame(data)
	if !errors.Is(err, errADTSNoSync) {
		t.Fatalf("expected errADTSNoSync, got %v", err)
	}
	// All but the last byte is discardable
	if consumed != len(data)-1 {
		t.Errorf("expected %d consumed, got %d", len(data)-1, consumed)
	}
}

func TestNextADTSFrameBackToBack(t *testing.T) {
	a := buildADTS(10)
	b := buildADTS(12)
	data := append(append([]byte{}, a...), b...)

	_, consumed, err := nextADTSFrame(data)
	if err != nil {
		t.Fatalf("first frame: %v", err)
	}
	got, consumed2, err := nextADTSFrame(data[consumed:])
	if err != nil {
		t.Fatalf("second frame: %v", err)
	}
	if consumed2 != len(b) {
		t.Errorf("expected %d consumed, got %d", len(b), consumed2)
	}
	if len(got.data) != len(b) {
		t.Errorf("expected %d bytes, got %d", len(b), len(got.data))
	}
}
