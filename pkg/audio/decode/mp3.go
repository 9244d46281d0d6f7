// ABOUTME: MP3 streaming decoder
// ABOUTME: Decodes MP3 via go-mp3 to MSB-aligned int32 samples
package decode

import (
	"errors"
	"fmt"
	"io"

	mp3 "github.com/hajimehoshi/go-mp3"

	"github.com/slimwire/slimwire-go/pkg/audio"
)

// MP3Decoder decodes an MP3 stream. ID3 tags, VBR headers and corrupted
// frames are resynchronised by the library.
type MP3Decoder struct {
	*pump
}

// NewMP3 creates an MP3 decoder.
func NewMP3() *MP3Decoder {
	return &MP3Decoder{pump: newPump(runMP3)}
}

func runMP3(p *pump, src *sourceBuffer, out *sampleBuffer) {
	dec, err := mp3.NewDecoder(src)
	if err != nil {
		p.fail(fmt.Errorf("mp3 init: %w", err))
		return
	}

	// go-mp3 always produces 16-bit little-endian stereo.
	p.setFormat(audio.Format{
		SampleRate: dec.SampleRate(),
		BitDepth:   16,
		Channels:   2,
	})

	buf := make([]byte, 8192)
	carry := 0
	for {
		n, err := dec.Read(buf[carry:])
		n += carry
		carry = 0

		usable := n &^ 1 // whole 16-bit values only
		if usable > 0 {
			samples := make([]int32, usable/2)
			for i := range samples {
				s := int16(uint16(buf[i*2]) | uint16(buf[i*2+1])<<8)
				samples[i] = audio.SampleFromInt16(s)
			}
			if !out.Push(samples) {
				return
			}
			if n > usable {
				buf[0] = buf[usable]
				carry = n - usable
			}
		}

		if err == io.EOF {
			return
		}
		if err != nil {
			if errors.Is(err, errAborted) {
				return
			}
			p.fail(fmt.Errorf("mp3 decode: %w", err))
			return
		}
	}
}
