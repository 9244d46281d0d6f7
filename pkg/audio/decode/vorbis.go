// ABOUTME: Ogg Vorbis streaming decoder
// ABOUTME: Decodes Vorbis via jfreymuth/oggvorbis to full-scale int32 samples
package decode

import (
	"errors"
	"fmt"
	"io"

	"github.com/jfreymuth/oggvorbis"

	"github.com/slimwire/slimwire-go/pkg/audio"
)

// VorbisDecoder decodes an Ogg Vorbis stream. Initialisation happens
// once the Ogg BOS pages have arrived; float output is scaled to the
// full 32-bit range.
type VorbisDecoder struct {
	*pump
}

// NewVorbis creates an Ogg Vorbis decoder.
func NewVorbis() *VorbisDecoder {
	return &VorbisDecoder{pump: newPump(runVorbis)}
}

func runVorbis(p *pump, src *sourceBuffer, out *sampleBuffer) {
	r, err := oggvorbis.NewReader(src)
	if err != nil {
		p.fail(fmt.Errorf("vorbis init: %w", err))
		return
	}

	p.setFormat(audio.Format{
		SampleRate: r.SampleRate(),
		BitDepth:   16, // source is float; informational depth only
		Channels:   r.Channels(),
	})

	buf := make([]float32, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			samples := make([]int32, n)
			for i := 0; i < n; i++ {
				samples[i] = audio.SampleFromFloat(buf[i])
			}
			if !out.Push(samples) {
				return
			}
		}
		if err == io.EOF {
			return
		}
		if err != nil {
			if errors.Is(err, errAborted) {
				return
			}
			p.fail(fmt.Errorf("vorbis decode: %w", err))
			return
		}
	}
}
