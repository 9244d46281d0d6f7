// ABOUTME: FLAC streaming decoder
// ABOUTME: Decodes FLAC via mewkiz/flac to MSB-aligned int32 samples
package decode

import (
	"errors"
	"fmt"
	"io"

	"github.com/mewkiz/flac"
	"github.com/rs/zerolog/log"

	"github.com/slimwire/slimwire-go/pkg/audio"
)

// A FLAC frame carries its own CRC; a mismatch is recoverable, so a few
// consecutive parse failures are tolerated before the stream is
// declared unparseable.
const flacMaxFrameErrors = 3

// FLACDecoder decodes a FLAC stream, metadata blocks included.
type FLACDecoder struct {
	*pump
}

// NewFLAC creates a FLAC decoder. Metadata blocks (up to ~100 KB before
// the first audio frame) are consumed as input arrives; the format is
// ready once the STREAMINFO block has been parsed.
func NewFLAC() *FLACDecoder {
	return &FLACDecoder{pump: newPump(runFLAC)}
}

func runFLAC(p *pump, src *sourceBuffer, out *sampleBuffer) {
	stream, err := flac.New(src)
	if err != nil {
		p.fail(fmt.Errorf("flac metadata: %w", err))
		return
	}

	info := stream.Info
	p.setFormat(audio.Format{
		SampleRate:   int(info.SampleRate),
		BitDepth:     int(info.BitsPerSample),
		Channels:     int(info.NChannels),
		TotalSamples: info.NSamples,
	})

	shift := uint(32 - info.BitsPerSample)
	channels := int(info.NChannels)
	frameErrors := 0

	for {
		f, err := stream.ParseNext()
		if err == io.EOF {
			return
		}
		if err != nil {
			if errors.Is(err, errAborted) {
				return
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				log.Warn().Str("comp", "decode").Msg("flac: truncated final frame")
				return
			}
			frameErrors++
			log.Debug().Str("comp", "decode").Err(err).Msg("flac: frame error")
			if frameErrors > flacMaxFrameErrors {
				p.fail(fmt.Errorf("flac stream unparseable: %w", err))
				return
			}
			continue
		}
		frameErrors = 0

		n := int(f.Header.BlockSize)
		buf := make([]int32, n*channels)
		for ch := 0; ch < channels && ch < len(f.Subframes); ch++ {
			samples := f.Subframes[ch].Samples
			for i := 0; i < n && i < len(samples); i++ {
				buf[i*channels+ch] = samples[i] << shift
			}
		}
		if !out.Push(buf) {
			return
		}
	}
}
