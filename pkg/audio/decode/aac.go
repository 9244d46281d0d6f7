// ABOUTME: AAC streaming decoder
// ABOUTME: ADTS framing with llehouerou/go-aac frame decode, 16-bit out shifted to 32
package decode

import (
	"errors"
	"sync"

	aac "github.com/llehouerou/go-aac"
	"github.com/rs/zerolog/log"

	"github.com/slimwire/slimwire-go/pkg/audio"
)

// AACDecoder decodes an ADTS AAC stream. Transport-sync errors are
// expected on radio-style streams and resynchronise silently; an SBR
// (band-replicated) transition mid-stream updates the format in place.
type AACDecoder struct {
	mu sync.Mutex

	buf []byte
	off int

	dec         *aac.Decoder
	format      audio.Format
	formatReady bool

	pending []int32 // decoded samples not yet read

	eof      bool
	errored  bool
	finished bool
	decoded  uint64
}

// NewAAC creates an AAC decoder.
func NewAAC() *AACDecoder {
	return &AACDecoder{}
}

func (d *AACDecoder) Feed(data []byte) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.buf = append(d.buf, data...)
	return len(data)
}

func (d *AACDecoder) SetEOF() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.eof = true
}

func (d *AACDecoder) ReadDecoded(out []int32, maxFrames int) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.errored || d.finished {
		return 0
	}

	for len(d.pending) == 0 {
		if !d.decodeNextFrame() {
			break
		}
	}

	if !d.formatReady || d.format.Channels == 0 {
		return 0
	}

	maxSamples := maxFrames * d.format.Channels
	if maxSamples > len(out) {
		maxSamples = (len(out) / d.format.Channels) * d.format.Channels
	}
	n := len(d.pending)
	if n > maxSamples {
		n = maxSamples
	}
	n = (n / d.format.Channels) * d.format.Channels
	if n == 0 {
		if d.eof && len(d.buf)-d.off == 0 && len(d.pending) == 0 {
			d.finished = true
		}
		return 0
	}

	copy(out[:n], d.pending[:n])
	d.pending = d.pending[n:]
	frames := n / d.format.Channels
	d.decoded += uint64(frames)
	return frames
}

// decodeNextFrame tries to pull one ADTS frame out of the input buffer
// and decode it. Returns false when more input is needed or the stream
// ended.
func (d *AACDecoder) decodeNextFrame() bool {
	d.compact()
	frame, consumed, err := nextADTSFrame(d.buf[d.off:])
	d.off += consumed

	switch {
	case errors.Is(err, errADTSNoSync):
		if d.eof {
			d.finished = len(d.pending) == 0
			return false
		}
		// Transport sync lost; silently retry on next feed
		return false
	case errors.Is(err, errADTSNeedMore):
		if d.eof {
			if len(d.buf)-d.off > 0 {
				log.Warn().Str("comp", "decode").Msg("aac: truncated final frame")
			}
			d.finished = len(d.pending) == 0
		}
		return false
	}

	if d.dec == nil {
		dec, err := aac.NewDecoder(&aac.Config{OutputFormat: aac.OutputFormat16Bit})
		if err != nil {
			d.errored = true
			log.Error().Str("comp", "decode").Err(err).Msg("aac: decoder init failed")
			return false
		}
		if _, err := dec.Init(frame.data); err != nil {
			d.errored = true
			log.Error().Str("comp", "decode").Err(err).Msg("aac: stream init failed")
			return false
		}
		d.dec = dec
	}

	pcm, info, err := d.dec.Decode(frame.data)
	if err != nil {
		// Bad frame; the next sync word recovers the stream
		log.Debug().Str("comp", "decode").Err(err).Msg("aac: frame decode error")
		return true
	}

	rate := frame.sampleRate
	channels := frame.channels
	if info != nil && info.SampleRate > 0 {
		// SBR output may double the ADTS header rate mid-stream
		rate = int(info.SampleRate)
		channels = int(info.Channels)
	}
	if !d.formatReady || d.format.SampleRate != rate || d.format.Channels != channels {
		d.format = audio.Format{SampleRate: rate, BitDepth: 16, Channels: channels}
		d.formatReady = true
	}

	samples := make([]int32, len(pcm))
	for i, s := range pcm {
		samples[i] = audio.SampleFromInt16(s)
	}
	d.pending = append(d.pending, samples...)
	return true
}

func (d *AACDecoder) compact() {
	if d.off > compactAt {
		d.buf = append(d.buf[:0], d.buf[d.off:]...)
		d.off = 0
	}
}

func (d *AACDecoder) FormatReady() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.formatReady
}

func (d *AACDecoder) Format() audio.Format {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.format
}

func (d *AACDecoder) IsFinished() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.finished
}

func (d *AACDecoder) HasError() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.errored
}

func (d *AACDecoder) DecodedSamples() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.decoded
}

func (d *AACDecoder) Flush() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dec != nil {
		d.dec.Close()
		d.dec = nil
	}
	d.buf = nil
	d.off = 0
	d.format = audio.Format{}
	d.formatReady = false
	d.pending = nil
	d.eof = false
	d.errored = false
	d.finished = false
	d.decoded = 0
}

var _ Decoder = (*AACDecoder)(nil)
