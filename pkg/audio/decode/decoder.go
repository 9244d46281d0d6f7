// ABOUTME: Decoder interface definition and format-code factory
// ABOUTME: Common push/pull contract for all streaming audio decoders
package decode

import (
	"fmt"

	"github.com/slimwire/slimwire-go/pkg/audio"
)

// Decoder is the push/pull contract every streaming decoder satisfies.
//
// Feed appends encoded bytes and always consumes the full slice;
// buffering is internal. ReadDecoded produces up to maxFrames frames of
// interleaved 32-bit MSB-aligned samples into out and returns the
// number of frames written. A return of 0 means either "need more
// input" or "finished"; IsFinished and HasError disambiguate.
type Decoder interface {
	// Feed appends encoded bytes. Returns the number consumed (always
	// the full length).
	Feed(data []byte) int

	// SetEOF signals that no more input will arrive.
	SetEOF()

	// ReadDecoded writes up to maxFrames decoded frames into out. out
	// must hold at least maxFrames * channels samples.
	ReadDecoded(out []int32, maxFrames int) int

	// FormatReady reports whether the stream format has been determined.
	FormatReady() bool

	// Format returns the decoded format. Valid once FormatReady.
	Format() audio.Format

	// IsFinished reports whether all input has been decoded and drained.
	IsFinished() bool

	// HasError reports whether a stream-fatal error occurred.
	HasError() bool

	// DecodedSamples returns the number of frames handed out so far.
	DecodedSamples() uint64

	// Flush resets the decoder for a new stream.
	Flush()
}

// RawPCMConfigurer is implemented by decoders that can play headerless
// streams using an externally supplied format.
type RawPCMConfigurer interface {
	SetRawPCMFormat(sampleRate, bitDepth, channels int, bigEndian bool)
}

// New creates a decoder for the given stream format code from the
// server's stream command: 'f' FLAC, 'm' MP3, 'o' Ogg Vorbis, 'a' AAC,
// 'p' PCM (WAV/AIFF container or raw).
func New(formatCode byte) (Decoder, error) {
	switch formatCode {
	case 'f':
		return NewFLAC(), nil
	case 'm':
		return NewMP3(), nil
	case 'o':
		return NewVorbis(), nil
	case 'a':
		return NewAAC(), nil
	case 'p':
		return NewPCM(), nil
	default:
		return nil, fmt.Errorf("unsupported format code %q", formatCode)
	}
}
