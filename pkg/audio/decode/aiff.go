// ABOUTME: FORM/AIFF streaming header parser
// ABOUTME: COMM/SSND chunk walk with 80-bit extended sample rate conversion
package decode

import (
	"encoding/binary"
	"math"

	"github.com/rs/zerolog/log"
)

// FORM(12) + COMM(26) + SSND(8)
const aiffMinHeader = 46

// parseAIFFHeader parses the FORM header accumulated so far. Returns
// true once COMM and SSND have been located; false means "need more
// bytes" unless an error was recorded.
func (d *PCMDecoder) parseAIFFHeader() bool {
	if len(d.headerBuf) < aiffMinHeader {
		return false
	}

	p := d.headerBuf

	if string(p[0:4]) != "FORM" || (string(p[8:12]) != "AIFF" && string(p[8:12]) != "AIFC") {
		log.Error().Str("comp", "decode").Msg("pcm: invalid AIFF header")
		d.state = pcmError
		d.errored = true
		return false
	}

	pos := 12
	foundComm := false
	foundSsnd := false
	dataStart := 0

	for pos+8 <= len(p) {
		chunkSize := int(binary.BigEndian.Uint32(p[pos+4:]))

		switch string(p[pos : pos+4]) {
		case "COMM":
			if pos+8+chunkSize > len(p) {
				return false // need more data
			}

			d.format.Channels = int(binary.BigEndian.Uint16(p[pos+8:]))
			numFrames := binary.BigEndian.Uint32(p[pos+10:])
			d.format.BitDepth = int(binary.BigEndian.Uint16(p[pos+14:]))
			d.format.SampleRate = int(extendedToUint32(p[pos+16 : pos+26]))
			d.format.TotalSamples = uint64(numFrames)
			d.containerBits = d.format.BitDepth

			if d.format.Channels == 0 || d.format.Channels > 8 {
				log.Error().Str("comp", "decode").
					Int("channels", d.format.Channels).
					Msg("pcm: invalid AIFF channel count")
				d.state = pcmError
				d.errored = true
				return false
			}

			d.bigEndian = true
			foundComm = true

		case "SSND":
			if pos+16 > len(p) {
				return false
			}

			// SSND payload starts with offset and blockSize fields
			offset := int(binary.BigEndian.Uint32(p[pos+8:]))
			d.dataRemaining = uint64(uint32(chunkSize)) - 8
			d.bounded = true
			dataStart = pos + 16 + offset
			foundSsnd = true
		}

		if foundComm && foundSsnd {
			break
		}

		// AIFF chunks are word-aligned
		pos += 8 + chunkSize
		if chunkSize&1 == 1 {
			pos++
		}
	}

	if !foundComm || !foundSsnd {
		return false
	}

	d.formatReady = true

	log.Info().Str("comp", "decode").
		Int("rate", d.format.SampleRate).
		Int("bits", d.format.BitDepth).
		Int("channels", d.format.Channels).
		Msg("pcm: AIFF")

	d.enterData(dataStart)
	return true
}

// extendedToUint32 converts an IEEE 754 80-bit extended float (1 sign,
// 15 exponent, 64 mantissa with explicit integer bit) to an integer
// sample rate, rounding to nearest.
func extendedToUint32(b []byte) uint32 {
	exponent := int(b[0]&0x7F)<<8 | int(b[1])
	var mantissa uint64
	for i := 0; i < 8; i++ {
		mantissa = mantissa<<8 | uint64(b[2+i])
	}

	if exponent == 0 && mantissa == 0 {
		return 0
	}

	f := math.Ldexp(float64(mantissa), exponent-16383-63)
	return uint32(f + 0.5)
}
