// ABOUTME: RIFF/WAVE streaming header parser
// ABOUTME: Handles integer PCM, IEEE float and WAVE_FORMAT_EXTENSIBLE fmt chunks
package decode

import (
	"encoding/binary"

	"github.com/rs/zerolog/log"
)

const (
	wavFormatPCM        = 1
	wavFormatIEEEFloat  = 3
	wavFormatExtensible = 0xFFFE

	// RIFF(12) + fmt(24) + data(8)
	wavMinHeader = 44
)

// parseWAVHeader parses the RIFF header accumulated so far. Returns
// true once the fmt and data chunks have been located and the decoder
// has entered the data state; false means "need more bytes" unless an
// error was recorded.
func (d *PCMDecoder) parseWAVHeader() bool {
	if len(d.headerBuf) < wavMinHeader {
		return false
	}

	p := d.headerBuf

	if string(p[0:4]) != "RIFF" || string(p[8:12]) != "WAVE" {
		log.Error().Str("comp", "decode").Msg("pcm: invalid WAV header")
		d.state = pcmError
		d.errored = true
		return false
	}

	pos := 12
	foundFmt := false
	foundData := false
	dataStart := 0

	for pos+8 <= len(p) {
		chunkSize := int(binary.LittleEndian.Uint32(p[pos+4:]))

		switch string(p[pos : pos+4]) {
		case "fmt ":
			if pos+8+chunkSize > len(p) {
				return false // need more data
			}

			audioFormat := int(binary.LittleEndian.Uint16(p[pos+8:]))
			isExtensible := audioFormat == wavFormatExtensible

			// EXTENSIBLE: the real format code is the first two bytes of
			// the SubFormat GUID at fmt offset 24
			if isExtensible {
				if chunkSize < 40 {
					log.Error().Str("comp", "decode").
						Int("size", chunkSize).
						Msg("pcm: EXTENSIBLE fmt chunk too small")
					d.state = pcmError
					d.errored = true
					return false
				}
				audioFormat = int(binary.LittleEndian.Uint16(p[pos+8+24:]))
			}

			if audioFormat != wavFormatPCM && audioFormat != wavFormatIEEEFloat {
				log.Error().Str("comp", "decode").
					Int("format", audioFormat).
					Msg("pcm: unsupported WAV format code")
				d.state = pcmError
				d.errored = true
				return false
			}
			d.floatData = audioFormat == wavFormatIEEEFloat

			d.format.Channels = int(binary.LittleEndian.Uint16(p[pos+10:]))
			d.format.SampleRate = int(binary.LittleEndian.Uint32(p[pos+12:]))
			d.format.BitDepth = int(binary.LittleEndian.Uint16(p[pos+22:]))
			d.containerBits = d.format.BitDepth

			// wValidBitsPerSample wins over the container width when set
			if isExtensible {
				validBits := int(binary.LittleEndian.Uint16(p[pos+8+18:]))
				if validBits > 0 {
					d.format.BitDepth = validBits
				}
			}

			if d.format.Channels == 0 || d.format.Channels > 8 {
				log.Error().Str("comp", "decode").
					Int("channels", d.format.Channels).
					Msg("pcm: invalid WAV channel count")
				d.state = pcmError
				d.errored = true
				return false
			}

			d.bigEndian = false
			foundFmt = true

		case "data":
			d.dataRemaining = uint64(uint32(chunkSize))
			d.bounded = d.dataRemaining > 0
			dataStart = pos + 8
			foundData = true
		}

		if foundFmt && foundData {
			break
		}

		// Chunks are word-aligned
		pos += 8 + chunkSize
		if chunkSize&1 == 1 {
			pos++
		}
	}

	if !foundFmt || !foundData {
		return false
	}

	containerBytes := d.containerBits / 8
	if containerBytes > 0 && d.format.Channels > 0 {
		d.format.TotalSamples = d.dataRemaining / uint64(containerBytes*d.format.Channels)
	}
	d.formatReady = true

	log.Info().Str("comp", "decode").
		Int("rate", d.format.SampleRate).
		Int("bits", d.format.BitDepth).
		Int("channels", d.format.Channels).
		Bool("float", d.floatData).
		Msg("pcm: WAV")

	d.enterData(dataStart)
	return true
}
