// ABOUTME: DFF (DSDIFF) container header parser
// ABOUTME: Big-endian FRM8 chunk walk with PROP/SND sub-chunks, word-aligned
package dsd

import (
	"encoding/binary"

	"github.com/rs/zerolog/log"

	"github.com/slimwire/slimwire-go/pkg/audio"
)

// DFF layout: "FRM8"(4) + size(8) + "DSD "(4), then sub-chunks of
// ID(4) + size(8) + data. "PROP" (form type "SND ") nests "FS  ",
// "CHNL" and "CMPR"; the audio lives in a "DSD " data chunk. Every
// chunk is word-aligned, so an odd length is padded by one byte.
func (r *Reader) parseDFFHeader() bool {
	if len(r.headerBuf) < 16 {
		return false
	}

	p := r.headerBuf

	if string(p[0:4]) != "FRM8" || string(p[12:16]) != "DSD " {
		r.failf("dff: invalid FRM8/DSD header")
		return false
	}

	var (
		sampleRate uint32
		channels   uint32
		foundFS    bool
		foundCHNL  bool
		foundData  bool
		dataStart  int
		dataSize   uint64
	)

	pos := 16
	for pos+12 <= len(p) {
		chunkID := string(p[pos : pos+4])
		chunkSize := binary.BigEndian.Uint64(p[pos+4:])

		switch chunkID {
		case "PROP":
			if pos+16 > len(p) {
				return false
			}
			if string(p[pos+12:pos+16]) != "SND " {
				break
			}

			propEnd := pos + 12 + int(chunkSize)
			subPos := pos + 16
			for subPos+12 <= len(p) && subPos+12 <= propEnd {
				subID := string(p[subPos : subPos+4])
				subSize := binary.BigEndian.Uint64(p[subPos+4:])

				switch subID {
				case "FS  ":
					if subPos+16 > len(p) {
						return false
					}
					sampleRate = binary.BigEndian.Uint32(p[subPos+12:])
					foundFS = true
				case "CHNL":
					if subPos+14 > len(p) {
						return false
					}
					channels = uint32(binary.BigEndian.Uint16(p[subPos+12:]))
					foundCHNL = true
				case "CMPR":
					if subPos+16 > len(p) {
						return false
					}
					if string(p[subPos+12:subPos+16]) != "DSD " {
						r.failf("dff: compressed DSD not supported")
						return false
					}
				}

				subPos += 12 + int(subSize)
				if subPos&1 == 1 {
					subPos++
				}
			}

			pos = propEnd
			if pos&1 == 1 {
				pos++
			}
			continue

		case "DSD ":
			dataSize = chunkSize
			dataStart = pos + 12
			foundData = true
		}

		if foundData {
			break
		}

		pos += 12 + int(chunkSize)
		if pos&1 == 1 {
			pos++
		}
	}

	if !foundData {
		return false // need more header data
	}
	if !foundFS || sampleRate == 0 {
		r.failf("dff: missing FS (sample rate) chunk")
		return false
	}
	if !foundCHNL || channels == 0 {
		r.failf("dff: missing CHNL (channels) chunk")
		return false
	}
	if channels > 8 {
		r.failf("dff: invalid channel count")
		return false
	}

	r.format = audio.DSDFormat{
		SampleRate:    int(sampleRate),
		Channels:      int(channels),
		TotalDSDBytes: dataSize,
		Container:     audio.DSDContainerDFF,
		LSBFirst:      false,
	}
	r.dataRemaining = dataSize
	r.bounded = dataSize > 0
	r.formatReady = true

	log.Info().Str("comp", "dsd").
		Str("rate_name", audio.RateName(int(sampleRate))).
		Uint32("rate", sampleRate).
		Uint32("channels", channels).
		Uint64("data_bytes", dataSize).
		Msg("dff stream")

	r.enterData(dataStart)
	return true
}
