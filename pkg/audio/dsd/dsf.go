// ABOUTME: DSF container header parser
// ABOUTME: Little-endian DSD/fmt/data chunk layout with block-interleaved data
package dsd

import (
	"encoding/binary"

	"github.com/rs/zerolog/log"

	"github.com/slimwire/slimwire-go/pkg/audio"
)

// DSF layout:
//
//	"DSD " chunk (28): magic(4) + chunkSize(8) + totalFileSize(8) + metadataOffset(8)
//	"fmt " chunk (52): magic(4) + chunkSize(8) + formatVersion(4) + formatID(4) +
//	                   channelType(4) + channelCount(4) + sampleRate(4) +
//	                   bitsPerSample(4) + sampleCount(8) + blockSizePerChannel(4) + reserved(4)
//	"data" chunk header (12): magic(4) + chunkSize(8)
const dsfMinHeader = 28 + 52 + 12

func (r *Reader) parseDSFHeader() bool {
	if len(r.headerBuf) < dsfMinHeader {
		return false
	}

	p := r.headerBuf

	if string(p[0:4]) != "DSD " {
		r.failf("dsf: invalid DSD chunk magic")
		return false
	}
	if string(p[28:32]) != "fmt " {
		r.failf("dsf: missing fmt chunk at offset 28")
		return false
	}

	fmtChunkSize := binary.LittleEndian.Uint64(p[32:])
	formatID := binary.LittleEndian.Uint32(p[44:])
	channelCount := binary.LittleEndian.Uint32(p[52:])
	sampleRate := binary.LittleEndian.Uint32(p[56:])
	bitsPerSample := binary.LittleEndian.Uint32(p[60:])
	sampleCount := binary.LittleEndian.Uint64(p[64:])
	blockSize := binary.LittleEndian.Uint32(p[72:])

	if formatID != 0 {
		r.failf("dsf: unsupported format ID (expected 0 = DSD raw)")
		return false
	}
	if bitsPerSample != 1 {
		log.Warn().Str("comp", "dsd").
			Uint32("bits", bitsPerSample).
			Msg("dsf: unexpected bitsPerSample")
	}
	if channelCount == 0 || channelCount > 8 {
		r.failf("dsf: invalid channel count")
		return false
	}
	if blockSize == 0 {
		r.failf("dsf: invalid block size 0")
		return false
	}

	// The fmt chunk size field carries the real fmt length; data starts
	// right after it
	dataChunkOffset := 28 + int(fmtChunkSize)
	if len(r.headerBuf) < dataChunkOffset+12 {
		return false
	}
	if string(p[dataChunkOffset:dataChunkOffset+4]) != "data" {
		r.failf("dsf: missing data chunk")
		return false
	}

	dataChunkSize := binary.LittleEndian.Uint64(p[dataChunkOffset+4:])
	dataBytes := dataChunkSize - 12

	r.format = audio.DSDFormat{
		SampleRate:    int(sampleRate),
		Channels:      int(channelCount),
		BlockSize:     int(blockSize),
		TotalDSDBytes: dataBytes,
		Container:     audio.DSDContainerDSF,
		LSBFirst:      true,
	}
	r.dataRemaining = dataBytes
	r.bounded = dataBytes > 0
	r.formatReady = true

	log.Info().Str("comp", "dsd").
		Str("rate_name", audio.RateName(int(sampleRate))).
		Uint32("rate", sampleRate).
		Uint32("channels", channelCount).
		Uint32("block", blockSize).
		Uint64("data_bytes", dataBytes).
		Uint64("samples_per_channel", sampleCount).
		Msg("dsf stream")

	r.enterData(dataChunkOffset + 12)
	return true
}

func (r *Reader) failf(msg string) {
	log.Error().Str("comp", "dsd").Msg(msg)
	r.state = stateError
	r.errored = true
}
