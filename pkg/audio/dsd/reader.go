// ABOUTME: DSD stream reader dispatching DSF, DFF and raw containers
// ABOUTME: Produces planar DSD bytes ready for the sink
package dsd

import (
	"github.com/rs/zerolog/log"

	"github.com/slimwire/slimwire-go/pkg/audio"
)

type readerState int

const (
	stateDetect readerState = iota
	stateParseDSF
	stateParseDFF
	stateData
	stateDone
	stateError
)

// Reader parses a DSD container stream and emits planar DSD bytes:
// all of channel 0, then all of channel 1, in temporal order. DSF data
// is already planar per block group; DFF and raw data are byte-
// interleaved and de-interleaved on read.
type Reader struct {
	state     readerState
	headerBuf []byte
	dataBuf   []byte

	format      audio.DSDFormat
	formatReady bool

	rawConfigured bool
	rawFormat     audio.DSDFormat

	dataRemaining uint64
	bounded       bool

	totalOutput uint64
	eof         bool
	errored     bool
	finished    bool
}

// NewReader creates a DSD stream reader.
func NewReader() *Reader {
	return &Reader{}
}

// SetRawDSDFormat supplies the format for headerless DSD streams.
// Raw data is assumed byte-interleaved, MSB-first (the DFF convention).
func (r *Reader) SetRawDSDFormat(dsdRate, channels int) {
	r.rawFormat = audio.DSDFormat{
		SampleRate: dsdRate,
		Channels:   channels,
		Container:  audio.DSDContainerRaw,
	}
	r.rawConfigured = true
}

// Feed appends container bytes. Always consumes the full slice.
func (r *Reader) Feed(data []byte) int {
	if r.state == stateDone || r.state == stateError {
		return len(data)
	}

	switch r.state {
	case stateDetect, stateParseDSF, stateParseDFF:
		r.headerBuf = append(r.headerBuf, data...)
		if r.state == stateDetect {
			r.detectContainer()
		}
		switch r.state {
		case stateParseDSF:
			r.parseDSFHeader()
		case stateParseDFF:
			r.parseDFFHeader()
		}
	case stateData:
		toAdd := uint64(len(data))
		if r.bounded && toAdd > r.dataRemaining {
			toAdd = r.dataRemaining
		}
		r.dataBuf = append(r.dataBuf, data[:toAdd]...)
		if r.bounded {
			r.dataRemaining -= toAdd
		}
	}
	return len(data)
}

// SetEOF signals that no more input will arrive.
func (r *Reader) SetEOF() {
	r.eof = true
}

// FormatReady reports whether the container header has been parsed.
func (r *Reader) FormatReady() bool {
	return r.formatReady
}

// Format returns the DSD format. Valid once FormatReady.
func (r *Reader) Format() audio.DSDFormat {
	return r.format
}

// HasError reports a stream-fatal container error.
func (r *Reader) HasError() bool {
	return r.errored
}

// IsFinished reports whether all data has been read out.
func (r *Reader) IsFinished() bool {
	return r.finished
}

// AvailableBytes exposes the unconsumed buffer size so the pipeline can
// apply back-pressure on its HTTP reads.
func (r *Reader) AvailableBytes() int {
	return len(r.dataBuf)
}

// TotalOutput returns the number of planar bytes emitted so far.
func (r *Reader) TotalOutput() uint64 {
	return r.totalOutput
}

// Flush resets the reader for a new stream.
func (r *Reader) Flush() {
	r.state = stateDetect
	r.headerBuf = nil
	r.dataBuf = nil
	r.format = audio.DSDFormat{}
	r.formatReady = false
	r.rawConfigured = false
	r.rawFormat = audio.DSDFormat{}
	r.dataRemaining = 0
	r.bounded = false
	r.totalOutput = 0
	r.eof = false
	r.errored = false
	r.finished = false
}

func (r *Reader) detectContainer() bool {
	if len(r.headerBuf) < 4 {
		return false
	}

	switch string(r.headerBuf[:4]) {
	case "DSD ":
		r.state = stateParseDSF
		log.Info().Str("comp", "dsd").Msg("detected DSF container")
		return true
	case "FRM8":
		r.state = stateParseDFF
		log.Info().Str("comp", "dsd").Msg("detected DFF (DSDIFF) container")
		return true
	}

	if r.rawConfigured {
		r.format = r.rawFormat
		r.formatReady = true
		r.bounded = false
		r.dataBuf = append(r.dataBuf, r.headerBuf...)
		r.headerBuf = nil
		r.state = stateData
		log.Info().Str("comp", "dsd").
			Int("rate", r.format.SampleRate).
			Int("channels", r.format.Channels).
			Msg("raw DSD stream")
		return true
	}

	log.Error().Str("comp", "dsd").
		Hex("magic", r.headerBuf[:4]).
		Msg("unknown container signature")
	r.state = stateError
	r.errored = true
	return false
}

// enterData moves bytes past the header into the data buffer, clipped
// to the declared data size.
func (r *Reader) enterData(dataStart int) {
	if dataStart < len(r.headerBuf) {
		toMove := uint64(len(r.headerBuf) - dataStart)
		if r.bounded && toMove > r.dataRemaining {
			toMove = r.dataRemaining
		}
		r.dataBuf = append(r.dataBuf, r.headerBuf[dataStart:dataStart+int(toMove)]...)
		if r.bounded {
			r.dataRemaining -= toMove
		}
	}
	r.headerBuf = nil
	r.state = stateData
}

// ReadPlanar writes up to len(out) bytes of planar DSD into out and returns
// the byte count. A partial final block group at true EOF is emitted
// channel-aligned.
func (r *Reader) ReadPlanar(out []byte) int {
	if r.state != stateData || !r.formatReady {
		return 0
	}

	var n int
	switch r.format.Container {
	case audio.DSDContainerDSF:
		n = r.readDSFBlocks(out)
	default:
		n = r.readInterleaved(out)
	}

	if n == 0 && len(r.dataBuf) == 0 && r.eof {
		r.finished = true
		r.state = stateDone
	}
	return n
}

// readDSFBlocks copies whole block groups, which are already planar:
// [blockSize bytes ch0][blockSize bytes ch1]...
func (r *Reader) readDSFBlocks(out []byte) int {
	blockGroup := r.format.BlockSize * r.format.Channels
	if blockGroup == 0 {
		return 0
	}

	groups := len(r.dataBuf) / blockGroup
	if maxGroups := len(out) / blockGroup; groups > maxGroups {
		groups = maxGroups
	}

	if groups == 0 {
		// Partial final group at true EOF: emit channel-aligned
		if r.eof && len(r.dataBuf) > 0 && (!r.bounded || r.dataRemaining == 0) {
			usable := (len(r.dataBuf) / r.format.Channels) * r.format.Channels
			if usable > len(out) {
				usable = (len(out) / r.format.Channels) * r.format.Channels
			}
			if usable == 0 {
				return 0
			}
			copy(out, r.dataBuf[:usable])
			r.dataBuf = r.dataBuf[usable:]
			r.totalOutput += uint64(usable)
			return usable
		}
		return 0
	}

	n := groups * blockGroup
	copy(out, r.dataBuf[:n])
	r.dataBuf = r.dataBuf[n:]
	r.totalOutput += uint64(n)
	return n
}

// readInterleaved de-interleaves byte-interleaved data (DFF and raw)
// into planar layout.
func (r *Reader) readInterleaved(out []byte) int {
	ch := r.format.Channels
	if ch == 0 || len(r.dataBuf) == 0 {
		return 0
	}

	usable := len(r.dataBuf)
	if usable > len(out) {
		usable = len(out)
	}
	usable = (usable / ch) * ch
	if usable == 0 {
		return 0
	}

	DeinterleaveToPlanar(r.dataBuf[:usable], out[:usable], ch)
	r.dataBuf = r.dataBuf[usable:]
	r.totalOutput += uint64(usable)
	return usable
}
