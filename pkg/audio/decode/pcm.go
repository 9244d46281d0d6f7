// ABOUTME: PCM container decoder for WAV (RIFF) and AIFF streams
// ABOUTME: Streaming detect/parse/data state machine with raw headerless mode
package decode

import (
	"encoding/binary"
	"math"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/slimwire/slimwire-go/pkg/audio"
)

type pcmState int

const (
	pcmDetect pcmState = iota
	pcmParseWAV
	pcmParseAIFF
	pcmData
	pcmError
)

// PCMDecoder is the trivial "decoder" for uncompressed streams: a
// WAV/AIFF container parser plus endian/width conversion to MSB-aligned
// int32. A headerless stream plays raw once SetRawPCMFormat has been
// called with the server-supplied format.
type PCMDecoder struct {
	mu sync.Mutex

	state     pcmState
	headerBuf []byte
	dataBuf   []byte
	dataOff   int

	format        audio.Format
	formatReady   bool
	bigEndian     bool
	floatData     bool
	containerBits int // storage width; BitDepth can be narrower (EXTENSIBLE)

	dataRemaining uint64 // bytes left in the data chunk, 0 = unbounded
	bounded       bool

	rawConfigured bool
	rawFormat     audio.Format
	rawBigEndian  bool

	eof      bool
	errored  bool
	finished bool
	decoded  uint64
}

// NewPCM creates a PCM container decoder.
func NewPCM() *PCMDecoder {
	return &PCMDecoder{}
}

func (d *PCMDecoder) Feed(data []byte) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch d.state {
	case pcmDetect, pcmParseWAV, pcmParseAIFF:
		d.headerBuf = append(d.headerBuf, data...)
	case pcmData:
		d.dataBuf = append(d.dataBuf, data...)
	}
	return len(data)
}

func (d *PCMDecoder) SetEOF() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.eof = true
}

// SetRawPCMFormat supplies the format used when the stream has no
// recognised container signature (Roon and similar send bare PCM).
func (d *PCMDecoder) SetRawPCMFormat(sampleRate, bitDepth, channels int, bigEndian bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rawFormat = audio.Format{
		SampleRate: sampleRate,
		BitDepth:   bitDepth,
		Channels:   channels,
	}
	d.rawBigEndian = bigEndian
	d.rawConfigured = true
}

func (d *PCMDecoder) ReadDecoded(out []int32, maxFrames int) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.errored || d.finished {
		return 0
	}

	if d.state == pcmDetect {
		d.detectContainer()
	}
	switch d.state {
	case pcmParseWAV:
		d.parseWAVHeader()
	case pcmParseAIFF:
		d.parseAIFFHeader()
	}
	if d.state != pcmData {
		// EOF with an incomplete header: nothing more can ever decode
		if d.eof && !d.errored {
			d.finished = true
		}
		return 0
	}

	bytesPerSample := d.containerBits / 8
	bytesPerFrame := bytesPerSample * d.format.Channels
	if bytesPerFrame == 0 {
		return 0
	}

	availBytes := uint64(len(d.dataBuf) - d.dataOff)
	if d.bounded && availBytes > d.dataRemaining {
		availBytes = d.dataRemaining
	}

	framesAvail := int(availBytes) / bytesPerFrame
	frames := framesAvail
	if frames > maxFrames {
		frames = maxFrames
	}
	if frames*d.format.Channels > len(out) {
		frames = len(out) / d.format.Channels
	}
	if frames == 0 {
		// Finish only when no more data can arrive; an empty buffer just
		// means the next network read has not landed yet.
		if d.eof {
			d.finished = true
		}
		return 0
	}

	nBytes := frames * bytesPerFrame
	d.convertSamples(d.dataBuf[d.dataOff:d.dataOff+nBytes], out[:frames*d.format.Channels], bytesPerSample)

	d.dataOff += nBytes
	if d.dataOff > compactAt {
		d.dataBuf = append(d.dataBuf[:0], d.dataBuf[d.dataOff:]...)
		d.dataOff = 0
	}
	if d.bounded {
		d.dataRemaining -= uint64(nBytes)
		if d.dataRemaining == 0 {
			d.finished = true
		}
	}

	d.decoded += uint64(frames)
	return frames
}

func (d *PCMDecoder) detectContainer() bool {
	if len(d.headerBuf) < 4 {
		return false
	}

	switch string(d.headerBuf[:4]) {
	case "RIFF":
		d.state = pcmParseWAV
		log.Debug().Str("comp", "decode").Msg("pcm: WAV container detected")
		return true
	case "FORM":
		d.state = pcmParseAIFF
		log.Debug().Str("comp", "decode").Msg("pcm: AIFF container detected")
		return true
	}

	if d.rawConfigured {
		d.format = d.rawFormat
		d.bigEndian = d.rawBigEndian
		d.floatData = false
		d.containerBits = d.rawFormat.BitDepth
		d.formatReady = true
		d.bounded = false
		// Accumulated bytes are audio, not a header
		d.dataBuf = append(d.dataBuf, d.headerBuf...)
		d.headerBuf = nil
		d.state = pcmData
		log.Info().Str("comp", "decode").
			Int("rate", d.format.SampleRate).
			Int("bits", d.format.BitDepth).
			Int("channels", d.format.Channels).
			Bool("big_endian", d.bigEndian).
			Msg("pcm: raw stream")
		return true
	}

	log.Error().Str("comp", "decode").
		Hex("magic", d.headerBuf[:4]).
		Msg("pcm: unknown container signature")
	d.state = pcmError
	d.errored = true
	return false
}

// enterData moves excess header bytes into the data buffer and switches
// to the data state. dataStart is the offset of the first audio byte in
// headerBuf; it may lie beyond what has arrived so far.
func (d *PCMDecoder) enterData(dataStart int) {
	if dataStart < len(d.headerBuf) {
		d.dataBuf = append(d.dataBuf, d.headerBuf[dataStart:]...)
	}
	d.headerBuf = nil
	d.state = pcmData
}

func (d *PCMDecoder) convertSamples(src []byte, dst []int32, bytesPerSample int) {
	n := len(src) / bytesPerSample

	if d.floatData {
		for i := 0; i < n; i++ {
			bits := binary.LittleEndian.Uint32(src[i*4:])
			dst[i] = audio.SampleFromFloat(math.Float32frombits(bits))
		}
		return
	}

	if d.bigEndian {
		switch bytesPerSample {
		case 1:
			for i := 0; i < n; i++ {
				dst[i] = int32(int8(src[i])) << 24
			}
		case 2:
			for i := 0; i < n; i++ {
				dst[i] = audio.SampleFromInt16(int16(uint16(src[i*2])<<8 | uint16(src[i*2+1])))
			}
		case 3:
			for i := 0; i < n; i++ {
				dst[i] = audio.SampleFrom24BE(src[i*3], src[i*3+1], src[i*3+2])
			}
		case 4:
			for i := 0; i < n; i++ {
				dst[i] = int32(binary.BigEndian.Uint32(src[i*4:]))
			}
		}
		return
	}

	switch bytesPerSample {
	case 1:
		for i := 0; i < n; i++ {
			dst[i] = int32(int8(src[i])) << 24
		}
	case 2:
		for i := 0; i < n; i++ {
			dst[i] = audio.SampleFromInt16(int16(binary.LittleEndian.Uint16(src[i*2:])))
		}
	case 3:
		for i := 0; i < n; i++ {
			dst[i] = audio.SampleFrom24LE(src[i*3], src[i*3+1], src[i*3+2])
		}
	case 4:
		for i := 0; i < n; i++ {
			dst[i] = int32(binary.LittleEndian.Uint32(src[i*4:]))
		}
	}
}

func (d *PCMDecoder) FormatReady() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.formatReady
}

func (d *PCMDecoder) Format() audio.Format {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.format
}

func (d *PCMDecoder) IsFinished() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.finished
}

func (d *PCMDecoder) HasError() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.errored
}

func (d *PCMDecoder) DecodedSamples() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.decoded
}

func (d *PCMDecoder) Flush() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = pcmDetect
	d.headerBuf = nil
	d.dataBuf = nil
	d.dataOff = 0
	d.format = audio.Format{}
	d.formatReady = false
	d.bigEndian = false
	d.floatData = false
	d.containerBits = 0
	d.dataRemaining = 0
	d.bounded = false
	d.rawConfigured = false
	d.eof = false
	d.errored = false
	d.finished = false
	d.decoded = 0
}

var _ Decoder = (*PCMDecoder)(nil)
var _ RawPCMConfigurer = (*PCMDecoder)(nil)
