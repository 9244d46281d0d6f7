// ABOUTME: Audio type definitions
// ABOUTME: Defines PCM/DSD format descriptors and MSB-aligned sample helpers
package audio

// DSD bit rates, in Hz. DSD64 is 64x the CD rate; each tier doubles.
const (
	DSD64Rate  = 2822400
	DSD128Rate = 5644800
	DSD256Rate = 11289600
	DSD512Rate = 22579200
)

// Format describes decoded PCM audio. BitDepth records the source
// encoding only; samples delivered downstream are always 32-bit,
// MSB-aligned.
type Format struct {
	SampleRate   int
	BitDepth     int
	Channels     int
	TotalSamples uint64 // per channel, 0 if unknown
}

// DSDContainer identifies the layout DSD data arrived in.
type DSDContainer int

const (
	DSDContainerDSF DSDContainer = iota // block-interleaved
	DSDContainerDFF                     // byte-interleaved
	DSDContainerRaw                     // headerless, byte-interleaved
)

func (c DSDContainer) String() string {
	switch c {
	case DSDContainerDSF:
		return "dsf"
	case DSDContainerDFF:
		return "dff"
	case DSDContainerRaw:
		return "raw"
	default:
		return "unknown"
	}
}

// DSDFormat describes a planar DSD stream.
type DSDFormat struct {
	SampleRate    int // DSD bit rate in Hz (2822400 for DSD64)
	Channels      int
	BlockSize     int    // bytes per channel per block, nonzero for DSF only
	TotalDSDBytes uint64 // 0 if unknown
	Container     DSDContainer
	LSBFirst      bool // DSF stores bits LSB-first; DFF and raw are MSB-first
}

// RateName returns the marketing name for a DSD bit rate ("DSD64" etc).
func RateName(dsdBitRate int) string {
	switch {
	case dsdBitRate <= 2900000:
		return "DSD64"
	case dsdBitRate <= 5700000:
		return "DSD128"
	case dsdBitRate <= 11400000:
		return "DSD256"
	case dsdBitRate <= 22800000:
		return "DSD512"
	case dsdBitRate <= 45600000:
		return "DSD1024"
	default:
		return "DSD???"
	}
}

// SampleFromInt16 aligns a 16-bit sample in the upper half of the word.
func SampleFromInt16(sample int16) int32 {
	return int32(sample) << 16
}

// SampleFrom24LE reconstructs a little-endian 24-bit sample, MSB-aligned.
func SampleFrom24LE(b0, b1, b2 byte) int32 {
	return int32(b0)<<8 | int32(b1)<<16 | int32(b2)<<24
}

// SampleFrom24BE reconstructs a big-endian 24-bit sample, MSB-aligned.
func SampleFrom24BE(b0, b1, b2 byte) int32 {
	return int32(b0)<<24 | int32(b1)<<16 | int32(b2)<<8
}

// SampleFromFloat scales a [-1, 1] float sample to the full 32-bit range.
// Out-of-range input is clipped.
func SampleFromFloat(sample float32) int32 {
	f := float64(sample) * 2147483648.0
	if f >= 2147483647.0 {
		return 2147483647
	}
	if f <= -2147483648.0 {
		return -2147483648
	}
	return int32(f)
}

// AlignSample MSB-aligns a sample decoded at the given source bit depth.
func AlignSample(sample int32, bitDepth int) int32 {
	if bitDepth >= 32 {
		return sample
	}
	return sample << (32 - uint(bitDepth))
}
