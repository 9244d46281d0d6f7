// ABOUTME: DSD repacking utilities
// ABOUTME: Byte de-interleave, U32_BE unpack and DoP extraction to planar layout
package dsd

// DeinterleaveToPlanar separates byte-interleaved DSD
// [c0 c1 c0 c1 ...] into planar [c0 c0 ...][c1 c1 ...]. len(src) must
// be a multiple of channels; dst must be at least as long as src.
func DeinterleaveToPlanar(src, dst []byte, channels int) {
	if channels < 2 {
		copy(dst, src)
		return
	}

	bytesPerChannel := len(src) / channels
	for i := 0; i < bytesPerChannel; i++ {
		for ch := 0; ch < channels; ch++ {
			dst[ch*bytesPerChannel+i] = src[i*channels+ch]
		}
	}
}

// DeinterleaveU32BE unpacks interleaved U32_BE DSD frames
// [c0: b3 b2 b1 b0][c1: b3 b2 b1 b0]... into planar bytes in correct
// temporal order. The byte swap restores the first temporal DSD byte,
// which the big-endian packing puts at the highest address of each
// word. dst needs numFrames*4*channels bytes.
func DeinterleaveU32BE(src, dst []byte, numFrames, channels int) {
	bytesPerChannel := numFrames * 4
	bytesPerFrame := 4 * channels

	for frame := 0; frame < numFrames; frame++ {
		srcOff := frame * bytesPerFrame
		for ch := 0; ch < channels; ch++ {
			s := srcOff + ch*4
			d := ch*bytesPerChannel + frame*4
			dst[d+0] = src[s+3]
			dst[d+1] = src[s+2]
			dst[d+2] = src[s+1]
			dst[d+3] = src[s+0]
		}
	}
}

// ConvertDoPToNative extracts DSD bytes from S32_LE DoP frames into
// planar native DSD. Each 32-bit DoP sample holds, little-endian in
// memory: pad, DSD LSB, DSD MSB, marker (0x05/0xFA alternating), and
// yields 2 DSD bytes MSB-first. dst needs numFrames*2*channels bytes.
func ConvertDoPToNative(src, dst []byte, numFrames, channels int) {
	bytesPerChannel := numFrames * 2
	srcBytesPerFrame := 4 * channels

	for frame := 0; frame < numFrames; frame++ {
		srcOff := frame * srcBytesPerFrame
		for ch := 0; ch < channels; ch++ {
			s := srcOff + ch*4
			d := ch*bytesPerChannel + frame*2
			dst[d+0] = src[s+2] // DSD MSB
			dst[d+1] = src[s+1] // DSD LSB
		}
	}
}

// DoPRate returns the DSD bit rate carried by a DoP stream at the
// given PCM container rate (16 DSD bits per PCM sample).
func DoPRate(containerRate int) int {
	return containerRate * 16
}

// NativeU32Rate returns the DSD bit rate carried by a native U32
// container at the given frame rate (32 DSD bits per frame).
func NativeU32Rate(containerRate int) int {
	return containerRate * 32
}
