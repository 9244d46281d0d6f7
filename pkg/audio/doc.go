// ABOUTME: Audio fundamentals package providing core types and utilities
// ABOUTME: Defines format descriptors and MSB-aligned sample conversions
// Package audio provides the normalised frame model shared by every
// decoder and the sink.
//
// All decoded PCM is expressed as 32-bit signed samples, MSB-aligned
// within the word (a 16-bit source is left-shifted by 16, a 24-bit
// source by 8), interleaved channel by channel. DSD streams are carried
// as planar 1-bit bitstreams: all bytes of channel 0, then all bytes of
// channel 1, MSB-first temporal order (LSB-first for DSF sources).
//
// Example:
//
//	format := audio.Format{
//	    SampleRate: 96000,
//	    BitDepth:   24,
//	    Channels:   2,
//	}
//
//	// Align a 24-bit sample in the 32-bit word
//	sample := audio.SampleFrom24BE(b0, b1, b2)
package audio
