// ABOUTME: Streaming audio decoder package for multiple codec support
// ABOUTME: Push-fed decoders normalising FLAC, MP3, Vorbis, AAC and PCM to int32
// Package decode provides push-fed streaming decoders.
//
// A decoder is fed encoded bytes as they arrive from the network and
// drained with ReadDecoded, which produces interleaved 32-bit
// MSB-aligned samples. Feeding and draining never block; pull-based
// codec libraries run against an internal blocking source on a
// per-stream goroutine.
//
// Supported stream formats: FLAC, MP3, Ogg Vorbis, AAC (ADTS), and PCM
// in WAV/RIFF or AIFF containers (or headerless with an explicit
// format).
//
// Example:
//
//	dec, err := decode.New('f')
//	dec.Feed(chunk)
//	n := dec.ReadDecoded(out, 1024)
package decode
