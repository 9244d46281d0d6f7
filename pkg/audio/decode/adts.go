// ABOUTME: ADTS transport framing for AAC streams
// ABOUTME: Sync-word scan, header parse and frame extraction per ISO 14496-3
package decode

import "errors"

// errADTSNeedMore signals an incomplete frame at the end of the buffer.
var errADTSNeedMore = errors.New("decode: incomplete adts frame")

// errADTSNoSync signals that no sync word was found in the buffer.
var errADTSNoSync = errors.New("decode: no adts sync")

// adtsSampleRates is the sample rate index table from ISO 14496-3.
var adtsSampleRates = [...]int{
	96000, 88200, 64000, 48000, 44100, 32000, 24000, 22050,
	16000, 12000, 11025, 8000, 7350,
}

// adtsFrame is one complete ADTS frame (header included).
type adtsFrame struct {
	data       []byte
	sampleRate int
	channels   int
}

// nextADTSFrame scans data for the next complete ADTS frame.
// Returns the frame, the number of bytes consumed up to and including
// it (skipped garbage included), and an error:
//   - errADTSNeedMore: a sync word was found but the frame is not yet
//     complete; consumed covers only the garbage before the sync word.
//   - errADTSNoSync: no sync word anywhere; consumed discards all but
//     the last byte (which could begin a sync word).
func nextADTSFrame(data []byte) (adtsFrame, int, error) {
	offset := 0
	for {
		// Sync word: 12 set bits
		for offset+2 <= len(data) {
			if data[offset] == 0xFF && data[offset+1]&0xF0 == 0xF0 {
				break
			}
			offset++
		}
		if offset+2 > len(data) {
			consumed := len(data) - 1
			if consumed < 0 {
				consumed = 0
			}
			return adtsFrame{}, consumed, errADTSNoSync
		}

		if len(data)-offset < 7 {
			return adtsFrame{}, offset, errADTSNeedMore
		}

		sampleRateIdx := (data[offset+2] >> 2) & 0x0F
		if int(sampleRateIdx) >= len(adtsSampleRates) {
			// False sync; keep scanning
			offset++
			continue
		}

		channelCfg := (data[offset+2]&0x01)<<2 | (data[offset+3]>>6)&0x03

		frameLen := int(data[offset+3]&0x03)<<11 |
			int(data[offset+4])<<3 |
			int(data[offset+5]>>5)

		headerSize := 7
		if data[offset+1]&0x01 == 0 { // protection_absent clear: CRC present
			headerSize = 9
		}
		if frameLen < headerSize {
			offset++
			continue
		}

		if offset+frameLen > len(data) {
			return adtsFrame{}, offset, errADTSNeedMore
		}

		return adtsFrame{
			data:       data[offset : offset+frameLen],
			sampleRate: adtsSampleRates[sampleRateIdx],
			channels:   int(channelCfg),
		}, offset + frameLen, nil
	}
}
