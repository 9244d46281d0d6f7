// ABOUTME: Binary message codec for the Slimproto control protocol
// ABOUTME: Frame framing, opcode constants and byte-exact payload layouts
package slimproto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
)

// ErrShortFrame reports a server frame whose length field is below the
// 4-byte opcode minimum. The stream stays in sync; the caller skips it.
var ErrShortFrame = errors.New("slimproto: frame length below minimum")

// Port is the Slimproto control (and discovery) port.
const Port = 3483

// Device IDs for HELO.
const (
	DeviceIDSqueezebox2  = 4
	DeviceIDTransporter  = 5
	DeviceIDSqueezeslave = 8
)

// strm sub-commands.
const (
	StrmStart   = 's'
	StrmStop    = 'q'
	StrmPause   = 'p'
	StrmUnpause = 'u'
	StrmFlush   = 'f'
	StrmStatus  = 't'
	StrmSkip    = 'a'
)

// strm format codes.
const (
	FormatPCM  = 'p'
	FormatMP3  = 'm'
	FormatFLAC = 'f'
	FormatWMA  = 'w'
	FormatOgg  = 'o'
	FormatAAC  = 'a'
	FormatALAC = 'l'
	FormatDSD  = 'd'
)

// strm flags bits. Semantics are not fully exercised by servers in the
// wild; they are decoded but act as no-ops.
const (
	StrmFlagLoop      = 0x80
	StrmFlagNoRestart = 0x40
)

// STAT event codes (the subset this player emits).
const (
	EventConnected    = "STMc"
	EventHeaders      = "STMh"
	EventTrackStarted = "STMs"
	EventBufThreshold = "STMl"
	EventHeartbeat    = "STMt"
	EventPaused       = "STMp"
	EventResumed      = "STMr"
	EventFlushed      = "STMf"
	EventDecoderDone  = "STMd"
	EventUnderrun     = "STMu"
	EventNotConnected = "STMn"
)

const (
	strmCommandSize = 24
	audgCommandSize = 18
	heloFixedSize   = 36
	statPayloadSize = 53
)

// sampleRates maps the stream command's rate characters '0'..'9'.
var sampleRates = map[byte]int{
	'0': 11025, '1': 22050, '2': 32000, '3': 44100, '4': 48000,
	'5': 8000, '6': 12000, '7': 16000, '8': 24000, '9': 96000,
}

// sampleSizes maps the stream command's size characters '0'..'4'.
var sampleSizes = map[byte]int{
	'0': 8, '1': 16, '2': 20, '3': 24, '4': 32,
}

// SampleRateFromCode converts a rate character to Hz. '?' (and any
// unknown code) returns 0: self-describing, the decoder reports the
// actual rate.
func SampleRateFromCode(code byte) int {
	return sampleRates[code]
}

// SampleSizeFromCode converts a size character to bits. 0 means
// self-describing.
func SampleSizeFromCode(code byte) int {
	return sampleSizes[code]
}

// ChannelsFromCode converts a channel character. 0 means
// self-describing.
func ChannelsFromCode(code byte) int {
	switch code {
	case '1':
		return 1
	case '2':
		return 2
	default:
		return 0
	}
}

// StrmCommand is the fixed 24-byte strm payload header.
type StrmCommand struct {
	Command       byte // 's', 'q', 'p', 'u', 'f', 't', 'a'
	Autostart     byte // '0'-'3'
	Format        byte // 'p', 'f', 'd', ...
	PCMSampleSize byte // '0'-'4', '?'
	PCMSampleRate byte // '0'-'9', '?'
	PCMChannels   byte // '1', '2', '?'
	PCMEndian     byte // '0' big, '1' little, '?'
	Threshold     uint8
	SpdifEnable   byte
	TransPeriod   uint8
	TransType     byte
	Flags         uint8
	OutputThresh  uint8
	Reserved      uint8

	// ReplayGain carries 16.16 fixed-point gain on start; a pause
	// interval in ms on 'p'; the server timestamp to echo on 't'.
	ReplayGain uint32
	ServerPort uint16
	ServerIP   uint32 // 0 = use the control connection's peer
}

// ServerAddr returns the stream server IP, or nil when the command
// says to reuse the control connection's peer (IP 0).
func (c *StrmCommand) ServerAddr() net.IP {
	if c.ServerIP == 0 {
		return nil
	}
	ip := make(net.IP, 4)
	binary.BigEndian.PutUint32(ip, c.ServerIP)
	return ip
}

// ParseStrm decodes a strm payload into the fixed command header and
// the trailing HTTP request blob.
func ParseStrm(payload []byte) (StrmCommand, []byte, error) {
	if len(payload) < strmCommandSize {
		return StrmCommand{}, nil, fmt.Errorf("strm too short: %d bytes", len(payload))
	}

	cmd := StrmCommand{
		Command:       payload[0],
		Autostart:     payload[1],
		Format:        payload[2],
		PCMSampleSize: payload[3],
		PCMSampleRate: payload[4],
		PCMChannels:   payload[5],
		PCMEndian:     payload[6],
		Threshold:     payload[7],
		SpdifEnable:   payload[8],
		TransPeriod:   payload[9],
		TransType:     payload[10],
		Flags:         payload[11],
		OutputThresh:  payload[12],
		Reserved:      payload[13],
		ReplayGain:    binary.BigEndian.Uint32(payload[14:]),
		ServerPort:    binary.BigEndian.Uint16(payload[18:]),
		ServerIP:      binary.BigEndian.Uint32(payload[20:]),
	}
	return cmd, payload[strmCommandSize:], nil
}

// AudgCommand is the 18-byte audg payload. Gains are 16.16 fixed point
// in the new fields.
type AudgCommand struct {
	OldGainLeft  uint32
	OldGainRight uint32
	DVC          uint8
	Preamp       uint8
	NewGainLeft  uint32
	NewGainRight uint32
}

// ParseAudg decodes an audg payload. Servers newer than 7.0 append a
// sequence number, which is ignored.
func ParseAudg(payload []byte) (AudgCommand, error) {
	if len(payload) < audgCommandSize {
		return AudgCommand{}, fmt.Errorf("audg too short: %d bytes", len(payload))
	}
	return AudgCommand{
		OldGainLeft:  binary.BigEndian.Uint32(payload[0:]),
		OldGainRight: binary.BigEndian.Uint32(payload[4:]),
		DVC:          payload[8],
		Preamp:       payload[9],
		NewGainLeft:  binary.BigEndian.Uint32(payload[10:]),
		NewGainRight: binary.BigEndian.Uint32(payload[14:]),
	}, nil
}

// Helo carries the player registration payload.
type Helo struct {
	DeviceID     uint8
	Revision     uint8
	MAC          [6]byte
	UUID         [16]byte
	WLANChannels uint16
	BytesRecv    uint64
	Language     [2]byte
	Capabilities string
}

// Encode produces the 36-byte fixed payload followed by the
// capability string.
func (h *Helo) Encode() []byte {
	out := make([]byte, heloFixedSize, heloFixedSize+len(h.Capabilities))
	out[0] = h.DeviceID
	out[1] = h.Revision
	copy(out[2:8], h.MAC[:])
	copy(out[8:24], h.UUID[:])
	binary.BigEndian.PutUint16(out[24:], h.WLANChannels)
	binary.BigEndian.PutUint32(out[26:], uint32(h.BytesRecv>>32))
	binary.BigEndian.PutUint32(out[30:], uint32(h.BytesRecv))
	copy(out[34:36], h.Language[:])
	return append(out, h.Capabilities...)
}

// Stat is the 53-byte telemetry payload sent with every STAT message.
type Stat struct {
	Event           string // 4 chars
	StreamBufSize   uint32
	StreamBufFull   uint32
	BytesReceived   uint64
	SignalStrength  uint16 // 0xFFFF on wired
	Jiffies         uint32 // ms since session start
	OutputBufSize   uint32
	OutputBufFull   uint32
	ElapsedSeconds  uint32
	Voltage         uint16
	ElapsedMs       uint32
	ServerTimestamp uint32
	ErrorCode       uint16
}

// Encode produces the byte-exact STAT payload.
func (s *Stat) Encode() []byte {
	out := make([]byte, statPayloadSize)
	copy(out[0:4], s.Event)
	// out[4:7]: crlf, mas_init, mas_mode, all zero
	binary.BigEndian.PutUint32(out[7:], s.StreamBufSize)
	binary.BigEndian.PutUint32(out[11:], s.StreamBufFull)
	binary.BigEndian.PutUint32(out[15:], uint32(s.BytesReceived>>32))
	binary.BigEndian.PutUint32(out[19:], uint32(s.BytesReceived))
	binary.BigEndian.PutUint16(out[23:], s.SignalStrength)
	binary.BigEndian.PutUint32(out[25:], s.Jiffies)
	binary.BigEndian.PutUint32(out[29:], s.OutputBufSize)
	binary.BigEndian.PutUint32(out[33:], s.OutputBufFull)
	binary.BigEndian.PutUint32(out[37:], s.ElapsedSeconds)
	binary.BigEndian.PutUint16(out[41:], s.Voltage)
	binary.BigEndian.PutUint32(out[43:], s.ElapsedMs)
	binary.BigEndian.PutUint32(out[47:], s.ServerTimestamp)
	binary.BigEndian.PutUint16(out[51:], s.ErrorCode)
	return out
}

// WriteMessage frames a client->server message:
// [4-byte opcode][4-byte BE payload length][payload].
func WriteMessage(w io.Writer, opcode string, payload []byte) error {
	if len(opcode) != 4 {
		return fmt.Errorf("opcode must be 4 bytes, got %q", opcode)
	}
	frame := make([]byte, 8+len(payload))
	copy(frame[0:4], opcode)
	binary.BigEndian.PutUint32(frame[4:], uint32(len(payload)))
	copy(frame[8:], payload)
	_, err := w.Write(frame)
	return err
}

// ReadFrame reads one server->client frame:
// [2-byte BE length][4-byte opcode][payload], where the length covers
// opcode + payload. An undersized length is reported so the caller can
// skip the frame.
func ReadFrame(r io.Reader) (string, []byte, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", nil, err
	}
	frameLen := binary.BigEndian.Uint16(lenBuf[:])
	if frameLen < 4 {
		// Drain the undersized body so the next read starts on a frame boundary
		if _, err := io.CopyN(io.Discard, r, int64(frameLen)); err != nil {
			return "", nil, err
		}
		return "", nil, fmt.Errorf("%w: %d", ErrShortFrame, frameLen)
	}

	var opBuf [4]byte
	if _, err := io.ReadFull(r, opBuf[:]); err != nil {
		return "", nil, err
	}

	payload := make([]byte, frameLen-4)
	if len(payload) > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return "", nil, err
		}
	}
	return string(opBuf[:]), payload, nil
}
