// ABOUTME: Slimproto TCP control client
// ABOUTME: Session lifecycle, receive loop, heartbeat echo and telemetry counters
package slimproto

import (
	"errors"
	"fmt"
	"hash/fnv"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ErrNotConnected is returned when sending without an established
// session.
var ErrNotConnected = errors.New("slimproto: not connected")

// Config describes the player identity presented to the server.
type Config struct {
	PlayerName    string
	MACAddress    string // empty = derive from PlayerName
	UUID          string // empty = all zeros
	MaxSampleRate int
	DSDEnabled    bool
	Model         string
}

// StreamCallback receives stream commands other than heartbeats.
type StreamCallback func(cmd StrmCommand, httpRequest []byte)

// VolumeCallback receives audg gain values (16.16 fixed point).
type VolumeCallback func(gainLeft, gainRight uint32)

// Client is a Slimproto session: it owns the control socket, the
// relative-jiffies clock and the telemetry counters the pipeline
// worker updates from its own thread.
type Client struct {
	config    Config
	mac       [6]byte
	startTime time.Time

	conn      net.Conn
	sendMu    sync.Mutex
	connected atomic.Bool
	running   atomic.Bool

	streamCb StreamCallback
	volumeCb VolumeCallback

	// Written by the pipeline worker, read by the telemetry sender.
	bytesReceived  atomic.Uint64
	elapsedSeconds atomic.Uint32
	elapsedMs      atomic.Uint32
	streamBufSize  atomic.Uint32
	streamBufFull  atomic.Uint32
	outputBufSize  atomic.Uint32
	outputBufFull  atomic.Uint32
}

// NewClient creates a client. The jiffies clock starts now.
func NewClient(config Config) *Client {
	return &Client{
		config:    config,
		startTime: time.Now(),
	}
}

// SetStreamCallback registers the stream command handler. Heartbeats
// are answered internally and never reach it.
func (c *Client) SetStreamCallback(cb StreamCallback) {
	c.streamCb = cb
}

// SetVolumeCallback registers the audg handler.
func (c *Client) SetVolumeCallback(cb VolumeCallback) {
	c.volumeCb = cb
}

// Connect dials the server, registers with HELO and announces the
// player name.
func (c *Client) Connect(server string, port int) error {
	if c.config.MACAddress != "" {
		hw, err := net.ParseMAC(c.config.MACAddress)
		if err != nil || len(hw) != 6 {
			return fmt.Errorf("invalid MAC address %q", c.config.MACAddress)
		}
		copy(c.mac[:], hw)
	} else {
		c.generateMAC()
	}
	log.Info().Str("comp", "slimproto").
		Str("mac", net.HardwareAddr(c.mac[:]).String()).
		Msg("player MAC")

	addr := net.JoinHostPort(server, fmt.Sprint(port))
	log.Info().Str("comp", "slimproto").Str("server", addr).Msg("connecting")

	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", addr, err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
	}

	c.conn = conn
	c.connected.Store(true)
	log.Info().Str("comp", "slimproto").Msg("connected")

	if err := c.sendHelo(); err != nil {
		c.Disconnect()
		return fmt.Errorf("send HELO: %w", err)
	}
	if err := c.sendSetd(0, c.config.PlayerName); err != nil {
		c.Disconnect()
		return fmt.Errorf("send SETD: %w", err)
	}
	return nil
}

// Disconnect sends BYE when possible, then closes the socket, which
// also unblocks a pending receive-loop read.
func (c *Client) Disconnect() {
	if c.connected.Swap(false) {
		c.sendBye()
	}
	c.running.Store(false)
	if c.conn != nil {
		c.conn.Close()
	}
}

// Stop ends the receive loop without the BYE handshake.
func (c *Client) Stop() {
	c.running.Store(false)
	if c.conn != nil {
		if tcp, ok := c.conn.(*net.TCPConn); ok {
			tcp.CloseRead()
		} else {
			c.conn.Close()
		}
	}
}

// IsConnected reports whether the session is established.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// PeerIP returns the server's address, used when a stream command
// carries IP 0.
func (c *Client) PeerIP() net.IP {
	if c.conn == nil {
		return nil
	}
	if tcp, ok := c.conn.RemoteAddr().(*net.TCPAddr); ok {
		return tcp.IP
	}
	return nil
}

// Run is the receive loop: read a frame, dispatch on opcode, repeat
// until the connection drops or Stop is called. Runs on its own
// goroutine.
func (c *Client) Run() {
	c.running.Store(true)
	log.Debug().Str("comp", "slimproto").Msg("receive loop started")

	for c.running.Load() {
		opcode, payload, err := ReadFrame(c.conn)
		if err != nil {
			if errors.Is(err, ErrShortFrame) {
				log.Warn().Str("comp", "slimproto").Err(err).Msg("skipping frame")
				continue
			}
			if c.running.Load() {
				log.Warn().Str("comp", "slimproto").Msg("lost connection to server")
			}
			break
		}
		c.dispatch(opcode, payload)
	}

	log.Debug().Str("comp", "slimproto").Msg("receive loop ended")
	c.connected.Store(false)
}

func (c *Client) dispatch(opcode string, payload []byte) {
	switch opcode {
	case "strm":
		c.handleStrm(payload)
	case "audg":
		c.handleAudg(payload)
	case "setd":
		c.handleSetd(payload)
	case "serv":
		if len(payload) >= 4 {
			ip := net.IPv4(payload[0], payload[1], payload[2], payload[3])
			log.Info().Str("comp", "slimproto").
				Str("addr", ip.String()).
				Msg("server redirect")
		}
	case "vers":
		log.Info().Str("comp", "slimproto").
			Str("version", string(payload)).
			Msg("server version")
	case "aude":
		log.Debug().Str("comp", "slimproto").Msg("aude received (audio enable)")
	case "vfdc", "grfe", "grfb":
		// Display commands; this player has no screen
	default:
		log.Debug().Str("comp", "slimproto").
			Str("opcode", opcode).
			Int("bytes", len(payload)).
			Msg("unknown command")
	}
}

func (c *Client) handleStrm(payload []byte) {
	cmd, httpRequest, err := ParseStrm(payload)
	if err != nil {
		log.Warn().Str("comp", "slimproto").Err(err).Msg("bad strm")
		return
	}

	switch cmd.Command {
	case StrmStatus:
		// Heartbeat: echo the server timestamp synchronously, never
		// through the stream callback
		c.SendStat(EventHeartbeat, cmd.ReplayGain)
		return

	case StrmStart:
		log.Info().Str("comp", "slimproto").
			Str("format", string(cmd.Format)).
			Str("rate", string(cmd.PCMSampleRate)).
			Str("size", string(cmd.PCMSampleSize)).
			Str("channels", string(cmd.PCMChannels)).
			Uint16("port", cmd.ServerPort).
			Msg("strm-s: start")
	case StrmStop:
		log.Info().Str("comp", "slimproto").Msg("strm-q: stop")
	case StrmPause:
		if cmd.ReplayGain > 0 {
			log.Info().Str("comp", "slimproto").
				Uint32("interval_ms", cmd.ReplayGain).
				Msg("strm-p: timed pause")
		} else {
			log.Info().Str("comp", "slimproto").Msg("strm-p: pause")
		}
	case StrmUnpause:
		log.Info().Str("comp", "slimproto").Msg("strm-u: unpause")
	case StrmFlush:
		log.Info().Str("comp", "slimproto").Msg("strm-f: flush")
	case StrmSkip:
		log.Info().Str("comp", "slimproto").
			Uint32("interval_ms", cmd.ReplayGain).
			Msg("strm-a: skip")
	default:
		log.Warn().Str("comp", "slimproto").
			Str("command", string(cmd.Command)).
			Msg("unknown strm command")
		return
	}

	if c.streamCb != nil {
		c.streamCb(cmd, httpRequest)
	}
}

func (c *Client) handleAudg(payload []byte) {
	cmd, err := ParseAudg(payload)
	if err != nil {
		log.Warn().Str("comp", "slimproto").Err(err).Msg("bad audg")
		return
	}

	// Logged and dropped: the pipeline is bit-perfect
	log.Debug().Str("comp", "slimproto").
		Uint32("gain_l", cmd.NewGainLeft).
		Uint32("gain_r", cmd.NewGainRight).
		Msg("audg ignored (bit-perfect mode)")

	if c.volumeCb != nil {
		c.volumeCb(cmd.NewGainLeft, cmd.NewGainRight)
	}
}

func (c *Client) handleSetd(payload []byte) {
	if len(payload) < 1 {
		return
	}

	id := payload[0]
	switch {
	case id == 0 && len(payload) > 1:
		name := strings.TrimRight(string(payload[1:]), "\x00")
		log.Info().Str("comp", "slimproto").
			Str("name", name).
			Msg("player name set by server")
	case id == 0:
		// Server queries the name
		c.sendSetd(0, c.config.PlayerName)
	default:
		log.Debug().Str("comp", "slimproto").
			Uint8("id", id).
			Int("bytes", len(payload)-1).
			Msg("setd")
	}
}

func (c *Client) sendHelo() error {
	caps := c.buildCapabilities()

	helo := Helo{
		DeviceID:     DeviceIDSqueezeslave,
		Revision:     0,
		MAC:          c.mac,
		Language:     [2]byte{'e', 'n'},
		Capabilities: caps,
	}
	if c.config.UUID != "" {
		if id, err := uuid.Parse(c.config.UUID); err == nil {
			copy(helo.UUID[:], id[:])
		}
	}

	if err := c.send("HELO", helo.Encode()); err != nil {
		return err
	}
	log.Info().Str("comp", "slimproto").Str("capabilities", caps).Msg("HELO sent")
	return nil
}

func (c *Client) sendBye() {
	// Written directly: Disconnect has already cleared the connected flag
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.conn == nil {
		return
	}
	if err := WriteMessage(c.conn, "BYE!", []byte{0}); err == nil {
		log.Debug().Str("comp", "slimproto").Msg("BYE sent")
	}
}

func (c *Client) sendSetd(id uint8, data string) error {
	payload := append([]byte{id}, data...)
	err := c.send("SETD", payload)
	if err == nil {
		log.Debug().Str("comp", "slimproto").
			Uint8("id", id).
			Str("data", data).
			Msg("setd sent")
	}
	return err
}

// SendStat reports telemetry for the given event, echoing the server
// timestamp (zero outside heartbeats).
func (c *Client) SendStat(event string, serverTimestamp uint32) error {
	stat := Stat{
		Event:           event,
		StreamBufSize:   c.streamBufSize.Load(),
		StreamBufFull:   c.streamBufFull.Load(),
		BytesReceived:   c.bytesReceived.Load(),
		SignalStrength:  0xFFFF, // wired
		Jiffies:         c.Jiffies(),
		OutputBufSize:   c.outputBufSize.Load(),
		OutputBufFull:   c.outputBufFull.Load(),
		ElapsedSeconds:  c.elapsedSeconds.Load(),
		ElapsedMs:       c.elapsedMs.Load(),
		ServerTimestamp: serverTimestamp,
	}

	err := c.send("STAT", stat.Encode())
	if err == nil && event != EventHeartbeat {
		// Heartbeat responses are too noisy to log (every 2 s)
		log.Debug().Str("comp", "slimproto").Str("event", event).Msg("STAT sent")
	}
	return err
}

// SendResp forwards the HTTP response headers to the server verbatim.
func (c *Client) SendResp(headers string) error {
	err := c.send("RESP", []byte(headers))
	if err == nil {
		log.Debug().Str("comp", "slimproto").
			Int("bytes", len(headers)).
			Msg("RESP sent")
	}
	return err
}

// send serialises frame writes so telemetry and responses cannot
// interleave.
func (c *Client) send(opcode string, payload []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.connected.Load() || c.conn == nil {
		return ErrNotConnected
	}
	return WriteMessage(c.conn, opcode, payload)
}

// UpdateStreamBytes sets the track-local bytes-received counter.
func (c *Client) UpdateStreamBytes(bytes uint64) {
	c.bytesReceived.Store(bytes)
}

// UpdateElapsed sets the played position reported in STAT.
func (c *Client) UpdateElapsed(seconds, milliseconds uint32) {
	c.elapsedSeconds.Store(seconds)
	c.elapsedMs.Store(milliseconds)
}

// UpdateBufferState sets the stream and output buffer fill levels.
func (c *Client) UpdateBufferState(streamBufSize, streamBufFull, outputBufSize, outputBufFull uint32) {
	c.streamBufSize.Store(streamBufSize)
	c.streamBufFull.Store(streamBufFull)
	c.outputBufSize.Store(outputBufSize)
	c.outputBufFull.Store(outputBufFull)
}

// ResetCounters clears the track-local counters on a new stream.
func (c *Client) ResetCounters() {
	c.bytesReceived.Store(0)
	c.elapsedSeconds.Store(0)
	c.elapsedMs.Store(0)
}

// Jiffies returns milliseconds since the session started.
func (c *Client) Jiffies() uint32 {
	return uint32(time.Since(c.startTime).Milliseconds())
}

// generateMAC derives a stable MAC from the player name with the
// locally-administered bit set.
func (c *Client) generateMAC() {
	h := fnv.New64a()
	h.Write([]byte(c.config.PlayerName))
	sum := h.Sum64()

	c.mac[0] = 0x02 // locally administered, unicast
	for i := 1; i < 6; i++ {
		c.mac[i] = byte(sum >> (uint(i-1) * 8))
	}
}

// MAC returns the player MAC in use.
func (c *Client) MAC() [6]byte {
	return c.mac
}

// buildCapabilities assembles the comma-separated HELO capability
// string: codec list first, then key=value features. The server splits
// on commas and matches codec tokens against ^[a-z][a-z0-9]{1,4}$.
func (c *Client) buildCapabilities() string {
	var caps strings.Builder

	caps.WriteString("flc,pcm,aif,wav,mp3,ogg,aac")
	if c.config.DSDEnabled {
		caps.WriteString(",dsf,dff")
	}

	model := c.config.Model
	if model == "" {
		model = "slimwire"
	}
	fmt.Fprintf(&caps, ",MaxSampleRate=%d", c.config.MaxSampleRate)
	fmt.Fprintf(&caps, ",Model=%s", model)
	fmt.Fprintf(&caps, ",ModelName=%s", model)
	caps.WriteString(",AccuratePlayPoints=1")
	caps.WriteString(",HasDigitalOut=1")

	return caps.String()
}
