// ABOUTME: Single-shot HTTP stream client over raw TCP
// ABOUTME: Verbatim request blob, header capture, icy-metaint stripping, timed reads
package stream

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrNotConnected is returned when reading without an open stream.
var ErrNotConnected = errors.New("stream: not connected")

const (
	// Headers larger than this indicate a broken peer.
	maxHeaderSize = 16 * 1024

	recvBufferSize = 256 * 1024
)

// Client fetches one track body over HTTP. The request blob from the
// stream command is sent verbatim; the response headers are captured
// for forwarding to the control server. An icy-metaint response header
// activates in-band metadata stripping, so reads only ever return
// audio bytes.
type Client struct {
	conn      net.Conn
	connected atomic.Bool

	headers    string
	statusCode int

	metaInterval int // bytes of audio between metadata blocks, 0 = none
	payloadLeft  int

	bytesReceived atomic.Uint64
}

// NewClient creates an idle HTTP stream client.
func NewClient() *Client {
	return &Client{}
}

// Connect opens a TCP connection, sends the request blob and reads the
// response headers. Safe to call on a connected client; the previous
// stream is torn down first.
func (c *Client) Connect(ip net.IP, port uint16, request []byte) error {
	c.Disconnect()

	c.headers = ""
	c.statusCode = 0
	c.metaInterval = 0
	c.payloadLeft = 0
	c.bytesReceived.Store(0)

	addr := net.JoinHostPort(ip.String(), strconv.Itoa(int(port)))
	log.Debug().Str("comp", "http").Str("addr", addr).Msg("connecting")

	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", addr, err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
		tcp.SetReadBuffer(recvBufferSize)
	}
	c.conn = conn

	if _, err := conn.Write(request); err != nil {
		conn.Close()
		return fmt.Errorf("send request: %w", err)
	}

	if err := c.readResponseHeaders(); err != nil {
		conn.Close()
		return fmt.Errorf("response headers: %w", err)
	}

	c.connected.Store(true)
	log.Info().Str("comp", "http").
		Int("status", c.statusCode).
		Msg("stream connected")
	log.Debug().Str("comp", "http").Str("headers", c.headers).Msg("response")
	return nil
}

// Disconnect shuts down both directions and releases the socket. It
// also unblocks any in-flight read, which is how the pipeline cancels.
// The conn stays set so a concurrent reader fails instead of faulting.
func (c *Client) Disconnect() {
	c.connected.Store(false)
	if c.conn != nil {
		if tcp, ok := c.conn.(*net.TCPConn); ok {
			tcp.CloseRead()
			tcp.CloseWrite()
		}
		c.conn.Close()
	}
}

// IsConnected reports whether the stream is open.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// Headers returns the verbatim response headers.
func (c *Client) Headers() string {
	return c.headers
}

// StatusCode returns the integer code from the status line.
func (c *Client) StatusCode() int {
	return c.statusCode
}

// BytesReceived returns the audio payload bytes read so far.
func (c *Client) BytesReceived() uint64 {
	return c.bytesReceived.Load()
}

// Read blocks for payload bytes. Returns 0, nil on EOF.
func (c *Client) Read(buf []byte) (int, error) {
	if c.conn == nil {
		return 0, ErrNotConnected
	}
	c.conn.SetReadDeadline(time.Time{})
	return c.readPayload(buf)
}

// ReadWithTimeout waits up to the timeout for readability, so the
// ingestion loop never stalls indefinitely. Returns 0, nil on timeout
// and on EOF; IsConnected disambiguates.
func (c *Client) ReadWithTimeout(buf []byte, timeout time.Duration) (int, error) {
	if c.conn == nil {
		return 0, ErrNotConnected
	}
	c.conn.SetReadDeadline(time.Now().Add(timeout))
	n, err := c.readPayload(buf)
	if err != nil {
		if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
			return 0, nil
		}
		return n, err
	}
	return n, nil
}

// readPayload reads audio bytes, transparently discarding in-band
// metadata blocks when icy-metaint is active.
func (c *Client) readPayload(buf []byte) (int, error) {
	if c.metaInterval > 0 {
		if c.payloadLeft == 0 {
			if err := c.skipMetadata(); err != nil {
				return 0, err
			}
		}
		if len(buf) > c.payloadLeft {
			buf = buf[:c.payloadLeft]
		}
	}

	n, err := c.conn.Read(buf)
	if n > 0 {
		c.bytesReceived.Add(uint64(n))
		if c.metaInterval > 0 {
			c.payloadLeft -= n
		}
	}
	if err != nil {
		if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
			return n, err
		}
		c.connected.Store(false)
		// Clean EOF: the server closed the connection at end of stream
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		return n, err
	}
	return n, nil
}

// skipMetadata consumes one metadata block: a length byte (value x 16
// = metadata byte count) followed by that many discarded bytes.
func (c *Client) skipMetadata() error {
	var lenByte [1]byte
	if err := c.readFull(lenByte[:]); err != nil {
		return err
	}

	metaLen := int(lenByte[0]) * 16
	if metaLen > 0 {
		discard := make([]byte, metaLen)
		if err := c.readFull(discard); err != nil {
			return err
		}
		log.Debug().Str("comp", "http").
			Int("bytes", metaLen).
			Msg("in-band metadata skipped")
	}

	c.payloadLeft = c.metaInterval
	return nil
}

func (c *Client) readFull(buf []byte) error {
	off := 0
	for off < len(buf) {
		n, err := c.conn.Read(buf[off:])
		off += n
		if err != nil {
			return err
		}
	}
	return nil
}

// readResponseHeaders reads byte-wise until CRLF CRLF. The server
// speaks HTTP/1.0 (or ICY), so headers are simple.
func (c *Client) readResponseHeaders() error {
	var sb strings.Builder
	sb.Grow(4096)

	endSeq := 0
	one := make([]byte, 1)
	c.conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	defer c.conn.SetReadDeadline(time.Time{})

	for {
		if _, err := c.conn.Read(one); err != nil {
			return fmt.Errorf("connection closed while reading headers: %w", err)
		}
		ch := one[0]
		sb.WriteByte(ch)

		// Track the \r\n\r\n terminator
		switch {
		case ch == '\r' && (endSeq == 0 || endSeq == 2):
			endSeq++
		case ch == '\n' && (endSeq == 1 || endSeq == 3):
			endSeq++
		default:
			endSeq = 0
		}
		if endSeq == 4 {
			break
		}

		if sb.Len() > maxHeaderSize {
			return fmt.Errorf("headers too large (>%d bytes)", maxHeaderSize)
		}
	}

	c.headers = sb.String()
	c.parseStatusLine()
	c.parseMetaInterval()

	if c.statusCode != 200 {
		log.Warn().Str("comp", "http").
			Int("status", c.statusCode).
			Msg("unexpected status")
	}
	return nil
}

// parseStatusLine extracts the integer code from "HTTP/1.0 200 OK" or
// "ICY 200 OK".
func (c *Client) parseStatusLine() {
	line := c.headers
	if i := strings.IndexByte(line, '\r'); i >= 0 {
		line = line[:i]
	}
	fields := strings.Fields(line)
	if len(fields) >= 2 {
		if code, err := strconv.Atoi(fields[1]); err == nil {
			c.statusCode = code
		}
	}
}

// parseMetaInterval looks for icy-metaint (case-insensitive) and arms
// metadata stripping.
func (c *Client) parseMetaInterval() {
	for _, line := range strings.Split(c.headers, "\r\n") {
		i := strings.IndexByte(line, ':')
		if i < 0 {
			continue
		}
		if !strings.EqualFold(strings.TrimSpace(line[:i]), "icy-metaint") {
			continue
		}
		val, err := strconv.Atoi(strings.TrimSpace(line[i+1:]))
		if err != nil || val <= 0 {
			return
		}
		c.metaInterval = val
		c.payloadLeft = val
		log.Debug().Str("comp", "http").
			Int("interval", val).
			Msg("icy metadata interval active")
		return
	}
}
