// ABOUTME: Tests for the Slimproto client against an in-process server
// ABOUTME: HELO handshake, heartbeat echo, callback routing, MAC derivation
package slimproto

import (
	"encoding/binary"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeServer accepts one client and exposes the raw connection.
type fakeServer struct {
	ln    net.Listener
	conns chan net.Conn
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &fakeServer{ln: ln, conns: make(chan net.Conn, 1)}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		s.conns <- conn
	}()
	t.Cleanup(func() { ln.Close() })
	return s
}

func (s *fakeServer) addr() (string, int) {
	a := s.ln.Addr().(*net.TCPAddr)
	return a.IP.String(), a.Port
}

// readClientMessage reads one client->server frame.
func readClientMessage(t *testing.T, conn net.Conn) (string, []byte) {
	t.Helper()
	head := make([]byte, 8)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(conn, head); err != nil {
		t.Fatalf("read frame head: %v", err)
	}
	n := binary.BigEndian.Uint32(head[4:])
	payload := make([]byte, n)
	if _, err := io.ReadFull(conn, payload); err != nil {
		t.Fatalf("read frame payload: %v", err)
	}
	return string(head[:4]), payload
}

// writeServerFrame writes one server->client frame.
func writeServerFrame(t *testing.T, conn net.Conn, opcode string, payload []byte) {
	t.Helper()
	frame := make([]byte, 2+4+len(payload))
	binary.BigEndian.PutUint16(frame, uint16(4+len(payload)))
	copy(frame[2:6], opcode)
	copy(frame[6:], payload)
	if _, err := conn.Write(frame); err != nil {
		t.Fatalf("write server frame: %v", err)
	}
}

func connectedClient(t *testing.T, config Config) (*Client, net.Conn) {
	t.Helper()
	srv := newFakeServer(t)
	c := NewClient(config)

	host, port := srv.addr()
	if err := c.Connect(host, port); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { c.Disconnect() })

	var conn net.Conn
	select {
	case conn = <-srv.conns:
	case <-time.After(5 * time.Second):
		t.Fatal("server never saw the connection")
	}

	// Registration: HELO then SETD with the player name
	opcode, payload := readClientMessage(t, conn)
	if opcode != "HELO" {
		t.Fatalf("expected HELO first, got %q", opcode)
	}
	if len(payload) < 36 {
		t.Fatalf("HELO too short: %d", len(payload))
	}
	if payload[0] != DeviceIDSqueezeslave {
		t.Errorf("device ID: got %d", payload[0])
	}

	opcode, payload = readClientMessage(t, conn)
	if opcode != "SETD" {
		t.Fatalf("expected SETD after HELO, got %q", opcode)
	}
	if payload[0] != 0 || string(payload[1:]) != config.PlayerName {
		t.Errorf("SETD name: got %q", payload[1:])
	}
	return c, conn
}

// The heartbeat must be echoed with the exact server timestamp and
// never reach the stream callback.
func TestHeartbeatEcho(t *testing.T) {
	var cbCalls int
	var mu sync.Mutex

	c, conn := connectedClient(t, Config{PlayerName: "test", MaxSampleRate: 192000})
	c.SetStreamCallback(func(cmd StrmCommand, httpRequest []byte) {
		mu.Lock()
		cbCalls++
		mu.Unlock()
	})
	go c.Run()

	strm := buildStrmPayload('t', '?', 0xDEADBEEF, 0, 0, "")
	writeServerFrame(t, conn, "strm", strm)

	opcode, payload := readClientMessage(t, conn)
	if opcode != "STAT" {
		t.Fatalf("expected STAT, got %q", opcode)
	}
	if string(payload[0:4]) != EventHeartbeat {
		t.Errorf("event: got %q", payload[0:4])
	}
	if got := binary.BigEndian.Uint32(payload[47:]); got != 0xDEADBEEF {
		t.Errorf("server timestamp echo: got 0x%08X", got)
	}

	mu.Lock()
	defer mu.Unlock()
	if cbCalls != 0 {
		t.Errorf("heartbeat invoked the stream callback %d times", cbCalls)
	}
}

func TestStreamStartReachesCallback(t *testing.T) {
	type received struct {
		cmd StrmCommand
		req string
	}
	got := make(chan received, 1)

	c, conn := connectedClient(t, Config{PlayerName: "test"})
	c.SetStreamCallback(func(cmd StrmCommand, httpRequest []byte) {
		got <- received{cmd, string(httpRequest)}
	})
	go c.Run()

	request := "GET /stream.flac HTTP/1.0\r\n\r\n"
	strm := buildStrmPayload('s', 'f', 0, 9000, 0, request)
	writeServerFrame(t, conn, "strm", strm)

	select {
	case r := <-got:
		if r.cmd.Command != 's' || r.cmd.Format != 'f' {
			t.Errorf("command: got %c/%c", r.cmd.Command, r.cmd.Format)
		}
		if r.req != request {
			t.Errorf("request: got %q", r.req)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stream callback never invoked")
	}
}

func TestVolumeCallbackAndSetdQuery(t *testing.T) {
	gains := make(chan [2]uint32, 1)

	c, conn := connectedClient(t, Config{PlayerName: "livingroom"})
	c.SetVolumeCallback(func(l, r uint32) {
		gains <- [2]uint32{l, r}
	})
	go c.Run()

	audg := make([]byte, audgCommandSize)
	binary.BigEndian.PutUint32(audg[10:], 0x00010000)
	binary.BigEndian.PutUint32(audg[14:], 0x00008000)
	writeServerFrame(t, conn, "audg", audg)

	select {
	case g := <-gains:
		if g[0] != 0x00010000 || g[1] != 0x00008000 {
			t.Errorf("gains: got %08X/%08X", g[0], g[1])
		}
	case <-time.After(5 * time.Second):
		t.Fatal("volume callback never invoked")
	}

	// Empty setd id 0 is a name query answered with SETD
	writeServerFrame(t, conn, "setd", []byte{0})
	opcode, payload := readClientMessage(t, conn)
	if opcode != "SETD" {
		t.Fatalf("expected SETD reply, got %q", opcode)
	}
	if string(payload[1:]) != "livingroom" {
		t.Errorf("name reply: got %q", payload[1:])
	}
}

func TestUnknownOpcodeIsSkipped(t *testing.T) {
	c, conn := connectedClient(t, Config{PlayerName: "test"})
	go c.Run()

	writeServerFrame(t, conn, "zzzz", []byte{1, 2, 3})

	// Client must keep running: a heartbeat still gets answered
	strm := buildStrmPayload('t', '?', 7, 0, 0, "")
	writeServerFrame(t, conn, "strm", strm)

	opcode, payload := readClientMessage(t, conn)
	if opcode != "STAT" || string(payload[0:4]) != EventHeartbeat {
		t.Fatalf("expected heartbeat STAT after unknown opcode, got %q", opcode)
	}
}

func TestDerivedMACIsStableAndLocal(t *testing.T) {
	a := NewClient(Config{PlayerName: "player-one"})
	a.generateMAC()
	b := NewClient(Config{PlayerName: "player-one"})
	b.generateMAC()
	other := NewClient(Config{PlayerName: "player-two"})
	other.generateMAC()

	if a.MAC() != b.MAC() {
		t.Error("same name must derive the same MAC")
	}
	if a.MAC() == other.MAC() {
		t.Error("different names should derive different MACs")
	}
	if a.MAC()[0] != 0x02 {
		t.Errorf("first byte must be locally-administered 0x02, got 0x%02X", a.MAC()[0])
	}
}

func TestCountersFlowIntoStat(t *testing.T) {
	c, conn := connectedClient(t, Config{PlayerName: "test"})
	go c.Run()

	c.UpdateStreamBytes(77)
	c.UpdateElapsed(3, 3210)
	c.UpdateBufferState(1000, 400, 2000, 900)

	if err := c.SendStat(EventTrackStarted, 0); err != nil {
		t.Fatalf("send stat: %v", err)
	}

	opcode, payload := readClientMessage(t, conn)
	if opcode != "STAT" {
		t.Fatalf("expected STAT, got %q", opcode)
	}
	if string(payload[0:4]) != EventTrackStarted {
		t.Errorf("event: got %q", payload[0:4])
	}
	if binary.BigEndian.Uint32(payload[19:]) != 77 {
		t.Errorf("bytes received: got %d", binary.BigEndian.Uint32(payload[19:]))
	}
	if binary.BigEndian.Uint32(payload[37:]) != 3 {
		t.Errorf("elapsed seconds: got %d", binary.BigEndian.Uint32(payload[37:]))
	}
	if binary.BigEndian.Uint32(payload[43:]) != 3210 {
		t.Errorf("elapsed ms: got %d", binary.BigEndian.Uint32(payload[43:]))
	}
	if binary.BigEndian.Uint32(payload[7:]) != 1000 || binary.BigEndian.Uint32(payload[11:]) != 400 {
		t.Errorf("stream buffer state mismatch")
	}

	c.ResetCounters()
	if err := c.SendStat(EventFlushed, 0); err != nil {
		t.Fatalf("send stat: %v", err)
	}
	_, payload = readClientMessage(t, conn)
	if binary.BigEndian.Uint32(payload[19:]) != 0 {
		t.Error("counters not reset")
	}
}

func TestMaxRateInCapabilities(t *testing.T) {
	c := NewClient(Config{PlayerName: "x", MaxSampleRate: 768000, DSDEnabled: true})
	caps := c.buildCapabilities()

	for _, want := range []string{"flc", "pcm", "aif", "wav", "mp3", "ogg", "aac", "dsf", "dff",
		"MaxSampleRate=768000", "Model=slimwire", "AccuratePlayPoints=1", "HasDigitalOut=1"} {
		if !strings.Contains(caps, want) {
			t.Errorf("capabilities missing %q: %s", want, caps)
		}
	}

	noDSD := NewClient(Config{PlayerName: "x", MaxSampleRate: 192000})
	if strings.Contains(noDSD.buildCapabilities(), "dsf") {
		t.Error("dsf advertised with DSD disabled")
	}
}
