// ABOUTME: UDP broadcast discovery of the music server
// ABOUTME: Sends 'e' probes to port 3483 and takes any reply's source address
package slimproto

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrNoServerFound is returned when every discovery attempt times out.
var ErrNoServerFound = errors.New("slimproto: no server found")

const (
	discoveryAttempts = 3
	discoveryTimeout  = 5 * time.Second
)

// Discover broadcasts a discovery probe and returns the address of the
// first server that answers. Any reply counts; its source address is
// the server.
func Discover() (net.IP, error) {
	dst := &net.UDPAddr{IP: net.IPv4bcast, Port: Port}
	return discover(dst, discoveryAttempts, discoveryTimeout)
}

func discover(dst *net.UDPAddr, attempts int, timeout time.Duration) (net.IP, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero})
	if err != nil {
		return nil, fmt.Errorf("discovery socket: %w", err)
	}
	defer conn.Close()

	buf := make([]byte, 128)

	for i := 0; i < attempts; i++ {
		log.Debug().Str("comp", "slimproto").
			Int("attempt", i+1).
			Msg("discovery broadcast")

		if _, err := conn.WriteToUDP([]byte{'e'}, dst); err != nil {
			return nil, fmt.Errorf("discovery send: %w", err)
		}

		conn.SetReadDeadline(time.Now().Add(timeout))
		_, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
				continue
			}
			return nil, fmt.Errorf("discovery receive: %w", err)
		}

		log.Info().Str("comp", "slimproto").
			Str("server", src.IP.String()).
			Msg("server discovered")
		return src.IP, nil
	}

	return nil, ErrNoServerFound
}
