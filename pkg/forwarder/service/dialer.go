package service

import (
	"fmt"
	"net"
	"time"
)

// Dialer creates the stream socket the forwarder writes to. Custom
// implementations let tests and alternative transports stand in for a
// real fluentd endpoint.
type Dialer interface {
	Dial() (net.Conn, error)
}

type TCPDialer struct {
	address string
	timeout time.Duration
}

func NewTCPDialer(host string, port int, timeout time.Duration) *TCPDialer {
	return &TCPDialer{
		address: net.JoinHostPort(host, fmt.Sprintf("%d", port)),
		timeout: timeout,
	}
}

func (d *TCPDialer) Dial() (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", d.address, d.timeout)
	if err != nil {
		return nil, fmt.Errorf("error connecting to fluentd at %s: %w", d.address, err)
	}
	return conn, nil
}
