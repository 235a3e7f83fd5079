package net

import (
	"errors"
	"net"
	"time"
)

var (
	errNotAdvertisable = errors.New("local bind address is not advertisable")
	errNotTCP          = errors.New("local address is not a TCP address")
)

// StreamLayer is the connection-oriented layer under a NetworkTransport.
type StreamLayer interface {
	net.Listener

	// Dial opens an outgoing connection.
	Dial(address string, timeout time.Duration) (net.Conn, error)

	// AdvertiseAddr is the address other nodes use to reach this one.
	AdvertiseAddr() string
}

// tcpStream is a StreamLayer over plain TCP.
type tcpStream struct {
	*net.TCPListener
	advertise string
}

// listenTCP binds bindAddr. The advertised address defaults to the bound one
// and must be a concrete TCP address.
func listenTCP(bindAddr, advertise string) (*tcpStream, error) {
	ln, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return nil, err
	}

	addr := ln.Addr()
	if advertise != "" {
		if addr, err = net.ResolveTCPAddr("tcp", advertise); err != nil {
			ln.Close()
			return nil, err
		}
	}

	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		ln.Close()
		return nil, errNotTCP
	}
	if tcpAddr.IP.IsUnspecified() {
		ln.Close()
		return nil, errNotAdvertisable
	}

	return &tcpStream{
		TCPListener: ln.(*net.TCPListener),
		advertise:   advertise,
	}, nil
}

func (s *tcpStream) Dial(address string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("tcp", address, timeout)
}

func (s *tcpStream) AdvertiseAddr() string {
	if s.advertise != "" {
		return s.advertise
	}
	return s.Addr().String()
}
