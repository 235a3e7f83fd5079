package net

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/ugorji/go/codec"
)

// ErrTransportShutdown is returned by transports used after Close.
var ErrTransportShutdown = errors.New("transport shutdown")

// Frame types. A frame is the type byte followed by a msgpack envelope; the
// receiver answers every frame with a msgpack reply.
const (
	frameSend uint8 = iota
	frameRequest
)

// reply is the answer to a frame. Envelope is nil for one-way messages.
type reply struct {
	Error    string
	Envelope *Envelope `codec:",omitempty"`
}

// NetworkTransport exchanges envelopes with remote nodes over a StreamLayer.
// Outgoing connections are pooled per target; every inbound connection is
// served by its own goroutine until it is closed.
type NetworkTransport struct {
	stream    StreamLayer
	pool      *connPool
	timeout   time.Duration
	consumeCh chan RPC
	logger    *logrus.Entry

	shutdownCh chan struct{}

	mu       sync.Mutex
	shutdown bool
	inbound  map[net.Conn]struct{}
	handlers sync.WaitGroup
}

// NewTCPTransport binds a TCP socket and returns a NetworkTransport over it.
// advertise, when set, is the address announced to other nodes.
func NewTCPTransport(
	bindAddr string,
	advertise string,
	maxPool int,
	timeout time.Duration,
	logger *logrus.Entry,
) (*NetworkTransport, error) {
	stream, err := listenTCP(bindAddr, advertise)
	if err != nil {
		return nil, err
	}
	return NewNetworkTransport(stream, maxPool, timeout, logger), nil
}

// NewNetworkTransport creates a transport over a stream layer. maxPool bounds
// the idle connections kept per target and timeout is the I/O deadline of a
// round trip.
func NewNetworkTransport(
	stream StreamLayer,
	maxPool int,
	timeout time.Duration,
	logger *logrus.Entry,
) *NetworkTransport {
	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}

	return &NetworkTransport{
		stream:     stream,
		pool:       newConnPool(maxPool),
		timeout:    timeout,
		consumeCh:  make(chan RPC),
		logger:     logger.WithField("prefix", "transport"),
		shutdownCh: make(chan struct{}),
		inbound:    make(map[net.Conn]struct{}),
	}
}

// Close stops accepting connections, closes the pooled and inbound ones and
// waits for their handlers to return.
func (n *NetworkTransport) Close() error {
	n.mu.Lock()
	if n.shutdown {
		n.mu.Unlock()
		return nil
	}
	n.shutdown = true
	close(n.shutdownCh)
	for conn := range n.inbound {
		conn.Close()
	}
	n.mu.Unlock()

	err := n.stream.Close()
	n.pool.close()
	n.handlers.Wait()
	return err
}

// IsShutdown reports whether Close was called.
func (n *NetworkTransport) IsShutdown() bool {
	select {
	case <-n.shutdownCh:
		return true
	default:
		return false
	}
}

// Consumer implements the Transport interface.
func (n *NetworkTransport) Consumer() <-chan RPC {
	return n.consumeCh
}

// LocalAddr implements the Transport interface.
func (n *NetworkTransport) LocalAddr() string {
	if addr := n.stream.Addr(); addr != nil {
		return addr.String()
	}
	return ""
}

// AdvertiseAddr implements the Transport interface.
func (n *NetworkTransport) AdvertiseAddr() string {
	return n.stream.AdvertiseAddr()
}

// Send implements the Transport interface.
func (n *NetworkTransport) Send(target string, msg *Envelope) error {
	_, err := n.roundTrip(target, frameSend, n.timeout, msg)
	return err
}

// Request implements the Transport interface. A zero timeout uses the
// transport's.
func (n *NetworkTransport) Request(target string, msg *Envelope, timeout time.Duration) (*Envelope, error) {
	if timeout <= 0 {
		timeout = n.timeout
	}
	resp, err := n.roundTrip(target, frameRequest, timeout, msg)
	if err != nil {
		return nil, err
	}
	if resp == nil || resp.Kind() == UnknownMessage {
		return nil, fmt.Errorf("empty response from %s", target)
	}
	return resp, nil
}

func (n *NetworkTransport) roundTrip(target string, frame uint8, timeout time.Duration, msg *Envelope) (resp *Envelope, err error) {
	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
		}
		messagesSentCounter.WithLabelValues(msg.Kind().String(), result).Inc()
	}()

	if n.IsShutdown() {
		return nil, ErrTransportShutdown
	}

	c := n.pool.get(target)
	if c == nil {
		conn, err := n.stream.Dial(target, timeout)
		if err != nil {
			return nil, err
		}
		c = newPeerConn(target, conn)
	}

	if timeout > 0 {
		c.conn.SetDeadline(time.Now().Add(timeout))
	}

	var rep reply
	if err := writeFrame(c.w, c.enc, frame, msg); err != nil {
		c.conn.Close()
		return nil, err
	}
	if err := c.dec.Decode(&rep); err != nil {
		c.conn.Close()
		return nil, err
	}

	// The exchange completed, so the connection is in a clean state whatever
	// the remote error.
	n.pool.put(c)

	if rep.Error != "" {
		return nil, errors.New(rep.Error)
	}
	return rep.Envelope, nil
}

func writeFrame(w *bufio.Writer, enc *codec.Encoder, frame uint8, msg *Envelope) error {
	if err := w.WriteByte(frame); err != nil {
		return err
	}
	if err := enc.Encode(msg); err != nil {
		return err
	}
	return w.Flush()
}

// Listen accepts connections until the transport is closed.
func (n *NetworkTransport) Listen() {
	for {
		conn, err := n.stream.Accept()
		if err != nil {
			if n.IsShutdown() {
				return
			}
			n.logger.WithError(err).Error("Failed to accept connection")
			continue
		}

		if !n.track(conn) {
			conn.Close()
			return
		}

		n.logger.WithFields(logrus.Fields{
			"node": conn.LocalAddr(),
			"from": conn.RemoteAddr(),
		}).Debug("Accepted connection")

		go n.serve(conn)
	}
}

// track registers an inbound connection. It fails once the transport is
// closed.
func (n *NetworkTransport) track(conn net.Conn) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.shutdown {
		return false
	}
	n.inbound[conn] = struct{}{}
	n.handlers.Add(1)
	openConnsGauge.Inc()
	return true
}

func (n *NetworkTransport) untrack(conn net.Conn) {
	n.mu.Lock()
	delete(n.inbound, conn)
	n.mu.Unlock()
	conn.Close()
	openConnsGauge.Dec()
	n.handlers.Done()
}

// serve answers the frames of an inbound connection until it fails.
func (n *NetworkTransport) serve(conn net.Conn) {
	defer n.untrack(conn)

	r := bufio.NewReaderSize(conn, bufSize)
	w := bufio.NewWriterSize(conn, bufSize)
	dec := codec.NewDecoder(r, newHandle())
	enc := codec.NewEncoder(w, newHandle())

	for {
		err := n.serveFrame(r, dec, enc)
		if err == nil {
			err = w.Flush()
		}
		if err != nil {
			if err != io.EOF && !n.IsShutdown() {
				n.logger.WithError(err).Debug("Closing inbound connection")
			}
			return
		}
	}
}

func (n *NetworkTransport) serveFrame(r *bufio.Reader, dec *codec.Decoder, enc *codec.Encoder) error {
	frame, err := r.ReadByte()
	if err != nil {
		return err
	}
	if frame != frameSend && frame != frameRequest {
		return fmt.Errorf("unknown frame type %d", frame)
	}

	msg := new(Envelope)
	if err := dec.Decode(msg); err != nil {
		return err
	}
	messagesReceivedCounter.WithLabelValues(msg.Kind().String()).Inc()

	respCh := make(chan RPCResponse, 1)
	select {
	case n.consumeCh <- RPC{Command: msg, RespChan: respCh}:
	case <-n.shutdownCh:
		return ErrTransportShutdown
	}

	var resp RPCResponse
	select {
	case resp = <-respCh:
	case <-n.shutdownCh:
		return ErrTransportShutdown
	}

	rep := reply{}
	if resp.Error != nil {
		rep.Error = resp.Error.Error()
	}
	if frame == frameRequest {
		rep.Envelope = resp.Response
	}
	return enc.Encode(&rep)
}
