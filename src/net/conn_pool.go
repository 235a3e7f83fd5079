package net

import (
	"bufio"
	"net"
	"sync"

	"github.com/ugorji/go/codec"
)

const bufSize = 64 * 1024

// peerConn is an outgoing connection with its buffered msgpack codec.
type peerConn struct {
	target string
	conn   net.Conn
	w      *bufio.Writer
	dec    *codec.Decoder
	enc    *codec.Encoder
}

func newPeerConn(target string, conn net.Conn) *peerConn {
	w := bufio.NewWriterSize(conn, bufSize)
	return &peerConn{
		target: target,
		conn:   conn,
		w:      w,
		dec:    codec.NewDecoder(bufio.NewReaderSize(conn, bufSize), newHandle()),
		enc:    codec.NewEncoder(w, newHandle()),
	}
}

// connPool keeps up to max idle connections per target.
type connPool struct {
	mu     sync.Mutex
	max    int
	idle   map[string][]*peerConn
	closed bool
}

func newConnPool(max int) *connPool {
	return &connPool{
		max:  max,
		idle: make(map[string][]*peerConn),
	}
}

// get pops an idle connection to target, if any.
func (p *connPool) get(target string) *peerConn {
	p.mu.Lock()
	defer p.mu.Unlock()

	conns := p.idle[target]
	if len(conns) == 0 {
		return nil
	}
	c := conns[len(conns)-1]
	p.idle[target] = conns[:len(conns)-1]
	return c
}

// put returns a healthy connection. It is closed instead when the pool is
// full or closed.
func (p *connPool) put(c *peerConn) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || len(p.idle[c.target]) >= p.max {
		c.conn.Close()
		return
	}
	p.idle[c.target] = append(p.idle[c.target], c)
}

// close closes every idle connection and refuses new ones.
func (p *connPool) close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	for target, conns := range p.idle {
		for _, c := range conns {
			c.conn.Close()
		}
		delete(p.idle, target)
	}
}
