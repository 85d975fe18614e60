package server

import (
	"net"
	"net/netip"
	"sync"
	"time"
)

var contextPool = &sync.Pool{
	New: func() interface{} {
		return &context{
			buf: make([]byte, bufSize),
		}
	},
}

const bufSize = 2048

func acquireContext() *context {
	return contextPool.Get().(*context)
}

func putContext(ctx *context) {
	ctx.reset()
	contextPool.Put(ctx)
}

// context carries one inbound datagram through the worker pool.
type context struct {
	conn   net.PacketConn
	addr   net.Addr
	client netip.AddrPort
	time   time.Time
	buf    []byte
}

func (c *context) reset() {
	c.conn = nil
	c.addr = nil
	c.client = netip.AddrPort{}
	c.time = time.Time{}
	c.buf = c.buf[:cap(c.buf)]
}
