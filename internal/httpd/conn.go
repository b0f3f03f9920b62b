package httpd

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	log "github.com/sirupsen/logrus"
)

const recvBufSize = 2048

var ErrConnClosed = errors.New("connection closed")

// Conn is one client connection accepted by an Instance. It keeps the parsed request, an opaque slot for the
// cgi's per-connection data and the output path: bytes are buffered under the instance lock by Send, handed to
// an outbound queue by Flush and written to the socket by a writer goroutine, so no socket I/O happens while the
// instance lock is held.
type Conn struct {
	inst *Instance
	raw  net.Conn
	br   *bufio.Reader

	req   *http.Request
	vars  map[string]string
	cgi   Cgi
	valve *Valve

	// atomic
	closed uint32

	// protected by the instance lock
	pending []byte

	outM   sync.Mutex
	out    *queue.Queue
	outSig chan struct{}

	quit     chan struct{}
	quitOnce sync.Once
	drained  chan struct{}

	// serialises calls into the cgi and the receive handler
	cgiM    sync.Mutex
	recvHdl func(data []byte) CgiStatus

	slotM sync.Mutex
	slot  interface{}
}

func newConn(inst *Instance, raw net.Conn) *Conn {
	return &Conn{
		inst:    inst,
		raw:     raw,
		br:      bufio.NewReader(raw),
		valve:   MakeValve(0, 0),
		out:     queue.New(),
		outSig:  make(chan struct{}, 1),
		quit:    make(chan struct{}),
		drained: make(chan struct{}),
	}
}

func (c *Conn) Header(key string) string { return c.req.Header.Get(key) }
func (c *Conn) URL() string              { return c.req.URL.Path }
func (c *Conn) Request() *http.Request   { return c.req }

// Vars returns the route variables of the matched route
func (c *Conn) Vars() map[string]string { return c.vars }

// Arg is the Arg of the Cgi this connection was routed to
func (c *Conn) Arg() interface{} { return c.cgi.Arg }
func (c *Conn) Valve() *Valve    { return c.valve }

func (c *Conn) RemoteAddr() string {
	if addr := c.raw.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

func (c *Conn) IsClosed() bool { return atomic.LoadUint32(&c.closed) == 1 }

func (c *Conn) Slot() interface{} {
	c.slotM.Lock()
	defer c.slotM.Unlock()
	return c.slot
}

func (c *Conn) SetSlot(v interface{}) {
	c.slotM.Lock()
	c.slot = v
	c.slotM.Unlock()
}

// SetRecvHandler makes the connection hand every subsequently received byte to h instead of the cgi
func (c *Conn) SetRecvHandler(h func(data []byte) CgiStatus) {
	c.recvHdl = h
}

// WriteResponse buffers a response head. Responses other than 101 carry no body and close the connection.
// Caller must hold the instance lock.
func (c *Conn) WriteResponse(code int, header http.Header) {
	if header == nil {
		header = http.Header{}
	} else {
		header = header.Clone()
	}
	if code != http.StatusSwitchingProtocols {
		header.Set("Content-Length", "0")
		header.Set("Connection", "close")
	}
	var b bytes.Buffer
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", code, http.StatusText(code))
	_ = header.Write(&b)
	b.WriteString("\r\n")
	c.pending = append(c.pending, b.Bytes()...)
}

// Send buffers p. Caller must hold the instance lock.
func (c *Conn) Send(p []byte) {
	c.pending = append(c.pending, p...)
}

// Flush hands everything buffered by Send to the writer. Caller must hold the instance lock.
func (c *Conn) Flush() error {
	if c.IsClosed() {
		c.pending = c.pending[:0]
		return ErrConnClosed
	}
	if len(c.pending) == 0 {
		return nil
	}
	buf := make([]byte, len(c.pending))
	copy(buf, c.pending)
	c.pending = c.pending[:0]

	c.outM.Lock()
	c.out.Add(buf)
	c.outM.Unlock()
	select {
	case c.outSig <- struct{}{}:
	default:
	}
	return nil
}

// Respond writes a bodyless response with the given status
func (c *Conn) Respond(code int) error {
	c.inst.Lock()
	defer c.inst.Unlock()
	c.WriteResponse(code, nil)
	return c.Flush()
}

func (c *Conn) markClosed() { atomic.StoreUint32(&c.closed, 1) }

// finish stops the connection. Anything already flushed is still written out before the socket is closed. A read
// blocked in serve is woken up so it can move on to the lingering close.
func (c *Conn) finish() {
	c.markClosed()
	c.quitOnce.Do(func() {
		close(c.quit)
		_ = c.raw.SetReadDeadline(time.Now())
	})
}

// callCgi runs the cgi. CgiDone marks the connection closed before cgiM is let go, so a sent notification racing
// with it never reaches the cgi again.
func (c *Conn) callCgi() CgiStatus {
	c.cgiM.Lock()
	defer c.cgiM.Unlock()
	status := c.cgi.Func(c)
	if status == CgiDone {
		c.finish()
	}
	return status
}

func (c *Conn) serve() {
	go c.writeLoop()

	if c.callCgi() != CgiDone && c.recvHdl != nil {
		buf := make([]byte, recvBufSize)
		for {
			n, err := c.br.Read(buf)
			if n > 0 {
				c.valve.rxWait(n)
				c.valve.AddRx(int64(n))
				if c.recv(buf[:n]) == CgiDone {
					break
				}
			}
			if err != nil {
				log.WithField("remoteAddr", c.RemoteAddr()).Tracef("connection read: %v", err)
				break
			}
		}
	}
	c.finish()
	<-c.drained

	// the cgi sees IsClosed() and cleans up
	c.callCgi()
	c.linger()
	c.raw.Close()
}

// linger reads and discards whatever the client still sends, until it closes its side or the linger timeout
// passes. Closing with unread input pending would reset the connection and could destroy the response.
func (c *Conn) linger() {
	if cw, ok := c.raw.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
	if c.inst.LingerTimeout <= 0 {
		return
	}
	_ = c.raw.SetReadDeadline(time.Now().Add(c.inst.LingerTimeout))
	buf := make([]byte, recvBufSize)
	for {
		if _, err := c.br.Read(buf); err != nil {
			return
		}
	}
}

func (c *Conn) recv(data []byte) CgiStatus {
	c.cgiM.Lock()
	defer c.cgiM.Unlock()
	if c.IsClosed() {
		return CgiDone
	}
	status := c.recvHdl(data)
	if status == CgiDone {
		c.finish()
	}
	return status
}

func (c *Conn) drain() error {
	for {
		c.outM.Lock()
		if c.out.Length() == 0 {
			c.outM.Unlock()
			return nil
		}
		buf := c.out.Remove().([]byte)
		c.outM.Unlock()

		c.valve.txWait(len(buf))
		if _, err := c.raw.Write(buf); err != nil {
			return err
		}
		c.valve.AddTx(int64(len(buf)))
	}
}

// writeLoop writes flushed output until the connection finishes. The socket itself is closed by serve.
func (c *Conn) writeLoop() {
	defer close(c.drained)
	for {
		select {
		case <-c.outSig:
			if err := c.drain(); err != nil {
				log.WithField("remoteAddr", c.RemoteAddr()).Debugf("connection write: %v", err)
				c.finish()
				return
			}
			c.notifySent()
		case <-c.quit:
			if err := c.drain(); err != nil {
				log.WithField("remoteAddr", c.RemoteAddr()).Debugf("connection write: %v", err)
			}
			return
		}
	}
}

// notifySent tells the cgi that everything flushed so far has been written
func (c *Conn) notifySent() {
	c.cgiM.Lock()
	defer c.cgiM.Unlock()
	if c.IsClosed() {
		return
	}
	if c.cgi.Func(c) == CgiDone {
		c.finish()
	}
}
