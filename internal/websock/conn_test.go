package websock

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/cbeuw/Websock/internal/httpd"
)

// mockConn stands in for a host connection. Output is only visible in written once flushed.
type mockConn struct {
	header http.Header
	url    string

	// atomic
	closed uint32

	pending []byte
	written bytes.Buffer
	flushes int

	slotM sync.Mutex
	slot  interface{}
	recv  func(data []byte) httpd.CgiStatus
}

func newMockConn(url string) *mockConn {
	return &mockConn{header: http.Header{}, url: url}
}

func upgradeRequestConn(url string) *mockConn {
	c := newMockConn(url)
	c.header.Set("Upgrade", "websocket")
	c.header.Set("Connection", "Upgrade")
	c.header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")
	return c
}

func (c *mockConn) Header(key string) string { return c.header.Get(key) }
func (c *mockConn) URL() string              { return c.url }
func (c *mockConn) IsClosed() bool           { return atomic.LoadUint32(&c.closed) == 1 }
func (c *mockConn) close()                   { atomic.StoreUint32(&c.closed, 1) }

func (c *mockConn) WriteResponse(code int, header http.Header) {
	resp := &http.Response{
		StatusCode: code,
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     header,
	}
	var b bytes.Buffer
	_ = resp.Write(&b)
	c.pending = append(c.pending, b.Bytes()...)
}

func (c *mockConn) Send(p []byte) { c.pending = append(c.pending, p...) }

func (c *mockConn) Flush() error {
	if c.IsClosed() {
		return httpd.ErrConnClosed
	}
	c.written.Write(c.pending)
	c.pending = c.pending[:0]
	c.flushes++
	return nil
}

func (c *mockConn) Slot() interface{} {
	c.slotM.Lock()
	defer c.slotM.Unlock()
	return c.slot
}

func (c *mockConn) SetSlot(v interface{}) {
	c.slotM.Lock()
	c.slot = v
	c.slotM.Unlock()
}

func (c *mockConn) SetRecvHandler(h func(data []byte) httpd.CgiStatus) { c.recv = h }

func (c *mockConn) response() (*http.Response, error) {
	return http.ReadResponse(bufio.NewReader(bytes.NewReader(c.written.Bytes())), nil)
}

// makeClientFrame builds a frame the way a client would send it. A nil key produces an unmasked frame.
func makeClientFrame(b0 byte, payload []byte, key []byte) []byte {
	var ret []byte
	ret = append(ret, b0)
	var maskBit byte
	if key != nil {
		maskBit = maskedBit
	}
	switch n := len(payload); {
	case n > 0xFFFF:
		ret = append(ret, maskBit|len64Code)
		var ext [8]byte
		binary.BigEndian.PutUint64(ext[:], uint64(n))
		ret = append(ret, ext[:]...)
	case n > maxControlPayload:
		ret = append(ret, maskBit|len16Code)
		var ext [2]byte
		binary.BigEndian.PutUint16(ext[:], uint16(n))
		ret = append(ret, ext[:]...)
	default:
		ret = append(ret, maskBit|byte(n))
	}
	if key == nil {
		return append(ret, payload...)
	}
	ret = append(ret, key...)
	masked := make([]byte, len(payload))
	copy(masked, payload)
	var k [4]byte
	copy(k[:], key)
	maskBytes(k, 0, masked)
	return append(ret, masked...)
}

type serverFrame struct {
	b0      byte
	payload []byte
}

// parseServerFrames splits unmasked server output into frames
func parseServerFrames(b []byte) []serverFrame {
	var frames []serverFrame
	for len(b) >= 2 {
		b0 := b[0]
		n := int(b[1] & lengthMask)
		off := 2
		switch n {
		case len16Code:
			n = int(binary.BigEndian.Uint16(b[2:4]))
			off = 4
		case len64Code:
			n = int(binary.BigEndian.Uint64(b[2:10]))
			off = 10
		}
		frames = append(frames, serverFrame{b0: b0, payload: b[off : off+n]})
		b = b[off+n:]
	}
	return frames
}

var testKey = []byte{0x01, 0x02, 0x03, 0x04}

type recvEvent struct {
	data  string
	flags Flag
}

// recorder collects OnReceive calls, joining the pieces of a frame that was delivered over several callbacks
type recorder struct {
	events  []recvEvent
	calls   int
	cur     []byte
	closeCb int
}

func (r *recorder) attach(s *Session) {
	s.OnReceive = func(s *Session, data []byte, flags Flag) {
		r.calls++
		r.cur = append(r.cur, data...)
		if flags&FlagPartial == 0 {
			r.events = append(r.events, recvEvent{string(r.cur), flags})
			r.cur = nil
		}
	}
	s.OnClose = func(s *Session) { r.closeCb++ }
}

// newAttachedSession makes a session already sitting in conn's slot, as it would be after an upgrade
func newAttachedSession(conn *mockConn, lock sync.Locker) (*Session, *recorder) {
	s := newSession(conn, lock)
	conn.SetSlot(s)
	r := &recorder{}
	r.attach(s)
	return s, r
}
