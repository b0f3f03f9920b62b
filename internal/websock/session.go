package websock

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/cbeuw/Websock/internal/httpd"
	log "github.com/sirupsen/logrus"
)

// HTTPConn is the part of an HTTP host connection the engine relies on. The host owns it and may mark it closed
// at any time.
//
// WriteResponse, Send and Flush write into buffers shared by the whole host, so callers must hold the host's
// transport lock around them.
type HTTPConn interface {
	Header(key string) string
	URL() string
	IsClosed() bool

	WriteResponse(code int, header http.Header)
	Send(p []byte)
	Flush() error

	// Slot is an opaque per-connection value stored for the engine by the host
	Slot() interface{}
	SetSlot(v interface{})
	SetRecvHandler(h func(data []byte) httpd.CgiStatus)
}

var nextSessionID uint64

// A Session is one upgraded connection: its parser state, the application's callbacks and a reference counted
// lifetime shared between the host's connection slot, the Registry and anyone transiently holding it.
type Session struct {
	ref refCount
	id  uint64

	// transport-wide send lock
	lock sync.Locker

	// the back-reference to the host connection is observational only: it is nil'd once the connection goes
	// away and must be checked before every use
	connM sync.RWMutex
	conn  HTTPConn

	parser frameParser

	// atomic
	closeCode uint32
	// atomic
	finalized uint32

	onFinalize func(*Session)

	// while attaching is set the application is still installing its callbacks and a close is held back.
	// cbM also guards userData.
	cbM          sync.Mutex
	attaching    bool
	closePending bool

	userData interface{}

	// OnReceive is called with unmasked message data
	OnReceive func(s *Session, data []byte, flags Flag)
	// OnSent is called when the host has finished writing out previously sent data
	OnSent func(s *Session)
	// OnClose is called once, when the session stops being connected
	OnClose func(s *Session)
}

func newSession(conn HTTPConn, lock sync.Locker) *Session {
	s := &Session{
		id:   atomic.AddUint64(&nextSessionID, 1),
		lock: lock,
		conn: conn,
	}
	s.ref.init(s.finalize)
	return s
}

func (s *Session) ID() uint64 { return s.id }

// Acquire takes an extra reference on s. Every Acquire must be paired with a Release.
func (s *Session) Acquire() *Session {
	s.ref.get()
	return s
}

// Release drops a reference. The session must not be touched by the caller afterwards.
func (s *Session) Release() {
	s.ref.put()
}

// Refs returns the current reference count
func (s *Session) Refs() int32 { return s.ref.count() }

func (s *Session) finalize() {
	log.Debugf("websocket session %v finalized", s.id)
	atomic.StoreUint32(&s.finalized, 1)
	s.parser = frameParser{}
	s.connM.Lock()
	s.conn = nil
	s.connM.Unlock()
	if s.onFinalize != nil {
		s.onFinalize(s)
	}
}

// liveConn returns the host connection if it is still usable, nil otherwise
func (s *Session) liveConn() HTTPConn {
	s.connM.RLock()
	c := s.conn
	s.connM.RUnlock()
	if c == nil || c.IsClosed() {
		return nil
	}
	return c
}

// detach drops the back-reference and reports whether this call was the one that dropped it
func (s *Session) detach() bool {
	s.connM.Lock()
	defer s.connM.Unlock()
	if s.conn == nil {
		return false
	}
	s.conn = nil
	return true
}

func (s *Session) IsClosed() bool { return s.liveConn() == nil }

// CloseCode is the status code of the close frame this side sent, 0 if none was sent
func (s *Session) CloseCode() int { return int(atomic.LoadUint32(&s.closeCode)) }

// SetUserData stores a value for the application. It may be read from any goroutine through UserData.
func (s *Session) SetUserData(v interface{}) {
	s.cbM.Lock()
	s.userData = v
	s.cbM.Unlock()
}

func (s *Session) UserData() interface{} {
	s.cbM.Lock()
	defer s.cbM.Unlock()
	return s.userData
}

// Route returns the resource the session was upgraded on
func (s *Session) Route() (string, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	c := s.liveConn()
	if c == nil {
		return "", false
	}
	return c.URL(), true
}

func sendOpcode(flags Flag) byte {
	var b0 byte
	if flags&FlagCont == 0 {
		if flags&FlagBinary != 0 {
			b0 = opBinary
		} else {
			b0 = opText
		}
	}
	if flags&FlagMore == 0 {
		b0 |= finBit
	}
	return b0
}

// Send writes data as one frame. The header, payload and flush go out under the transport lock as a unit so
// concurrent senders never interleave frames. ErrSessionClosed is returned if the connection has gone away.
func (s *Session) Send(data []byte, flags Flag) (int, error) {
	b0 := sendOpcode(flags)
	s.lock.Lock()
	defer s.lock.Unlock()
	conn := s.liveConn()
	if conn == nil {
		log.Debugf("websocket session %v closed, cannot send", s.id)
		return 0, ErrSessionClosed
	}
	if err := writeFrame(conn, b0, data); err != nil {
		return 0, err
	}
	return len(data), nil
}

// sendControl writes a control frame if the connection is still there. Must not be called with the lock held.
func (s *Session) sendControl(opcode byte, payload []byte) {
	s.lock.Lock()
	defer s.lock.Unlock()
	conn := s.liveConn()
	if conn == nil {
		return
	}
	if err := writeFrame(conn, finBit|opcode, payload); err != nil {
		log.Debugf("websocket session %v: failed to send control frame 0x%x: %v", s.id, opcode, err)
	}
}

// Close sends a close frame carrying reason, detaches the session from its connection and fires OnClose. It is a
// no-op on an already closed session.
func (s *Session) Close(reason int) {
	s.lock.Lock()
	s.connM.RLock()
	conn := s.conn
	s.connM.RUnlock()
	if conn != nil && !conn.IsClosed() {
		rs := [2]byte{byte(reason >> 8), byte(reason)}
		if err := writeFrame(conn, finBit|opClose, rs[:]); err != nil {
			log.Debugf("websocket session %v: failed to send close frame: %v", s.id, err)
		}
		atomic.CompareAndSwapUint32(&s.closeCode, 0, uint32(reason))
	}
	detached := s.detach()
	s.lock.Unlock()

	if detached {
		log.WithFields(log.Fields{
			"session": s.id,
			"reason":  reason,
		}).Debug("websocket closed")
		s.closed()
	}
}

func (s *Session) closed() {
	s.cbM.Lock()
	if s.attaching {
		s.closePending = true
		s.cbM.Unlock()
		return
	}
	onClose := s.OnClose
	s.cbM.Unlock()
	if onClose != nil {
		onClose(s)
	}
}

// attach runs connected with close notifications held back, then delivers one that happened meanwhile
func (s *Session) attach(connected func(*Session)) {
	s.cbM.Lock()
	s.attaching = true
	s.cbM.Unlock()

	connected(s)

	s.cbM.Lock()
	s.attaching = false
	pending := s.closePending
	s.closePending = false
	s.cbM.Unlock()
	if pending {
		s.closed()
	}
}
