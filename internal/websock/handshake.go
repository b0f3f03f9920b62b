package websock

import (
	"crypto/sha1"
	"encoding/base64"
	"net/http"
	"strings"
	"sync"

	"github.com/cbeuw/Websock/internal/httpd"
	log "github.com/sirupsen/logrus"
)

// AcceptKey computes the Sec-WebSocket-Accept value for a client's Sec-WebSocket-Key
func AcceptKey(key string) string {
	h := sha1.New()
	h.Write([]byte(key))
	h.Write([]byte(wsGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// Handler is the host-facing entry point of the engine. ServeConn is called by the host for a matched request
// and again every time the host finished sending, or the connection went away. Frames that arrive after the
// upgrade go through Recv.
type Handler struct {
	// Registry is optional. Sessions are added to it on upgrade.
	Registry *Registry
	// Lock is the host's transport-wide send lock
	Lock sync.Locker
	// Connected is called once the upgrade succeeded, so the application can attach its callbacks. The session is
	// already in the Registry by then. A close while Connected runs is reported once it has returned.
	Connected func(s *Session)
}

func (h *Handler) ServeConn(conn HTTPConn) httpd.CgiStatus {
	s, _ := conn.Slot().(*Session)
	if conn.IsClosed() {
		// connection aborted, clean up
		if s != nil {
			conn.SetSlot(nil)
			if s.detach() {
				s.closed()
			}
			s.Release()
		}
		return httpd.CgiDone
	}

	if s != nil {
		// sending is done
		if s.OnSent != nil {
			s.OnSent(s)
		}
		return httpd.CgiMore
	}
	return h.upgrade(conn)
}

func (h *Handler) upgrade(conn HTTPConn) httpd.CgiStatus {
	key := conn.Header("Sec-WebSocket-Key")
	if !strings.EqualFold(conn.Header("Upgrade"), "websocket") || key == "" {
		log.WithField("url", conn.URL()).Debug("not a valid websocket upgrade request")
		h.Lock.Lock()
		conn.WriteResponse(http.StatusInternalServerError, nil)
		_ = conn.Flush()
		h.Lock.Unlock()
		return httpd.CgiDone
	}

	s := newSession(conn, h.Lock)
	header := http.Header{}
	header.Set("Upgrade", "websocket")
	header.Set("Connection", "Upgrade")
	header.Set("Sec-WebSocket-Accept", AcceptKey(key))

	h.Lock.Lock()
	conn.WriteResponse(http.StatusSwitchingProtocols, header)
	err := conn.Flush()
	h.Lock.Unlock()
	if err != nil {
		log.Debugf("connection went away during websocket handshake: %v", err)
		s.detach()
		s.Release()
		return httpd.CgiDone
	}

	conn.SetRecvHandler(func(data []byte) httpd.CgiStatus {
		return h.Recv(conn, data)
	})
	// the reference we got from newSession now belongs to the connection slot
	conn.SetSlot(s)
	if h.Registry != nil {
		h.Registry.Add(s)
	}
	log.WithFields(log.Fields{
		"session": s.id,
		"url":     conn.URL(),
	}).Debug("websocket upgraded")
	if h.Connected != nil {
		s.attach(h.Connected)
	}
	return httpd.CgiMore
}

// Recv feeds bytes received on an upgraded connection into its session. data is unmasked in place. When the
// session ends, the connection slot's reference is dropped and CgiDone is returned.
func (h *Handler) Recv(conn HTTPConn, data []byte) httpd.CgiStatus {
	s, _ := conn.Slot().(*Session)
	if s == nil {
		return httpd.CgiDone
	}
	s.Acquire()
	defer s.Release()

	done := s.IsClosed() || s.consume(data)
	if !done {
		return httpd.CgiMore
	}
	conn.SetSlot(nil)
	if s.detach() {
		s.closed()
	}
	s.Release()
	return httpd.CgiDone
}
