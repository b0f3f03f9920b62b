package common

import (
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var ErrMessageTooLarge = errors.New("message larger than read buffer")

// Dialer makes the underlying connection a websocket client runs over. *net.Dialer satisfies it, and so do
// in-memory test dialers.
type Dialer interface {
	Dial(network, address string) (net.Conn, error)
}

// WebSocketConn implements io.ReadWriteCloser over the client side of a websocket.
// Every Write is sent as one message, every Read returns one whole message.
type WebSocketConn struct {
	*websocket.Conn
	// Binary makes Write send binary messages instead of text
	Binary bool
	writeM sync.Mutex
}

// DialWebSocket opens a websocket to url over connections made by dialer. A zero timeout leaves the handshake
// unbounded.
func DialWebSocket(dialer Dialer, url string, header http.Header, timeout time.Duration) (*WebSocketConn, *http.Response, error) {
	wsDialer := websocket.Dialer{
		NetDial:          dialer.Dial,
		HandshakeTimeout: timeout,
	}
	c, resp, err := wsDialer.Dial(url, header)
	if err != nil {
		return nil, resp, err
	}
	return &WebSocketConn{Conn: c}, resp, nil
}

func (ws *WebSocketConn) Write(data []byte) (int, error) {
	typ := websocket.TextMessage
	if ws.Binary {
		typ = websocket.BinaryMessage
	}
	ws.writeM.Lock()
	err := ws.WriteMessage(typ, data)
	ws.writeM.Unlock()
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

// ReadMessageInto reads one message into buf, returning its type and length
func (ws *WebSocketConn) ReadMessageInto(buf []byte) (typ int, n int, err error) {
	typ, r, err := ws.NextReader()
	if err != nil {
		return 0, 0, err
	}

	for {
		var read int
		read, err = r.Read(buf[n:])
		n += read
		if err == io.EOF {
			return typ, n, nil
		}
		if err != nil {
			return typ, n, err
		}
		if n == len(buf) {
			// the buffer is full, see whether the message is too
			var probe [1]byte
			more, err := r.Read(probe[:])
			if more != 0 {
				return typ, n, ErrMessageTooLarge
			}
			if err == io.EOF {
				return typ, n, nil
			}
			if err != nil {
				return typ, n, err
			}
		}
	}
}

func (ws *WebSocketConn) Read(buf []byte) (int, error) {
	_, n, err := ws.ReadMessageInto(buf)
	return n, err
}

// CloseWithCode sends a close frame with code and waits up to timeout for the peer's reply before closing the
// connection
func (ws *WebSocketConn) CloseWithCode(code int, timeout time.Duration) error {
	ws.writeM.Lock()
	err := ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""), time.Now().Add(timeout))
	ws.writeM.Unlock()
	if err != nil {
		ws.Conn.Close()
		return err
	}
	_ = ws.SetReadDeadline(time.Now().Add(timeout))
	for {
		if _, _, err = ws.NextReader(); err != nil {
			break
		}
	}
	ws.Conn.Close()
	if websocket.IsCloseError(err, code) {
		return nil
	}
	return err
}

func (ws *WebSocketConn) Close() error {
	ws.writeM.Lock()
	defer ws.writeM.Unlock()
	return ws.Conn.Close()
}

func (ws *WebSocketConn) SetDeadline(t time.Time) error {
	err := ws.SetReadDeadline(t)
	if err != nil {
		return err
	}
	err = ws.SetWriteDeadline(t)
	if err != nil {
		return err
	}
	return nil
}
