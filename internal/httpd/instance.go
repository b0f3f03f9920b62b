// Package httpd is a small embedded HTTP host. Requests are routed to cgi functions which are called repeatedly
// over the life of a connection: first to handle the request, then whenever the host finished sending, and finally
// once more after the connection has closed.
package httpd

import (
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	gmux "github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
)

type CgiStatus int

const (
	// CgiMore keeps the connection going
	CgiMore CgiStatus = iota
	// CgiDone ends the connection once pending output is written
	CgiDone
)

type CgiFunc func(c *Conn) CgiStatus

// Cgi is a route target. It only carries the function for Instance to call and is never served by net/http.
type Cgi struct {
	Func CgiFunc
	Arg  interface{}
}

func (cgi Cgi) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "cgi routes are only served by httpd.Instance", http.StatusInternalServerError)
}

const (
	defaultRequestTimeout = 3 * time.Second
	defaultLingerTimeout  = time.Second
)

var ErrInstanceClosed = errors.New("httpd instance closed")

// Instance is an HTTP host. Its Lock/Unlock pair is the transport-wide send lock that protects the output buffers
// of all its connections.
type Instance struct {
	sendM sync.Mutex

	Router *gmux.Router
	// RequestTimeout bounds how long a client may take to send its request head
	RequestTimeout time.Duration
	// LingerTimeout bounds how long a finished connection waits for the client to close before it is dropped
	LingerTimeout time.Duration

	// atomic
	closed     uint32
	listenersM sync.Mutex
	listeners  []net.Listener
}

func NewInstance() *Instance {
	return &Instance{
		Router:         gmux.NewRouter(),
		RequestTimeout: defaultRequestTimeout,
		LingerTimeout:  defaultLingerTimeout,
	}
}

func (inst *Instance) Lock()   { inst.sendM.Lock() }
func (inst *Instance) Unlock() { inst.sendM.Unlock() }

// HandleCgi routes requests for path to f
func (inst *Instance) HandleCgi(path string, f CgiFunc, arg interface{}) *gmux.Route {
	return inst.Router.Handle(path, Cgi{Func: f, Arg: arg})
}

func (inst *Instance) isClosed() bool { return atomic.LoadUint32(&inst.closed) == 1 }

// Serve accepts connections on l until the instance is closed
func (inst *Instance) Serve(l net.Listener) error {
	inst.listenersM.Lock()
	inst.listeners = append(inst.listeners, l)
	inst.listenersM.Unlock()

	waitDur := [10]time.Duration{
		50 * time.Millisecond, 100 * time.Millisecond, 300 * time.Millisecond, 500 * time.Millisecond, 1 * time.Second,
		3 * time.Second, 5 * time.Second, 10 * time.Second, 15 * time.Second, 30 * time.Second}

	fails := 0
	for {
		conn, err := l.Accept()
		if err != nil {
			if inst.isClosed() {
				return ErrInstanceClosed
			}
			log.Errorf("%v, retrying", err)
			time.Sleep(waitDur[fails])
			if fails < 9 {
				fails++
			}
			continue
		}
		fails = 0
		go inst.ServeConn(conn)
	}
}

// Close stops all Serve loops. Established connections are left alone.
func (inst *Instance) Close() error {
	atomic.StoreUint32(&inst.closed, 1)
	inst.listenersM.Lock()
	defer inst.listenersM.Unlock()
	var err error
	for _, l := range inst.listeners {
		if e := l.Close(); e != nil {
			err = e
		}
	}
	inst.listeners = nil
	return err
}

func notFound(c *Conn) CgiStatus {
	if !c.IsClosed() {
		_ = c.Respond(http.StatusNotFound)
	}
	return CgiDone
}

// ServeConn reads a request from raw, routes it and runs the matched cgi until the connection ends
func (inst *Instance) ServeConn(raw net.Conn) {
	c := newConn(inst, raw)
	if inst.RequestTimeout > 0 {
		_ = raw.SetReadDeadline(time.Now().Add(inst.RequestTimeout))
	}
	req, err := http.ReadRequest(c.br)
	if err != nil {
		log.WithField("remoteAddr", c.RemoteAddr()).Infof("failed to read http request: %v", err)
		raw.Close()
		return
	}
	_ = raw.SetReadDeadline(time.Time{})
	c.req = req

	var match gmux.RouteMatch
	c.cgi = Cgi{Func: notFound}
	if inst.Router.Match(req, &match) {
		if cgi, ok := match.Handler.(Cgi); ok {
			c.cgi = cgi
			c.vars = match.Vars
		}
	}
	log.WithFields(log.Fields{
		"remoteAddr": c.RemoteAddr(),
		"url":        req.URL.Path,
	}).Trace("request routed")
	c.serve()
}
