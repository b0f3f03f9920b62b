package server

import (
	"net/http"
	"time"

	"github.com/cbeuw/Websock/internal/httpd"
	"github.com/cbeuw/Websock/internal/server/routemanager"
	"github.com/cbeuw/Websock/internal/websock"
	log "github.com/sirupsen/logrus"
)

// endpoint is the application side of one websocket. Messages are reassembled from frames and fragments before
// being echoed back or relayed to every websocket on the same route.
type endpoint struct {
	sta *State

	mode        string
	route       string
	remoteAddr  string
	valve       *httpd.Valve
	connectedAt time.Time

	// only touched from the session's receive callback
	inMsg     bool
	msgBinary bool
	msg       []byte
}

// wsCgi serves every path of the host. The first call for a connection resolves the route and hands the request
// to the websocket handler, later calls are the host's sent and closed notifications.
func (sta *State) wsCgi(c *httpd.Conn) httpd.CgiStatus {
	if c.IsClosed() || c.Slot() != nil {
		return sta.ws.ServeConn(c)
	}

	info, err := sta.RouteInfo(c.URL())
	if err != nil {
		log.WithFields(log.Fields{
			"remoteAddr": c.RemoteAddr(),
			"route":      c.URL(),
		}).Infof("rejecting websocket: %v", err)
		_ = c.Respond(http.StatusNotFound)
		return httpd.CgiDone
	}

	ep := newEndpoint(sta, info, c)
	h := *sta.ws
	h.Connected = ep.attach
	return h.ServeConn(c)
}

func newEndpoint(sta *State, info routemanager.RouteInfo, c *httpd.Conn) *endpoint {
	ep := &endpoint{
		sta:         sta,
		mode:        ModeEcho,
		route:       info.Route,
		remoteAddr:  c.RemoteAddr(),
		valve:       c.Valve(),
		connectedAt: sta.World.Now(),
	}
	if info.Mode != nil {
		ep.mode = *info.Mode
	}
	if info.RxRate != nil {
		ep.valve.SetRxRate(*info.RxRate)
	}
	if info.TxRate != nil {
		ep.valve.SetTxRate(*info.TxRate)
	}
	return ep
}

func (ep *endpoint) attach(s *websock.Session) {
	s.SetUserData(ep)
	s.OnReceive = ep.onReceive
	s.OnClose = ep.onClose

	log.WithFields(log.Fields{
		"remoteAddr": ep.remoteAddr,
		"route":      ep.route,
		"session":    s.ID(),
		"mode":       ep.mode,
	}).Info("websocket connected")
}

func (ep *endpoint) onReceive(s *websock.Session, data []byte, flags websock.Flag) {
	if !ep.inMsg {
		ep.inMsg = true
		ep.msgBinary = flags&websock.FlagBinary != 0
		ep.msg = ep.msg[:0]
	}
	if len(ep.msg)+len(data) > ep.sta.MaxMessageSize {
		log.WithFields(log.Fields{
			"session": s.ID(),
			"limit":   ep.sta.MaxMessageSize,
		}).Warn("message too big")
		ep.inMsg = false
		ep.msg = nil
		s.Close(websock.CloseTooBig)
		return
	}
	ep.msg = append(ep.msg, data...)
	if flags&(websock.FlagMore|websock.FlagPartial) != 0 {
		return
	}
	ep.inMsg = false

	var sendFlags websock.Flag
	if ep.msgBinary {
		sendFlags = websock.FlagBinary
	}
	switch ep.mode {
	case ModeRelay:
		ep.sta.Registry.Broadcast(ep.route, ep.msg, sendFlags)
	default:
		if _, err := s.Send(ep.msg, sendFlags); err != nil {
			log.WithField("session", s.ID()).Debugf("failed to echo: %v", err)
		}
	}
}

func (ep *endpoint) onClose(s *websock.Session) {
	log.WithFields(log.Fields{
		"remoteAddr": ep.remoteAddr,
		"route":      ep.route,
		"session":    s.ID(),
		"code":       s.CloseCode(),
		"duration":   ep.sta.World.Now().Sub(ep.connectedAt),
		"rx":         ep.valve.GetRx(),
		"tx":         ep.valve.GetTx(),
	}).Info("websocket closed")
}
