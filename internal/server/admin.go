package server

import (
	"encoding/base64"
	"encoding/json"
	"io/ioutil"
	"net/http"
	"strconv"

	"github.com/cbeuw/Websock/internal/server/routemanager"
	"github.com/cbeuw/Websock/internal/websock"
	gmux "github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

type SessionInfo struct {
	Index       int
	ID          uint64
	Route       string
	RemoteAddr  string
	ConnectedAt int64
	Rx          int64
	Tx          int64
}

type BroadcastResult struct {
	Delivered int
}

// APIRouter is the admin HTTP API. It is served on its own address by net/http, never by the websocket host.
type APIRouter struct {
	*gmux.Router
	sta *State
}

func APIRouterOf(sta *State) *APIRouter {
	ret := &APIRouter{
		sta: sta,
	}
	ret.registerMux()
	return ret
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

// authMiddleware requires HTTP basic auth with a password matching the configured bcrypt hash. The user name is
// not checked. Without a configured hash the API is open.
func (ar *APIRouter) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(ar.sta.adminPasswordHash) == 0 || r.Method == "OPTIONS" {
			next.ServeHTTP(w, r)
			return
		}
		_, password, ok := r.BasicAuth()
		if !ok || bcrypt.CompareHashAndPassword(ar.sta.adminPasswordHash, []byte(password)) != nil {
			log.WithField("remoteAddr", r.RemoteAddr).Warn("admin API authentication failed")
			w.Header().Set("WWW-Authenticate", `Basic realm="websock admin"`)
			http.Error(w, "unauthorised", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (ar *APIRouter) registerMux() {
	ar.Router = gmux.NewRouter()
	ar.HandleFunc("/admin/sessions", ar.listSessionsHlr).Methods("GET")
	ar.HandleFunc("/admin/sessions/{index:[0-9]+}", ar.closeSessionHlr).Methods("DELETE")
	ar.HandleFunc("/admin/broadcast/{route}", ar.broadcastHlr).Methods("POST")
	ar.HandleFunc("/admin/routes", ar.listAllRoutesHlr).Methods("GET")
	ar.HandleFunc("/admin/routes/{route}", ar.getRouteInfoHlr).Methods("GET")
	ar.HandleFunc("/admin/routes/{route}", ar.writeRouteInfoHlr).Methods("POST")
	ar.HandleFunc("/admin/routes/{route}", ar.deleteRouteHlr).Methods("DELETE")
	ar.Methods("OPTIONS").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization,Content-Type")
	})
	ar.Use(corsMiddleware)
	ar.Use(ar.authMiddleware)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	resp, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(resp)
}

// routeVar decodes the base64url encoded route in the request path
func routeVar(w http.ResponseWriter, r *http.Request) (string, bool) {
	b64Route := gmux.Vars(r)["route"]
	if b64Route == "" {
		http.Error(w, "route cannot be empty", http.StatusBadRequest)
		return "", false
	}
	route, err := base64.URLEncoding.DecodeString(b64Route)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return "", false
	}
	return string(route), true
}

func (ar *APIRouter) listSessionsHlr(w http.ResponseWriter, r *http.Request) {
	infos := []SessionInfo{}
	ar.sta.Registry.ForEach(func(i int, s *websock.Session) bool {
		route, open := s.Route()
		if !open {
			return true
		}
		info := SessionInfo{
			Index: i,
			ID:    s.ID(),
			Route: route,
		}
		if ep, ok := s.UserData().(*endpoint); ok {
			info.RemoteAddr = ep.remoteAddr
			info.ConnectedAt = ep.connectedAt.Unix()
			info.Rx = ep.valve.GetRx()
			info.Tx = ep.valve.GetTx()
		}
		infos = append(infos, info)
		return true
	})
	writeJSON(w, infos)
}

func (ar *APIRouter) closeSessionHlr(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(gmux.Vars(r)["index"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s := ar.sta.Registry.Lookup(index)
	if s == nil {
		http.Error(w, "no open session in this slot", http.StatusNotFound)
		return
	}
	s.Close(websock.CloseGoingAway)
	s.Release()
	w.WriteHeader(http.StatusOK)
}

func (ar *APIRouter) broadcastHlr(w http.ResponseWriter, r *http.Request) {
	route, ok := routeVar(w, r)
	if !ok {
		return
	}
	payload, err := ioutil.ReadAll(http.MaxBytesReader(w, r.Body, int64(ar.sta.MaxMessageSize)))
	if err != nil {
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
		return
	}
	var flags websock.Flag
	if r.URL.Query().Get("binary") == "1" {
		flags = websock.FlagBinary
	}
	n := ar.sta.Registry.Broadcast(route, payload, flags)
	writeJSON(w, BroadcastResult{Delivered: n})
}

func (ar *APIRouter) listAllRoutesHlr(w http.ResponseWriter, r *http.Request) {
	infos, err := ar.sta.ListAllRoutes()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, infos)
}

func (ar *APIRouter) getRouteInfoHlr(w http.ResponseWriter, r *http.Request) {
	route, ok := routeVar(w, r)
	if !ok {
		return
	}
	info, err := ar.sta.RouteInfo(route)
	if err == routemanager.ErrRouteNotFound {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, info)
}

func (ar *APIRouter) writeRouteInfoHlr(w http.ResponseWriter, r *http.Request) {
	route, ok := routeVar(w, r)
	if !ok {
		return
	}
	var info routemanager.RouteInfo
	err := json.NewDecoder(r.Body).Decode(&info)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if info.Route != route {
		http.Error(w, "route mismatch", http.StatusBadRequest)
		return
	}
	if info.Mode != nil {
		mode, ok := normalMode(*info.Mode)
		if !ok {
			http.Error(w, ErrUnknownMode.Error(), http.StatusBadRequest)
			return
		}
		info.Mode = &mode
	}

	err = ar.sta.Manager.WriteRouteInfo(info)
	if err == routemanager.ErrManagerIsVoid {
		http.Error(w, err.Error(), http.StatusNotImplemented)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (ar *APIRouter) deleteRouteHlr(w http.ResponseWriter, r *http.Request) {
	route, ok := routeVar(w, r)
	if !ok {
		return
	}
	err := ar.sta.Manager.DeleteRoute(route)
	switch err {
	case nil:
		w.WriteHeader(http.StatusOK)
	case routemanager.ErrRouteNotFound:
		http.Error(w, err.Error(), http.StatusNotFound)
	case routemanager.ErrManagerIsVoid:
		http.Error(w, err.Error(), http.StatusNotImplemented)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
