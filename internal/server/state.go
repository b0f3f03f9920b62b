package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/ioutil"
	"net"
	"strings"

	"github.com/cbeuw/Websock/internal/common"
	"github.com/cbeuw/Websock/internal/httpd"
	"github.com/cbeuw/Websock/internal/server/routemanager"
	"github.com/cbeuw/Websock/internal/websock"
	log "github.com/sirupsen/logrus"
)

const (
	ModeEcho  = "echo"
	ModeRelay = "relay"
)

const defaultMaxMessageSize = 64 * 1024

var ErrUnknownMode = errors.New("unknown endpoint mode")

type RouteConfig struct {
	Mode   string
	RxRate int64
	TxRate int64
}

type rawConfig struct {
	BindAddr          []string
	AdminAddr         string
	DatabasePath      string
	RegistryCapacity  int
	AdminPasswordHash string
	MaxMessageSize    int
	Routes            map[string]RouteConfig
}

// State type stores the global state of the program
type State struct {
	BindAddr  []net.Addr
	AdminAddr string

	World          common.WorldState
	MaxMessageSize int

	adminPasswordHash []byte
	staticRoutes      map[string]routemanager.RouteInfo
	Manager           routemanager.RouteManager

	Host     *httpd.Instance
	Registry *websock.Registry
	ws       *websock.Handler

	AdminRouter *APIRouter
}

// ParseConfig reads the configuration, given either as a path to a json file or as the json itself
func ParseConfig(conf string) (raw rawConfig, err error) {
	content, errPath := ioutil.ReadFile(conf)
	if errPath != nil {
		errJson := json.Unmarshal([]byte(conf), &raw)
		if errJson != nil {
			err = fmt.Errorf("failed to read/unmarshal configuration, path is invalid or %v", errJson)
			return
		}
	} else {
		errJson := json.Unmarshal(content, &raw)
		if errJson != nil {
			err = fmt.Errorf("failed to read configuration file: %v", errJson)
			return
		}
	}
	return
}

func parseBindAddr(bindAddrs []string) ([]net.Addr, error) {
	var addrs []net.Addr
	for _, addr := range bindAddrs {
		bindAddr, err := net.ResolveTCPAddr("tcp", addr)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, bindAddr)
	}
	return addrs, nil
}

// normalMode returns mode in the lower case form routes are stored with, and whether it names a known mode
func normalMode(mode string) (string, bool) {
	mode = strings.ToLower(mode)
	return mode, mode == ModeEcho || mode == ModeRelay
}

func parseRoutes(routes map[string]RouteConfig) (map[string]routemanager.RouteInfo, error) {
	ret := make(map[string]routemanager.RouteInfo)
	for route, conf := range routes {
		if !strings.HasPrefix(route, "/") {
			return nil, fmt.Errorf("route %v must start with /", route)
		}
		mode, ok := normalMode(conf.Mode)
		if !ok {
			return nil, fmt.Errorf("%w: %v for route %v", ErrUnknownMode, conf.Mode, route)
		}
		ret[route] = routemanager.RouteInfo{
			Route:  route,
			Mode:   routemanager.JustString(mode),
			RxRate: routemanager.JustInt64(conf.RxRate),
			TxRate: routemanager.JustInt64(conf.TxRate),
		}
	}
	return ret, nil
}

// InitState builds the server from a parsed configuration
func InitState(raw rawConfig, worldState common.WorldState) (sta *State, err error) {
	sta = &State{
		AdminAddr:         raw.AdminAddr,
		World:             worldState,
		MaxMessageSize:    raw.MaxMessageSize,
		adminPasswordHash: []byte(raw.AdminPasswordHash),
	}
	if sta.MaxMessageSize <= 0 {
		sta.MaxMessageSize = defaultMaxMessageSize
	}

	sta.BindAddr, err = parseBindAddr(raw.BindAddr)
	if err != nil {
		err = fmt.Errorf("unable to parse BindAddr: %v", err)
		return
	}

	sta.staticRoutes, err = parseRoutes(raw.Routes)
	if err != nil {
		err = fmt.Errorf("unable to parse Routes: %w", err)
		return
	}

	if raw.DatabasePath == "" {
		log.Info("no DatabasePath, only routes in the configuration will be served")
		sta.Manager = &routemanager.Voidmanager{}
	} else {
		sta.Manager, err = routemanager.MakeLocalManager(raw.DatabasePath, worldState)
		if err != nil {
			err = fmt.Errorf("unable to open route database: %v", err)
			return
		}
	}

	sta.Host = httpd.NewInstance()
	sta.Registry = websock.NewRegistry(raw.RegistryCapacity)
	sta.ws = &websock.Handler{
		Registry: sta.Registry,
		Lock:     sta.Host,
	}
	sta.Host.Router.PathPrefix("/").Handler(httpd.Cgi{Func: sta.wsCgi})
	sta.AdminRouter = APIRouterOf(sta)
	return
}

// RouteInfo finds how route should be served. Routes in the configuration take precedence over those in the
// database.
func (sta *State) RouteInfo(route string) (routemanager.RouteInfo, error) {
	if info, ok := sta.staticRoutes[route]; ok {
		return info, nil
	}
	info, err := sta.Manager.GetRouteInfo(route)
	if err == routemanager.ErrManagerIsVoid {
		return info, routemanager.ErrRouteNotFound
	}
	return info, err
}

// ListAllRoutes lists routes in the configuration followed by those in the database
func (sta *State) ListAllRoutes() ([]routemanager.RouteInfo, error) {
	infos := []routemanager.RouteInfo{}
	for _, info := range sta.staticRoutes {
		infos = append(infos, info)
	}
	stored, err := sta.Manager.ListAllRoutes()
	if err != nil && err != routemanager.ErrManagerIsVoid {
		return nil, err
	}
	for _, info := range stored {
		if _, shadowed := sta.staticRoutes[info.Route]; !shadowed {
			infos = append(infos, info)
		}
	}
	return infos, nil
}

// Serve accepts websocket clients on l until the server is closed
func (sta *State) Serve(l net.Listener) error {
	return sta.Host.Serve(l)
}

func (sta *State) Close() error {
	err := sta.Host.Close()
	if e := sta.Manager.Close(); e != nil {
		err = e
	}
	return err
}
