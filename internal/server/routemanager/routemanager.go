package routemanager

import (
	"errors"
)

// RouteInfo describes how websockets upgraded on Route are served. Nil fields are left untouched by
// WriteRouteInfo, so a route can be partially updated.
type RouteInfo struct {
	Route  string
	Mode   *string
	RxRate *int64
	TxRate *int64
	// UpdatedAt is set by the manager on every write
	UpdatedAt int64
}

func JustInt64(v int64) *int64    { return &v }
func JustString(v string) *string { return &v }

var ErrRouteNotFound = errors.New("route does not exist")
var ErrManagerIsVoid = errors.New("route manager does not have a database")

type RouteManager interface {
	ListAllRoutes() ([]RouteInfo, error)
	GetRouteInfo(route string) (RouteInfo, error)
	WriteRouteInfo(RouteInfo) error
	DeleteRoute(route string) error
	Close() error
}
