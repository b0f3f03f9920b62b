package routemanager

// Voidmanager is used when no database is configured. Only statically configured routes are served.
type Voidmanager struct{}

func (v *Voidmanager) ListAllRoutes() ([]RouteInfo, error) {
	return []RouteInfo{}, ErrManagerIsVoid
}

func (v *Voidmanager) GetRouteInfo(route string) (RouteInfo, error) {
	return RouteInfo{}, ErrManagerIsVoid
}

func (v *Voidmanager) WriteRouteInfo(info RouteInfo) error {
	return ErrManagerIsVoid
}

func (v *Voidmanager) DeleteRoute(route string) error {
	return ErrManagerIsVoid
}

func (v *Voidmanager) Close() error {
	return nil
}
