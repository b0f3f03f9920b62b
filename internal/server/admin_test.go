package server

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/cbeuw/Websock/internal/server/routemanager"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

var b64 = base64.URLEncoding.EncodeToString

func doRequest(t *testing.T, router http.Handler, method, path string, body []byte) *httptest.ResponseRecorder {
	req, err := http.NewRequest(method, path, bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestAdmin_Sessions(t *testing.T) {
	sta, base := makeServingState(t, rawConfig{Routes: testRoutes})
	defer sta.Close()

	rr := doRequest(t, sta.AdminRouter, "GET", "/admin/sessions", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "[]", rr.Body.String())
	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))

	ws := dial(t, base, "/echo")
	defer ws.Close()
	waitFor(t, func() bool { return sta.endpointCount() == 1 })

	rr = doRequest(t, sta.AdminRouter, "GET", "/admin/sessions", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var infos []SessionInfo
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &infos))
	require.Len(t, infos, 1)
	assert.Equal(t, "/echo", infos[0].Route)
	assert.Equal(t, int64(1000), infos[0].ConnectedAt)

	rr = doRequest(t, sta.AdminRouter, "DELETE", "/admin/sessions/"+strconv.Itoa(infos[0].Index), nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	_, _, err := ws.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)

	rr = doRequest(t, sta.AdminRouter, "DELETE", "/admin/sessions/"+strconv.Itoa(infos[0].Index), nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestAdmin_Broadcast(t *testing.T) {
	sta, base := makeServingState(t, rawConfig{Routes: testRoutes})
	defer sta.Close()
	a := dial(t, base, "/chat")
	defer a.Close()
	b := dial(t, base, "/chat")
	defer b.Close()
	waitFor(t, func() bool { return sta.endpointCount() == 2 })

	rr := doRequest(t, sta.AdminRouter, "POST", "/admin/broadcast/"+b64([]byte("/chat"))+"?binary=1", []byte{1, 2, 3})
	require.Equal(t, http.StatusOK, rr.Code)
	var res BroadcastResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	assert.Equal(t, 2, res.Delivered)

	for _, ws := range []*websocket.Conn{a.Conn, b.Conn} {
		typ, msg, err := ws.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, websocket.BinaryMessage, typ)
		assert.Equal(t, []byte{1, 2, 3}, msg)
	}

	rr = doRequest(t, sta.AdminRouter, "POST", "/admin/broadcast/"+b64([]byte("/nobody")), []byte("x"))
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	assert.Equal(t, 0, res.Delivered)

	rr = doRequest(t, sta.AdminRouter, "POST", "/admin/broadcast/!!!", []byte("x"))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAdmin_Routes(t *testing.T) {
	sta, cleaner := makeStateWithDB(t, rawConfig{Routes: testRoutes})
	defer cleaner()
	router := sta.AdminRouter

	info := routemanager.RouteInfo{
		Route:  "/news",
		Mode:   routemanager.JustString(ModeRelay),
		TxRate: routemanager.JustInt64(512),
	}
	marshalled, err := json.Marshal(info)
	require.NoError(t, err)

	t.Run("write", func(t *testing.T) {
		rr := doRequest(t, router, "POST", "/admin/routes/"+b64([]byte("/news")), marshalled)
		assert.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	})

	t.Run("route mismatch", func(t *testing.T) {
		rr := doRequest(t, router, "POST", "/admin/routes/"+b64([]byte("/other")), marshalled)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("bad mode", func(t *testing.T) {
		bad, _ := json.Marshal(routemanager.RouteInfo{Route: "/bad", Mode: routemanager.JustString("shout")})
		rr := doRequest(t, router, "POST", "/admin/routes/"+b64([]byte("/bad")), bad)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("mode case", func(t *testing.T) {
		mixed, _ := json.Marshal(routemanager.RouteInfo{Route: "/loud", Mode: routemanager.JustString("Echo")})
		rr := doRequest(t, router, "POST", "/admin/routes/"+b64([]byte("/loud")), mixed)
		require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

		rr = doRequest(t, router, "GET", "/admin/routes/"+b64([]byte("/loud")), nil)
		require.Equal(t, http.StatusOK, rr.Code)
		var got routemanager.RouteInfo
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
		assert.Equal(t, ModeEcho, *got.Mode)

		rr = doRequest(t, router, "DELETE", "/admin/routes/"+b64([]byte("/loud")), nil)
		assert.Equal(t, http.StatusOK, rr.Code)
	})

	t.Run("get", func(t *testing.T) {
		rr := doRequest(t, router, "GET", "/admin/routes/"+b64([]byte("/news")), nil)
		require.Equal(t, http.StatusOK, rr.Code)
		var got routemanager.RouteInfo
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
		assert.Equal(t, ModeRelay, *got.Mode)
		assert.Equal(t, int64(512), *got.TxRate)
		assert.Nil(t, got.RxRate)

		rr = doRequest(t, router, "GET", "/admin/routes/"+b64([]byte("/missing")), nil)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("list", func(t *testing.T) {
		rr := doRequest(t, router, "GET", "/admin/routes", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		var got []routemanager.RouteInfo
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
		assert.Len(t, got, 3)
	})

	t.Run("delete", func(t *testing.T) {
		rr := doRequest(t, router, "DELETE", "/admin/routes/"+b64([]byte("/news")), nil)
		assert.Equal(t, http.StatusOK, rr.Code)
		rr = doRequest(t, router, "DELETE", "/admin/routes/"+b64([]byte("/news")), nil)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})
}

func TestAdmin_RoutesWithoutDatabase(t *testing.T) {
	sta, err := InitState(rawConfig{Routes: testRoutes}, mockWorldState)
	require.NoError(t, err)
	defer sta.Close()

	marshalled, _ := json.Marshal(routemanager.RouteInfo{Route: "/x", Mode: routemanager.JustString(ModeEcho)})
	rr := doRequest(t, sta.AdminRouter, "POST", "/admin/routes/"+b64([]byte("/x")), marshalled)
	assert.Equal(t, http.StatusNotImplemented, rr.Code)

	rr = doRequest(t, sta.AdminRouter, "GET", "/admin/routes", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var got []routemanager.RouteInfo
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Len(t, got, 2)
}

func TestAdmin_Auth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	require.NoError(t, err)
	sta, err := InitState(rawConfig{AdminPasswordHash: string(hash)}, mockWorldState)
	require.NoError(t, err)
	defer sta.Close()

	rr := doRequest(t, sta.AdminRouter, "GET", "/admin/sessions", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("WWW-Authenticate"))

	req, _ := http.NewRequest("GET", "/admin/sessions", nil)
	req.SetBasicAuth("admin", "wrong")
	rr = httptest.NewRecorder()
	sta.AdminRouter.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	req, _ = http.NewRequest("GET", "/admin/sessions", nil)
	req.SetBasicAuth("admin", "hunter2")
	rr = httptest.NewRecorder()
	sta.AdminRouter.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = doRequest(t, sta.AdminRouter, "OPTIONS", "/admin/sessions", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "GET,POST,DELETE,OPTIONS", rr.Header().Get("Access-Control-Allow-Methods"))
}
