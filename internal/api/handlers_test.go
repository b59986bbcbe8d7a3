package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/collabfab/roomserver/internal/auth"
	"github.com/collabfab/roomserver/internal/config"
	"github.com/collabfab/roomserver/internal/crdt"
	"github.com/collabfab/roomserver/internal/database"
	"github.com/collabfab/roomserver/internal/presence"
	"github.com/collabfab/roomserver/internal/server"
	"github.com/collabfab/roomserver/internal/stats"
	"github.com/collabfab/roomserver/internal/testutil"
	"github.com/collabfab/roomserver/internal/types"
)

var (
	testSigningKey    = []byte("0123456789abcdef0123456789abcdef")
	testInternalToken = "internal-secret"
)

// newTestApp stands up the full HTTP surface over a live room server and
// aggregator, backed by the mock repository.
func newTestApp(t *testing.T, db *database.MockRoomRepository) *httptest.Server {
	t.Helper()

	su := &stats.MockStatsUpdater{}
	su.On("RegisterMetric", mock.Anything).Return()
	su.On("Incr", mock.Anything).Return()
	su.On("Decr", mock.Anything).Return()

	rs, err := server.NewRoomServer(testutil.TestLogger(t), db, su, nil, crdt.NopMigrator{})
	require.NoError(t, err)
	go rs.Run()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		rs.Shutdown(ctx)
	})

	aggregator := presence.NewAggregator(testutil.TestLogger(t), db, su)
	go aggregator.Run()
	t.Cleanup(aggregator.Shutdown)

	cfg, err := config.NewConfig(config.Params{
		ServerAddr:    "localhost:0",
		DatabaseDSN:   "host=localhost",
		AuthMode:      config.AuthModeLocal,
		Base64Secret:  base64.StdEncoding.EncodeToString(testSigningKey),
		InternalToken: testInternalToken,
	})
	require.NoError(t, err)

	mux := http.NewServeMux()
	app := NewRoomApp(mux, testutil.TestLogger(t), rs, aggregator, auth.NewLocalVerifier(cfg.SigningKey), cfg)

	srv := httptest.NewServer(app.mux.Handler)
	t.Cleanup(srv.Close)
	return srv
}

func mintToken(t *testing.T, identity types.Identity) string {
	t.Helper()
	token, err := auth.NewSessionToken(testSigningKey, identity, time.Hour)
	require.NoError(t, err)
	return token
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func dialWs(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, path), nil)
	require.NoError(t, err, "expected websocket dial to succeed")
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readJsonFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	mt, raw, err := conn.ReadMessage()
	require.NoError(t, err, "expected a frame before the deadline")
	require.Equal(t, websocket.TextMessage, mt)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	return decoded
}

func Test_gatekeeper(t *testing.T) {
	db := &database.MockRoomRepository{}
	srv := newTestApp(t, db)

	t.Run("missing token", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/ws/chat/r1")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("invalid token", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/ws/chat/r1?token=garbage")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("expired token", func(t *testing.T) {
		token, err := auth.NewSessionToken(testSigningKey, types.Identity{Id: "u1"}, -time.Minute)
		require.NoError(t, err)

		resp, err := http.Get(srv.URL + "/ws/chat/r1?token=" + token)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})
}

func Test_serveDocWs_versionValidation(t *testing.T) {
	db := &database.MockRoomRepository{}
	srv := newTestApp(t, db)
	token := mintToken(t, types.Identity{Id: "u1", Name: "alice"})

	for _, bad := range []string{"0", "-1", "two"} {
		resp, err := http.Get(srv.URL + "/ws/board/b1?version=" + bad + "&token=" + token)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "expected version %q rejected", bad)
	}
}

func Test_chatOverWebsocket(t *testing.T) {
	db := &database.MockRoomRepository{}
	db.On("GetChatLog", "chat:r1").Return([]types.ChatMessage{}, nil).Once()
	db.On("SaveChatLog", "chat:r1", mock.Anything).Return(nil)
	srv := newTestApp(t, db)

	aliceConn := dialWs(t, srv, "/ws/chat/r1?token="+mintToken(t, types.Identity{Id: "u1", Name: "alice"}))

	sync := readJsonFrame(t, aliceConn)
	assert.Equal(t, "sync", sync["type"])
	assert.Empty(t, sync["messages"])

	roster := readJsonFrame(t, aliceConn)
	assert.Equal(t, "participants", roster["type"])
	assert.Len(t, roster["participants"], 1)

	bobConn := dialWs(t, srv, "/ws/chat/r1?token="+mintToken(t, types.Identity{Id: "u2", Name: "bob"}))

	sync = readJsonFrame(t, bobConn)
	assert.Equal(t, "sync", sync["type"])

	roster = readJsonFrame(t, bobConn)
	assert.Len(t, roster["participants"], 2)

	// alice observes bob's arrival
	roster = readJsonFrame(t, aliceConn)
	assert.Len(t, roster["participants"], 2)

	require.NoError(t, aliceConn.WriteMessage(websocket.TextMessage, []byte(`{"type":"new","text":"hello"}`)))

	for _, conn := range []*websocket.Conn{aliceConn, bobConn} {
		frame := readJsonFrame(t, conn)
		assert.Equal(t, "new", frame["type"])
		assert.Equal(t, "hello", frame["text"])
		assert.Equal(t, "u1", frame["from"].(map[string]any)["id"],
			"expected the sender stamped from the token, not the frame")
	}
}

func Test_docRoomOverWebsocket(t *testing.T) {
	db := &database.MockRoomRepository{}
	db.On("GetDocumentRecords", "board:b1", 1).Return(map[string]json.RawMessage{}, nil).Once()
	db.On("GetDocumentSchema", "board:b1", 1).Return(0, nil).Once()
	db.On("SaveDocumentSchema", "board:b1", 1, 1).Return(nil).Once()
	db.On("ReplaceDocumentRecords", "board:b1", 1, mock.Anything).Return(nil)
	srv := newTestApp(t, db)

	conn := dialWs(t, srv, "/ws/board/b1?token="+mintToken(t, types.Identity{Id: "u1", Name: "alice"}))

	hello := `{"type":"hello","schema":1,"records":{"shape:a":{"x":1}}}`
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(hello)))

	init := readJsonFrame(t, conn)
	assert.Equal(t, "init", init["type"])
	assert.Equal(t, float64(1), init["schema"])
	assert.Contains(t, init["records"], "shape:a", "expected the seed echoed back")

	// replication starts immediately after init
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	mt, _, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, mt, "expected a sync message on the binary channel")
}

func Test_readPresence(t *testing.T) {
	db := &database.MockRoomRepository{}
	db.On("ListOccupancy").Return([]types.RoomInfo{{Id: "chat:r1", Connections: 2}}, nil).Once()
	srv := newTestApp(t, db)

	resp, err := http.Get(srv.URL + "/api/presence")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var list []types.RoomInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	assert.Equal(t, []types.RoomInfo{{Id: "chat:r1", Connections: 2}}, list)
}

func Test_pushPresence(t *testing.T) {
	push := func(t *testing.T, srv *httptest.Server, body string, header string) *http.Response {
		t.Helper()
		req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/presence", bytes.NewBufferString(body))
		require.NoError(t, err)
		if header != "" {
			req.Header.Set(auth.InternalAuthHeader, header)
		}

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	t.Run("without the internal secret the route does not exist", func(t *testing.T) {
		db := &database.MockRoomRepository{}
		db.On("ListOccupancy").Return([]types.RoomInfo{}, nil).Once()
		srv := newTestApp(t, db)

		resp := push(t, srv, `{"id":"chat:r1","connections":1,"action":"enter"}`, "")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)

		resp = push(t, srv, `{"id":"chat:r1","connections":1,"action":"enter"}`, "wrong")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)

		// the map must be untouched by the rejected calls
		listResp, err := http.Get(srv.URL + "/api/presence")
		require.NoError(t, err)
		defer listResp.Body.Close()

		var list []types.RoomInfo
		require.NoError(t, json.NewDecoder(listResp.Body).Decode(&list))
		assert.Empty(t, list)

		db.AssertNotCalled(t, "SaveOccupancy", mock.Anything)
	})

	t.Run("authenticated push updates the map", func(t *testing.T) {
		db := &database.MockRoomRepository{}
		db.On("ListOccupancy").Return([]types.RoomInfo{}, nil).Once()
		db.On("SaveOccupancy", types.RoomInfo{Id: "chat:r1", Connections: 1}).Return(nil).Once()
		defer db.AssertExpectations(t)
		srv := newTestApp(t, db)

		resp := push(t, srv, `{"id":"chat:r1","connections":1,"action":"enter"}`, testInternalToken)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var list []types.RoomInfo
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
		assert.Equal(t, []types.RoomInfo{{Id: "chat:r1", Connections: 1}}, list)
	})

	t.Run("bad requests", func(t *testing.T) {
		db := &database.MockRoomRepository{}
		srv := newTestApp(t, db)

		for _, body := range []string{
			`{not json`,
			`{"connections":1,"action":"enter"}`,
			`{"id":"chat:r1","action":"teleport"}`,
		} {
			resp := push(t, srv, body, testInternalToken)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "expected %q rejected", body)
		}
	})
}

func Test_deletePresence(t *testing.T) {
	del := func(t *testing.T, srv *httptest.Server, body string) *http.Response {
		t.Helper()
		req, err := http.NewRequest(http.MethodDelete, srv.URL+"/api/presence", bytes.NewBufferString(body))
		require.NoError(t, err)
		req.Header.Set(auth.InternalAuthHeader, testInternalToken)

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	t.Run("with a room id removes one entry", func(t *testing.T) {
		db := &database.MockRoomRepository{}
		db.On("ListOccupancy").Return([]types.RoomInfo{{Id: "chat:r1", Connections: 2}}, nil).Once()
		db.On("DeleteOccupancy", "chat:r1").Return(nil).Once()
		defer db.AssertExpectations(t)
		srv := newTestApp(t, db)

		resp := del(t, srv, `{"id":"chat:r1"}`)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var list []types.RoomInfo
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
		assert.Empty(t, list)
	})

	t.Run("with no body clears everything", func(t *testing.T) {
		db := &database.MockRoomRepository{}
		db.On("ListOccupancy").Return([]types.RoomInfo{{Id: "chat:r1", Connections: 2}}, nil).Once()
		db.On("ResetOccupancy").Return(nil).Once()
		defer db.AssertExpectations(t)
		srv := newTestApp(t, db)

		resp := del(t, srv, "")
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var msg map[string]string
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&msg))
		assert.Equal(t, "all room history cleared", msg["message"])
	})
}
