package debug_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/duralog/duralog/pkg/debug"
	"github.com/duralog/duralog/pkg/oplog"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

type staticAuthorizer struct {
	accountID string
}

func (a staticAuthorizer) Authorize(*http.Request) (string, error) {
	return a.accountID, nil
}

type rpcEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Result  json.RawMessage `json:"result"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
	next int
}

func dialDebugServer(t *testing.T, server *debug.Server) *wsClient {
	t.Helper()
	ts := httptest.NewServer(server)
	t.Cleanup(ts.Close)
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &wsClient{t: t, conn: conn}
}

// call sends one request and reads frames until its response arrives, skipping
// pushed notifications.
func (c *wsClient) call(method string, params interface{}) rpcEnvelope {
	c.t.Helper()
	c.next++
	req := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      c.next,
		"method":  method,
	}
	if params != nil {
		req["params"] = params
	}
	require.NoError(c.t, c.conn.WriteJSON(req))
	for {
		var envelope rpcEnvelope
		require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		require.NoError(c.t, c.conn.ReadJSON(&envelope))
		if envelope.Method == "" {
			return envelope
		}
	}
}

func newServerFixture(t *testing.T, owned oplog.OwnedWorkerID) (*debug.Server, *fakeEngine) {
	t.Helper()
	svc, engine := newDebugFixtureService(t, owned)
	return debug.NewServer(svc, staticAuthorizer{accountID: owned.AccountID}), engine
}

func newDebugFixtureService(t *testing.T, owned oplog.OwnedWorkerID) (*debug.Service, *fakeEngine) {
	t.Helper()
	return newDebugFixture(t, owned, 10, 5, 9)
}

func TestServer_ConnectAndPlayback(t *testing.T) {
	owned := testWorker("ws-playback")
	server, _ := newServerFixture(t, owned)
	client := dialDebugServer(t, server)

	resp := client.call("connect", map[string]string{"worker_id": owned.WorkerID.String()})
	require.Nil(t, resp.Error)
	var connectResult debug.ConnectResult
	require.NoError(t, json.Unmarshal(resp.Result, &connectResult))
	require.NotEmpty(t, connectResult.SessionID)
	require.Equal(t, oplog.Index(10), connectResult.LastIndex)

	resp = client.call("playback", map[string]interface{}{"target_index": 7})
	require.Nil(t, resp.Error)
	var playback struct {
		CurrentIndex oplog.Index `json:"current_index"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &playback))
	require.Equal(t, oplog.Index(9), playback.CurrentIndex)

	resp = client.call("current_oplog_index", nil)
	require.Nil(t, resp.Error)
	var current struct {
		CurrentIndex oplog.Index `json:"current_index"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &current))
	require.Equal(t, oplog.Index(9), current.CurrentIndex)
}

func TestServer_InactiveSession(t *testing.T) {
	owned := testWorker("ws-inactive")
	server, _ := newServerFixture(t, owned)
	client := dialDebugServer(t, server)

	resp := client.call("playback", map[string]interface{}{"target_index": 5})
	require.NotNil(t, resp.Error)
	require.Equal(t, -32003, resp.Error.Code)

	// the session stays usable after a protocol fault
	resp = client.call("connect", map[string]string{"worker_id": owned.WorkerID.String()})
	require.Nil(t, resp.Error)
}

func TestServer_UnknownMethodKeepsSession(t *testing.T) {
	owned := testWorker("ws-unknown")
	server, _ := newServerFixture(t, owned)
	client := dialDebugServer(t, server)

	resp := client.call("inspect", nil)
	require.NotNil(t, resp.Error)
	require.Equal(t, -32601, resp.Error.Code)

	resp = client.call("connect", map[string]string{"worker_id": owned.WorkerID.String()})
	require.Nil(t, resp.Error)
}

func TestServer_DoubleConnectTerminates(t *testing.T) {
	owned := testWorker("ws-double")
	server, _ := newServerFixture(t, owned)
	client := dialDebugServer(t, server)

	resp := client.call("connect", map[string]string{"worker_id": owned.WorkerID.String()})
	require.Nil(t, resp.Error)

	resp = client.call("connect", map[string]string{"worker_id": owned.WorkerID.String()})
	require.NotNil(t, resp.Error)
	require.Equal(t, -32002, resp.Error.Code)

	// the conflict terminated the connection after delivering the error
	require.NoError(t, client.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var envelope rpcEnvelope
	require.Error(t, client.conn.ReadJSON(&envelope))
}

func TestServer_EmitLogsNotification(t *testing.T) {
	owned := testWorker("ws-logs")
	server, engine := newServerFixture(t, owned)
	client := dialDebugServer(t, server)

	resp := client.call("connect", map[string]string{"worker_id": owned.WorkerID.String()})
	require.Nil(t, resp.Error)

	engine.emit(owned, debug.Event{Level: "info", Message: "replayed line"})

	require.NoError(t, client.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var notification struct {
		Method string        `json:"method"`
		Params []debug.Event `json:"params"`
	}
	require.NoError(t, client.conn.ReadJSON(&notification))
	require.Equal(t, "emit-logs", notification.Method)
	require.Len(t, notification.Params, 1)
	require.Equal(t, "replayed line", notification.Params[0].Message)
}

func TestServer_ForkOverWire(t *testing.T) {
	owned := testWorker("ws-fork")
	server, _ := newServerFixture(t, owned)
	client := dialDebugServer(t, server)

	resp := client.call("connect", map[string]string{"worker_id": owned.WorkerID.String()})
	require.Nil(t, resp.Error)
	resp = client.call("playback", map[string]interface{}{"target_index": 9})
	require.Nil(t, resp.Error)

	target := testWorker("ws-fork-target")
	resp = client.call("fork", map[string]interface{}{
		"target_worker_id": target.WorkerID.String(),
		"cut_off":          5,
	})
	require.Nil(t, resp.Error)

	// forking beyond the replayed frontier fails with a validation error
	resp = client.call("fork", map[string]interface{}{
		"target_worker_id": testWorker("ws-fork-target-2").WorkerID.String(),
		"cut_off":          10,
	})
	require.NotNil(t, resp.Error)
	require.Equal(t, -32004, resp.Error.Code)
}
