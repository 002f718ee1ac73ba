package debug

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/duralog/duralog/pkg/logging"
	"github.com/duralog/duralog/pkg/oplog"
	"github.com/gorilla/websocket"
)

// JSON-RPC 2.0 framing. One websocket connection carries one session; requests are
// handled serially while notifications are pushed independently.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcNotification struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

const (
	methodConnect           = "connect"
	methodPlayback          = "playback"
	methodRewind            = "rewind"
	methodFork              = "fork"
	methodCurrentOplogIndex = "current_oplog_index"

	notificationEmitLogs   = "emit-logs"
	notificationLogsLagged = "notify-logs-lagged"
)

type connectParams struct {
	WorkerID string `json:"worker_id"`
}

type playbackParams struct {
	TargetIndex              oplog.Index        `json:"target_index"`
	Overrides                []PlaybackOverride `json:"overrides,omitempty"`
	EnsureInvocationBoundary *bool              `json:"ensure_invocation_boundary,omitempty"`
	Replicas                 int                `json:"replicas,omitempty"`
}

type rewindParams struct {
	TargetIndex              oplog.Index `json:"target_index"`
	EnsureInvocationBoundary *bool       `json:"ensure_invocation_boundary,omitempty"`
	Replicas                 int         `json:"replicas,omitempty"`
}

type forkParams struct {
	TargetWorkerID string      `json:"target_worker_id"`
	CutOff         oplog.Index `json:"cut_off"`
}

type replayResult struct {
	WorkerID     oplog.WorkerID `json:"worker_id"`
	CurrentIndex oplog.Index    `json:"current_index"`
	Message      string         `json:"message"`
}

type forkResult struct {
	SourceWorkerID oplog.WorkerID `json:"source_worker_id"`
	TargetWorkerID oplog.WorkerID `json:"target_worker_id"`
	Message        string         `json:"message"`
}

type currentIndexResult struct {
	CurrentIndex oplog.Index `json:"current_index"`
}

// Authorizer resolves the account a connection acts on behalf of. Authorization
// failures terminate the connection after the error is delivered.
type Authorizer interface {
	Authorize(r *http.Request) (accountID string, err error)
}

// Server exposes the debug protocol as JSON-RPC 2.0 over websocket.
type Server struct {
	service  *Service
	auth     Authorizer
	upgrader websocket.Upgrader
	logger   logging.Logger
}

func NewServer(service *Service, auth Authorizer) *Server {
	return &Server{
		service:  service,
		auth:     auth,
		upgrader: websocket.Upgrader{},
		logger:   logging.Default().WithField(logging.ServiceNameFieldKey, "debug_server"),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	accountID, authErr := s.auth.Authorize(r)

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Warn("websocket upgrade failed")
		return
	}

	conn := &connection{
		server:    s,
		ws:        ws,
		accountID: accountID,
		logger:    s.logger,
	}
	defer conn.close()

	if authErr != nil {
		// deliver the error on the first request, then terminate
		conn.rejectAll(r.Context(), Unauthorizedf("unauthorized: %s", authErr))
		return
	}
	conn.serve(r.Context())
}

// connection is the per-websocket state: the attached session and a write lock
// shared between responses and pushed notifications.
type connection struct {
	server    *Server
	ws        *websocket.Conn
	accountID string
	logger    logging.Logger

	writeMu sync.Mutex
	session *Session
}

func (c *connection) close() {
	if c.session != nil {
		c.server.service.Terminate(c.session)
		c.session = nil
	}
	_ = c.ws.Close()
}

func (c *connection) write(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(v)
}

// EmitLogs pushes a batch of replay log events to the client.
func (c *connection) EmitLogs(events []Event) error {
	return c.write(rpcNotification{JSONRPC: "2.0", Method: notificationEmitLogs, Params: events})
}

// NotifyLogsLagged reports dropped events to the client.
func (c *connection) NotifyLogsLagged(count uint64) error {
	return c.write(rpcNotification{
		JSONRPC: "2.0",
		Method:  notificationLogsLagged,
		Params:  map[string]uint64{"count": count},
	})
}

// rejectAll answers the first incoming request with the given error and closes the
// connection afterwards.
func (c *connection) rejectAll(_ context.Context, debugErr *Error) {
	var req rpcRequest
	if err := c.ws.ReadJSON(&req); err != nil {
		return
	}
	_ = c.write(rpcResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Error:   &rpcError{Code: debugErr.RPCCode(), Message: debugErr.Error()},
	})
}

func (c *connection) serve(ctx context.Context) {
	for {
		var req rpcRequest
		if err := c.ws.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.WithError(err).Debug("debug connection closed")
			}
			return
		}

		result, debugErr := c.dispatch(ctx, &req)
		resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}
		if debugErr != nil {
			resp.Error = &rpcError{Code: debugErr.RPCCode(), Message: debugErr.Error()}
		} else {
			resp.Result = result
		}
		if err := c.write(resp); err != nil {
			c.logger.WithError(err).Warn("failed to write debug response")
			return
		}
		if debugErr != nil && debugErr.TerminatesSession() {
			return
		}
	}
}

func (c *connection) dispatch(ctx context.Context, req *rpcRequest) (interface{}, *Error) {
	switch req.Method {
	case methodConnect:
		return c.handleConnect(ctx, req.Params)
	case methodPlayback:
		return c.handlePlayback(ctx, req.Params)
	case methodRewind:
		return c.handleRewind(ctx, req.Params)
	case methodFork:
		return c.handleFork(ctx, req.Params)
	case methodCurrentOplogIndex:
		return c.handleCurrentOplogIndex()
	default:
		return nil, ErrMethodNotFound(req.Method)
	}
}

func (c *connection) handleConnect(ctx context.Context, params json.RawMessage) (interface{}, *Error) {
	var p connectParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, InvalidParamsf("invalid connect params: %s", err)
	}
	if c.session != nil {
		return nil, Conflictf("session is already connected to worker %s", c.session.Owned.WorkerID)
	}
	workerID, err := oplog.ParseWorkerID(p.WorkerID)
	if err != nil {
		return nil, InvalidParamsf("invalid worker id: %s", err)
	}
	owned := oplog.OwnedWorkerID{AccountID: c.accountID, WorkerID: workerID}

	session, result, connErr := c.server.service.Connect(ctx, owned, c)
	if connErr != nil {
		return nil, asDebugError(connErr)
	}
	c.session = session
	return result, nil
}

func (c *connection) handlePlayback(ctx context.Context, params json.RawMessage) (interface{}, *Error) {
	if c.session == nil {
		return nil, ErrInactiveSession()
	}
	var p playbackParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, InvalidParamsf("invalid playback params: %s", err)
	}
	ensureBoundary := p.EnsureInvocationBoundary == nil || *p.EnsureInvocationBoundary

	reached, err := c.server.service.Playback(ctx, c.session, p.TargetIndex, p.Overrides, ensureBoundary, p.Replicas)
	if err != nil {
		return nil, asDebugError(err)
	}
	return replayResult{
		WorkerID:     c.session.Owned.WorkerID,
		CurrentIndex: reached,
		Message:      "playback stopped",
	}, nil
}

func (c *connection) handleRewind(ctx context.Context, params json.RawMessage) (interface{}, *Error) {
	if c.session == nil {
		return nil, ErrInactiveSession()
	}
	var p rewindParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, InvalidParamsf("invalid rewind params: %s", err)
	}
	ensureBoundary := p.EnsureInvocationBoundary == nil || *p.EnsureInvocationBoundary

	reached, err := c.server.service.Rewind(ctx, c.session, p.TargetIndex, ensureBoundary, p.Replicas)
	if err != nil {
		return nil, asDebugError(err)
	}
	return replayResult{
		WorkerID:     c.session.Owned.WorkerID,
		CurrentIndex: reached,
		Message:      "rewind finished",
	}, nil
}

func (c *connection) handleFork(ctx context.Context, params json.RawMessage) (interface{}, *Error) {
	if c.session == nil {
		return nil, ErrInactiveSession()
	}
	var p forkParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, InvalidParamsf("invalid fork params: %s", err)
	}
	targetWorkerID, err := oplog.ParseWorkerID(p.TargetWorkerID)
	if err != nil {
		return nil, InvalidParamsf("invalid target worker id: %s", err)
	}

	if forkErr := c.server.service.Fork(ctx, c.session, targetWorkerID, p.CutOff); forkErr != nil {
		return nil, asDebugError(forkErr)
	}
	return forkResult{
		SourceWorkerID: c.session.Owned.WorkerID,
		TargetWorkerID: targetWorkerID,
		Message:        "worker forked",
	}, nil
}

func (c *connection) handleCurrentOplogIndex() (interface{}, *Error) {
	if c.session == nil {
		return nil, ErrInactiveSession()
	}
	return currentIndexResult{CurrentIndex: c.server.service.CurrentOplogIndex(c.session)}, nil
}

func asDebugError(err error) *Error {
	if debugErr, ok := err.(*Error); ok {
		return debugErr
	}
	return Internalf(err, "internal error")
}
