package ws

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/mcpchat/host/archive"
	"github.com/mcpchat/host/chat"
	"github.com/mcpchat/host/logger"
	"github.com/mcpchat/host/rpc"
	"github.com/mcpchat/host/session"
	"github.com/mcpchat/host/settings"
	"github.com/mcpchat/host/watch"
	"github.com/sourcegraph/jsonrpc2"
)

// Backend groups the services the RPC methods operate on.
type Backend struct {
	Chat     *chat.Service
	Sessions session.Store
	Settings *settings.Store
	Archive  *archive.Archiver
}

// RPCHandler handles JSON-RPC 2.0 over WebSocket.
type RPCHandler struct {
	token              string
	version            string
	devMode            bool
	backend            Backend
	settingsWatcher    *watch.SettingsWatcher
	sessionListWatcher *watch.SessionListWatcher
}

func NewRPCHandler(token, version string, devMode bool, backend Backend) *RPCHandler {
	settingsWatcher := watch.NewSettingsWatcher(backend.Settings)
	settingsWatcher.Start()
	sessionListWatcher := watch.NewSessionListWatcher(backend.Sessions)
	sessionListWatcher.Start()

	return &RPCHandler{
		token:              token,
		version:            version,
		devMode:            devMode,
		backend:            backend,
		settingsWatcher:    settingsWatcher,
		sessionListWatcher: sessionListWatcher,
	}
}

// Stop stops the RPC handler and releases resources.
func (h *RPCHandler) Stop() {
	h.settingsWatcher.Stop()
	h.sessionListWatcher.Stop()
}

func (h *RPCHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: h.devMode,
	})
	if err != nil {
		slog.Error("failed to accept websocket", "error", err)
		return
	}
	conn.SetReadLimit(rpc.ReadLimit)

	connID := uuid.Must(uuid.NewV7()).String()
	h.HandleStream(r.Context(), rpc.NewWebSocketStream(conn), connID)
}

// HandleStream serves one JSON-RPC connection until the peer disconnects.
func (h *RPCHandler) HandleStream(ctx context.Context, stream jsonrpc2.ObjectStream, connID string) {
	defer func() {
		if r := recover(); r != nil {
			logger.LogPanic(r, "websocket connection crashed", "connId", connID)
		}
	}()

	log := slog.With("connId", connID)
	log.Info("new connection")

	state := &rpcConnState{connID: connID, log: log}
	handler := &rpcMethodHandler{
		RPCHandler: h,
		state:      state,
		log:        log,
	}

	rpcConn := jsonrpc2.NewConn(ctx, stream, jsonrpc2.AsyncHandler(handler))
	state.setConn(rpcConn)

	<-rpcConn.DisconnectNotify()

	state.cleanup()
	log.Info("connection closed")
}

// rpcConnState tracks per-connection state.
type rpcConnState struct {
	mu            sync.Mutex
	connID        string
	notifier      *connNotifier
	log           *slog.Logger
	subscriptions map[string]watch.Watcher // subID → watcher for cleanup
}

func (s *rpcConnState) setConn(conn *jsonrpc2.Conn) {
	s.mu.Lock()
	s.notifier = &connNotifier{conn: conn, log: s.log}
	s.subscriptions = make(map[string]watch.Watcher)
	s.mu.Unlock()
}

func (s *rpcConnState) getNotifier() watch.Notifier {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notifier
}

func (s *rpcConnState) trackSubscription(id string, watcher watch.Watcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subscriptions == nil {
		// Connection already cleaned up.
		watcher.Unsubscribe(id)
		return
	}
	s.subscriptions[id] = watcher
}

func (s *rpcConnState) untrackSubscription(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscriptions, id)
}

func (s *rpcConnState) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, watcher := range s.subscriptions {
		watcher.Unsubscribe(id)
	}
	s.subscriptions = nil
}

// connNotifier sends watcher notifications as JSON-RPC notifications.
type connNotifier struct {
	conn *jsonrpc2.Conn
	log  *slog.Logger
}

func (n *connNotifier) Notify(ctx context.Context, notif watch.Notification) error {
	if err := n.conn.Notify(ctx, notif.Method, notif.Params); err != nil {
		return err
	}
	n.log.Debug("notification sent", "method", notif.Method)
	return nil
}

type rpcMethodHandler struct {
	*RPCHandler
	state         *rpcConnState
	log           *slog.Logger
	authenticated bool
	authMu        sync.Mutex
}

func (h *rpcMethodHandler) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	defer func() {
		if r := recover(); r != nil {
			logger.LogPanic(r, "rpc handler panic", "method", req.Method, "connId", h.state.connID)
			if !req.Notif {
				h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInternalError, "internal error")
			}
		}
	}()

	h.log.Debug("received request", "method", req.Method, "id", req.ID)

	// Auth must be the first request
	if !h.isAuthenticated() {
		if req.Method != rpc.MethodAuth {
			h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidRequest, "first request must be auth")
			conn.Close()
			return
		}
		h.handleAuth(ctx, conn, req)
		return
	}

	switch req.Method {
	// chat
	case rpc.MethodInitializeMcp:
		h.handleInitializeMcp(ctx, conn, req)
	case rpc.MethodSendMessage:
		h.handleSendMessage(ctx, conn, req)
	case rpc.MethodGetChatMessages:
		h.handleGetChatMessages(ctx, conn, req)
	case rpc.MethodAddChatMessage:
		h.handleAddChatMessage(ctx, conn, req)
	// sessions
	case rpc.MethodCreateChatSession:
		h.handleCreateChatSession(ctx, conn, req)
	case rpc.MethodGetChatSessions:
		h.handleGetChatSessions(ctx, conn, req)
	case rpc.MethodDeleteChatSession:
		h.handleDeleteChatSession(ctx, conn, req)
	case rpc.MethodUpdateChatSessionTitle:
		h.handleUpdateChatSessionTitle(ctx, conn, req)
	case rpc.MethodSessionListSubscribe:
		h.handleSessionListSubscribe(ctx, conn, req)
	case rpc.MethodSessionListUnsubscribe:
		h.handleWatcherUnsubscribe(ctx, conn, req, h.sessionListWatcher, "session list")
	// settings
	case rpc.MethodGetConfig:
		h.handleGetConfig(ctx, conn, req)
	case rpc.MethodSaveConfig:
		h.handleSaveConfig(ctx, conn, req)
	case rpc.MethodSettingsSubscribe:
		h.handleSettingsSubscribe(ctx, conn, req)
	case rpc.MethodSettingsUnsubscribe:
		h.handleWatcherUnsubscribe(ctx, conn, req, h.settingsWatcher, "settings")
	// history
	case rpc.MethodExportChatHistory:
		h.handleExportChatHistory(ctx, conn, req)
	case rpc.MethodImportChatHistory:
		h.handleImportChatHistory(ctx, conn, req)
	default:
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeMethodNotFound, "method not found: "+req.Method)
	}
}

func (h *rpcMethodHandler) isAuthenticated() bool {
	h.authMu.Lock()
	defer h.authMu.Unlock()
	return h.authenticated
}

func (h *rpcMethodHandler) setAuthenticated() {
	h.authMu.Lock()
	h.authenticated = true
	h.authMu.Unlock()
}

func (h *rpcMethodHandler) handleAuth(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.AuthParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		conn.Close()
		return
	}

	if subtle.ConstantTimeCompare([]byte(params.Token), []byte(h.token)) != 1 {
		h.log.Warn("invalid auth token")
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidRequest, "invalid token")
		conn.Close()
		return
	}

	h.setAuthenticated()
	h.log.Info("authenticated")

	if err := conn.Reply(ctx, req.ID, rpc.AuthResult{Version: h.version}); err != nil {
		h.log.Error("failed to send auth response", "error", err)
	}
}

func (h *rpcMethodHandler) reply(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, result any) {
	if err := conn.Reply(ctx, req.ID, result); err != nil {
		h.log.Error("failed to send response", "method", req.Method, "error", err)
	}
}

func (h *rpcMethodHandler) replyError(ctx context.Context, conn *jsonrpc2.Conn, id jsonrpc2.ID, code int64, message string) {
	err := &jsonrpc2.Error{
		Code:    code,
		Message: message,
	}
	if replyErr := conn.ReplyWithError(ctx, id, err); replyErr != nil {
		h.log.Error("failed to send error response", "error", replyErr)
	}
}

// replyFailure classifies err and sends it with its kind attached.
func (h *rpcMethodHandler) replyFailure(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, err error) {
	rpcErr := toRPCError(err)
	switch rpcErr.Kind {
	case rpc.KindInternal, rpc.KindStorageFailure:
		h.log.Error("request failed", "method", req.Method, "error", err)
	default:
		h.log.Debug("request rejected", "method", req.Method, "kind", rpcErr.Kind, "error", err)
	}

	if replyErr := conn.ReplyWithError(ctx, req.ID, rpcErr.ToJSONRPC()); replyErr != nil {
		h.log.Error("failed to send error response", "error", replyErr)
	}
}

func unmarshalParams(req *jsonrpc2.Request, v interface{}) error {
	if req.Params == nil {
		return errors.New("params required")
	}
	return json.Unmarshal(*req.Params, v)
}

// unmarshalOptionalParams leaves v untouched when params are absent.
func unmarshalOptionalParams(req *jsonrpc2.Request, v interface{}) error {
	if req.Params == nil {
		return nil
	}
	return json.Unmarshal(*req.Params, v)
}

func (h *rpcMethodHandler) handleWatcherUnsubscribe(
	ctx context.Context,
	conn *jsonrpc2.Conn,
	req *jsonrpc2.Request,
	watcher watch.Watcher,
	logName string,
) {
	var params rpc.UnsubscribeParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}
	if params.ID == "" {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "id is required")
		return
	}

	watcher.Unsubscribe(params.ID)
	h.state.untrackSubscription(params.ID)
	h.log.Debug("unsubscribed", "watcher", logName, "watchId", params.ID)

	h.reply(ctx, conn, req, struct{}{})
}
