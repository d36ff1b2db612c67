package client

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/mcpchat/host/rpc"
	"github.com/mcpchat/host/session"
	"github.com/mcpchat/host/settings"
	"github.com/sourcegraph/jsonrpc2"
)

const eventBuffer = 64

type Options struct {
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client implements Backend over JSON-RPC on a WebSocket.
type Client struct {
	conn *jsonrpc2.Conn
	log  *slog.Logger

	events chan *jsonrpc2.Request
	done   chan struct{}

	mu          sync.Mutex
	configSubs  map[string]func(settings.Config)
	sessionSubs map[string]func(SessionEvent)
	closeOnce   sync.Once
}

var _ Backend = (*Client)(nil)

// Dial connects to the host at url and authenticates with token.
func Dial(ctx context.Context, url, token string, opts *Options) (*Client, error) {
	if opts == nil {
		opts = &Options{}
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	wsConn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPClient: opts.HTTPClient})
	if err != nil {
		return nil, &rpc.Error{Kind: rpc.KindUnreachable, Method: "dial", Message: err.Error()}
	}
	wsConn.SetReadLimit(rpc.ReadLimit)

	c := &Client{
		log:         log,
		events:      make(chan *jsonrpc2.Request, eventBuffer),
		done:        make(chan struct{}),
		configSubs:  make(map[string]func(settings.Config)),
		sessionSubs: make(map[string]func(SessionEvent)),
	}
	c.conn = jsonrpc2.NewConn(context.Background(), rpc.NewWebSocketStream(wsConn), notificationHandler{c})
	go c.dispatchLoop()

	var auth rpc.AuthResult
	if err := c.call(ctx, rpc.MethodAuth, rpc.AuthParams{Token: token}, &auth); err != nil {
		c.Close()
		return nil, err
	}
	log.Debug("connected to host", "url", url, "version", auth.Version)

	return c, nil
}

func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
		close(c.done)
	})
	return err
}

// call performs one exchange and converts every failure into *rpc.Error.
func (c *Client) call(ctx context.Context, method string, params, result any) error {
	err := c.conn.Call(ctx, method, params, result)
	if err == nil {
		return nil
	}

	var je *jsonrpc2.Error
	if errors.As(err, &je) {
		return rpc.FromJSONRPC(method, je)
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return &rpc.Error{Kind: rpc.KindInternal, Method: method, Message: "malformed response: " + err.Error()}
	}

	return &rpc.Error{Kind: rpc.KindUnreachable, Method: method, Message: err.Error()}
}

func validationErr(method, msg string) error {
	return &rpc.Error{Kind: rpc.KindValidation, Method: method, Message: msg}
}

func (c *Client) InitializeMcp(ctx context.Context, apiKey string) (string, error) {
	if strings.TrimSpace(apiKey) == "" {
		return "", validationErr(rpc.MethodInitializeMcp, "api key is required")
	}
	var status string
	err := c.call(ctx, rpc.MethodInitializeMcp, rpc.InitializeMcpParams{APIKey: apiKey}, &status)
	return status, err
}

func (c *Client) SendMessage(ctx context.Context, sessionID, content string) (string, error) {
	if strings.TrimSpace(content) == "" {
		return "", validationErr(rpc.MethodSendMessage, "content is required")
	}
	var reply string
	err := c.call(ctx, rpc.MethodSendMessage, rpc.SendMessageParams{Content: content, SessionID: sessionID}, &reply)
	return reply, err
}

func (c *Client) CreateChatSession(ctx context.Context, title string) (string, error) {
	var id string
	err := c.call(ctx, rpc.MethodCreateChatSession, rpc.CreateChatSessionParams{Title: title}, &id)
	return id, err
}

func (c *Client) GetChatSessions(ctx context.Context) ([]session.ChatSession, error) {
	var sessions []session.ChatSession
	if err := c.call(ctx, rpc.MethodGetChatSessions, nil, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

func (c *Client) GetChatMessages(ctx context.Context, sessionID string) ([]session.Message, error) {
	var messages []session.Message
	if err := c.call(ctx, rpc.MethodGetChatMessages, rpc.SessionIDParams{SessionID: sessionID}, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

func (c *Client) AddChatMessage(ctx context.Context, sessionID string, role session.Role, content string) (string, error) {
	if !role.IsValid() {
		return "", validationErr(rpc.MethodAddChatMessage, "invalid role: "+string(role))
	}
	var id string
	err := c.call(ctx, rpc.MethodAddChatMessage, rpc.AddChatMessageParams{
		SessionID: sessionID,
		Role:      role,
		Content:   content,
	}, &id)
	return id, err
}

func (c *Client) DeleteChatSession(ctx context.Context, sessionID string) error {
	return c.call(ctx, rpc.MethodDeleteChatSession, rpc.SessionIDParams{SessionID: sessionID}, nil)
}

func (c *Client) UpdateChatSessionTitle(ctx context.Context, sessionID, title string) error {
	return c.call(ctx, rpc.MethodUpdateChatSessionTitle, rpc.UpdateChatSessionTitleParams{
		SessionID: sessionID,
		Title:     title,
	}, nil)
}

func (c *Client) GetConfig(ctx context.Context) (settings.Config, error) {
	var cfg settings.Config
	if err := c.call(ctx, rpc.MethodGetConfig, nil, &cfg); err != nil {
		return settings.Config{}, err
	}
	return cfg, nil
}

func (c *Client) SaveConfig(ctx context.Context, cfg settings.Config) error {
	if err := cfg.Validate(); err != nil {
		return validationErr(rpc.MethodSaveConfig, err.Error())
	}
	return c.call(ctx, rpc.MethodSaveConfig, rpc.SaveConfigParams{Config: cfg}, nil)
}

func (c *Client) ExportChatHistory(ctx context.Context) (string, error) {
	var path string
	err := c.call(ctx, rpc.MethodExportChatHistory, nil, &path)
	return path, err
}

func (c *Client) ImportChatHistory(ctx context.Context) (string, error) {
	return c.ImportChatHistoryFrom(ctx, "")
}

func (c *Client) ImportChatHistoryFrom(ctx context.Context, path string) (string, error) {
	var res rpc.ImportChatHistoryResult
	if err := c.call(ctx, rpc.MethodImportChatHistory, rpc.ImportChatHistoryParams{Path: path}, &res); err != nil {
		return "", err
	}
	c.log.Debug("history imported", "path", res.Path, "sessions", res.Sessions, "messages", res.Messages)
	return res.Path, nil
}

func (c *Client) SubscribeConfig(ctx context.Context, fn func(settings.Config)) (settings.Config, Unsubscribe, error) {
	var res rpc.SettingsSubscribeResult
	if err := c.call(ctx, rpc.MethodSettingsSubscribe, nil, &res); err != nil {
		return settings.Config{}, nil, err
	}

	c.mu.Lock()
	c.configSubs[res.ID] = fn
	c.mu.Unlock()

	return res.Config, c.unsubscriber(rpc.MethodSettingsUnsubscribe, res.ID), nil
}

func (c *Client) SubscribeSessions(ctx context.Context, fn func(SessionEvent)) ([]session.ChatSession, Unsubscribe, error) {
	var res rpc.SessionListSubscribeResult
	if err := c.call(ctx, rpc.MethodSessionListSubscribe, nil, &res); err != nil {
		return nil, nil, err
	}

	c.mu.Lock()
	c.sessionSubs[res.ID] = fn
	c.mu.Unlock()

	return res.Sessions, c.unsubscriber(rpc.MethodSessionListUnsubscribe, res.ID), nil
}

func (c *Client) unsubscriber(method, id string) Unsubscribe {
	return func(ctx context.Context) error {
		c.mu.Lock()
		delete(c.configSubs, id)
		delete(c.sessionSubs, id)
		c.mu.Unlock()
		return c.call(ctx, method, rpc.UnsubscribeParams{ID: id}, nil)
	}
}

// notificationHandler queues server notifications. Callbacks run on the
// dispatch goroutine so they may call back into the Client. Handle runs on
// the connection's reader and never blocks: when the queue is full the
// notification is dropped.
type notificationHandler struct {
	c *Client
}

func (h notificationHandler) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	if !req.Notif || req.Params == nil {
		return
	}
	select {
	case h.c.events <- req:
	case <-h.c.done:
	default:
		h.c.log.Warn("notification dropped (buffer full)", "method", req.Method)
	}
}

func (c *Client) dispatchLoop() {
	for {
		select {
		case <-c.done:
			return
		case req := <-c.events:
			c.dispatch(req)
		}
	}
}

func (c *Client) dispatch(req *jsonrpc2.Request) {
	switch req.Method {
	case rpc.NotifySettingsChanged:
		var params rpc.SettingsChangedParams
		if err := json.Unmarshal(*req.Params, &params); err != nil {
			c.log.Warn("malformed notification", "method", req.Method, "error", err)
			return
		}
		c.mu.Lock()
		fn := c.configSubs[params.ID]
		c.mu.Unlock()
		if fn != nil {
			fn(params.Config)
		}

	case rpc.NotifySessionListChanged:
		var params rpc.SessionListChangedParams
		if err := json.Unmarshal(*req.Params, &params); err != nil {
			c.log.Warn("malformed notification", "method", req.Method, "error", err)
			return
		}
		c.mu.Lock()
		fn := c.sessionSubs[params.ID]
		c.mu.Unlock()
		if fn == nil {
			return
		}
		event := SessionEvent{
			Operation: session.Operation(params.Operation),
			Session:   params.Session,
			SessionID: params.SessionID,
		}
		if event.SessionID == "" && event.Session != nil {
			event.SessionID = event.Session.ID
		}
		fn(event)

	default:
		c.log.Debug("ignoring notification", "method", req.Method)
	}
}
