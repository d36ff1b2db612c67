package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/mcpchat/host/archive"
	"github.com/mcpchat/host/assistant"
	"github.com/mcpchat/host/chat"
	"github.com/mcpchat/host/rpc"
	"github.com/mcpchat/host/session"
	"github.com/mcpchat/host/settings"
	"github.com/sourcegraph/jsonrpc2"
)

type fakeCompleter struct {
	mu    sync.Mutex
	reply string
	err   error
	calls int
}

func (f *fakeCompleter) Complete(ctx context.Context, messages []assistant.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.reply, f.err
}

type testEnv struct {
	t         *testing.T
	dataDir   string
	store     *session.SQLiteStore
	settings  *settings.Store
	completer *fakeCompleter
	conn      *jsonrpc2.Conn
	notifs    chan *jsonrpc2.Request
	ctx       context.Context
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()

	store, err := session.NewSQLiteStore(dir)
	if err != nil {
		t.Fatalf("failed to create session store: %v", err)
	}
	settingsStore, err := settings.NewStore(dir)
	if err != nil {
		t.Fatalf("failed to create settings store: %v", err)
	}
	completer := &fakeCompleter{reply: "Try Lisbon."}
	svc := chat.NewService(store, settingsStore, func(apiKey, model string) assistant.Completer {
		return completer
	})

	h := NewRPCHandler("test-token", "test", true, Backend{
		Chat:     svc,
		Sessions: store,
		Settings: settingsStore,
		Archive:  archive.New(store, dir),
	})
	server := httptest.NewServer(h)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	wsConn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		cancel()
		server.Close()
		t.Fatalf("failed to connect: %v", err)
	}
	wsConn.SetReadLimit(rpc.ReadLimit)

	notifs := make(chan *jsonrpc2.Request, 32)
	conn := jsonrpc2.NewConn(context.Background(), rpc.NewWebSocketStream(wsConn),
		jsonrpc2.HandlerWithError(func(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) (interface{}, error) {
			if req.Notif {
				notifs <- req
			}
			return nil, nil
		}))

	t.Cleanup(func() {
		conn.Close()
		cancel()
		server.Close()
		h.Stop()
		store.Close()
	})

	return &testEnv{
		t:         t,
		dataDir:   dir,
		store:     store,
		settings:  settingsStore,
		completer: completer,
		conn:      conn,
		notifs:    notifs,
		ctx:       ctx,
	}
}

func newAuthedEnv(t *testing.T) *testEnv {
	env := newTestEnv(t)
	env.mustCall(rpc.MethodAuth, rpc.AuthParams{Token: "test-token"}, nil)
	return env
}

func (e *testEnv) call(method string, params, result any) error {
	return e.conn.Call(e.ctx, method, params, result)
}

func (e *testEnv) mustCall(method string, params, result any) {
	e.t.Helper()
	if err := e.call(method, params, result); err != nil {
		e.t.Fatalf("%s failed: %v", method, err)
	}
}

// expectKind asserts that calling method fails with the given error kind.
func (e *testEnv) expectKind(method string, params any, kind rpc.Kind) {
	e.t.Helper()
	err := e.call(method, params, nil)
	var je *jsonrpc2.Error
	if !errors.As(err, &je) {
		e.t.Fatalf("%s: expected JSON-RPC error, got %v", method, err)
	}
	if got := rpc.FromJSONRPC(method, je).Kind; got != kind {
		e.t.Errorf("%s: kind = %s, want %s (message %q)", method, got, kind, je.Message)
	}
}

func (e *testEnv) nextNotification(method string) *jsonrpc2.Request {
	e.t.Helper()
	for {
		select {
		case n := <-e.notifs:
			if n.Method == method {
				return n
			}
		case <-time.After(3 * time.Second):
			e.t.Fatalf("timeout waiting for %s", method)
			return nil
		}
	}
}

func TestHandler_FirstRequestMustBeAuth(t *testing.T) {
	env := newTestEnv(t)

	err := env.call(rpc.MethodGetConfig, nil, nil)
	var je *jsonrpc2.Error
	if !errors.As(err, &je) || je.Code != jsonrpc2.CodeInvalidRequest {
		t.Fatalf("expected invalid request error, got %v", err)
	}

	select {
	case <-env.conn.DisconnectNotify():
	case <-time.After(3 * time.Second):
		t.Error("expected server to close the connection")
	}
}

func TestHandler_InvalidToken(t *testing.T) {
	env := newTestEnv(t)

	err := env.call(rpc.MethodAuth, rpc.AuthParams{Token: "wrong"}, nil)
	var je *jsonrpc2.Error
	if !errors.As(err, &je) || je.Message != "invalid token" {
		t.Fatalf("expected invalid token error, got %v", err)
	}
}

func TestHandler_Auth(t *testing.T) {
	env := newTestEnv(t)

	var result rpc.AuthResult
	env.mustCall(rpc.MethodAuth, rpc.AuthParams{Token: "test-token"}, &result)
	if result.Version != "test" {
		t.Errorf("version = %q", result.Version)
	}
}

func TestHandler_MethodNotFound(t *testing.T) {
	env := newAuthedEnv(t)

	err := env.call("no_such_method", nil, nil)
	var je *jsonrpc2.Error
	if !errors.As(err, &je) || je.Code != jsonrpc2.CodeMethodNotFound {
		t.Errorf("expected method not found, got %v", err)
	}
}

func TestHandler_TripPlanningScenario(t *testing.T) {
	env := newAuthedEnv(t)

	var sessionID string
	env.mustCall(rpc.MethodCreateChatSession, rpc.CreateChatSessionParams{Title: "Trip Planning"}, &sessionID)
	if sessionID == "" {
		t.Fatal("expected session id")
	}

	var messageID string
	env.mustCall(rpc.MethodAddChatMessage, rpc.AddChatMessageParams{
		SessionID: sessionID,
		Role:      session.RoleUser,
		Content:   "Where should I go?",
	}, &messageID)
	if messageID == "" {
		t.Fatal("expected message id")
	}

	var messages []session.Message
	env.mustCall(rpc.MethodGetChatMessages, rpc.SessionIDParams{SessionID: sessionID}, &messages)
	if len(messages) != 1 {
		t.Fatalf("got %d messages, want 1", len(messages))
	}
	m := messages[0]
	if m.ID != messageID || m.SessionID != sessionID || m.Role != session.RoleUser || m.Content != "Where should I go?" {
		t.Errorf("message = %+v", m)
	}

	var sessions []session.ChatSession
	env.mustCall(rpc.MethodGetChatSessions, nil, &sessions)
	if len(sessions) != 1 || sessions[0].Title != "Trip Planning" {
		t.Errorf("sessions = %+v", sessions)
	}
}

func TestHandler_CreateChatSession_DefaultTitle(t *testing.T) {
	env := newAuthedEnv(t)

	var sessionID string
	env.mustCall(rpc.MethodCreateChatSession, rpc.CreateChatSessionParams{}, &sessionID)

	sess, found, err := env.store.Get(context.Background(), sessionID)
	if err != nil || !found {
		t.Fatalf("Get: found=%v err=%v", found, err)
	}
	if sess.Title != session.DefaultTitle {
		t.Errorf("title = %q, want %q", sess.Title, session.DefaultTitle)
	}
}

func TestHandler_UnknownSession(t *testing.T) {
	env := newAuthedEnv(t)

	env.expectKind(rpc.MethodGetChatMessages, rpc.SessionIDParams{SessionID: "missing"}, rpc.KindNotFound)
	env.expectKind(rpc.MethodDeleteChatSession, rpc.SessionIDParams{SessionID: "missing"}, rpc.KindNotFound)
	env.expectKind(rpc.MethodAddChatMessage, rpc.AddChatMessageParams{
		SessionID: "missing", Role: session.RoleUser, Content: "hi",
	}, rpc.KindNotFound)
	env.expectKind(rpc.MethodUpdateChatSessionTitle, rpc.UpdateChatSessionTitleParams{
		SessionID: "missing", Title: "x",
	}, rpc.KindNotFound)
}

func TestHandler_AddChatMessage_InvalidRole(t *testing.T) {
	env := newAuthedEnv(t)

	var sessionID string
	env.mustCall(rpc.MethodCreateChatSession, rpc.CreateChatSessionParams{Title: "t"}, &sessionID)

	env.expectKind(rpc.MethodAddChatMessage, rpc.AddChatMessageParams{
		SessionID: sessionID, Role: "system", Content: "hi",
	}, rpc.KindValidation)
}

func TestHandler_DeleteChatSession(t *testing.T) {
	env := newAuthedEnv(t)

	var sessionID string
	env.mustCall(rpc.MethodCreateChatSession, rpc.CreateChatSessionParams{Title: "t"}, &sessionID)
	env.mustCall(rpc.MethodAddChatMessage, rpc.AddChatMessageParams{
		SessionID: sessionID, Role: session.RoleUser, Content: "hi",
	}, nil)

	env.mustCall(rpc.MethodDeleteChatSession, rpc.SessionIDParams{SessionID: sessionID}, nil)

	var sessions []session.ChatSession
	env.mustCall(rpc.MethodGetChatSessions, nil, &sessions)
	for _, s := range sessions {
		if s.ID == sessionID {
			t.Error("deleted session still listed")
		}
	}
	env.expectKind(rpc.MethodGetChatMessages, rpc.SessionIDParams{SessionID: sessionID}, rpc.KindNotFound)
}

func TestHandler_UpdateChatSessionTitle(t *testing.T) {
	env := newAuthedEnv(t)

	var sessionID string
	env.mustCall(rpc.MethodCreateChatSession, rpc.CreateChatSessionParams{Title: "old"}, &sessionID)

	env.expectKind(rpc.MethodUpdateChatSessionTitle, rpc.UpdateChatSessionTitleParams{SessionID: sessionID, Title: " "}, rpc.KindValidation)
	env.mustCall(rpc.MethodUpdateChatSessionTitle, rpc.UpdateChatSessionTitleParams{SessionID: sessionID, Title: "new"}, nil)

	sess, _, _ := env.store.Get(context.Background(), sessionID)
	if sess.Title != "new" {
		t.Errorf("title = %q, want new", sess.Title)
	}
}

func TestHandler_SaveAndGetConfig(t *testing.T) {
	env := newAuthedEnv(t)

	cfg := settings.Config{APIKey: "sk", Model: "m", Theme: settings.ThemeDark, MaxHistory: 5, AutoCreateChat: false}
	env.mustCall(rpc.MethodSaveConfig, rpc.SaveConfigParams{Config: cfg}, nil)

	var got settings.Config
	env.mustCall(rpc.MethodGetConfig, nil, &got)
	if got != cfg {
		t.Errorf("got %+v, want %+v", got, cfg)
	}
}

func TestHandler_SaveConfig_MissingAutoCreateChatDefaultsTrue(t *testing.T) {
	env := newAuthedEnv(t)

	params := json.RawMessage(`{"config":{"apiKey":"","model":"m","theme":"dark","maxHistory":5}}`)
	env.mustCall(rpc.MethodSaveConfig, params, nil)

	var got settings.Config
	env.mustCall(rpc.MethodGetConfig, nil, &got)
	if !got.AutoCreateChat {
		t.Error("expected autoCreateChat to default to true")
	}
}

func TestHandler_SaveConfig_InvalidThemeLeavesConfig(t *testing.T) {
	env := newAuthedEnv(t)

	bad := settings.Default()
	bad.Theme = "solarized"
	env.expectKind(rpc.MethodSaveConfig, rpc.SaveConfigParams{Config: bad}, rpc.KindValidation)

	var got settings.Config
	env.mustCall(rpc.MethodGetConfig, nil, &got)
	if got != settings.Default() {
		t.Errorf("config changed to %+v", got)
	}
}

func TestHandler_InitializeAndSend(t *testing.T) {
	env := newAuthedEnv(t)

	var sessionID string
	env.mustCall(rpc.MethodCreateChatSession, rpc.CreateChatSessionParams{Title: "t"}, &sessionID)

	env.expectKind(rpc.MethodInitializeMcp, rpc.InitializeMcpParams{APIKey: ""}, rpc.KindValidation)
	env.expectKind(rpc.MethodSendMessage, rpc.SendMessageParams{SessionID: sessionID, Content: "hi"}, rpc.KindValidation)

	var status string
	env.mustCall(rpc.MethodInitializeMcp, rpc.InitializeMcpParams{APIKey: "sk-live"}, &status)
	if status != chat.InitializedMessage {
		t.Errorf("status = %q", status)
	}

	var reply string
	env.mustCall(rpc.MethodSendMessage, rpc.SendMessageParams{SessionID: sessionID, Content: "Where should I go?"}, &reply)
	if reply != "Try Lisbon." {
		t.Errorf("reply = %q", reply)
	}

	env.expectKind(rpc.MethodSendMessage, rpc.SendMessageParams{SessionID: "missing", Content: "hi"}, rpc.KindNotFound)
	env.expectKind(rpc.MethodSendMessage, rpc.SendMessageParams{SessionID: sessionID, Content: ""}, rpc.KindValidation)
}

func TestHandler_SendMessage_AssistantUnreachable(t *testing.T) {
	env := newAuthedEnv(t)
	env.completer.err = assistant.ErrUnreachable

	var sessionID string
	env.mustCall(rpc.MethodCreateChatSession, rpc.CreateChatSessionParams{Title: "t"}, &sessionID)
	env.mustCall(rpc.MethodInitializeMcp, rpc.InitializeMcpParams{APIKey: "sk"}, nil)

	env.expectKind(rpc.MethodSendMessage, rpc.SendMessageParams{SessionID: sessionID, Content: "hi"}, rpc.KindUnreachable)
}

func TestHandler_ExportImportRoundTrip(t *testing.T) {
	env := newAuthedEnv(t)

	var sessionID string
	env.mustCall(rpc.MethodCreateChatSession, rpc.CreateChatSessionParams{Title: "Trip Planning"}, &sessionID)
	var messageID string
	env.mustCall(rpc.MethodAddChatMessage, rpc.AddChatMessageParams{
		SessionID: sessionID, Role: session.RoleUser, Content: "Where should I go?",
	}, &messageID)

	var path string
	env.mustCall(rpc.MethodExportChatHistory, nil, &path)
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("export file missing: %v", err)
	}

	env.mustCall(rpc.MethodDeleteChatSession, rpc.SessionIDParams{SessionID: sessionID}, nil)

	var result rpc.ImportChatHistoryResult
	env.mustCall(rpc.MethodImportChatHistory, rpc.ImportChatHistoryParams{}, &result)
	if result.Path != path || result.Sessions != 1 || result.Messages != 1 {
		t.Errorf("result = %+v", result)
	}

	var messages []session.Message
	env.mustCall(rpc.MethodGetChatMessages, rpc.SessionIDParams{SessionID: sessionID}, &messages)
	if len(messages) != 1 || messages[0].ID != messageID {
		t.Errorf("messages after import = %+v", messages)
	}
}

func TestHandler_ImportErrors(t *testing.T) {
	env := newAuthedEnv(t)

	env.expectKind(rpc.MethodImportChatHistory, nil, rpc.KindNotFound)

	exports := filepath.Join(env.dataDir, "exports")
	os.MkdirAll(exports, 0755)

	future := filepath.Join(exports, "future.json")
	os.WriteFile(future, []byte(`{"version":"2.0.0","sessions":[],"messages":[]}`), 0600)
	env.expectKind(rpc.MethodImportChatHistory, rpc.ImportChatHistoryParams{Path: future}, rpc.KindVersionMismatch)

	broken := filepath.Join(exports, "broken.json")
	os.WriteFile(broken, []byte(`{"version":`), 0600)
	env.expectKind(rpc.MethodImportChatHistory, rpc.ImportChatHistoryParams{Path: broken}, rpc.KindValidation)

	env.expectKind(rpc.MethodImportChatHistory, rpc.ImportChatHistoryParams{Path: "nope.json"}, rpc.KindNotFound)

	// Files outside the exports directory are never read.
	outside := filepath.Join(env.dataDir, "outside.json")
	os.WriteFile(outside, []byte(`{"version":"1.0.0","sessions":[],"messages":[]}`), 0600)
	env.expectKind(rpc.MethodImportChatHistory, rpc.ImportChatHistoryParams{Path: outside}, rpc.KindValidation)
	env.expectKind(rpc.MethodImportChatHistory, rpc.ImportChatHistoryParams{Path: "../config.json"}, rpc.KindValidation)
}

func TestHandler_SettingsSubscription(t *testing.T) {
	env := newAuthedEnv(t)

	var sub rpc.SettingsSubscribeResult
	env.mustCall(rpc.MethodSettingsSubscribe, nil, &sub)
	if sub.ID == "" || sub.Config != settings.Default() {
		t.Fatalf("subscribe result = %+v", sub)
	}

	cfg := settings.Default()
	cfg.Theme = settings.ThemeDark
	env.mustCall(rpc.MethodSaveConfig, rpc.SaveConfigParams{Config: cfg}, nil)

	n := env.nextNotification(rpc.NotifySettingsChanged)
	var params rpc.SettingsChangedParams
	if err := json.Unmarshal(*n.Params, &params); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if params.ID != sub.ID || params.Config != cfg {
		t.Errorf("params = %+v", params)
	}

	env.mustCall(rpc.MethodSettingsUnsubscribe, rpc.UnsubscribeParams{ID: sub.ID}, nil)
}

func TestHandler_SessionListSubscription(t *testing.T) {
	env := newAuthedEnv(t)

	var sub rpc.SessionListSubscribeResult
	env.mustCall(rpc.MethodSessionListSubscribe, nil, &sub)
	if sub.ID == "" || len(sub.Sessions) != 0 {
		t.Fatalf("subscribe result = %+v", sub)
	}

	var sessionID string
	env.mustCall(rpc.MethodCreateChatSession, rpc.CreateChatSessionParams{Title: "t"}, &sessionID)

	n := env.nextNotification(rpc.NotifySessionListChanged)
	var params rpc.SessionListChangedParams
	if err := json.Unmarshal(*n.Params, &params); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if params.Operation != "create" || params.Session == nil || params.Session.ID != sessionID {
		t.Errorf("params = %+v", params)
	}
}

func TestHandler_UnsubscribeRequiresID(t *testing.T) {
	env := newAuthedEnv(t)

	err := env.call(rpc.MethodSettingsUnsubscribe, rpc.UnsubscribeParams{}, nil)
	var je *jsonrpc2.Error
	if !errors.As(err, &je) || je.Code != jsonrpc2.CodeInvalidParams {
		t.Errorf("expected invalid params, got %v", err)
	}
}
