package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waforge/waforge/pkg/db"
	"github.com/waforge/waforge/pkg/manager"
	"github.com/waforge/waforge/pkg/session"
	"github.com/waforge/waforge/pkg/webhook"
)

type stubSocket struct {
	mu      sync.Mutex
	handler func(session.Event)
	ready   chan struct{}
	once    sync.Once
}

func (s *stubSocket) Connect(ctx context.Context) error {
	s.once.Do(func() { close(s.ready) })
	return nil
}
func (s *stubSocket) Close()                          {}
func (s *stubSocket) Logout(ctx context.Context) error { return nil }
func (s *stubSocket) Connected() bool                 { return true }
func (s *stubSocket) LoggedIn() bool                  { return true }
func (s *stubSocket) SelfID() (string, string)        { return "5511999990000", "API Test" }

func (s *stubSocket) SendText(ctx context.Context, to, text string) (string, error) {
	return "TEXTID", nil
}

func (s *stubSocket) SendMedia(ctx context.Context, to string, media session.OutboundMedia) (string, error) {
	if len(media.Data) == 0 {
		return "", assert.AnError
	}
	return "MEDIAID", nil
}

func (s *stubSocket) SendPresence(ctx context.Context, available bool) error { return nil }

func (s *stubSocket) ProfilePictureURL(ctx context.Context, target string) (string, error) {
	return "https://cdn.example.com/" + target + ".jpg", nil
}

func (s *stubSocket) Groups(ctx context.Context) ([]session.GroupInfo, error) {
	return []session.GroupInfo{{JID: "111@g.us", Name: "announcements", Participants: 12}}, nil
}

func (s *stubSocket) SetHandler(fn func(session.Event)) {
	s.mu.Lock()
	s.handler = fn
	s.mu.Unlock()
}

func (s *stubSocket) emit(ev session.Event) {
	s.mu.Lock()
	fn := s.handler
	s.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

type stubDialer struct {
	sockets chan *stubSocket
}

func (d *stubDialer) Dial(ctx context.Context, name string) (session.Socket, error) {
	sock := &stubSocket{ready: make(chan struct{})}
	d.sockets <- sock
	return sock, nil
}

func (d *stubDialer) next(t *testing.T) *stubSocket {
	t.Helper()
	select {
	case sock := <-d.sockets:
		select {
		case <-sock.ready:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for Connect")
		}
		return sock
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dial")
		return nil
	}
}

type testEnv struct {
	handler http.Handler
	dialer  *stubDialer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := log.NewWithOptions(io.Discard, log.Options{Level: log.ErrorLevel})

	store, err := db.NewStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	dialer := &stubDialer{sockets: make(chan *stubSocket, 16)}
	dispatcher := webhook.NewDispatcher(logger, webhook.Config{
		RetryBackoff: []time.Duration{time.Millisecond},
	})
	mgr := manager.NewManager(logger, manager.Config{
		SessionDir:        t.TempDir(),
		KeepAliveInterval: time.Hour,
	}, store, dialer, dispatcher)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = mgr.Shutdown(ctx)
	})

	return &testEnv{
		handler: NewServer(logger, mgr).Handler(),
		dialer:  dialer,
	}
}

func (env *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	return rec
}

func decodeMap(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

// connect drives an instance through create and open so command handlers that
// require a live session can be exercised.
func (env *testEnv) connect(t *testing.T, name string) *stubSocket {
	t.Helper()
	rec := env.do(t, http.MethodPost, "/instances", `{"name":"`+name+`"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	sock := env.dialer.next(t)
	sock.emit(session.OpenedEvent{})
	return sock
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeMap(t, rec)["status"])
}

func TestCreateInstanceEndpoint(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/instances", `{"name":"sales"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	body := decodeMap(t, rec)
	assert.Equal(t, "sales", body["name"])
	assert.Equal(t, "connecting", body["status"])
	env.dialer.next(t)

	rec = env.do(t, http.MethodPost, "/instances", `{"name":"sales"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodPost, "/instances", `{"name":"Bad Name!"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/instances", `{bogus`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetAndListInstances(t *testing.T) {
	env := newTestEnv(t)
	env.connect(t, "sales")

	rec := env.do(t, http.MethodGet, "/instances/sales", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeMap(t, rec)
	assert.Equal(t, "connected", body["status"])
	assert.Equal(t, "5511999990000", body["phoneNumber"])

	rec = env.do(t, http.MethodGet, "/instances/ghost", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodGet, "/instances", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list, 1)
}

func TestQREndpoint(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/instances", `{"name":"pairing"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	sock := env.dialer.next(t)

	rec = env.do(t, http.MethodGet, "/instances/pairing/qr", "")
	assert.Equal(t, http.StatusNotFound, rec.Code, "no pairing code before the socket issues one")

	sock.emit(session.PairingCodeEvent{Code: "2@pairingpayload"})

	rec = env.do(t, http.MethodGet, "/instances/pairing/qr", "")
	require.Equal(t, http.StatusOK, rec.Code)
	qr, _ := decodeMap(t, rec)["qrcode"].(string)
	assert.True(t, strings.HasPrefix(qr, "data:image/png;base64,"))
}

func TestSendTextEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.connect(t, "sender")

	rec := env.do(t, http.MethodPost, "/instances/sender/send/text",
		`{"to":"5511888880000","text":"hello"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "TEXTID", decodeMap(t, rec)["messageId"])

	rec = env.do(t, http.MethodPost, "/instances/sender/send/text", `{"to":"5511888880000"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/instances/ghost/send/text",
		`{"to":"5511888880000","text":"hello"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSendTextNotConnected(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/instances", `{"name":"pending"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	env.dialer.next(t)

	rec = env.do(t, http.MethodPost, "/instances/pending/send/text",
		`{"to":"5511888880000","text":"hello"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSendMediaEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.connect(t, "sender")

	fileServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write([]byte{0xff, 0xd8, 0xff, 0xe0})
	}))
	defer fileServer.Close()

	rec := env.do(t, http.MethodPost, "/instances/sender/send/media",
		`{"to":"5511888880000","url":"`+fileServer.URL+`","type":"image","caption":"pic"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "MEDIAID", decodeMap(t, rec)["messageId"])

	rec = env.do(t, http.MethodPost, "/instances/sender/send/media",
		`{"to":"5511888880000","type":"image"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	missing := httptest.NewServer(http.NotFoundHandler())
	defer missing.Close()
	rec = env.do(t, http.MethodPost, "/instances/sender/send/media",
		`{"to":"5511888880000","url":"`+missing.URL+`","type":"image"}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestGroupsAndProfilePicture(t *testing.T) {
	env := newTestEnv(t)
	env.connect(t, "acct")

	rec := env.do(t, http.MethodGet, "/instances/acct/groups", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var groups []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &groups))
	require.Len(t, groups, 1)
	assert.Equal(t, "announcements", groups[0]["name"])

	rec = env.do(t, http.MethodGet, "/instances/acct/profile-picture?target=5511888880000", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://cdn.example.com/5511888880000.jpg", decodeMap(t, rec)["url"])

	rec = env.do(t, http.MethodGet, "/instances/acct/profile-picture", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMessagesEndpoint(t *testing.T) {
	env := newTestEnv(t)
	sock := env.connect(t, "acct")

	sock.emit(session.MessageEvent{
		ID: "m1", Chat: "123@s.whatsapp.net", Sender: "123@s.whatsapp.net",
		Kind: session.KindNotify, Type: "text", Text: "ping", Timestamp: time.Now(),
	})

	rec := env.do(t, http.MethodGet, "/instances/acct/messages?chat=123@s.whatsapp.net", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var msgs []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msgs))
	require.Len(t, msgs, 1)
	assert.Equal(t, "ping", msgs[0]["text"])

	rec = env.do(t, http.MethodGet, "/instances/acct/messages", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeleteInstanceEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.connect(t, "victim")

	rec := env.do(t, http.MethodDelete, "/instances/victim", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/instances/victim", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodDelete, "/instances/victim", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebhookEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/webhook", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeMap(t, rec)["url"])

	rec = env.do(t, http.MethodPost, "/webhook", `{"url":"https://example.com/hook"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/webhook", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://example.com/hook", decodeMap(t, rec)["url"])
}
