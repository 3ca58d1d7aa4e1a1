package devserver_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/dmsync/internal/api"
	"github.com/omochice/dmsync/internal/devserver"
	"github.com/omochice/dmsync/pkg/protocol"
)

type testServer struct {
	dev  *devserver.Server
	http *httptest.Server
}

func startServer(t *testing.T) *testServer {
	t.Helper()
	dev := devserver.New(devserver.Options{Logger: zerolog.Nop()})
	srv := httptest.NewServer(dev.Handler())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = dev.Stop(ctx)
	})
	return &testServer{dev: dev, http: srv}
}

func (ts *testServer) api(token string) *api.Client {
	return api.New(ts.http.URL+devserver.APIPrefix, token)
}

func (ts *testServer) login(t *testing.T, username string) string {
	t.Helper()
	_, err := ts.dev.AddUser(username, "secret")
	require.NoError(t, err)
	res, err := ts.api("").Login(context.Background(), username, "secret")
	require.NoError(t, err)
	return res.Token
}

func (ts *testServer) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	before := ts.dev.ClientCount()
	url := "ws" + strings.TrimPrefix(ts.http.URL, "http") + devserver.APIPrefix + "/chat/ws/" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.Eventually(t, func() bool { return ts.dev.ClientCount() > before }, time.Second, 5*time.Millisecond)
	return conn
}

// readUntil reads frames until one decodes to the wanted kind.
func readUntil(t *testing.T, conn *websocket.Conn, kind protocol.Kind) protocol.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		if ev := protocol.Decode(data); ev.Kind() == kind {
			return ev
		}
	}
}

func send(t *testing.T, conn *websocket.Conn, msg protocol.SendMessage) {
	t.Helper()
	frame, err := msg.Encode()
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
}

func TestServer_RegisterAndLogin(t *testing.T) {
	ts := startServer(t)
	client := ts.api("")

	user, err := client.Register(context.Background(), "alice", "alice@example.com", "pw")
	require.NoError(t, err)
	assert.Equal(t, "alice", user.Username)
	assert.NotEmpty(t, user.ID)

	_, err = client.Register(context.Background(), "alice", "alice@example.com", "pw")
	var statusErr *api.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusConflict, statusErr.StatusCode)

	_, err = client.Login(context.Background(), "alice", "wrong")
	assert.ErrorIs(t, err, api.ErrUnauthorized)

	res, err := client.Login(context.Background(), "alice", "pw")
	require.NoError(t, err)
	assert.NotEmpty(t, res.Token)
	assert.Equal(t, user.ID, res.User.ID)

	me, err := client.WithToken(res.Token).Me(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "alice", me.Username)
}

func TestServer_Logout(t *testing.T) {
	ts := startServer(t)
	token := ts.login(t, "alice")
	client := ts.api(token)

	require.NoError(t, client.Logout(context.Background()))

	_, err := client.Me(context.Background())
	assert.ErrorIs(t, err, api.ErrUnauthorized)
}

func TestServer_RequiresToken(t *testing.T) {
	ts := startServer(t)

	_, err := ts.api("bogus").FetchHistory(context.Background(), "bob", api.Page{})
	assert.ErrorIs(t, err, api.ErrUnauthorized)

	resp, err := http.Get(ts.http.URL + devserver.APIPrefix + "/chat/ws/bogus")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServer_MessageDelivery(t *testing.T) {
	ts := startServer(t)
	aliceConn := ts.dial(t, ts.login(t, "alice"))
	bobConn := ts.dial(t, ts.login(t, "bob"))

	send(t, aliceConn, protocol.SendMessage{ReceiverID: "bob", Content: "hi", ClientID: "local-1"})

	for _, conn := range []*websocket.Conn{aliceConn, bobConn} {
		ev := readUntil(t, conn, protocol.KindNewMessage).(protocol.NewMessage)
		assert.Equal(t, "local-1", ev.Message.ID)
		assert.Equal(t, "alice", ev.Message.SenderID)
		assert.Equal(t, "bob", ev.Message.ReceiverID)
		assert.Equal(t, "hi", ev.Message.Content)
		assert.False(t, ev.Message.IsRead)
	}
}

func TestServer_RejectsInvalidFrames(t *testing.T) {
	ts := startServer(t)
	conn := ts.dial(t, ts.login(t, "alice"))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"message","data":{"content":"x"}}`)))
	ev := readUntil(t, conn, protocol.KindUnknown).(protocol.Unknown)
	assert.Equal(t, "error", ev.Type)

	send(t, conn, protocol.SendMessage{ReceiverID: "nobody", Content: "x"})
	ev = readUntil(t, conn, protocol.KindUnknown).(protocol.Unknown)
	assert.Contains(t, string(ev.Raw), devserver.ErrUnknownUser.Error())
}

func TestServer_HistoryAndReadReceipt(t *testing.T) {
	ts := startServer(t)
	aliceToken := ts.login(t, "alice")
	bobToken := ts.login(t, "bob")
	aliceConn := ts.dial(t, aliceToken)
	ts.login(t, "carol")

	send(t, aliceConn, protocol.SendMessage{ReceiverID: "bob", Content: "one"})
	send(t, aliceConn, protocol.SendMessage{ReceiverID: "carol", Content: "other"})
	send(t, aliceConn, protocol.SendMessage{ReceiverID: "bob", Content: "two"})
	for range 3 {
		readUntil(t, aliceConn, protocol.KindNewMessage)
	}

	bob := ts.api(bobToken)
	history, err := bob.FetchHistory(context.Background(), "alice", api.Page{})
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "one", history[0].Content)
	assert.Equal(t, "two", history[1].Content)

	page, err := bob.FetchHistory(context.Background(), "alice", api.Page{Skip: 1, Limit: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "two", page[0].Content)

	read, err := bob.MarkAsRead(context.Background(), history[0].ID)
	require.NoError(t, err)
	assert.True(t, read.IsRead)
	require.NotNil(t, read.ReadAt)

	receipt := readUntil(t, aliceConn, protocol.KindReadReceipt).(protocol.ReadReceipt)
	assert.Equal(t, history[0].ID, receipt.MessageID)
	assert.True(t, receipt.ReadAt.Equal(*read.ReadAt))

	_, err = ts.api(aliceToken).MarkAsRead(context.Background(), history[1].ID)
	var statusErr *api.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusForbidden, statusErr.StatusCode)
}

func TestServer_Presence(t *testing.T) {
	ts := startServer(t)
	aliceConn := ts.dial(t, ts.login(t, "alice"))
	bobToken := ts.login(t, "bob")

	bobConn := ts.dial(t, bobToken)
	online := readUntil(t, aliceConn, protocol.KindPresenceUpdate).(protocol.PresenceUpdate)
	for online.UserID != "bob" {
		online = readUntil(t, aliceConn, protocol.KindPresenceUpdate).(protocol.PresenceUpdate)
	}
	assert.True(t, online.IsOnline)

	users, err := ts.api(bobToken).ListUsers(context.Background())
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.True(t, users[1].IsOnline)

	require.NoError(t, bobConn.Close())
	offline := readUntil(t, aliceConn, protocol.KindPresenceUpdate).(protocol.PresenceUpdate)
	assert.Equal(t, "bob", offline.UserID)
	assert.False(t, offline.IsOnline)
	assert.NotNil(t, offline.LastSeenAt)
}

func TestServer_Health(t *testing.T) {
	ts := startServer(t)
	ts.dial(t, ts.login(t, "alice"))

	resp, err := http.Get(ts.http.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body struct {
		Status  string `json:"status"`
		Clients int    `json:"clients"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 1, body.Clients)
}

func TestServer_Metrics(t *testing.T) {
	ts := startServer(t)

	resp, err := http.Get(ts.http.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_StartStop(t *testing.T) {
	dev := devserver.New(devserver.Options{Addr: "127.0.0.1:0", Logger: zerolog.Nop()})
	errCh := make(chan error, 1)
	go func() { errCh <- dev.Start() }()

	require.Eventually(t, func() bool { return dev.Addr() != "" }, time.Second, 5*time.Millisecond)

	resp, err := http.Get("http://" + dev.Addr() + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()

	require.NoError(t, dev.Stop(context.Background()))
	assert.NoError(t, <-errCh)
}
