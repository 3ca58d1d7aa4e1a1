package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/dmsync/internal/api"
)

func newServer(t *testing.T, handler http.HandlerFunc) *api.Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return api.New(server.URL+"/api/v1", "tok")
}

func TestClient_FetchHistory(t *testing.T) {
	client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/v1/chat/conversations/bob", r.URL.Path)
		assert.Equal(t, "20", r.URL.Query().Get("skip"))
		assert.Equal(t, "10", r.URL.Query().Get("limit"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"uuid":"m1","sender_username":"bob","receiver_username":"alice","content":"hi","is_read":true,"read_at":"2024-05-01T12:00:05","created_at":"2024-05-01T12:00:00"},
			{"id":"m2","senderId":"alice","receiverId":"bob","content":"yo","createdAt":1714564810000,"isRead":false}
		]`))
	})

	msgs, err := client.FetchHistory(context.Background(), "bob", api.Page{Skip: 20, Limit: 10})
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, "bob", msgs[0].SenderID)
	assert.True(t, msgs[0].IsRead)
	require.NotNil(t, msgs[0].ReadAt)
	assert.Equal(t, time.Date(2024, 5, 1, 12, 0, 5, 0, time.UTC), *msgs[0].ReadAt)
	assert.Equal(t, time.UnixMilli(1714564810000).UTC(), msgs[1].CreatedAt)
}

func TestClient_FetchHistoryDefaultLimit(t *testing.T) {
	client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "100", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`[]`))
	})

	msgs, err := client.FetchHistory(context.Background(), "bob", api.Page{})
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestClient_Unauthorized(t *testing.T) {
	client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"detail":"Could not validate credentials"}`))
	})

	_, err := client.Me(context.Background())
	require.ErrorIs(t, err, api.ErrUnauthorized)

	var serr *api.StatusError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, http.StatusUnauthorized, serr.StatusCode)
	assert.Equal(t, "Could not validate credentials", serr.Detail)
}

func TestClient_StatusErrorPlainBody(t *testing.T) {
	client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "message not found", http.StatusNotFound)
	})

	_, err := client.MarkAsRead(context.Background(), "m1")

	var serr *api.StatusError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, http.StatusNotFound, serr.StatusCode)
	assert.Equal(t, "message not found", serr.Detail)
	assert.NotErrorIs(t, err, api.ErrUnauthorized)
}

func TestClient_Login(t *testing.T) {
	client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/auth/login", r.URL.Path)
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "alice", r.PostForm.Get("username"))
		assert.Equal(t, "secret", r.PostForm.Get("password"))

		_ = json.NewEncoder(w).Encode(map[string]any{
			"token": "t1",
			"user":  map[string]string{"uuid": "u1", "username": "alice", "email": "a@example.com"},
		})
	})

	res, err := client.Login(context.Background(), "alice", "secret")
	require.NoError(t, err)
	assert.Equal(t, "t1", res.Token)
	assert.Equal(t, "u1", res.User.ID)
	assert.Equal(t, "alice", res.User.Username)
}

func TestClient_LoginWithoutToken(t *testing.T) {
	client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})

	_, err := client.Login(context.Background(), "alice", "secret")
	assert.Error(t, err)
}

func TestClient_Register(t *testing.T) {
	client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/auth/register", r.URL.Path)
		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, map[string]string{"username": "bob", "email": "b@example.com", "password": "pw"}, body)

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"uuid":"u2","username":"bob","email":"b@example.com","is_online":false,"created_at":"2024-05-01T12:00:00Z"}`))
	})

	user, err := client.Register(context.Background(), "bob", "b@example.com", "pw")
	require.NoError(t, err)
	assert.Equal(t, "u2", user.ID)
	assert.Equal(t, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), user.CreatedAt)
	assert.Nil(t, user.LastSeen)
}

func TestClient_MarkAsRead(t *testing.T) {
	client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/chat/messages/read/m1", r.URL.Path)
		_, _ = w.Write([]byte(`{"id":"m1","senderId":"bob","receiverId":"alice","content":"hi","createdAt":1000,"isRead":true,"readAt":2000}`))
	})

	msg, err := client.MarkAsRead(context.Background(), "m1")
	require.NoError(t, err)
	assert.True(t, msg.IsRead)
	assert.Equal(t, time.UnixMilli(2000).UTC(), *msg.ReadAt)
}

func TestClient_WithToken(t *testing.T) {
	client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer other", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"username":"bob"}`))
	})

	user, err := client.WithToken("other").Me(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "bob", user.Username)
	assert.Equal(t, "tok", client.Token)
}

func TestClient_RequestTimeout(t *testing.T) {
	release := make(chan struct{})
	client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
	})
	defer close(release)
	client.RequestTimeout = 20 * time.Millisecond

	_, err := client.Me(context.Background())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClient_ListUsers(t *testing.T) {
	client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/users", r.URL.Path)
		_, _ = w.Write([]byte(`[{"uuid":"u1","username":"alice","is_online":true},{"id":"u2","username":"bob","last_seen":"2024-05-01T12:00:00Z"}]`))
	})

	users, err := client.ListUsers(context.Background())
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "u1", users[0].ID)
	assert.True(t, users[0].IsOnline)
	assert.Equal(t, "u2", users[1].ID)
	require.NotNil(t, users[1].LastSeen)
}
