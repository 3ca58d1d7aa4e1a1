// Package api is the REST client for authentication and conversation history.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/omochice/dmsync/pkg/protocol"
)

const (
	maxResponseBytes      = 4 << 20
	defaultRequestTimeout = 15 * time.Second
	DefaultPageSize       = 100
)

// ErrUnauthorized is matched by a StatusError for HTTP 401.
var ErrUnauthorized = errors.New("unauthorized")

// StatusError is a non-2xx response.
type StatusError struct {
	StatusCode int
	Detail     string
}

func (e *StatusError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("server returned %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Detail)
}

func (e *StatusError) Unwrap() error {
	if e.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	return nil
}

// User is an account as reported by the server.
type User struct {
	ID        string
	Username  string
	Email     string
	IsOnline  bool
	LastSeen  *time.Time
	CreatedAt time.Time
}

type wireUser struct {
	UUID      string             `json:"uuid"`
	ID        string             `json:"id"`
	Username  string             `json:"username"`
	Email     string             `json:"email"`
	IsOnline  bool               `json:"is_online"`
	LastSeen  protocol.Timestamp `json:"last_seen"`
	CreatedAt protocol.Timestamp `json:"created_at"`
}

func (w wireUser) user() User {
	id := w.UUID
	if id == "" {
		id = w.ID
	}
	return User{
		ID:        id,
		Username:  w.Username,
		Email:     w.Email,
		IsOnline:  w.IsOnline,
		LastSeen:  w.LastSeen.Ptr(),
		CreatedAt: w.CreatedAt.Time,
	}
}

// AuthResult is the response of a successful login.
type AuthResult struct {
	Token string
	User  User
}

// Page selects a slice of a conversation's history.
type Page struct {
	Skip  int
	Limit int
}

// Client talks to the REST API. Token, when set, is sent as a bearer token.
type Client struct {
	BaseURL        string
	Token          string
	HTTPClient     *http.Client
	RequestTimeout time.Duration
}

// New creates a client for baseURL.
func New(baseURL, token string) *Client {
	return &Client{BaseURL: baseURL, Token: token}
}

// WithToken returns a copy of c that authenticates with token.
func (c *Client) WithToken(token string) *Client {
	cp := *c
	cp.Token = token
	return &cp
}

// Login exchanges credentials for a token.
func (c *Client) Login(ctx context.Context, username, password string) (AuthResult, error) {
	form := url.Values{}
	form.Set("username", username)
	form.Set("password", password)

	var payload struct {
		Token       string   `json:"token"`
		AccessToken string   `json:"access_token"`
		User        wireUser `json:"user"`
	}
	err := c.do(ctx, http.MethodPost, "/auth/login", "application/x-www-form-urlencoded", strings.NewReader(form.Encode()), func(body []byte) error {
		return json.Unmarshal(body, &payload)
	})
	if err != nil {
		return AuthResult{}, fmt.Errorf("login: %w", err)
	}

	token := payload.Token
	if token == "" {
		token = payload.AccessToken
	}
	if token == "" {
		return AuthResult{}, errors.New("login: response carries no token")
	}
	user := payload.User.user()
	if user.Username == "" {
		user.Username = username
	}
	return AuthResult{Token: token, User: user}, nil
}

// Register creates an account.
func (c *Client) Register(ctx context.Context, username, email, password string) (User, error) {
	body, err := json.Marshal(map[string]string{
		"username": username,
		"email":    email,
		"password": password,
	})
	if err != nil {
		return User{}, fmt.Errorf("register: %w", err)
	}

	var w wireUser
	err = c.do(ctx, http.MethodPost, "/auth/register", "application/json", strings.NewReader(string(body)), func(body []byte) error {
		return json.Unmarshal(body, &w)
	})
	if err != nil {
		return User{}, fmt.Errorf("register: %w", err)
	}
	return w.user(), nil
}

// Me returns the user the token belongs to.
func (c *Client) Me(ctx context.Context) (User, error) {
	var w wireUser
	err := c.do(ctx, http.MethodGet, "/auth/me", "", nil, func(body []byte) error {
		return json.Unmarshal(body, &w)
	})
	if err != nil {
		return User{}, fmt.Errorf("current user: %w", err)
	}
	return w.user(), nil
}

// Logout invalidates the token on the server.
func (c *Client) Logout(ctx context.Context) error {
	if err := c.do(ctx, http.MethodPost, "/auth/logout", "", nil, nil); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

// ListUsers returns every registered user.
func (c *Client) ListUsers(ctx context.Context) ([]User, error) {
	var ws []wireUser
	err := c.do(ctx, http.MethodGet, "/users", "", nil, func(body []byte) error {
		return json.Unmarshal(body, &ws)
	})
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	users := make([]User, len(ws))
	for i, w := range ws {
		users[i] = w.user()
	}
	return users, nil
}

// FetchHistory returns one page of the conversation with other.
func (c *Client) FetchHistory(ctx context.Context, other string, page Page) ([]protocol.Message, error) {
	if page.Limit <= 0 {
		page.Limit = DefaultPageSize
	}
	query := url.Values{}
	query.Set("skip", strconv.Itoa(page.Skip))
	query.Set("limit", strconv.Itoa(page.Limit))
	path := "/chat/conversations/" + url.PathEscape(other) + "?" + query.Encode()

	var msgs []protocol.Message
	err := c.do(ctx, http.MethodGet, path, "", nil, func(body []byte) error {
		var err error
		msgs, err = protocol.DecodeMessages(body)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("fetch history with %s: %w", other, err)
	}
	return msgs, nil
}

// MarkAsRead marks a received message read and returns it.
func (c *Client) MarkAsRead(ctx context.Context, messageID string) (protocol.Message, error) {
	var msg protocol.Message
	err := c.do(ctx, http.MethodPost, "/chat/messages/read/"+url.PathEscape(messageID), "", nil, func(body []byte) error {
		var err error
		msg, err = protocol.DecodeMessage(body)
		return err
	})
	if err != nil {
		return protocol.Message{}, fmt.Errorf("mark %s as read: %w", messageID, err)
	}
	return msg, nil
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader, decode func([]byte) error) error {
	endpoint := strings.TrimRight(c.BaseURL, "/") + path

	timeout := c.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return &StatusError{StatusCode: resp.StatusCode, Detail: errorDetail(data)}
	}
	if decode == nil {
		return nil
	}
	if err := decode(data); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// errorDetail extracts {"detail": ...} or {"error": ...} from an error body
// and falls back to the trimmed body text.
func errorDetail(body []byte) string {
	var payload struct {
		Detail any    `json:"detail"`
		Error  string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil {
		if s, ok := payload.Detail.(string); ok && s != "" {
			return s
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	detail := strings.TrimSpace(string(body))
	if len(detail) > 200 {
		detail = detail[:200]
	}
	return detail
}
