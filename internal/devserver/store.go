package devserver

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/omochice/dmsync/pkg/protocol"
)

var (
	ErrUserExists         = errors.New("username already registered")
	ErrUnknownUser        = errors.New("unknown user")
	ErrInvalidCredentials = errors.New("incorrect username or password")
	ErrMessageNotFound    = errors.New("message not found")
	ErrNotRecipient       = errors.New("only the receiver can mark a message read")
)

// User is a registered account.
type User struct {
	ID        string     `json:"uuid"`
	Username  string     `json:"username"`
	Email     string     `json:"email"`
	IsOnline  bool       `json:"is_online"`
	LastSeen  *time.Time `json:"last_seen"`
	CreatedAt time.Time  `json:"created_at"`

	passwordHash []byte
}

// Store keeps users and messages in memory.
type Store struct {
	mu       sync.RWMutex
	now      func() time.Time
	users    map[string]*User
	tokens   map[string]string
	messages map[string]*protocol.Message
	order    []string
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		now:      func() time.Time { return time.Now().UTC() },
		users:    make(map[string]*User),
		tokens:   make(map[string]string),
		messages: make(map[string]*protocol.Message),
	}
}

// Register creates a user.
func (s *Store) Register(username, email, password string) (User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return User{}, errors.New("username is required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return User{}, fmt.Errorf("failed to hash password: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[username]; ok {
		return User{}, ErrUserExists
	}
	u := &User{
		ID:           uuid.NewString(),
		Username:     username,
		Email:        email,
		CreatedAt:    s.now(),
		passwordHash: hash,
	}
	s.users[username] = u
	return *u, nil
}

// Authenticate checks credentials.
func (s *Store) Authenticate(username, password string) (User, error) {
	s.mu.RLock()
	u, ok := s.users[username]
	var user User
	if ok {
		user = *u
	}
	s.mu.RUnlock()

	if !ok || bcrypt.CompareHashAndPassword(user.passwordHash, []byte(password)) != nil {
		return User{}, ErrInvalidCredentials
	}
	return user, nil
}

// IssueToken creates a bearer token for username.
func (s *Store) IssueToken(username string) string {
	token := uuid.NewString()
	s.mu.Lock()
	s.tokens[token] = username
	s.mu.Unlock()
	return token
}

// Resolve returns the user a token belongs to.
func (s *Store) Resolve(token string) (User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	name, ok := s.tokens[token]
	if !ok {
		return User{}, false
	}
	u, ok := s.users[name]
	if !ok {
		return User{}, false
	}
	return *u, true
}

// RevokeToken invalidates token.
func (s *Store) RevokeToken(token string) {
	s.mu.Lock()
	delete(s.tokens, token)
	s.mu.Unlock()
}

// User returns the user named username.
func (s *Store) User(username string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[username]
	if !ok {
		return User{}, ErrUnknownUser
	}
	return *u, nil
}

// Users returns every user sorted by name.
func (s *Store) Users() []User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

// SetOnline records a presence change and returns the resulting update.
func (s *Store) SetOnline(username string, online bool) (protocol.PresenceUpdate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[username]
	if !ok {
		return protocol.PresenceUpdate{}, ErrUnknownUser
	}
	u.IsOnline = online
	if !online {
		seen := s.now()
		u.LastSeen = &seen
	}
	update := protocol.PresenceUpdate{UserID: username, IsOnline: online}
	if u.LastSeen != nil {
		seen := *u.LastSeen
		update.LastSeenAt = &seen
	}
	return update, nil
}

// AddMessage stores a message from sender to receiver. id is used when it is
// non-empty and unused, otherwise a new id is generated.
func (s *Store) AddMessage(id, sender, receiver, content string) (protocol.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[sender]; !ok {
		return protocol.Message{}, ErrUnknownUser
	}
	if _, ok := s.users[receiver]; !ok {
		return protocol.Message{}, ErrUnknownUser
	}
	if _, taken := s.messages[id]; id == "" || taken {
		id = uuid.NewString()
	}

	msg := &protocol.Message{
		ID:         id,
		SenderID:   sender,
		ReceiverID: receiver,
		Content:    content,
		CreatedAt:  s.now(),
	}
	s.messages[id] = msg
	s.order = append(s.order, id)
	return *msg, nil
}

// Conversation returns the messages between a and b, oldest first.
func (s *Store) Conversation(a, b string, skip, limit int) []protocol.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []protocol.Message
	for _, id := range s.order {
		m := s.messages[id]
		if !m.Belongs(a, b) {
			continue
		}
		if skip > 0 {
			skip--
			continue
		}
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, copyMessage(*m))
	}
	if out == nil {
		out = []protocol.Message{}
	}
	return out
}

// MarkRead marks message id read by reader, who must be its receiver.
// Marking an already read message keeps its original read time.
func (s *Store) MarkRead(id, reader string) (protocol.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return protocol.Message{}, ErrMessageNotFound
	}
	if m.ReceiverID != reader {
		return protocol.Message{}, ErrNotRecipient
	}
	if !m.IsRead {
		readAt := s.now()
		m.IsRead = true
		m.ReadAt = &readAt
	}
	return copyMessage(*m), nil
}

func copyMessage(m protocol.Message) protocol.Message {
	if m.ReadAt != nil {
		readAt := *m.ReadAt
		m.ReadAt = &readAt
	}
	return m
}
