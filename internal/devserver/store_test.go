package devserver_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/dmsync/internal/devserver"
)

func newStore(t *testing.T, users ...string) *devserver.Store {
	t.Helper()
	s := devserver.NewStore()
	for _, u := range users {
		_, err := s.Register(u, u+"@example.com", "pw")
		require.NoError(t, err)
	}
	return s
}

func TestStore_Register(t *testing.T) {
	s := newStore(t, "alice")

	_, err := s.Register("alice", "", "pw")
	assert.ErrorIs(t, err, devserver.ErrUserExists)

	_, err = s.Register("  ", "", "pw")
	assert.Error(t, err)

	_, err = s.Authenticate("alice", "nope")
	assert.ErrorIs(t, err, devserver.ErrInvalidCredentials)

	u, err := s.Authenticate("alice", "pw")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", u.Email)
}

func TestStore_Tokens(t *testing.T) {
	s := newStore(t, "alice")
	token := s.IssueToken("alice")

	u, ok := s.Resolve(token)
	require.True(t, ok)
	assert.Equal(t, "alice", u.Username)

	s.RevokeToken(token)
	_, ok = s.Resolve(token)
	assert.False(t, ok)
}

func TestStore_AddMessageIDs(t *testing.T) {
	s := newStore(t, "alice", "bob")

	first, err := s.AddMessage("c1", "alice", "bob", "hi")
	require.NoError(t, err)
	assert.Equal(t, "c1", first.ID)

	reused, err := s.AddMessage("c1", "alice", "bob", "again")
	require.NoError(t, err)
	assert.NotEqual(t, "c1", reused.ID)

	generated, err := s.AddMessage("", "bob", "alice", "yo")
	require.NoError(t, err)
	assert.NotEmpty(t, generated.ID)

	_, err = s.AddMessage("", "alice", "nobody", "x")
	assert.ErrorIs(t, err, devserver.ErrUnknownUser)
}

func TestStore_ConversationPaging(t *testing.T) {
	s := newStore(t, "alice", "bob", "carol")
	for _, m := range []struct{ from, to, content string }{
		{"alice", "bob", "1"},
		{"carol", "alice", "x"},
		{"bob", "alice", "2"},
		{"alice", "bob", "3"},
	} {
		_, err := s.AddMessage("", m.from, m.to, m.content)
		require.NoError(t, err)
	}

	contents := func(skip, limit int) []string {
		var out []string
		for _, m := range s.Conversation("bob", "alice", skip, limit) {
			out = append(out, m.Content)
		}
		return out
	}

	assert.Equal(t, []string{"1", "2", "3"}, contents(0, 0))
	assert.Equal(t, []string{"2"}, contents(1, 1))
	assert.Empty(t, contents(5, 10))
}

func TestStore_MarkRead(t *testing.T) {
	s := newStore(t, "alice", "bob")
	msg, err := s.AddMessage("", "alice", "bob", "hi")
	require.NoError(t, err)

	_, err = s.MarkRead(msg.ID, "alice")
	assert.ErrorIs(t, err, devserver.ErrNotRecipient)
	_, err = s.MarkRead("missing", "bob")
	assert.ErrorIs(t, err, devserver.ErrMessageNotFound)

	read, err := s.MarkRead(msg.ID, "bob")
	require.NoError(t, err)
	require.NotNil(t, read.ReadAt)
	assert.True(t, read.IsRead)

	again, err := s.MarkRead(msg.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, *read.ReadAt, *again.ReadAt)
}

func TestStore_SetOnline(t *testing.T) {
	s := newStore(t, "alice")

	on, err := s.SetOnline("alice", true)
	require.NoError(t, err)
	assert.True(t, on.IsOnline)
	assert.Nil(t, on.LastSeenAt)

	off, err := s.SetOnline("alice", false)
	require.NoError(t, err)
	assert.False(t, off.IsOnline)
	assert.NotNil(t, off.LastSeenAt)

	_, err = s.SetOnline("nobody", true)
	assert.ErrorIs(t, err, devserver.ErrUnknownUser)
}
