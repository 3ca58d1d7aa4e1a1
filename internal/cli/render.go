package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/omochice/dmsync/internal/api"
	"github.com/omochice/dmsync/internal/presence"
	"github.com/omochice/dmsync/internal/realtime"
	"github.com/omochice/dmsync/pkg/protocol"
)

type styles struct {
	title   lipgloss.Style
	self    lipgloss.Style
	other   lipgloss.Style
	meta    lipgloss.Style
	failed  lipgloss.Style
	online  lipgloss.Style
	offline lipgloss.Style
}

func newStyles() styles {
	return styles{
		title:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("69")),
		self:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42")),
		other:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("69")),
		meta:    lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		failed:  lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		online:  lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		offline: lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
	}
}

func renderMessage(m protocol.Message, me string, s styles) string {
	name := s.other.Render(m.SenderID)
	if m.SenderID == me {
		name = s.self.Render(m.SenderID)
	}

	parts := []string{
		s.meta.Render(m.CreatedAt.Local().Format("15:04")),
		name + ":",
		m.Content,
	}
	switch {
	case m.DeliveryFailed:
		parts = append(parts, s.failed.Render("(not delivered, /retry)"))
	case m.Optimistic:
		parts = append(parts, s.meta.Render("(sending)"))
	case m.SenderID == me && m.IsRead:
		parts = append(parts, s.meta.Render("(read)"))
	}
	parts = append(parts, s.meta.Render("#"+shortID(m.ID)))
	return strings.Join(parts, " ")
}

func renderConversation(with string, msgs []protocol.Message, me string, s styles) string {
	lines := []string{s.title.Render("Conversation with " + with)}
	if len(msgs) == 0 {
		lines = append(lines, s.meta.Render("No messages yet."))
	}
	for _, m := range msgs {
		lines = append(lines, renderMessage(m, me, s))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func renderPresence(rec presence.Record, s styles) string {
	if rec.IsOnline {
		return s.online.Render(fmt.Sprintf("● %s is online", rec.UserID))
	}
	if rec.LastSeenAt != nil {
		return s.offline.Render(fmt.Sprintf("○ %s is offline (last seen %s)", rec.UserID, rec.LastSeenAt.Local().Format(time.DateTime)))
	}
	return s.offline.Render(fmt.Sprintf("○ %s is offline", rec.UserID))
}

func renderState(state realtime.State, s styles) string {
	if state == realtime.Open {
		return s.online.Render("connected")
	}
	return s.meta.Render(state.String())
}

func renderUsers(users []api.User, s styles) string {
	lines := []string{s.title.Render(fmt.Sprintf("users: %d", len(users)))}
	for _, u := range users {
		lines = append(lines, renderPresence(presence.Record{UserID: u.Username, IsOnline: u.IsOnline, LastSeenAt: u.LastSeen}, s))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
