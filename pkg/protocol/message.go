// Package protocol defines the JSON wire protocol spoken over the realtime
// chat connection and the message model shared by every component.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Message represents a direct message between two users.
type Message struct {
	ID         string     `json:"id"`
	SenderID   string     `json:"senderId"`
	ReceiverID string     `json:"receiverId"`
	Content    string     `json:"content"`
	CreatedAt  time.Time  `json:"createdAt"`
	IsRead     bool       `json:"isRead"`
	ReadAt     *time.Time `json:"readAt,omitempty"`

	// Optimistic is set on messages inserted locally before the server echoed them.
	Optimistic bool `json:"-"`
	// DeliveryFailed is set when an optimistic message could not be transmitted.
	DeliveryFailed bool `json:"-"`
}

// Belongs reports whether the message is part of the conversation between a and b,
// regardless of direction.
func (m Message) Belongs(a, b string) bool {
	return (m.SenderID == a && m.ReceiverID == b) || (m.SenderID == b && m.ReceiverID == a)
}

// Timestamp decodes the timestamp encodings seen on the wire: Unix milliseconds
// as a JSON number, RFC 3339 strings, and naive ISO-8601 strings (read as UTC).
type Timestamp struct {
	Time  time.Time
	Valid bool
}

var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*t = Timestamp{}
		return nil
	}

	if data[0] != '"' {
		ms, err := strconv.ParseFloat(string(data), 64)
		if err != nil {
			return fmt.Errorf("invalid timestamp %s: %w", data, err)
		}
		*t = Timestamp{Time: time.UnixMilli(int64(ms)).UTC(), Valid: true}
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("invalid timestamp %s: %w", data, err)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		*t = Timestamp{}
		return nil
	}
	if parsed, err := time.Parse(time.RFC3339Nano, s); err == nil {
		*t = Timestamp{Time: parsed.UTC(), Valid: true}
		return nil
	}
	for _, layout := range naiveLayouts {
		if parsed, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			*t = Timestamp{Time: parsed, Valid: true}
			return nil
		}
	}
	return fmt.Errorf("invalid timestamp %q", s)
}

// Ptr returns the time as a pointer, or nil when absent.
func (t Timestamp) Ptr() *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// wireMessage accepts both the camelCase and the snake_case field names used by
// different server versions.
type wireMessage struct {
	ID               string    `json:"id"`
	UUID             string    `json:"uuid"`
	SenderID         string    `json:"senderId"`
	SenderIDSnake    string    `json:"sender_id"`
	SenderUsername   string    `json:"sender_username"`
	ReceiverID       string    `json:"receiverId"`
	ReceiverIDSnake  string    `json:"receiver_id"`
	ReceiverUsername string    `json:"receiver_username"`
	Content          string    `json:"content"`
	CreatedAt        Timestamp `json:"createdAt"`
	CreatedAtSnake   Timestamp `json:"created_at"`
	IsRead           *bool     `json:"isRead"`
	IsReadSnake      *bool     `json:"is_read"`
	ReadAt           Timestamp `json:"readAt"`
	ReadAtSnake      Timestamp `json:"read_at"`
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstValid(values ...Timestamp) Timestamp {
	for _, v := range values {
		if v.Valid {
			return v
		}
	}
	return Timestamp{}
}

// DecodeMessage decodes a message object. A message without an id, sender or
// receiver is rejected.
func DecodeMessage(data []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return Message{}, fmt.Errorf("failed to decode message: %w", err)
	}

	msg := Message{
		ID:         firstNonEmpty(w.ID, w.UUID),
		SenderID:   firstNonEmpty(w.SenderID, w.SenderIDSnake, w.SenderUsername),
		ReceiverID: firstNonEmpty(w.ReceiverID, w.ReceiverIDSnake, w.ReceiverUsername),
		Content:    w.Content,
		CreatedAt:  firstValid(w.CreatedAt, w.CreatedAtSnake).Time,
		ReadAt:     firstValid(w.ReadAt, w.ReadAtSnake).Ptr(),
	}
	switch {
	case w.IsRead != nil:
		msg.IsRead = *w.IsRead
	case w.IsReadSnake != nil:
		msg.IsRead = *w.IsReadSnake
	}
	if msg.ReadAt != nil {
		msg.IsRead = true
	}

	switch {
	case msg.ID == "":
		return Message{}, fmt.Errorf("failed to decode message: missing id")
	case msg.SenderID == "":
		return Message{}, fmt.Errorf("failed to decode message %s: missing sender", msg.ID)
	case msg.ReceiverID == "":
		return Message{}, fmt.Errorf("failed to decode message %s: missing receiver", msg.ID)
	}
	return msg, nil
}

// DecodeMessages decodes a JSON array of message objects.
func DecodeMessages(data []byte) ([]Message, error) {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, fmt.Errorf("failed to decode messages: %w", err)
	}
	msgs := make([]Message, 0, len(raws))
	for _, raw := range raws {
		msg, err := DecodeMessage(raw)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}
