package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind tags an inbound event variant.
type Kind string

const (
	KindNewMessage     Kind = "new_message"
	KindReadReceipt    Kind = "read_receipt"
	KindPresenceUpdate Kind = "user_status"
	KindUnknown        Kind = "unknown"
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	return string(k)
}

// TypeSendMessage is the frame type of an outbound chat message.
const TypeSendMessage = "message"

// Event is one decoded inbound frame. The set of implementations is closed:
// NewMessage, ReadReceipt, PresenceUpdate and Unknown.
type Event interface {
	Kind() Kind
	isEvent()
}

// NewMessage carries a message created on the server.
type NewMessage struct {
	Message Message
}

// ReadReceipt marks a previously sent message as read.
type ReadReceipt struct {
	MessageID string
	ReadAt    time.Time
}

// PresenceUpdate reports a user's online status.
type PresenceUpdate struct {
	UserID     string
	IsOnline   bool
	LastSeenAt *time.Time
}

// Unknown is a frame that could not be turned into a typed event, either
// because its type is not recognized or because its payload is malformed.
// Err is nil for well-formed frames of an unrecognized type.
type Unknown struct {
	Type string
	Raw  []byte
	Err  error
}

func (NewMessage) Kind() Kind     { return KindNewMessage }
func (ReadReceipt) Kind() Kind    { return KindReadReceipt }
func (PresenceUpdate) Kind() Kind { return KindPresenceUpdate }
func (Unknown) Kind() Kind        { return KindUnknown }

func (NewMessage) isEvent()     {}
func (ReadReceipt) isEvent()    {}
func (PresenceUpdate) isEvent() {}
func (Unknown) isEvent()        {}

// DecodeError describes a frame whose envelope or payload did not match the
// expected shape.
type DecodeError struct {
	Type string
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("decode frame: %v", e.Err)
	}
	return fmt.Sprintf("decode %s frame: %v", e.Type, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type wireReadReceipt struct {
	MessageUUID string    `json:"message_uuid"`
	MessageID   string    `json:"messageId"`
	ReadAt      Timestamp `json:"read_at"`
	ReadAtCamel Timestamp `json:"readAt"`
}

type wireUserStatus struct {
	UserID        string    `json:"user_id"`
	UserIDCamel   string    `json:"userId"`
	Username      string    `json:"username"`
	IsOnline      *bool     `json:"is_online"`
	IsOnlineCamel *bool     `json:"isOnline"`
	LastSeen      Timestamp `json:"last_seen"`
	LastSeenCamel Timestamp `json:"lastSeen"`
}

// Decode turns one raw frame into an Event. It never fails: frames that cannot
// be decoded come back as Unknown with a *DecodeError.
func Decode(raw []byte) Event {
	frame := append([]byte(nil), raw...)

	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Unknown{Raw: frame, Err: &DecodeError{Err: err}}
	}
	if env.Type == "" {
		return Unknown{Raw: frame, Err: &DecodeError{Err: errors.New("missing type")}}
	}

	switch Kind(env.Type) {
	case KindNewMessage:
		msg, err := DecodeMessage(env.Data)
		if err != nil {
			return Unknown{Type: env.Type, Raw: frame, Err: &DecodeError{Type: env.Type, Err: err}}
		}
		return NewMessage{Message: msg}

	case KindReadReceipt:
		var w wireReadReceipt
		if err := json.Unmarshal(env.Data, &w); err != nil {
			return Unknown{Type: env.Type, Raw: frame, Err: &DecodeError{Type: env.Type, Err: err}}
		}
		id := firstNonEmpty(w.MessageUUID, w.MessageID)
		if id == "" {
			return Unknown{Type: env.Type, Raw: frame, Err: &DecodeError{Type: env.Type, Err: errors.New("missing message_uuid")}}
		}
		readAt := firstValid(w.ReadAt, w.ReadAtCamel)
		if !readAt.Valid {
			return Unknown{Type: env.Type, Raw: frame, Err: &DecodeError{Type: env.Type, Err: errors.New("missing read_at")}}
		}
		return ReadReceipt{MessageID: id, ReadAt: readAt.Time}

	case KindPresenceUpdate:
		var w wireUserStatus
		if err := json.Unmarshal(env.Data, &w); err != nil {
			return Unknown{Type: env.Type, Raw: frame, Err: &DecodeError{Type: env.Type, Err: err}}
		}
		userID := firstNonEmpty(w.UserID, w.UserIDCamel, w.Username)
		if userID == "" {
			return Unknown{Type: env.Type, Raw: frame, Err: &DecodeError{Type: env.Type, Err: errors.New("missing user_id")}}
		}
		update := PresenceUpdate{
			UserID:     userID,
			LastSeenAt: firstValid(w.LastSeen, w.LastSeenCamel).Ptr(),
		}
		switch {
		case w.IsOnline != nil:
			update.IsOnline = *w.IsOnline
		case w.IsOnlineCamel != nil:
			update.IsOnline = *w.IsOnlineCamel
		}
		return update

	default:
		return Unknown{Type: env.Type, Raw: frame}
	}
}

// SendMessage is the outbound request to deliver content to a receiver.
// ClientID, when set, is the optimistic id the server may echo back.
type SendMessage struct {
	ReceiverID string
	Content    string
	ClientID   string
}

type outboundFrame struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type sendMessageData struct {
	Content  string `json:"content"`
	Receiver string `json:"receiver"`
	UUID     string `json:"uuid,omitempty"`
}

// Encode serializes the outbound frame.
func (s SendMessage) Encode() ([]byte, error) {
	data, err := json.Marshal(outboundFrame{
		Type: TypeSendMessage,
		Data: sendMessageData{Content: s.Content, Receiver: s.ReceiverID, UUID: s.ClientID},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return data, nil
}

// EncodeEvent serializes an inbound event into its wire frame. The development
// server uses it to emit frames; Unknown events are re-emitted verbatim.
func EncodeEvent(ev Event) ([]byte, error) {
	var frame outboundFrame
	switch e := ev.(type) {
	case NewMessage:
		frame = outboundFrame{Type: string(KindNewMessage), Data: e.Message}
	case ReadReceipt:
		frame = outboundFrame{Type: string(KindReadReceipt), Data: map[string]any{
			"message_uuid": e.MessageID,
			"read_at":      e.ReadAt.UTC().Format(time.RFC3339Nano),
		}}
	case PresenceUpdate:
		data := map[string]any{"user_id": e.UserID, "is_online": e.IsOnline, "last_seen": nil}
		if e.LastSeenAt != nil {
			data["last_seen"] = e.LastSeenAt.UTC().Format(time.RFC3339Nano)
		}
		frame = outboundFrame{Type: string(KindPresenceUpdate), Data: data}
	case Unknown:
		return append([]byte(nil), e.Raw...), nil
	default:
		return nil, fmt.Errorf("failed to encode event: unsupported %T", ev)
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s event: %w", ev.Kind(), err)
	}
	return data, nil
}

// DecodeSendMessage parses an outbound frame. The development server uses it
// to read client requests.
func DecodeSendMessage(raw []byte) (SendMessage, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return SendMessage{}, &DecodeError{Err: err}
	}
	if env.Type != TypeSendMessage {
		return SendMessage{}, &DecodeError{Type: env.Type, Err: errors.New("unexpected frame type")}
	}
	var data sendMessageData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return SendMessage{}, &DecodeError{Type: env.Type, Err: err}
	}
	if data.Receiver == "" {
		return SendMessage{}, &DecodeError{Type: env.Type, Err: errors.New("missing receiver")}
	}
	return SendMessage{ReceiverID: data.Receiver, Content: data.Content, ClientID: data.UUID}, nil
}
