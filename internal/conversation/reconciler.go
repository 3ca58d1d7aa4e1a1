// Package conversation reconciles live events, history pages and local sends
// into the ordered message list of the active conversation.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/omochice/dmsync/internal/metrics"
	"github.com/omochice/dmsync/internal/observer"
	"github.com/omochice/dmsync/pkg/protocol"
)

var (
	ErrNoActiveConversation = errors.New("no active conversation")
	ErrEmptyContent         = errors.New("message content is empty")
	ErrMessageNotFound      = errors.New("message not found")
	ErrNotRetryable         = errors.New("message is not awaiting retry")
)

// Sender transmits outbound messages. *realtime.Manager implements it.
type Sender interface {
	Send(ctx context.Context, msg protocol.SendMessage) error
}

// Options configures a Reconciler.
type Options struct {
	Logger            zerolog.Logger
	ReceiptBufferSize int
	// NewID generates optimistic message ids. Defaults to uuid.NewString.
	NewID func() string
	// Now stamps optimistic messages. Defaults to time.Now.
	Now func() time.Time
	// OnPanic receives panics from subscribers.
	OnPanic observer.PanicHandler
}

// HistoryRequest asks the history collaborator for the initial page of a
// conversation. The result is handed back through Seed with the same Epoch.
type HistoryRequest struct {
	Epoch       uint64
	OtherUserID string
}

type entry struct {
	msg protocol.Message
	seq uint64
}

// Reconciler owns the message list of the active conversation. The list is
// sorted by CreatedAt, ties in arrival order, and holds each id once.
//
// A Reconciler is not safe for concurrent use; the chat engine serializes every
// call.
type Reconciler struct {
	log    zerolog.Logger
	sender Sender
	newID  func() string
	now    func() time.Time

	currentUser string
	active      string
	epoch       uint64
	seq         uint64
	entries     []entry
	receipts    *receiptBuffer
	watchers    *observer.Registry[[]protocol.Message]
}

// New creates a Reconciler for currentUser that transmits through sender.
func New(currentUser string, sender Sender, opts Options) *Reconciler {
	r := &Reconciler{
		log:         opts.Logger.With().Str("component", "conversation").Logger(),
		sender:      sender,
		newID:       opts.NewID,
		now:         opts.Now,
		currentUser: currentUser,
		receipts:    newReceiptBuffer(opts.ReceiptBufferSize),
		watchers:    observer.NewRegistry[[]protocol.Message](opts.OnPanic),
	}
	if r.newID == nil {
		r.newID = uuid.NewString
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// Reset drops all state and switches to currentUser. An empty currentUser
// leaves the reconciler idle until the next Reset.
func (r *Reconciler) Reset(currentUser string) {
	r.currentUser = currentUser
	r.active = ""
	r.epoch++
	r.entries = nil
	r.receipts.clear()
	r.notify()
}

// CurrentUser returns the id of the signed-in user.
func (r *Reconciler) CurrentUser() string {
	return r.currentUser
}

// Active returns the other user of the active conversation, or "".
func (r *Reconciler) Active() string {
	return r.active
}

// OpenConversation makes the conversation with other the active one. Switching
// to a different user clears the list; reopening keeps it. Live events for
// other conversations are ignored from now on. The returned request must be
// answered with Seed.
func (r *Reconciler) OpenConversation(other string) HistoryRequest {
	if other != r.active {
		r.active = other
		r.entries = nil
		r.notify()
	}
	r.epoch++
	r.log.Debug().Str("with", other).Uint64("epoch", r.epoch).Msg("conversation opened")
	return HistoryRequest{Epoch: r.epoch, OtherUserID: other}
}

// Seed merges a history page fetched for the conversation opened at epoch.
// Pages for superseded epochs are ignored and Seed reports false.
func (r *Reconciler) Seed(epoch uint64, history []protocol.Message) bool {
	if epoch != r.epoch || r.active == "" {
		r.log.Debug().Uint64("epoch", epoch).Msg("stale history discarded")
		return false
	}
	for _, m := range history {
		if !m.Belongs(r.currentUser, r.active) {
			continue
		}
		r.upsert(m, false)
	}
	r.notify()
	return true
}

// ApplyNewMessage merges a message received from the server. Messages outside
// the active conversation are ignored and ApplyNewMessage reports false.
func (r *Reconciler) ApplyNewMessage(m protocol.Message) bool {
	if r.active == "" || !m.Belongs(r.currentUser, r.active) {
		return false
	}
	r.upsert(m, true)
	r.notify()
	return true
}

// ApplyReadReceipt marks a message read. Receipts for messages not in the list
// are buffered and applied when the message arrives; ApplyReadReceipt then
// reports false.
func (r *Reconciler) ApplyReadReceipt(messageID string, readAt time.Time) bool {
	i := r.indexOf(messageID)
	if i < 0 {
		r.receipts.add(messageID, readAt)
		return false
	}
	markRead(&r.entries[i].msg, readAt)
	r.notify()
	return true
}

// SendLocal inserts an optimistic message and transmits it. When transmission
// fails the message stays in the list flagged DeliveryFailed, and the send
// error is returned alongside it.
func (r *Reconciler) SendLocal(ctx context.Context, content, receiverID string) (protocol.Message, error) {
	if r.active == "" {
		return protocol.Message{}, ErrNoActiveConversation
	}
	if receiverID != r.active {
		return protocol.Message{}, fmt.Errorf("%w with %s", ErrNoActiveConversation, receiverID)
	}
	if strings.TrimSpace(content) == "" {
		return protocol.Message{}, ErrEmptyContent
	}

	msg := protocol.Message{
		ID:         r.newID(),
		SenderID:   r.currentUser,
		ReceiverID: receiverID,
		Content:    content,
		CreatedAt:  r.now(),
		Optimistic: true,
	}
	r.insert(entry{msg: msg, seq: r.nextSeq()})
	r.notify()

	return r.transmit(ctx, msg.ID)
}

// Retry retransmits a message flagged DeliveryFailed.
func (r *Reconciler) Retry(ctx context.Context, messageID string) (protocol.Message, error) {
	i := r.indexOf(messageID)
	if i < 0 {
		return protocol.Message{}, ErrMessageNotFound
	}
	if !r.entries[i].msg.DeliveryFailed {
		return cloneMessage(r.entries[i].msg), ErrNotRetryable
	}
	r.entries[i].msg.DeliveryFailed = false
	r.notify()
	return r.transmit(ctx, messageID)
}

func (r *Reconciler) transmit(ctx context.Context, id string) (protocol.Message, error) {
	i := r.indexOf(id)
	msg := r.entries[i].msg
	err := r.sender.Send(ctx, protocol.SendMessage{
		ReceiverID: msg.ReceiverID,
		Content:    msg.Content,
		ClientID:   msg.ID,
	})
	if err == nil {
		return cloneMessage(msg), nil
	}

	// The echo may have been applied while sending.
	if i = r.indexOf(id); i < 0 || !r.entries[i].msg.Optimistic {
		return cloneMessage(msg), err
	}
	r.entries[i].msg.DeliveryFailed = true
	metrics.DeliveryFailures.Inc()
	r.log.Warn().Err(err).Str("id", id).Msg("message delivery failed")
	r.notify()
	return cloneMessage(r.entries[i].msg), err
}

// Messages returns a snapshot of the active conversation.
func (r *Reconciler) Messages() []protocol.Message {
	out := make([]protocol.Message, len(r.entries))
	for i, e := range r.entries {
		out[i] = cloneMessage(e.msg)
	}
	return out
}

// PendingReceipts returns the number of buffered receipts.
func (r *Reconciler) PendingReceipts() int {
	return r.receipts.len()
}

// Subscribe registers fn for every change of the list. fn receives a snapshot.
func (r *Reconciler) Subscribe(fn func([]protocol.Message)) observer.Subscription {
	return r.watchers.Add(fn)
}

// upsert merges m into the list. An id collision replaces the existing entry.
// When live is set, an own message with an unknown id is taken as the echo of
// the oldest pending optimistic entry with the same receiver and content.
func (r *Reconciler) upsert(m protocol.Message, live bool) {
	m.Optimistic = false
	m.DeliveryFailed = false
	if m.ReadAt != nil {
		readAt := *m.ReadAt
		m.ReadAt = &readAt
	}

	switch i := r.indexOf(m.ID); {
	case i >= 0:
		e := r.remove(i)
		e.msg = merge(e.msg, m)
		r.insert(e)
	case live && r.optimisticMatch(m) >= 0:
		e := r.remove(r.optimisticMatch(m))
		e.msg = m
		r.insert(e)
	default:
		r.insert(entry{msg: m, seq: r.nextSeq()})
	}

	if readAt, ok := r.receipts.take(m.ID); ok {
		markRead(&r.entries[r.indexOf(m.ID)].msg, readAt)
	}
}

// merge returns incoming, except that a message never goes back to unread and
// keeps its read time when incoming has none.
func merge(existing, incoming protocol.Message) protocol.Message {
	if existing.IsRead {
		incoming.IsRead = true
	}
	if incoming.ReadAt == nil {
		incoming.ReadAt = existing.ReadAt
	}
	return incoming
}

// markRead flags m read. A zero readAt leaves the read time unknown.
func markRead(m *protocol.Message, readAt time.Time) {
	m.IsRead = true
	if readAt.IsZero() {
		return
	}
	m.ReadAt = &readAt
}

// optimisticMatch finds the entry m echoes. Failed entries were never sent and
// stay in place for Retry. An echo cannot predate the message it echoes.
func (r *Reconciler) optimisticMatch(m protocol.Message) int {
	if m.SenderID != r.currentUser {
		return -1
	}
	for i, e := range r.entries {
		if !e.msg.Optimistic || e.msg.DeliveryFailed {
			continue
		}
		if e.msg.ReceiverID == m.ReceiverID && e.msg.Content == m.Content && !m.CreatedAt.Before(e.msg.CreatedAt) {
			return i
		}
	}
	return -1
}

func (r *Reconciler) indexOf(id string) int {
	for i, e := range r.entries {
		if e.msg.ID == id {
			return i
		}
	}
	return -1
}

func (r *Reconciler) remove(i int) entry {
	e := r.entries[i]
	r.entries = append(r.entries[:i], r.entries[i+1:]...)
	return e
}

// insert places e after every entry created before it, or created at the same
// time but received earlier.
func (r *Reconciler) insert(e entry) {
	i := sort.Search(len(r.entries), func(j int) bool {
		other := r.entries[j]
		if !other.msg.CreatedAt.Equal(e.msg.CreatedAt) {
			return other.msg.CreatedAt.After(e.msg.CreatedAt)
		}
		return other.seq > e.seq
	})
	r.entries = append(r.entries, entry{})
	copy(r.entries[i+1:], r.entries[i:])
	r.entries[i] = e
}

func (r *Reconciler) nextSeq() uint64 {
	r.seq++
	return r.seq
}

func (r *Reconciler) notify() {
	if r.watchers.Len() == 0 {
		return
	}
	r.watchers.Notify(r.Messages())
}

func cloneMessage(m protocol.Message) protocol.Message {
	if m.ReadAt != nil {
		readAt := *m.ReadAt
		m.ReadAt = &readAt
	}
	return m
}
