package conversation

import (
	"container/list"
	"time"

	"github.com/omochice/dmsync/internal/metrics"
)

// DefaultReceiptBufferSize bounds receipts waiting for their message.
const DefaultReceiptBufferSize = 100

type pendingReceipt struct {
	messageID string
	readAt    time.Time
}

// receiptBuffer holds read receipts for messages that are not loaded yet.
// When full, the oldest receipt is evicted.
type receiptBuffer struct {
	limit int
	order *list.List
	byID  map[string]*list.Element
}

func newReceiptBuffer(limit int) *receiptBuffer {
	if limit <= 0 {
		limit = DefaultReceiptBufferSize
	}
	return &receiptBuffer{
		limit: limit,
		order: list.New(),
		byID:  make(map[string]*list.Element),
	}
}

// add stores a receipt, replacing any earlier one for the same message.
func (b *receiptBuffer) add(messageID string, readAt time.Time) {
	if el, ok := b.byID[messageID]; ok {
		el.Value = pendingReceipt{messageID: messageID, readAt: readAt}
		b.order.MoveToBack(el)
		return
	}
	b.byID[messageID] = b.order.PushBack(pendingReceipt{messageID: messageID, readAt: readAt})
	for b.order.Len() > b.limit {
		oldest := b.order.Front()
		delete(b.byID, oldest.Value.(pendingReceipt).messageID)
		b.order.Remove(oldest)
		metrics.ReceiptsDropped.Inc()
	}
	metrics.ReceiptsBuffered.Set(float64(b.order.Len()))
}

// take removes and returns the receipt for messageID.
func (b *receiptBuffer) take(messageID string) (time.Time, bool) {
	el, ok := b.byID[messageID]
	if !ok {
		return time.Time{}, false
	}
	delete(b.byID, messageID)
	b.order.Remove(el)
	metrics.ReceiptsBuffered.Set(float64(b.order.Len()))
	return el.Value.(pendingReceipt).readAt, true
}

func (b *receiptBuffer) len() int {
	return b.order.Len()
}

func (b *receiptBuffer) clear() {
	b.order.Init()
	clear(b.byID)
	metrics.ReceiptsBuffered.Set(0)
}
