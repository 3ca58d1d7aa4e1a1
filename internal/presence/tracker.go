// Package presence tracks the online status of other users.
package presence

import (
	"maps"
	"time"

	"github.com/rs/zerolog"

	"github.com/omochice/dmsync/internal/metrics"
	"github.com/omochice/dmsync/internal/observer"
	"github.com/omochice/dmsync/pkg/protocol"
)

// Record is the last known status of one user.
type Record struct {
	UserID     string
	IsOnline   bool
	LastSeenAt *time.Time
}

// Tracker holds one Record per user. It is not safe for concurrent use; the
// chat engine serializes every call.
type Tracker struct {
	log      zerolog.Logger
	records  map[string]Record
	watchers *observer.Registry[Record]
}

// New creates an empty Tracker. onPanic receives panics from subscribers and
// may be nil.
func New(log zerolog.Logger, onPanic observer.PanicHandler) *Tracker {
	return &Tracker{
		log:      log.With().Str("component", "presence").Logger(),
		records:  make(map[string]Record),
		watchers: observer.NewRegistry[Record](onPanic),
	}
}

// Apply upserts the record of u.UserID. The update replaces the previous
// record as a whole.
func (t *Tracker) Apply(u protocol.PresenceUpdate) {
	rec := Record{UserID: u.UserID, IsOnline: u.IsOnline}
	if u.LastSeenAt != nil {
		seen := *u.LastSeenAt
		rec.LastSeenAt = &seen
	}
	t.records[u.UserID] = rec
	metrics.PresenceUpdates.WithLabelValues(rec.status()).Inc()
	t.log.Debug().Str("user", rec.UserID).Str("status", rec.status()).Msg("presence updated")
	t.watchers.Notify(rec.clone())
}

// Get returns the record of userID, or an offline record without last-seen
// time for users never heard of.
func (t *Tracker) Get(userID string) Record {
	rec, ok := t.records[userID]
	if !ok {
		return Record{UserID: userID}
	}
	return rec.clone()
}

// Reset forgets every record.
func (t *Tracker) Reset() {
	clear(t.records)
}

// Snapshot returns a copy of every known record.
func (t *Tracker) Snapshot() map[string]Record {
	out := maps.Clone(t.records)
	for id, rec := range out {
		out[id] = rec.clone()
	}
	return out
}

// Subscribe registers fn for every applied update.
func (t *Tracker) Subscribe(fn func(Record)) observer.Subscription {
	return t.watchers.Add(fn)
}

func (r Record) status() string {
	if r.IsOnline {
		return "online"
	}
	return "offline"
}

func (r Record) clone() Record {
	if r.LastSeenAt != nil {
		seen := *r.LastSeenAt
		r.LastSeenAt = &seen
	}
	return r
}
