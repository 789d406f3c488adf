// Package timeline keeps the ordered, de-duplicated message list of a chat.
//
// A Reconciler is the only writer of its timeline. It is not safe for
// concurrent use: callers serialize access through a single event loop.
package timeline

import (
	"slices"
	"time"

	"chatline/internal/models"
)

// DuplicateWindow is the largest timestamp distance at which two messages
// with the same text and sender are treated as the same message.
const DuplicateWindow = 2 * time.Second

type Source int

const (
	SourceInitialLoad Source = iota
	SourcePoll
	SourceWebSocket
	SourceLocalEcho
)

func (s Source) String() string {
	switch s {
	case SourceInitialLoad:
		return "initial_load"
	case SourcePoll:
		return "poll"
	case SourceWebSocket:
		return "websocket"
	case SourceLocalEcho:
		return "local_echo"
	}
	return "unknown"
}

// Result describes what a single Ingest call changed.
type Result struct {
	Added   int
	Updated int
	Dropped int
	// Resolved lists client message ids of local echoes that were confirmed
	// by an incoming copy of the same message.
	Resolved []string
}

func (r Result) Changed() bool {
	return r.Added > 0 || r.Updated > 0 || len(r.Resolved) > 0
}

type outcome int

const (
	dropped outcome = iota
	added
	updated
)

type Reconciler struct {
	entries []models.Message
}

func New() *Reconciler {
	return &Reconciler{}
}

// Messages returns a copy of the timeline.
func (r *Reconciler) Messages() []models.Message {
	return slices.Clone(r.entries)
}

func (r *Reconciler) Len() int {
	return len(r.entries)
}

// Find returns the entry carrying the given client message id.
func (r *Reconciler) Find(clientMessageID string) (models.Message, bool) {
	if i := r.indexByClientID(clientMessageID); i >= 0 {
		return r.entries[i], true
	}
	return models.Message{}, false
}

// Ingest merges a batch of candidate messages into the timeline.
func (r *Reconciler) Ingest(batch []models.Message, source Source) Result {
	var res Result
	if source == SourceInitialLoad || source == SourcePoll {
		batch = dedupBatch(batch)
	}

	for _, msg := range batch {
		if msg.Text == "" {
			res.Dropped++
			continue
		}
		if source != SourceLocalEcho && msg.Status == "" {
			msg.Status = models.DeliverySent
		}
		out, resolved := r.admit(msg, source)
		switch out {
		case added:
			res.Added++
		case updated:
			res.Updated++
		default:
			res.Dropped++
		}
		if resolved != "" {
			res.Resolved = append(res.Resolved, resolved)
		}
	}

	if res.Changed() {
		r.sort()
	}
	return res
}

// Replace re-ingests batch as an initial load so the timeline mirrors the
// server history. System markers and local entries the server has not
// confirmed (pending or failed sends) are kept; pending ones may be resolved
// by the batch and are reported in Result.Resolved.
func (r *Reconciler) Replace(batch []models.Message) Result {
	kept := r.entries[:0]
	for _, m := range r.entries {
		if m.Sender == models.SenderSystem || r.localOnly(m) {
			kept = append(kept, m)
		}
	}
	r.entries = kept
	res := r.Ingest(batch, SourceInitialLoad)
	r.sort()
	return res
}

// Resolve marks the local echo with clientMessageID as sent. A non-zero
// serverID is adopted as its primary key; if another entry already carries
// that id, it is folded into the echo.
func (r *Reconciler) Resolve(clientMessageID string, serverID int64, ts time.Time) bool {
	i := r.indexByClientID(clientMessageID)
	if i < 0 {
		return false
	}
	if serverID != 0 && r.entries[i].ServerID != serverID {
		if j := r.indexByServerID(serverID); j >= 0 && j != i {
			if ts.IsZero() {
				ts = r.entries[j].Timestamp
			}
			r.entries = slices.Delete(r.entries, j, j+1)
			if j < i {
				i--
			}
		}
		r.entries[i].ServerID = serverID
	}
	if !ts.IsZero() {
		r.entries[i].Timestamp = ts
	}
	r.entries[i].Status = models.DeliverySent
	r.sort()
	return true
}

// Fail marks the local echo with clientMessageID as failed. Entries already
// confirmed are left untouched.
func (r *Reconciler) Fail(clientMessageID string) bool {
	i := r.indexByClientID(clientMessageID)
	if i < 0 || r.entries[i].Status == models.DeliverySent {
		return false
	}
	r.entries[i].Status = models.DeliveryFailed
	return true
}

func (r *Reconciler) localOnly(m models.Message) bool {
	return !m.HasServerID() && m.ClientMessageID != "" && m.Status != models.DeliverySent
}

func (r *Reconciler) admit(msg models.Message, source Source) (outcome, string) {
	if msg.HasServerID() {
		if i := r.indexByServerID(msg.ServerID); i >= 0 {
			if r.entries[i].Pending() {
				r.entries[i].Status = models.DeliverySent
				return updated, r.entries[i].ClientMessageID
			}
			return dropped, ""
		}
	}

	if source == SourceLocalEcho {
		if r.indexByClientID(msg.ClientMessageID) >= 0 {
			return dropped, ""
		}
		r.entries = append(r.entries, msg)
		return added, ""
	}

	if i := r.indexByClientID(msg.ClientMessageID); i >= 0 && r.entries[i].Sender == msg.Sender {
		e := &r.entries[i]
		if e.Status == models.DeliveryFailed {
			// Failed is final; the user resends explicitly.
			return dropped, ""
		}
		wasPending := e.Pending()
		changed := false
		if !e.HasServerID() && msg.HasServerID() {
			e.ServerID = msg.ServerID
			e.Timestamp = msg.Timestamp
			changed = true
		}
		if wasPending {
			e.Status = models.DeliverySent
		}
		switch {
		case wasPending:
			return updated, e.ClientMessageID
		case changed:
			return updated, ""
		}
		return dropped, ""
	}

	if i := r.nearDuplicate(msg); i >= 0 {
		e := &r.entries[i]
		if !msg.HasServerID() {
			return dropped, ""
		}
		// A persisted copy of a confirmed entry that never learned its
		// server id, e.g. a message delivered over REST.
		if !e.HasServerID() && !e.Pending() {
			if e.Status != models.DeliverySent {
				return dropped, ""
			}
			e.ServerID = msg.ServerID
			return updated, ""
		}
	}

	r.entries = append(r.entries, msg)
	return added, ""
}

func (r *Reconciler) nearDuplicate(msg models.Message) int {
	for i, e := range r.entries {
		if e.Sender != msg.Sender || e.Text != msg.Text {
			continue
		}
		if msg.HasServerID() && e.HasServerID() {
			continue
		}
		if absDuration(e.Timestamp.Sub(msg.Timestamp)) <= DuplicateWindow {
			return i
		}
	}
	return -1
}

func (r *Reconciler) indexByServerID(id int64) int {
	if id == 0 {
		return -1
	}
	return slices.IndexFunc(r.entries, func(m models.Message) bool { return m.ServerID == id })
}

func (r *Reconciler) indexByClientID(id string) int {
	if id == "" {
		return -1
	}
	return slices.IndexFunc(r.entries, func(m models.Message) bool { return m.ClientMessageID == id })
}

func (r *Reconciler) sort() {
	slices.SortStableFunc(r.entries, func(a, b models.Message) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
}

// dedupBatch drops rows the backend returned more than once, keyed by
// server id when present and by client message id otherwise.
func dedupBatch(batch []models.Message) []models.Message {
	seenServer := make(map[int64]struct{}, len(batch))
	seenClient := make(map[string]struct{})
	out := make([]models.Message, 0, len(batch))
	for _, m := range batch {
		switch {
		case m.HasServerID():
			if _, ok := seenServer[m.ServerID]; ok {
				continue
			}
			seenServer[m.ServerID] = struct{}{}
		case m.ClientMessageID != "":
			if _, ok := seenClient[m.ClientMessageID]; ok {
				continue
			}
			seenClient[m.ClientMessageID] = struct{}{}
		}
		out = append(out, m)
	}
	return out
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
