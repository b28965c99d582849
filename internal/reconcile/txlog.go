package reconcile

import (
	"time"

	"github.com/agentworkforce/partsync/internal/inventory"
	"github.com/agentworkforce/partsync/internal/remotestore"
)

type entryState string

const (
	entryRecorded entryState = "recorded"
	entrySent     entryState = "sent"
	entryFailed   entryState = "failed"
)

// LogEntry is one local action awaiting confirmation by a remote read.
type LogEntry struct {
	Seq           uint64           `json:"seq"`
	Action        inventory.Action `json:"action"`
	Item          inventory.Item   `json:"item"`
	RecordedAt    time.Time        `json:"recordedAt"`
	State         entryState       `json:"state"`
	CorrelationID string           `json:"correlationId,omitempty"`
	LastError     string           `json:"lastError,omitempty"`
}

// txLog orders local actions by a monotonic sequence number. Entries leave
// the log once a remote read shows their effect or once they expire.
type txLog struct {
	next    uint64
	entries []LogEntry
}

func (l *txLog) record(action inventory.Action, item inventory.Item, now time.Time) uint64 {
	l.next++
	l.entries = append(l.entries, LogEntry{
		Seq:        l.next,
		Action:     action,
		Item:       item.Clone(),
		RecordedAt: now,
		State:      entryRecorded,
	})
	return l.next
}

func (l *txLog) markSent(seq uint64, receipt remotestore.WriteReceipt) {
	for i := range l.entries {
		if l.entries[i].Seq == seq {
			l.entries[i].State = entrySent
			l.entries[i].CorrelationID = receipt.CorrelationID
			l.entries[i].LastError = ""
			return
		}
	}
}

func (l *txLog) markFailed(seq uint64, err error) {
	for i := range l.entries {
		if l.entries[i].Seq == seq {
			l.entries[i].State = entryFailed
			if err != nil {
				l.entries[i].LastError = err.Error()
			}
			return
		}
	}
}

func (l *txLog) pending() int {
	return len(l.entries)
}

func (l *txLog) snapshot() []LogEntry {
	out := make([]LogEntry, len(l.entries))
	for i, e := range l.entries {
		e.Item = e.Item.Clone()
		out[i] = e
	}
	return out
}

func (l *txLog) reset() {
	l.entries = nil
}

// reconcile prunes confirmed and expired entries against a remote read. In
// merge mode the surviving entries are replayed, in order, on top of the
// remote collections; otherwise the remote collections are returned as-is.
func (l *txLog) reconcile(active, sales []inventory.Item, now time.Time, ttl time.Duration, merge bool) ([]inventory.Item, []inventory.Item) {
	remoteActive := idSet(active)
	remoteSales := idSet(sales)
	kept := l.entries[:0]
	for _, e := range l.entries {
		if confirmedBy(e, remoteActive, remoteSales) {
			continue
		}
		if ttl > 0 && now.Sub(e.RecordedAt) > ttl {
			continue
		}
		kept = append(kept, e)
	}
	l.entries = kept
	if !merge {
		return active, sales
	}
	for _, e := range l.entries {
		active, sales = replay(e, active, sales)
	}
	return active, sales
}

func confirmedBy(e LogEntry, active, sales map[string]struct{}) bool {
	_, inActive := active[e.Item.ID]
	_, inSales := sales[e.Item.ID]
	switch e.Action {
	case inventory.ActionAdd:
		return inActive
	case inventory.ActionSell:
		return inSales && !inActive
	case inventory.ActionDelete:
		return !inActive && !inSales
	case inventory.ActionReturn:
		return inActive && !inSales
	default:
		return true
	}
}

func replay(e LogEntry, active, sales []inventory.Item) ([]inventory.Item, []inventory.Item) {
	id := e.Item.ID
	if e.Action == inventory.ActionAdd && inventory.IndexOf(sales, id) >= 0 {
		// Sales win over an add of the same id.
		return active, sales
	}
	active = without(active, id)
	sales = without(sales, id)
	switch e.Action {
	case inventory.ActionAdd, inventory.ActionReturn:
		active = prepend(e.Item.MarkAvailable(), active)
	case inventory.ActionSell:
		sold := e.Item.Clone()
		sold.Status = inventory.StatusSold
		sales = prepend(sold, sales)
	}
	return active, sales
}

func idSet(items []inventory.Item) map[string]struct{} {
	out := make(map[string]struct{}, len(items))
	for _, it := range items {
		out[it.ID] = struct{}{}
	}
	return out
}

func without(items []inventory.Item, id string) []inventory.Item {
	idx := inventory.IndexOf(items, id)
	if idx < 0 {
		return items
	}
	out := make([]inventory.Item, 0, len(items)-1)
	out = append(out, items[:idx]...)
	return append(out, items[idx+1:]...)
}

func prepend(item inventory.Item, items []inventory.Item) []inventory.Item {
	out := make([]inventory.Item, 0, len(items)+1)
	out = append(out, item)
	return append(out, items...)
}
