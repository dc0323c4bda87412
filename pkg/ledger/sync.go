package ledger

import "time"

// SyncEvent mirrors a committed journal entry to a remote ledger.
type SyncEvent struct {
	EntryID      string
	Scope        OwnerScope
	Type         EntryType
	Seconds      int64
	BalanceAfter int64
	SessionID    string
	OccurredAt   time.Time
}

// Syncer receives committed entries. Publish must not block; local state stays authoritative
// and delivery failures are the syncer's concern.
type Syncer interface {
	Publish(event SyncEvent)
}

func newSyncEvent(entry Entry) SyncEvent {
	return SyncEvent{
		EntryID:      entry.EntryID,
		Scope:        entry.Scope,
		Type:         entry.Type,
		Seconds:      entry.Seconds,
		BalanceAfter: entry.BalanceAfter,
		SessionID:    entry.SessionID,
		OccurredAt:   time.Unix(entry.CreatedUnixUTC, 0).UTC(),
	}
}
