package vault

import (
	"sort"
	"time"
)

// EventType names a vault notification.
type EventType string

const (
	EventUnlocked         EventType = "vault-unlocked"
	EventLocked           EventType = "vault-locked"
	EventStorageCollision EventType = "storage-collision"
	EventPersistFailed    EventType = "persist-failed"
)

// LockReason explains why a session was locked.
type LockReason string

const (
	LockManual   LockReason = "manual"
	LockIdle     LockReason = "idle"
	LockShutdown LockReason = "shutdown"
)

// Persist failure stages.
const (
	StageEncrypt = "encrypt"
	StageWrite   = "write"
)

// Event is delivered to subscribers. Only the fields relevant to Type are set.
type Event struct {
	Type            EventType  `json:"type"`
	Time            time.Time  `json:"time"`
	UserID          string     `json:"userId,omitempty"`
	SessionID       string     `json:"sessionId,omitempty"`
	Reason          LockReason `json:"reason,omitempty"`
	Key             string     `json:"key,omitempty"`
	ExistingVersion uint64     `json:"existingVersion,omitempty"`
	TargetVersion   uint64     `json:"targetVersion,omitempty"`
	Stage           string     `json:"stage,omitempty"`
}

// Subscribe registers fn for every event. Handlers run synchronously on the
// emitting goroutine and must not block or call back into Lock/Unlock.
func (v *Vault) Subscribe(fn func(Event)) (cancel func()) {
	v.subsMu.Lock()
	id := v.nextSub
	v.nextSub++
	v.subs[id] = fn
	v.subsMu.Unlock()

	return func() {
		v.subsMu.Lock()
		delete(v.subs, id)
		v.subsMu.Unlock()
	}
}

func (v *Vault) emit(e Event) {
	if e.Time.IsZero() {
		e.Time = v.now()
	}
	v.subsMu.RLock()
	ids := make([]int, 0, len(v.subs))
	for id := range v.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	handlers := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, v.subs[id])
	}
	v.subsMu.RUnlock()

	for _, fn := range handlers {
		fn(e)
	}
}
