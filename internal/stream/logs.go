// Package stream collects the box's broadcast streams (chat, invitations)
// into append-only, insertion-ordered logs the render layer reads. Logs are
// best-effort — no deduplication, no gap filling, nothing persisted past
// the session — and they survive a transport reconnect untouched.
package stream

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ChatMessage is the wire format on the chat topic.
type ChatMessage struct {
	Sender   string `json:"sender"`
	SenderID string `json:"senderId"`
	Content  string `json:"content"`
}

// Invitation is the wire format on the invitations topic.
type Invitation struct {
	InvitedUsername string `json:"invitedUsername"`
	InvitedBy       string `json:"invitedBy,omitempty"`
	BoxID           string `json:"boxId,omitempty"`
	BoxName         string `json:"boxName,omitempty"`
}

// Entry wraps a record with its local arrival time and a unique id the
// render layer can key list rows on.
type Entry[T any] struct {
	ID     string
	At     time.Time
	Record T
}

// Log is an append-only sequence of records with listener fan-out.
type Log[T any] struct {
	label string

	mu        sync.RWMutex
	entries   []Entry[T]
	listeners map[int]chan Entry[T]
	seq       int
}

// NewLog creates an empty log; label names it in log lines ("chat",
// "invitations").
func NewLog[T any](label string) *Log[T] {
	return &Log[T]{label: label, listeners: make(map[int]chan Entry[T])}
}

// Ingest parses one raw broadcast payload and appends it. Malformed
// payloads are logged and dropped — never fatal, the subscription lives on.
func (l *Log[T]) Ingest(payload []byte) {
	var rec T
	if err := json.Unmarshal(payload, &rec); err != nil {
		log.Printf("STREAM: malformed %s payload: %v", l.label, err)
		return
	}
	l.Append(rec)
}

// Append adds one record in arrival order and notifies listeners without
// blocking; a slow listener misses the notification, not the log entry.
func (l *Log[T]) Append(rec T) {
	entry := Entry[T]{ID: uuid.NewString(), At: time.Now(), Record: rec}
	l.mu.Lock()
	l.entries = append(l.entries, entry)
	for _, ch := range l.listeners {
		select {
		case ch <- entry:
		default:
		}
	}
	l.mu.Unlock()
}

// Snapshot returns all entries, oldest first.
func (l *Log[T]) Snapshot() []Entry[T] {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry[T], len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of entries.
func (l *Log[T]) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Subscribe returns a channel of new entries and an unsubscribe func.
func (l *Log[T]) Subscribe() (<-chan Entry[T], func()) {
	ch := make(chan Entry[T], 16)
	l.mu.Lock()
	l.seq++
	id := l.seq
	l.listeners[id] = ch
	l.mu.Unlock()

	return ch, func() {
		l.mu.Lock()
		if _, ok := l.listeners[id]; ok {
			delete(l.listeners, id)
			close(ch)
		}
		l.mu.Unlock()
	}
}
