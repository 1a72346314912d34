// ABOUTME: Registry of server-local files exposed to devices for a limited time
// ABOUTME: Expiry is swept lazily on register and lookup; there is no background goroutine

package tempfile

import (
	"container/list"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultTTL is how long a registered file stays downloadable.
const DefaultTTL = 10 * time.Minute

var (
	// ErrNotFound means the id was never registered or its record is gone.
	ErrNotFound = errors.New("temp file not found")
	// ErrExpired means the id was registered but its TTL has passed.
	ErrExpired = errors.New("temp file expired")
)

// Entry is one downloadable file.
type Entry struct {
	ID        string
	AccountID string
	FilePath  string
	FileName  string
	ExpiresAt time.Time
}

type record struct {
	entry   Entry
	element *list.Element
}

// Registry maps opaque file ids to local files. All entries share one TTL, so
// insertion order is expiry order and sweeping stops at the first live entry.
// Expired ids are remembered for one more TTL so lookups report ErrExpired
// rather than ErrNotFound.
type Registry struct {
	mu      sync.Mutex
	ttl     time.Duration
	live    map[string]*record
	order   *list.List // ids of live entries, oldest first
	expired map[string]*record
	graves  *list.List // ids of expired entries, oldest first
	now     func() time.Time
}

// New creates a registry with the given TTL (DefaultTTL when non-positive).
func New(ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Registry{
		ttl:     ttl,
		live:    make(map[string]*record),
		order:   list.New(),
		expired: make(map[string]*record),
		graves:  list.New(),
		now:     time.Now,
	}
}

// TTL returns the registry's entry lifetime.
func (r *Registry) TTL() time.Duration {
	return r.ttl
}

// Register adds a file and returns its entry with a fresh random id.
func (r *Registry) Register(accountID, filePath, fileName string) Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.sweepLocked(now)

	e := Entry{
		ID:        uuid.NewString(),
		AccountID: accountID,
		FilePath:  filePath,
		FileName:  fileName,
		ExpiresAt: now.Add(r.ttl),
	}
	rec := &record{entry: e}
	rec.element = r.order.PushBack(e.ID)
	r.live[e.ID] = rec
	return e
}

// Lookup returns the entry for id. An expired entry is returned together
// with ErrExpired so callers can still check which account owned it.
func (r *Registry) Lookup(id string) (Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.sweepLocked(now)

	if rec, ok := r.live[id]; ok {
		return rec.entry, nil
	}
	if rec, ok := r.expired[id]; ok {
		return rec.entry, ErrExpired
	}
	return Entry{}, ErrNotFound
}

// Len returns the number of live entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}

// sweepLocked moves expired entries to the graveyard and forgets graves older
// than one TTL. Must be called with mu held.
func (r *Registry) sweepLocked(now time.Time) {
	for front := r.order.Front(); front != nil; front = r.order.Front() {
		id, _ := front.Value.(string)
		rec := r.live[id]
		if rec != nil && now.Before(rec.entry.ExpiresAt) {
			break
		}
		r.order.Remove(front)
		delete(r.live, id)
		if rec != nil {
			rec.element = r.graves.PushBack(id)
			r.expired[id] = rec
		}
	}

	for front := r.graves.Front(); front != nil; front = r.graves.Front() {
		id, _ := front.Value.(string)
		rec := r.expired[id]
		if rec != nil && now.Before(rec.entry.ExpiresAt.Add(r.ttl)) {
			break
		}
		r.graves.Remove(front)
		delete(r.expired, id)
	}
}
