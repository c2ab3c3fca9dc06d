// Package lease serializes turns per (user, coach) pair.
package lease

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrBusy = errors.New("session busy")

// Locker grants short-lived, owner-tagged leases. Acquiring a lease the same
// owner already holds refreshes it.
type Locker interface {
	TryAcquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, owner string) error
}

// Key is the lease key of a conversation pair.
func Key(userID, coachID string) string {
	return "coachd:lease:" + userID + ":" + coachID
}

func NewOwner() string {
	return uuid.NewString()
}

type localLease struct {
	owner   string
	expires time.Time
}

// LocalLocker is the single-process Locker.
type LocalLocker struct {
	mu     sync.Mutex
	leases map[string]localLease
	now    func() time.Time
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{leases: make(map[string]localLease), now: time.Now}
}

func (l *LocalLocker) TryAcquire(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, errors.New("ttl must be > 0")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cur, held := l.leases[key]
	if held && cur.owner != owner && now.Before(cur.expires) {
		return false, nil
	}
	l.leases[key] = localLease{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

// Release is idempotent; a lease held by someone else is left alone.
func (l *LocalLocker) Release(_ context.Context, key, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.leases[key]; ok && cur.owner == owner {
		delete(l.leases, key)
	}
	return nil
}
