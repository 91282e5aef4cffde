package engine

import (
	"context"
	"sync"
)

// Locker grants exclusive access to one task. Lock blocks until the task is
// free or ctx is done; the returned function releases the lock.
type Locker interface {
	Lock(ctx context.Context, taskID string) (func(), error)
}

// KeyedLocker is an in-process Locker with one mutex per task id. Entries are
// dropped once no goroutine holds or waits for them.
type KeyedLocker struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	sem  chan struct{}
	refs int
}

// NewKeyedLocker creates an empty KeyedLocker.
func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{locks: make(map[string]*keyedEntry)}
}

// Lock implements Locker.
func (k *KeyedLocker) Lock(ctx context.Context, taskID string) (func(), error) {
	k.mu.Lock()
	entry, ok := k.locks[taskID]
	if !ok {
		entry = &keyedEntry{sem: make(chan struct{}, 1)}
		k.locks[taskID] = entry
	}
	entry.refs++
	k.mu.Unlock()

	select {
	case entry.sem <- struct{}{}:
	case <-ctx.Done():
		k.release(taskID, entry)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-entry.sem
			k.release(taskID, entry)
		})
	}, nil
}

func (k *KeyedLocker) release(taskID string, entry *keyedEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(k.locks, taskID)
	}
}
