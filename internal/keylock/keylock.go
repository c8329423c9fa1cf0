// Package keylock provides mutual exclusion scoped by string key.
//
// Every sub-ledger mutation runs under the sub-ledger's key; reconcile
// additionally takes the (account, symbol, side) key. Entries are
// reference-counted and dropped once no goroutine holds or waits on them,
// so the table does not grow with the number of keys ever seen.
package keylock

import (
	"sort"
	"sync"
)

// Locker hands out per-key mutexes. The zero value is ready to use.
type Locker struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

// New creates an empty Locker.
func New() *Locker {
	return &Locker{locks: make(map[string]*entry)}
}

// Lock blocks until key is held and returns the matching unlock func.
func (l *Locker) Lock(key string) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*entry)
	}
	e, ok := l.locks[key]
	if !ok {
		e = &entry{}
		l.locks[key] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() { l.release(key, e) }
}

// LockAll acquires every distinct key in lexicographic order and returns a
// single unlock func that releases them in reverse order.
func (l *Locker) LockAll(keys ...string) func() {
	uniq := make([]string, 0, len(keys))
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			uniq = append(uniq, k)
		}
	}
	sort.Strings(uniq)

	unlocks := make([]func(), 0, len(uniq))
	for _, k := range uniq {
		unlocks = append(unlocks, l.Lock(k))
	}
	return func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
}

// Len returns the number of keys currently held or waited on.
func (l *Locker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

func (l *Locker) release(key string, e *entry) {
	e.mu.Unlock()
	l.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, key)
	}
	l.mu.Unlock()
}

// SubLedgerKey is the lock key guarding one sub-ledger.
func SubLedgerKey(id string) string { return "sl:" + id }

// PositionKey is the lock key guarding one (account, symbol, side) aggregate.
func PositionKey(accountID, symbol, side string) string {
	return "pos:" + accountID + "/" + symbol + "/" + side
}
