// Package lock serializes balance and quota mutations per account.
package lock

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// Locker acquires exclusive locks on a set of keys. Keys are taken in sorted
// order so concurrent callers locking overlapping sets cannot deadlock.
// The returned func releases every key; it must be called exactly once.
type Locker interface {
	Lock(ctx context.Context, keys ...string) (func(), error)
}

// AccountKey is the lock key guarding one account's balances and quota.
func AccountKey(accountID string) string {
	return "account:" + accountID
}

// normalize sorts and dedupes keys, dropping empties.
func normalize(keys []string) []string {
	out := slices.DeleteFunc(slices.Clone(keys), func(k string) bool { return k == "" })
	slices.Sort(out)
	return slices.Compact(out)
}

type keyState struct {
	sem  chan struct{}
	refs int
}

// KeyedMutex is an in-process Locker. The zero value is ready to use.
type KeyedMutex struct {
	mu   sync.Mutex
	keys map[string]*keyState
}

var _ Locker = (*KeyedMutex)(nil)

// NewKeyedMutex returns an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{}
}

func (m *KeyedMutex) acquireState(key string) *keyState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keys == nil {
		m.keys = make(map[string]*keyState)
	}
	st, ok := m.keys[key]
	if !ok {
		st = &keyState{sem: make(chan struct{}, 1)}
		m.keys[key] = st
	}
	st.refs++
	return st
}

func (m *KeyedMutex) releaseState(key string, st *keyState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st.refs--
	if st.refs == 0 {
		delete(m.keys, key)
	}
}

// Lock blocks until every key is held or ctx is done.
func (m *KeyedMutex) Lock(ctx context.Context, keys ...string) (func(), error) {
	keys = normalize(keys)
	held := make([]*keyState, 0, len(keys))

	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			<-held[i].sem
			m.releaseState(keys[i], held[i])
		}
	}

	for _, key := range keys {
		st := m.acquireState(key)
		select {
		case st.sem <- struct{}{}:
			held = append(held, st)
		case <-ctx.Done():
			m.releaseState(key, st)
			release()
			return nil, fmt.Errorf("acquiring lock %s: %w", key, ctx.Err())
		}
	}

	var once sync.Once
	return func() { once.Do(release) }, nil
}
