package ingest

import (
	"sync"

	"github.com/WessleyAI/captionstore/engine/domain"
)

// Locks serializes labeling of one (hash, prompt) across every Orchestrator
// built with it. A process that creates orchestrators per request shares one.
type Locks struct {
	km *keyedMutex[domain.CaptionKey]
}

// NewLocks creates an empty lock set.
func NewLocks() *Locks {
	return &Locks{km: newKeyedMutex[domain.CaptionKey]()}
}

func (l *Locks) lock(key domain.CaptionKey) (unlock func()) { return l.km.Lock(key) }

func (l *Locks) held() int { return l.km.len() }

// keyedMutex hands out one mutex per key and forgets keys nobody holds.
type keyedMutex[K comparable] struct {
	mu    sync.Mutex
	locks map[K]*refLock
}

type refLock struct {
	sync.Mutex
	refs int
}

func newKeyedMutex[K comparable]() *keyedMutex[K] {
	return &keyedMutex[K]{locks: make(map[K]*refLock)}
}

// Lock blocks until key is free and returns its unlock function.
func (k *keyedMutex[K]) Lock(key K) (unlock func()) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &refLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func (k *keyedMutex[K]) len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
