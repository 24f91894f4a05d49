package services

import (
	"hash/fnv"
	"sync"
)

const sessionLockStripes = 64

// sessionLocks serialises mutations of one session within the process.
type sessionLocks struct {
	stripes [sessionLockStripes]sync.Mutex
}

func (l *sessionLocks) lock(sessionID string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	mu := &l.stripes[h.Sum32()%sessionLockStripes]
	mu.Lock()
	return mu.Unlock
}

// sessionBroker wakes AwaitConfirmation callers when a session they wait on changes.
type sessionBroker struct {
	mu      sync.Mutex
	waiters map[string]map[chan struct{}]struct{}
}

func newSessionBroker() *sessionBroker {
	return &sessionBroker{waiters: make(map[string]map[chan struct{}]struct{})}
}

func (b *sessionBroker) subscribe(sessionID string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	set, ok := b.waiters[sessionID]
	if !ok {
		set = make(map[chan struct{}]struct{})
		b.waiters[sessionID] = set
	}
	set[ch] = struct{}{}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if set, ok := b.waiters[sessionID]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(b.waiters, sessionID)
			}
		}
	}
}

func (b *sessionBroker) notify(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.waiters[sessionID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
