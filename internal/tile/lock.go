package tile

import "sync"

// rwLock is a writer-preferring reader/writer lock whose write side can be
// downgraded to a read lock without letting another writer in between.
type rwLock struct {
	mu             sync.Mutex
	cond           sync.Cond
	readers        int
	writer         bool
	waitingWriters int
}

func (l *rwLock) init() {
	l.cond.L = &l.mu
}

func (l *rwLock) Lock() {
	l.mu.Lock()
	l.waitingWriters++
	for l.writer || l.readers > 0 {
		l.cond.Wait()
	}
	l.waitingWriters--
	l.writer = true
	l.mu.Unlock()
}

func (l *rwLock) Unlock() {
	l.mu.Lock()
	if !l.writer {
		l.mu.Unlock()
		panic("tile: Unlock of unlocked handle")
	}
	l.writer = false
	l.cond.Broadcast()
	l.mu.Unlock()
}

func (l *rwLock) RLock() {
	l.mu.Lock()
	for l.writer || l.waitingWriters > 0 {
		l.cond.Wait()
	}
	l.readers++
	l.mu.Unlock()
}

func (l *rwLock) RUnlock() {
	l.mu.Lock()
	if l.readers == 0 {
		l.mu.Unlock()
		panic("tile: RUnlock of unlocked handle")
	}
	l.readers--
	if l.readers == 0 {
		l.cond.Broadcast()
	}
	l.mu.Unlock()
}

// Downgrade atomically converts a held write lock into a read lock.
func (l *rwLock) Downgrade() {
	l.mu.Lock()
	if !l.writer {
		l.mu.Unlock()
		panic("tile: Downgrade without write lock")
	}
	l.writer = false
	l.readers++
	l.cond.Broadcast()
	l.mu.Unlock()
}
