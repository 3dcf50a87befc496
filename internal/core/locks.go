package core

import "sync"

// PoolLocker hands out one mutex per pool address. Execute uses TryLock so
// a second request for a busy pool fails fast instead of queueing behind a
// signing call.
type PoolLocker struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewPoolLocker() *PoolLocker {
	return &PoolLocker{locks: make(map[string]*sync.Mutex)}
}

func (l *PoolLocker) get(address string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[address]
	if !ok {
		m = &sync.Mutex{}
		l.locks[address] = m
	}
	return m
}

// TryLock returns an unlock func, or false if the pool is held.
func (l *PoolLocker) TryLock(address string) (func(), bool) {
	m := l.get(address)
	if !m.TryLock() {
		return nil, false
	}
	return m.Unlock, true
}
