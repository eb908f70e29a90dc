package ctorz

import "sync"

// keyedMutex hands out one mutex per type identifier. Entries are reference
// counted and dropped once no goroutine holds or waits for them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[TypeID]*refLock
}

type refLock struct {
	sync.Mutex
	refs int
}

// lock acquires the mutex of id and returns its release function.
func (k *keyedMutex) lock(id TypeID) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[TypeID]*refLock)
	}
	l, ok := k.locks[id]
	if !ok {
		l = &refLock{}
		k.locks[id] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		if l.refs--; l.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}

// held returns the number of identifiers with a holder or waiter.
func (k *keyedMutex) held() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
