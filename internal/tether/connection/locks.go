package connection

import "sync"

// tetherLocks hands out one mutex per tether and forgets it once nobody
// holds or waits on it.
type tetherLocks struct {
	mu    sync.Mutex
	locks map[string]*tetherLock
}

type tetherLock struct {
	sync.Mutex
	refs int
}

func (l *tetherLocks) lock(tetherID string) (unlock func()) {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*tetherLock)
	}
	tl, ok := l.locks[tetherID]
	if !ok {
		tl = &tetherLock{}
		l.locks[tetherID] = tl
	}
	tl.refs++
	l.mu.Unlock()

	tl.Lock()
	return func() {
		tl.Unlock()
		l.mu.Lock()
		if tl.refs--; tl.refs == 0 {
			delete(l.locks, tetherID)
		}
		l.mu.Unlock()
	}
}

func (l *tetherLocks) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
