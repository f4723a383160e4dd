package cachedir

import "sync"

// fileLocks hands out one RWMutex per file name. Entries are dropped when no
// goroutine holds or waits for them.
type fileLocks struct {
	mu    sync.Mutex
	locks map[string]*fileLock
}

type fileLock struct {
	sync.RWMutex
	refs int
}

func newFileLocks() *fileLocks {
	return &fileLocks{locks: make(map[string]*fileLock)}
}

func (l *fileLocks) get(name string) *fileLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	fl, ok := l.locks[name]
	if !ok {
		fl = &fileLock{}
		l.locks[name] = fl
	}
	fl.refs++
	return fl
}

func (l *fileLocks) put(name string, fl *fileLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fl.refs--
	if fl.refs == 0 {
		delete(l.locks, name)
	}
}

// rlock takes a shared lock on name and returns its unlock func.
func (l *fileLocks) rlock(name string) func() {
	fl := l.get(name)
	fl.RLock()
	return func() {
		fl.RUnlock()
		l.put(name, fl)
	}
}

// lock takes an exclusive lock on name and returns its unlock func.
func (l *fileLocks) lock(name string) func() {
	fl := l.get(name)
	fl.Lock()
	return func() {
		fl.Unlock()
		l.put(name, fl)
	}
}
