package pipeline

import "sync"

// callLocks admits one run per call id. Entries are dropped once no holder
// remains.
type callLocks struct {
	mu   sync.Mutex
	held map[string]int
}

func newCallLocks() *callLocks {
	return &callLocks{held: make(map[string]int)}
}

// tryAcquire returns a release func, or false when the call is already held.
func (l *callLocks) tryAcquire(callID string) (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[callID] > 0 {
		return nil, false
	}
	l.held[callID]++

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if l.held[callID]--; l.held[callID] <= 0 {
				delete(l.held, callID)
			}
		})
	}, true
}

func (l *callLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.held)
}
