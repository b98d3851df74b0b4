package settlement

import "sync"

// throttle keeps one settlement per family running in this process. It is
// only a local throttle: other replicas are not covered, and correctness
// rests on the distribution unique index.
type throttle struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (t *throttle) tryAcquire(key string) (release func(), ok bool) {
	t.mu.Lock()
	if t.locks == nil {
		t.locks = make(map[string]*sync.Mutex)
	}
	l, found := t.locks[key]
	if !found {
		l = &sync.Mutex{}
		t.locks[key] = l
	}
	t.mu.Unlock()

	if !l.TryLock() {
		return nil, false
	}
	return l.Unlock, true
}
