package merge

import "sync"

// KeyedMutex serializes work per record id. A second merge for the same
// id while one is in flight queues behind it and runs after it completes,
// in strict FIFO order, so two read-modify-write cycles against the same
// local record can never interleave. Different ids proceed independently.
type KeyedMutex struct {
	mu      sync.Mutex
	held    map[string]bool
	waiters map[string][]chan struct{}
}

// NewKeyedMutex returns an empty keyed mutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{
		held:    make(map[string]bool),
		waiters: make(map[string][]chan struct{}),
	}
}

// Lock acquires the lock for key, blocking behind earlier holders. The
// returned function releases the lock and hands it to the oldest waiter.
func (k *KeyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	if !k.held[key] {
		k.held[key] = true
		k.mu.Unlock()
		return func() { k.unlock(key) }
	}

	ready := make(chan struct{})
	k.waiters[key] = append(k.waiters[key], ready)
	k.mu.Unlock()

	<-ready
	return func() { k.unlock(key) }
}

func (k *KeyedMutex) unlock(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()

	queue := k.waiters[key]
	if len(queue) == 0 {
		delete(k.held, key)
		delete(k.waiters, key)
		return
	}

	// Hand off to the oldest waiter; the lock stays held.
	next := queue[0]
	k.waiters[key] = queue[1:]
	close(next)
}
