package enforce

import (
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
)

// Per-key mutual exclusion, used to serialize enforcement transitions for
// each user within a process.
type Locker struct {
	locks *xsync.MapOf[string, *sync.Mutex]
}

func NewLocker() *Locker {
	return &Locker{
		locks: xsync.NewMapOf[string, *sync.Mutex](),
	}
}

// Blocks until the key is free. The returned function releases it.
func (l *Locker) Lock(key string) func() {
	mu, _ := l.locks.LoadOrCompute(key, func() *sync.Mutex {
		return &sync.Mutex{}
	})
	mu.Lock()
	return mu.Unlock
}
