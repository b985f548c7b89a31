package pipeline

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// stripedLocks serializes work per subject without a lock per subject.
type stripedLocks struct {
	stripes []sync.Mutex
}

func newStripedLocks(n int) *stripedLocks {
	if n <= 0 {
		n = 64
	}
	return &stripedLocks{stripes: make([]sync.Mutex, n)}
}

func (l *stripedLocks) lock(subject string) func() {
	m := &l.stripes[xxhash.Sum64String(subject)%uint64(len(l.stripes))]
	m.Lock()
	return m.Unlock
}
