package position

import "sync"

// positionLocks serializes mutations per position id so that a decision
// made from a read (outstanding debt, health factor) cannot be invalidated
// by a concurrent writer before the write commits.
type positionLocks struct {
	mu    sync.Mutex
	locks map[uint64]*sync.Mutex
}

func newPositionLocks() *positionLocks {
	return &positionLocks{locks: map[uint64]*sync.Mutex{}}
}

func (p *positionLocks) lock(positionID uint64) func() {
	p.mu.Lock()
	l, ok := p.locks[positionID]
	if !ok {
		l = &sync.Mutex{}
		p.locks[positionID] = l
	}
	p.mu.Unlock()

	l.Lock()
	return l.Unlock
}
