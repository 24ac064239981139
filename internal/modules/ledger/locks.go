package ledger

import "sync"

// pairLocks serializes transaction processing per (account, symbol) pair.
// Lot allocation is order-dependent, so two transactions for the same pair
// must never interleave; distinct pairs proceed in parallel. Mutexes are
// never removed - the pair set is bounded by the portfolio's size.
type pairLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newPairLocks() *pairLocks {
	return &pairLocks{locks: make(map[string]*sync.Mutex)}
}

// acquire locks the mutex for a pair key and returns its unlock function
func (p *pairLocks) acquire(key string) func() {
	p.mu.Lock()
	l, ok := p.locks[key]
	if !ok {
		l = &sync.Mutex{}
		p.locks[key] = l
	}
	p.mu.Unlock()

	l.Lock()
	return l.Unlock
}
