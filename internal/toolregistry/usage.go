package toolregistry

import "sync"

// usageCounters tracks per-tool invocation counts in one map guarded by a
// single mutex.
type usageCounters struct {
	mu     sync.Mutex
	counts map[string]int
}

func newUsageCounters() *usageCounters {
	return &usageCounters{counts: map[string]int{}}
}

func (u *usageCounters) add(id string, n int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.counts[id] += n
}

func (u *usageCounters) get(id string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.counts[id]
}
