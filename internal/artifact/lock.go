package artifact

import (
	"hash/fnv"
	"sync"
)

// stripedLock spreads per-artifact mutation locks across a fixed number of
// buckets keyed by FNV hash, so concurrent writers to different artifacts
// don't serialize behind one global mutex while a single manifest swap still
// stays atomic (spec §5: "one writer per artifact id, readers never block").
type stripedLock struct {
	mus [256]sync.Mutex
}

func (s *stripedLock) lockFor(id string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &s.mus[h.Sum32()%uint32(len(s.mus))]
}

func (s *stripedLock) Lock(id string)   { s.lockFor(id).Lock() }
func (s *stripedLock) Unlock(id string) { s.lockFor(id).Unlock() }
