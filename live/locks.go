package live

import (
	"hash/fnv"
	"sync"
)

// Striped mutexes keyed by thread ID. Threads sharing a stripe only contend
// with each other.
type threadLocks [64]sync.Mutex

func (l *threadLocks) get(thread string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(thread))
	return &l[h.Sum32()%uint32(len(l))]
}
