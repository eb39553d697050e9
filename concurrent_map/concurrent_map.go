package concurrent_map

import "sync"

// ConcurrentMap holds *V values by string key, safe for concurrent use.
type ConcurrentMap[V any] struct {
	m sync.Map
}

func (m *ConcurrentMap[V]) Get(k string) (*V, bool) {
	v, ok := m.m.Load(k)
	if !ok {
		return nil, false
	}
	return v.(*V), true
}

func (m *ConcurrentMap[V]) Set(k string, v *V) {
	m.m.Store(k, v)
}

// Clear removes every key present when it is called.
func (m *ConcurrentMap[V]) Clear() {
	m.m.Range(func(k, _ any) bool {
		m.m.Delete(k)
		return true
	})
}

func (m *ConcurrentMap[V]) Len() int {
	n := 0
	m.m.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
