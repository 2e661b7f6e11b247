package eviction

// arcSet implements a simplified Adaptive Replacement Cache policy: two
// LRU queues (T1 "recent", T2 "frequent") sized by an adaptive target p,
// backed by two ghost LRU queues (B1, B2) that remember recently evicted
// keys without their values, letting the policy self-tune p toward
// whichever queue is producing more ghost hits.
//
// https://en.wikipedia.org/wiki/Cache_replacement_policies#Adaptive_replacement_cache_(ARC)
//
// This Set only tracks membership (no associated blob/value), since
// that is all the cache replacement abstraction needs: the Manager
// (manager.go) is the one that maps a key back to bytes to free. T1/T2
// together always hold exactly the set of "live" keys Insert has added
// and Remove has not yet evicted; B1/B2 hold keys this policy has
// evicted but still remembers, capped at the same combined size as
// T1+T2 so ghost history cannot grow unbounded.
type arcSet struct {
	t1, t2, b1, b2 *lruQueue
	target         int // target size of T1 (p in the ARC literature)
}

// NewARCSet creates an empty ARC Set.
func NewARCSet() Set {
	return &arcSet{
		t1: newLRUQueue(),
		t2: newLRUQueue(),
		b1: newLRUQueue(),
		b2: newLRUQueue(),
	}
}

// lruQueue is the same doubly-linked-list + map structure as lruSet,
// factored out so ARC can run four of them.
type lruQueue struct {
	head lruElement
	keys map[string]*lruElement
}

func newLRUQueue() *lruQueue {
	q := &lruQueue{keys: map[string]*lruElement{}}
	q.head.older = &q.head
	q.head.newer = &q.head
	return q
}

func (q *lruQueue) pushBack(key string) {
	e := &lruElement{key: key}
	e.older = q.head.older
	e.newer = &q.head
	e.older.newer = e
	e.newer.older = e
	q.keys[key] = e
}

func (q *lruQueue) remove(key string) {
	e, ok := q.keys[key]
	if !ok {
		return
	}
	e.removeFromQueue()
	delete(q.keys, key)
}

func (q *lruQueue) touch(key string) {
	q.remove(key)
	q.pushBack(key)
}

func (q *lruQueue) front() string {
	return q.head.newer.key
}

func (q *lruQueue) popFront() string {
	key := q.head.newer.key
	q.remove(key)
	return key
}

func (q *lruQueue) contains(key string) bool {
	_, ok := q.keys[key]
	return ok
}

func (q *lruQueue) len() int {
	return len(q.keys)
}

func (s *arcSet) Len() int {
	return s.t1.len() + s.t2.len()
}

// Insert adds a brand-new key to T1, adapting the target split if the
// key was recently a ghost in B1 or B2.
func (s *arcSet) Insert(key string) {
	switch {
	case s.b1.contains(key):
		delta := 1
		if s.b2.len() > s.b1.len() {
			delta = s.b2.len() / s.b1.len()
		}
		s.target = min(s.target+delta, s.t1.len()+s.t2.len())
		s.b1.remove(key)
		s.t2.pushBack(key)
	case s.b2.contains(key):
		delta := 1
		if s.b1.len() > s.b2.len() {
			delta = s.b1.len() / s.b2.len()
		}
		s.target = max(s.target-delta, 0)
		s.b2.remove(key)
		s.t2.pushBack(key)
	default:
		s.t1.pushBack(key)
	}
}

// Touch promotes a key from T1 to T2 (it has now been accessed twice)
// or refreshes its recency within T2.
func (s *arcSet) Touch(key string) {
	if s.t1.contains(key) {
		s.t1.remove(key)
		s.t2.pushBack(key)
		return
	}
	s.t2.touch(key)
}

// Peek reports which live key would be evicted next, following the
// ARC REPLACE procedure: prefer evicting from T1 unless T1 is at or
// below its target size, in which case evict from T2.
func (s *arcSet) Peek() string {
	if s.t1.len() > 0 && s.t1.len() > s.target {
		return s.t1.front()
	}
	if s.t2.len() > 0 {
		return s.t2.front()
	}
	return s.t1.front()
}

// Remove evicts the key last returned by Peek, moving it to the
// corresponding ghost queue so a future re-insertion can adapt p.
func (s *arcSet) Remove() {
	if s.t1.len() > 0 && s.t1.len() > s.target {
		key := s.t1.popFront()
		s.b1.pushBack(key)
	} else {
		key := s.t2.popFront()
		s.b2.pushBack(key)
	}
	for s.b1.len()+s.b2.len() > s.t1.len()+s.t2.len() {
		if s.b1.len() >= s.b2.len() {
			s.b1.popFront()
		} else {
			s.b2.popFront()
		}
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
