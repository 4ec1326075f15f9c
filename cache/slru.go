package cache

// segmentedLRU is the main area of the cache. New entries land in probation;
// a second hit promotes them to protected, whose overflow is demoted back.
type segmentedLRU struct {
	protected    *List
	probation    *List
	protectedCap int
	capacity     int
}

func newSLRU(capacity int) *segmentedLRU {
	protectedCap := capacity * 8 / 10
	if protectedCap < 1 {
		protectedCap = 1
	}
	return &segmentedLRU{
		probation:    newList(),
		protected:    newList(),
		protectedCap: protectedCap,
		capacity:     capacity,
	}
}

func (slru *segmentedLRU) len() int {
	return slru.probation.Len() + slru.protected.Len()
}

func (slru *segmentedLRU) full() bool {
	return slru.len() >= slru.capacity
}

func (slru *segmentedLRU) add(node *Node) {
	node.status = segProbation
	slru.probation.Put2Head(node)
}

// victim is the entry evicted next if a candidate wins admission.
func (slru *segmentedLRU) victim() *Node {
	if n := slru.probation.Back(); n != nil {
		return n
	}
	return slru.protected.Back()
}

func (slru *segmentedLRU) remove(node *Node) {
	if node.status == segProtected {
		slru.protected.Remove(node)
	} else {
		slru.probation.Remove(node)
	}
}

func (slru *segmentedLRU) touch(node *Node) {
	if node.status == segProtected {
		slru.protected.move2Head(node)
		return
	}
	slru.probation.Remove(node)
	node.status = segProtected
	slru.protected.Put2Head(node)
	if slru.protected.Len() > slru.protectedCap {
		demoted := slru.protected.RemoveLast()
		demoted.status = segProbation
		slru.probation.Put2Head(demoted)
	}
}
