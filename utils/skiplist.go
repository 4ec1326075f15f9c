package utils

import (
	"math/rand"
	"sync"
	"time"

	"sealdisk/utils/cmp"
)

const (
	kMaxHeight = 20
)

// SkipList is the memtable. Adding an existing key replaces its entry.
type SkipList struct {
	head      *Node
	maxHeight int
	rand      *rand.Rand
	cmp       cmp.Comparator
	lock      sync.RWMutex
	size      int64
	length    int
}

type Node struct {
	entry *Entry
	next  []*Node
}

func NewNode(entry *Entry, height int) *Node {
	return &Node{
		entry: entry,
		next:  make([]*Node, height),
	}
}

func NewSkipList(c cmp.Comparator) *SkipList {
	return &SkipList{
		head:      NewNode(&Entry{}, kMaxHeight),
		maxHeight: 1,
		rand:      rand.New(rand.NewSource(time.Now().UnixNano())),
		cmp:       c,
	}
}

// findGreaterOrEqual returns the first node whose key >= key, filling prev
// with the rightmost node before it on every level.
func (list *SkipList) findGreaterOrEqual(key []byte, prev []*Node) *Node {
	p := list.head
	for i := list.maxHeight - 1; i >= 0; i-- {
		next := p.next[i]
		for next != nil && list.cmp.Compare(next.entry.Key, key) < 0 {
			p = next
			next = next.next[i]
		}
		if prev != nil {
			prev[i] = p
		}
	}
	return p.next[0]
}

func (list *SkipList) Add(entry *Entry) {
	list.lock.Lock()
	defer list.lock.Unlock()
	prev := make([]*Node, kMaxHeight)
	n := list.findGreaterOrEqual(entry.Key, prev)
	if n != nil && list.cmp.Compare(n.entry.Key, entry.Key) == 0 {
		list.size += entry.Size() - n.entry.Size()
		n.entry = entry
		return
	}
	height := list.randomHeight()
	if height > list.maxHeight {
		for i := list.maxHeight; i < height; i++ {
			prev[i] = list.head
		}
		list.maxHeight = height
	}
	n = NewNode(entry, height)
	for i := 0; i < height; i++ {
		n.next[i] = prev[i].next[i]
		prev[i].next[i] = n
	}
	list.size += entry.Size()
	list.length++
}

// Search returns the entry stored under key, tombstones included.
func (list *SkipList) Search(key []byte) *Entry {
	list.lock.RLock()
	defer list.lock.RUnlock()
	n := list.findGreaterOrEqual(key, nil)
	if n != nil && list.cmp.Compare(n.entry.Key, key) == 0 {
		return n.entry
	}
	return nil
}

// Size is the accounted byte size of all entries.
func (list *SkipList) Size() int64 {
	list.lock.RLock()
	defer list.lock.RUnlock()
	return list.size
}

func (list *SkipList) Len() int {
	list.lock.RLock()
	defer list.lock.RUnlock()
	return list.length
}

func (list *SkipList) randomHeight() int {
	h := 1
	for h < kMaxHeight && list.rand.Intn(4) == 0 {
		h++
	}
	return h
}

// NewIterator walks the list in order. The list must not be modified while
// the iterator is in use.
func (list *SkipList) NewIterator() *SkipListIterator {
	return &SkipListIterator{list: list}
}

type SkipListIterator struct {
	list *SkipList
	n    *Node
}

func (it *SkipListIterator) Rewind() {
	it.n = it.list.head.next[0]
}

func (it *SkipListIterator) Seek(key []byte) {
	it.n = it.list.findGreaterOrEqual(key, nil)
}

func (it *SkipListIterator) Valid() bool {
	return it.n != nil
}

func (it *SkipListIterator) Next() {
	it.n = it.n.next[0]
}

func (it *SkipListIterator) Item() Item {
	return it.n.entry
}

func (it *SkipListIterator) Close() error {
	return nil
}
