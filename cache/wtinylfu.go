package cache

import "github.com/dgryski/go-metro"

// WinTinyLFU is a W-TinyLFU policy: a small LRU window in front of a
// segmented LRU, with a count-min sketch deciding whether an entry leaving
// the window may displace the main area's victim. Not safe for concurrent use.
type WinTinyLFU struct {
	data      map[string]*Node
	window    *List
	winCap    int
	slru      *segmentedLRU
	sketch    *cmSketch
	additions int
	resetAt   int
}

func NewWinTinyLFU(capacity int) *WinTinyLFU {
	if capacity < 2 {
		capacity = 2
	}
	winCap := capacity / 100
	if winCap < 1 {
		winCap = 1
	}
	return &WinTinyLFU{
		data:    make(map[string]*Node),
		window:  newList(),
		winCap:  winCap,
		slru:    newSLRU(capacity - winCap),
		sketch:  newCmSketch(int64(capacity)),
		resetAt: capacity * 10,
	}
}

func keyToHash(key string) uint64 {
	return metro.Hash64Str(key, 0)
}

func (w *WinTinyLFU) Len() int {
	return len(w.data)
}

func (w *WinTinyLFU) Get(key string) (interface{}, bool) {
	w.sketch.Increment(keyToHash(key))
	node, ok := w.data[key]
	if !ok {
		return nil, false
	}
	w.touch(node)
	return node.value, true
}

func (w *WinTinyLFU) touch(node *Node) {
	if node.status == segWindow {
		w.window.move2Head(node)
		return
	}
	w.slru.touch(node)
}

func (w *WinTinyLFU) Put(key string, value interface{}) {
	if node, ok := w.data[key]; ok {
		node.value = value
		w.touch(node)
		return
	}
	w.additions++
	if w.additions >= w.resetAt {
		w.sketch.Reset()
		w.additions = 0
	}
	w.sketch.Increment(keyToHash(key))

	node := &Node{key: key, value: value, status: segWindow}
	w.window.Put2Head(node)
	w.data[key] = node
	if w.window.Len() <= w.winCap {
		return
	}

	candidate := w.window.RemoveLast()
	if !w.slru.full() {
		w.slru.add(candidate)
		return
	}
	victim := w.slru.victim()
	if w.sketch.Estimate(keyToHash(candidate.key)) > w.sketch.Estimate(keyToHash(victim.key)) {
		w.slru.remove(victim)
		delete(w.data, victim.key)
		w.slru.add(candidate)
		return
	}
	delete(w.data, candidate.key)
}

func (w *WinTinyLFU) Remove(key string) {
	node, ok := w.data[key]
	if !ok {
		return
	}
	if node.status == segWindow {
		w.window.Remove(node)
	} else {
		w.slru.remove(node)
	}
	delete(w.data, key)
}
