package cache

type segment uint8

const (
	segWindow segment = iota
	segProbation
	segProtected
)

type Node struct {
	key    string
	value  interface{}
	status segment
	next   *Node
	prev   *Node
}

// List is a doubly linked list with sentinel head and tail; the head end
// holds the most recently used node.
type List struct {
	head *Node
	tail *Node
	sz   int
}

func newList() *List {
	head := &Node{}
	tail := &Node{}
	head.next = tail
	tail.prev = head
	return &List{
		head: head,
		tail: tail,
	}
}

func (list *List) RemoveLast() *Node {
	if list.sz == 0 {
		return nil
	}
	return list.Remove(list.tail.prev)
}

func (list *List) Remove(node *Node) *Node {
	list.sz--
	prev := node.prev
	next := node.next
	prev.next = next
	next.prev = prev
	node.prev = nil
	node.next = nil
	return node
}

func (list *List) Put2Head(node *Node) {
	list.sz++
	next := list.head.next
	node.next = next
	next.prev = node
	node.prev = list.head
	list.head.next = node
}

func (list *List) move2Head(node *Node) {
	list.Remove(node)
	list.Put2Head(node)
}

func (list *List) Len() int {
	return list.sz
}

func (list *List) Back() *Node {
	if list.tail.prev == list.head {
		return nil
	}
	return list.tail.prev
}
