package rendergrid

// Forked from a generic immutable radix tree (itself derived from
// armon/go-radix), kept as the backing store for Session name resolution.

import (
	"iter"
	"sort"
	"strings"
)

type leafNode[T any] struct {
	key string
	val T
}

type edge[T any] struct {
	label byte
	node  *node[T]
}

type node[T any] struct {
	leaf   *leafNode[T]
	prefix string
	edges  edges[T]
}

func (n *node[T]) isLeaf() bool {
	return n.leaf != nil
}

func (n *node[T]) addEdge(e edge[T]) {
	num := len(n.edges)
	idx := sort.Search(num, func(i int) bool {
		return n.edges[i].label >= e.label
	})

	n.edges = append(n.edges, edge[T]{})
	copy(n.edges[idx+1:], n.edges[idx:])
	n.edges[idx] = e
}

func (n *node[T]) updateEdge(label byte, node *node[T]) {
	num := len(n.edges)
	idx := sort.Search(num, func(i int) bool {
		return n.edges[i].label >= label
	})
	if idx < num && n.edges[idx].label == label {
		n.edges[idx].node = node
		return
	}
	panic("replacing missing edge")
}

func (n *node[T]) getEdge(label byte) *node[T] {
	num := len(n.edges)
	idx := sort.Search(num, func(i int) bool {
		return n.edges[i].label >= label
	})
	if idx < num && n.edges[idx].label == label {
		return n.edges[idx].node
	}
	return nil
}

func (n *node[T]) delEdge(label byte) {
	num := len(n.edges)
	idx := sort.Search(num, func(i int) bool {
		return n.edges[i].label >= label
	})
	if idx < num && n.edges[idx].label == label {
		copy(n.edges[idx:], n.edges[idx+1:])
		n.edges[len(n.edges)-1] = edge[T]{}
		n.edges = n.edges[:len(n.edges)-1]
	}
}

type edges[T any] []edge[T]

func (e edges[T]) Len() int           { return len(e) }
func (e edges[T]) Less(i, j int) bool { return e[i].label < e[j].label }
func (e edges[T]) Swap(i, j int)      { e[i], e[j] = e[j], e[i] }
func (e edges[T]) Sort()              { sort.Sort(e) }

// Tree is a radix tree, used as a Dictionary with prefix-based lookups and
// ordered iteration.
type Tree[T any] struct {
	root *node[T]
	size int
}

// NewTree returns an empty Tree.
func NewTree[T any]() *Tree[T] {
	return &Tree[T]{root: &node[T]{}}
}

func (t *Tree[T]) Len() int {
	return t.size
}

func longestPrefix(k1, k2 string) int {
	max := len(k1)
	if l := len(k2); l < max {
		max = l
	}
	var i int
	for i = 0; i < max; i++ {
		if k1[i] != k2[i] {
			break
		}
	}
	return i
}

// Insert adds a new entry or updates an existing one, reporting whether an
// existing record was updated.
func (t *Tree[T]) Insert(s string, v T) (old T, updated bool) {
	var parent *node[T]
	n := t.root
	search := s
	for {
		if len(search) == 0 {
			if n.isLeaf() {
				old = n.leaf.val
				n.leaf.val = v
				return old, true
			}

			n.leaf = &leafNode[T]{key: s, val: v}
			t.size++
			return old, false
		}

		parent = n
		n = n.getEdge(search[0])

		if n == nil {
			e := edge[T]{
				label: search[0],
				node: &node[T]{
					leaf:   &leafNode[T]{key: s, val: v},
					prefix: search,
				},
			}
			parent.addEdge(e)
			t.size++
			return old, false
		}

		commonPrefix := longestPrefix(search, n.prefix)
		if commonPrefix == len(n.prefix) {
			search = search[commonPrefix:]
			continue
		}

		t.size++
		child := &node[T]{prefix: search[:commonPrefix]}
		parent.updateEdge(search[0], child)

		child.addEdge(edge[T]{label: n.prefix[commonPrefix], node: n})
		n.prefix = n.prefix[commonPrefix:]

		leaf := &leafNode[T]{key: s, val: v}

		search = search[commonPrefix:]
		if len(search) == 0 {
			child.leaf = leaf
			return old, false
		}

		child.addEdge(edge[T]{
			label: search[0],
			node:  &node[T]{leaf: leaf, prefix: search},
		})
		return old, false
	}
}

// Delete removes a key, returning the previous value if present.
func (t *Tree[T]) Delete(s string) (removed T, hasRemoved bool) {
	var parent *node[T]
	var label byte
	n := t.root
	search := s
	for {
		if len(search) == 0 {
			if !n.isLeaf() {
				return
			}
			goto DELETE
		}

		parent = n
		label = search[0]
		n = n.getEdge(label)
		if n == nil {
			return
		}

		if strings.HasPrefix(search, n.prefix) {
			search = search[len(n.prefix):]
		} else {
			return
		}
	}

DELETE:
	leaf := n.leaf
	n.leaf = nil
	t.size--

	if parent != nil && len(n.edges) == 0 {
		parent.delEdge(label)
	}

	if n != t.root && len(n.edges) == 1 {
		n.mergeChild()
	}

	if parent != nil && parent != t.root && len(parent.edges) == 1 && !parent.isLeaf() {
		parent.mergeChild()
	}

	return leaf.val, true
}

func (n *node[T]) mergeChild() {
	e := n.edges[0]
	child := e.node
	n.prefix = n.prefix + child.prefix
	n.leaf = child.leaf
	n.edges = child.edges
}

// Get looks up a specific key, reporting whether it was found.
func (t *Tree[T]) Get(s string) (val T, found bool) {
	n := t.root
	search := s
	for {
		if len(search) == 0 {
			if n.isLeaf() {
				return n.leaf.val, true
			}
			return
		}

		n = n.getEdge(search[0])
		if n == nil {
			return
		}

		if strings.HasPrefix(search, n.prefix) {
			search = search[len(n.prefix):]
		} else {
			return
		}
	}
}

// WalkPrefix walks the tree under a prefix.
func (t *Tree[T]) WalkPrefix(prefix string) iter.Seq2[string, T] {
	return func(yield func(string, T) bool) {
		n := t.root
		search := prefix
		for {
			if len(search) == 0 {
				recursiveWalk(n)(yield)
				return
			}

			n = n.getEdge(search[0])
			if n == nil {
				return
			}

			if strings.HasPrefix(search, n.prefix) {
				search = search[len(n.prefix):]
				continue
			}
			if strings.HasPrefix(n.prefix, search) {
				recursiveWalk(n)(yield)
			}
			return
		}
	}
}

// Walk visits every entry in the tree.
func (t *Tree[T]) Walk() iter.Seq2[string, T] {
	return recursiveWalk(t.root)
}

func recursiveWalk[T any](n *node[T]) iter.Seq2[string, T] {
	return func(yield func(string, T) bool) {
		recursiveWalkInner(n, yield)
	}
}

func recursiveWalkInner[T any](n *node[T], yield func(string, T) bool) bool {
	if n.leaf != nil && !yield(n.leaf.key, n.leaf.val) {
		return true
	}

	i := 0
	k := len(n.edges)
	for i < k {
		e := n.edges[i]
		if recursiveWalkInner(e.node, yield) {
			return true
		}
		if len(n.edges) == 0 {
			return recursiveWalkInner(n, yield)
		}
		if len(n.edges) >= k {
			i++
		}
		k = len(n.edges)
	}
	return false
}
