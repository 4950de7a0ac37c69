// Package rbtree implements a generic, intrusive-style red-black tree keyed
// by an ordered key.
//
// The spec requires interval trees (free ranges keyed by range_low, in-use
// inode-number ranges, BKDRHash-keyed dentries) with predecessor/successor
// search for merge-on-free and range coalescing. No library in the example
// pack provides an order-statistics or interval tree (the pack's hash
// tables — biscuit/hashtable, the Robin-Hood slot caches — are unordered
// maps and cannot give predecessor/successor in O(log n)); this is the
// documented exception built on the standard algorithm rather than a
// library, per DESIGN.md.
package rbtree

import "cmp"

type color bool

const (
	red   color = true
	black color = false
)

// Node is one tree node. Trees embed this by holding Node[K, V] values
// directly in a slice-free, pointer-linked tree, mirroring the spec's
// "range_node: embedded RB link" description.
type Node[K cmp.Ordered, V any] struct {
	key         K
	val         V
	left, right *Node[K, V]
	parent      *Node[K, V]
	color       color
}

// Key returns the node's key.
func (n *Node[K, V]) Key() K { return n.key }

// Value returns the node's payload.
func (n *Node[K, V]) Value() V { return n.val }

// SetValue replaces the node's payload without touching tree structure.
func (n *Node[K, V]) SetValue(v V) { n.val = v }

// Tree is a red-black tree ordered by K. The zero value is an empty, usable
// tree.
type Tree[K cmp.Ordered, V any] struct {
	root  *Node[K, V]
	count int
}

// Len returns the number of nodes in the tree.
func (t *Tree[K, V]) Len() int { return t.count }

// Min returns the node with the smallest key, or nil if the tree is empty.
func (t *Tree[K, V]) Min() *Node[K, V] {
	return minNode(t.root)
}

// Max returns the node with the largest key, or nil if the tree is empty.
func (t *Tree[K, V]) Max() *Node[K, V] {
	return maxNode(t.root)
}

func minNode[K cmp.Ordered, V any](n *Node[K, V]) *Node[K, V] {
	if n == nil {
		return nil
	}
	for n.left != nil {
		n = n.left
	}
	return n
}

func maxNode[K cmp.Ordered, V any](n *Node[K, V]) *Node[K, V] {
	if n == nil {
		return nil
	}
	for n.right != nil {
		n = n.right
	}
	return n
}

// Find returns the node with exactly key k, or nil.
func (t *Tree[K, V]) Find(k K) *Node[K, V] {
	n := t.root
	for n != nil {
		switch {
		case k < n.key:
			n = n.left
		case k > n.key:
			n = n.right
		default:
			return n
		}
	}
	return nil
}

// Floor returns the node with the largest key <= k, or nil.
func (t *Tree[K, V]) Floor(k K) *Node[K, V] {
	n := t.root
	var best *Node[K, V]
	for n != nil {
		if n.key == k {
			return n
		}
		if n.key < k {
			best = n
			n = n.right
		} else {
			n = n.left
		}
	}
	return best
}

// Ceiling returns the node with the smallest key >= k, or nil.
func (t *Tree[K, V]) Ceiling(k K) *Node[K, V] {
	n := t.root
	var best *Node[K, V]
	for n != nil {
		if n.key == k {
			return n
		}
		if n.key > k {
			best = n
			n = n.left
		} else {
			n = n.right
		}
	}
	return best
}

// Predecessor returns the node preceding n in key order, or nil.
func (t *Tree[K, V]) Predecessor(n *Node[K, V]) *Node[K, V] {
	if n.left != nil {
		return maxNode(n.left)
	}
	p := n.parent
	for p != nil && n == p.left {
		n = p
		p = p.parent
	}
	return p
}

// Successor returns the node following n in key order, or nil.
func (t *Tree[K, V]) Successor(n *Node[K, V]) *Node[K, V] {
	if n.right != nil {
		return minNode(n.right)
	}
	p := n.parent
	for p != nil && n == p.right {
		n = p
		p = p.parent
	}
	return p
}

// Each visits every node in ascending key order. Visitors must not mutate
// the tree's structure (Insert/Delete) during iteration.
func (t *Tree[K, V]) Each(f func(*Node[K, V])) {
	for n := t.Min(); n != nil; n = t.Successor(n) {
		f(n)
	}
}

// Insert adds a new node for key k with value v and returns it. Panics if k
// already exists — callers (alloc, inode, dtree) are expected to Find first
// since duplicate-range insertion is always a caller bug, matching the
// teacher's "XXXPANIC" style of asserting invariants at the point of
// violation rather than silently overwriting.
func (t *Tree[K, V]) Insert(k K, v V) *Node[K, V] {
	if t.Find(k) != nil {
		panic("rbtree: duplicate key insert")
	}
	n := &Node[K, V]{key: k, val: v, color: red}
	var parent *Node[K, V]
	cur := t.root
	left := false
	for cur != nil {
		parent = cur
		if k < cur.key {
			cur = cur.left
			left = true
		} else {
			cur = cur.right
			left = false
		}
	}
	n.parent = parent
	if parent == nil {
		t.root = n
	} else if left {
		parent.left = n
	} else {
		parent.right = n
	}
	t.count++
	t.insertFixup(n)
	return n
}

func (t *Tree[K, V]) rotateLeft(x *Node[K, V]) {
	y := x.right
	x.right = y.left
	if y.left != nil {
		y.left.parent = x
	}
	y.parent = x.parent
	if x.parent == nil {
		t.root = y
	} else if x == x.parent.left {
		x.parent.left = y
	} else {
		x.parent.right = y
	}
	y.left = x
	x.parent = y
}

func (t *Tree[K, V]) rotateRight(x *Node[K, V]) {
	y := x.left
	x.left = y.right
	if y.right != nil {
		y.right.parent = x
	}
	y.parent = x.parent
	if x.parent == nil {
		t.root = y
	} else if x == x.parent.right {
		x.parent.right = y
	} else {
		x.parent.left = y
	}
	y.right = x
	x.parent = y
}

func colorOf[K cmp.Ordered, V any](n *Node[K, V]) color {
	if n == nil {
		return black
	}
	return n.color
}

func (t *Tree[K, V]) insertFixup(z *Node[K, V]) {
	for colorOf(z.parent) == red {
		gp := z.parent.parent
		if z.parent == gp.left {
			y := gp.right
			if colorOf(y) == red {
				z.parent.color = black
				y.color = black
				gp.color = red
				z = gp
			} else {
				if z == z.parent.right {
					z = z.parent
					t.rotateLeft(z)
				}
				z.parent.color = black
				gp.color = red
				t.rotateRight(gp)
			}
		} else {
			y := gp.left
			if colorOf(y) == red {
				z.parent.color = black
				y.color = black
				gp.color = red
				z = gp
			} else {
				if z == z.parent.left {
					z = z.parent
					t.rotateRight(z)
				}
				z.parent.color = black
				gp.color = red
				t.rotateLeft(gp)
			}
		}
		if z == t.root {
			break
		}
	}
	t.root.color = black
}

func (t *Tree[K, V]) transplant(u, v *Node[K, V]) {
	if u.parent == nil {
		t.root = v
	} else if u == u.parent.left {
		u.parent.left = v
	} else {
		u.parent.right = v
	}
	if v != nil {
		v.parent = u.parent
	}
}

// Delete removes n from the tree.
func (t *Tree[K, V]) Delete(n *Node[K, V]) {
	y := n
	yOrigColor := y.color
	var x, xParent *Node[K, V]
	if n.left == nil {
		x = n.right
		xParent = n.parent
		t.transplant(n, n.right)
	} else if n.right == nil {
		x = n.left
		xParent = n.parent
		t.transplant(n, n.left)
	} else {
		y = minNode(n.right)
		yOrigColor = y.color
		x = y.right
		if y.parent == n {
			xParent = y
		} else {
			xParent = y.parent
			t.transplant(y, y.right)
			y.right = n.right
			y.right.parent = y
		}
		t.transplant(n, y)
		y.left = n.left
		y.left.parent = y
		y.color = n.color
	}
	t.count--
	if yOrigColor == black {
		t.deleteFixup(x, xParent)
	}
}

func (t *Tree[K, V]) deleteFixup(x, parent *Node[K, V]) {
	for x != t.root && colorOf(x) == black {
		if parent == nil {
			break
		}
		if x == parent.left {
			w := parent.right
			if colorOf(w) == red {
				w.color = black
				parent.color = red
				t.rotateLeft(parent)
				w = parent.right
			}
			if w == nil {
				x = parent
				parent = x.parent
				continue
			}
			if colorOf(w.left) == black && colorOf(w.right) == black {
				w.color = red
				x = parent
				parent = x.parent
			} else {
				if colorOf(w.right) == black {
					if w.left != nil {
						w.left.color = black
					}
					w.color = red
					t.rotateRight(w)
					w = parent.right
				}
				w.color = parent.color
				parent.color = black
				if w.right != nil {
					w.right.color = black
				}
				t.rotateLeft(parent)
				x = t.root
				parent = nil
			}
		} else {
			w := parent.left
			if colorOf(w) == red {
				w.color = black
				parent.color = red
				t.rotateRight(parent)
				w = parent.left
			}
			if w == nil {
				x = parent
				parent = x.parent
				continue
			}
			if colorOf(w.right) == black && colorOf(w.left) == black {
				w.color = red
				x = parent
				parent = x.parent
			} else {
				if colorOf(w.left) == black {
					if w.right != nil {
						w.right.color = black
					}
					w.color = red
					t.rotateLeft(w)
					w = parent.left
				}
				w.color = parent.color
				parent.color = black
				if w.left != nil {
					w.left.color = black
				}
				t.rotateRight(parent)
				x = t.root
				parent = nil
			}
		}
	}
	if x != nil {
		x.color = black
	}
}
