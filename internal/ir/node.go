package ir

// NodeID is the offset of an OrderedNode in the node arena divided by
// sizeof(OrderedNode), i.e. its flat index. NodeID 0 is the sentinel
// "invalid node" and is never assigned to a real op.
type NodeID uint32

// InvalidNode is the sentinel NodeID.
const InvalidNode NodeID = 0

// Valid reports whether id refers to a real node.
func (id NodeID) Valid() bool { return id != InvalidNode }

// OrderedNode is the doubly-linked SSA node header. Node links (Next/Prev)
// live in the node arena; the op payload they describe lives in the
// separate op arena, addressed by Value. Both are 32-bit offsets so that
// the IR is relocatable/copyable by a flat memcpy of the two arenas, and so
// a node's identity is stable even as the arenas grow.
type OrderedNode struct {
	Value   uint32 // index into the op arena (an opID, see op.go)
	Next    NodeID
	Prev    NodeID
	NumUses uint32
}
