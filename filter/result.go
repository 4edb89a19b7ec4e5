package filter

import "math/bits"

// Bitmap is a set of subscription indices. MaxSubscriptions keeps it in
// one word.
type Bitmap uint64

// Set returns the bitmap with index i added.
func (b Bitmap) Set(i int) Bitmap { return b | 1<<uint(i) }

// Clear returns the bitmap with index i removed.
func (b Bitmap) Clear(i int) Bitmap { return b &^ (1 << uint(i)) }

// Has reports whether index i is present.
func (b Bitmap) Has(i int) bool { return b&(1<<uint(i)) != 0 }

// Empty reports whether no index is present.
func (b Bitmap) Empty() bool { return b == 0 }

// Count returns the number of indices present.
func (b Bitmap) Count() int { return bits.OnesCount64(uint64(b)) }

// ForEach calls fn for every index present, in ascending order.
func (b Bitmap) ForEach(fn func(int)) {
	for v := uint64(b); v != 0; v &= v - 1 {
		fn(bits.TrailingZeros64(v))
	}
}

// MaxResumeNodes bounds the trie positions carried between stages.
const MaxResumeNodes = 8

// NodeList is a small fixed array of trie node ids where matching paused.
type NodeList struct {
	ids [MaxResumeNodes]int32
	n   int8
}

// Append records a node id; excess ids beyond the capacity are dropped.
// Later stages resume only from the recorded ids, so a subscription
// reachable only below a dropped node is not matched at those stages.
func (l *NodeList) Append(id int) {
	if int(l.n) < len(l.ids) {
		l.ids[l.n] = int32(id)
		l.n++
	}
}

// Len returns the number of recorded ids.
func (l *NodeList) Len() int { return int(l.n) }

// At returns the i-th recorded id.
func (l *NodeList) At(i int) int { return int(l.ids[i]) }

// Reset clears the list.
func (l *NodeList) Reset() { l.n = 0 }

// FilterResult is the outcome of one filter stage.
type FilterResult struct {
	// Terminal holds subscriptions whose filter is now conclusively true.
	Terminal Bitmap
	// Nonterminal holds subscriptions that are still possible.
	Nonterminal Bitmap
	// Nodes records where matching paused, so the next stage resumes
	// without re-walking ancestors.
	Nodes NodeList
	// Actions aggregates the operations requested by matched nodes.
	Actions Actions
}
