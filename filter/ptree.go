package filter

import (
	"fmt"
	"sort"
	"strings"
)

// PNode is one predicate node of the trie. Root-to-leaf paths are fused
// subscription patterns.
type PNode struct {
	ID   int32
	Pred Predicate

	// Subs holds every subscription whose pattern traverses this node.
	Subs Bitmap
	// Term holds subscriptions whose filter is conclusively true when
	// this node matches.
	Term Bitmap
	// Actions are installed when this node matches terminally.
	Actions Actions
	// DeferActions are installed when a walker pauses before this node
	// because its predicate belongs to a later stage.
	DeferActions Actions

	Children []*PNode

	// IfElse marks this node mutually exclusive with its preceding
	// sibling: if the sibling matched, this node is skipped.
	IfElse bool
}

// Stage returns the pipeline stage of the node's predicate.
func (n *PNode) Stage() Stage { return n.Pred.Stage() }

// PTree is the predicate trie fusing all subscription patterns. Slicing by
// stage happens at walk time: each stage walker only evaluates nodes of its
// stage and records where matching pauses.
type PTree struct {
	Root *PNode
	// nodes indexes every node by ID for stage resumption.
	nodes []*PNode
	// All aggregates every action any subscription may request.
	All Actions
}

// BuildPTree fuses the patterns of all specs into a single trie and
// applies the build-time optimizations.
func BuildPTree(specs []*Spec) (*PTree, error) {
	t := &PTree{Root: &PNode{Pred: Predicate{Protocol: "ethernet"}}}
	for _, spec := range specs {
		for _, pattern := range spec.Patterns() {
			t.insert(spec, pattern)
		}
	}
	t.sortChildren(t.Root)
	t.prune(t.Root, 0, Actions{})
	t.markExclusive(t.Root)
	t.index()
	return t, nil
}

// insert adds one fully qualified pattern for spec. Predicates already on
// the path are folded away; CIDR-narrower nodes nest under wider ones.
func (t *PTree) insert(spec *Spec, pattern FlatPattern) {
	bit := spec.Index
	node := t.Root
	node.Subs = node.Subs.Set(bit)
	onPath := []Predicate{node.Pred}
	stage := StagePacket

	for _, pred := range pattern.Predicates {
		folded := false
		for _, seen := range onPath {
			if seen == pred {
				folded = true
				break
			}
		}
		if folded {
			continue
		}

		child := node.descendantMark(pred, bit)
		if child == nil {
			parent := node
			for {
				next := parent.parentCandidate(pred)
				if next == nil {
					break
				}
				next.Subs = next.Subs.Set(bit)
				parent = next
			}
			child = &PNode{Pred: pred}
			// Existing nodes narrower than pred become its children.
			var keep []*PNode
			for _, c := range parent.Children {
				if c.Pred.IsChild(pred) && c != child {
					child.Children = append(child.Children, c)
				} else {
					keep = append(keep, c)
				}
			}
			parent.Children = append(keep, child)
			node = parent
		}
		if child.Stage() > stage {
			child.DeferActions.Push(spec.nontermActions(stage))
			stage = child.Stage()
		}
		child.Subs = child.Subs.Set(bit)
		onPath = append(onPath, pred)
		node = child
	}

	node.Term = node.Term.Set(bit)
	node.Actions.Push(spec.termActions(node.Stage()))
	t.All.Push(node.Actions)
	t.All.Push(node.DeferActions)
}

// descendantMark finds an existing node equal to pred at or below node,
// descending only through nodes that logically contain pred. Containing
// nodes on the way down are marked as traversed by the subscription.
func (n *PNode) descendantMark(pred Predicate, bit int) *PNode {
	for _, c := range n.Children {
		if c.Pred == pred {
			return c
		}
		if pred.IsChild(c.Pred) {
			if found := c.descendantMark(pred, bit); found != nil {
				c.Subs = c.Subs.Set(bit)
				return found
			}
		}
	}
	return nil
}

// parentCandidate returns a direct child that logically contains pred.
func (n *PNode) parentCandidate(pred Predicate) *PNode {
	for _, c := range n.Children {
		if pred.IsChild(c.Pred) {
			return c
		}
	}
	return nil
}

func (t *PTree) sortChildren(n *PNode) {
	sort.SliceStable(n.Children, func(i, j int) bool {
		a, b := n.Children[i].Pred, n.Children[j].Pred
		if a.Protocol != b.Protocol {
			return a.Protocol < b.Protocol
		}
		return a.Field < b.Field
	})
	for _, c := range n.Children {
		t.sortChildren(c)
	}
}

// prune removes terminal bits and actions that an ancestor already
// guarantees on this path, then drops branches with nothing left to do.
func (t *PTree) prune(n *PNode, onPathTerm Bitmap, onPathActions Actions) {
	n.Term &^= onPathTerm
	if n.Term.Empty() {
		n.Actions = Actions{}
	}
	pathTerm := onPathTerm | n.Term
	pathActions := onPathActions
	pathActions.Push(n.Actions)

	var keep []*PNode
	for _, c := range n.Children {
		t.prune(c, pathTerm, pathActions)
		if !c.Term.Empty() || len(c.Children) > 0 || !c.DeferActions.Drop() {
			keep = append(keep, c)
		}
	}
	n.Children = keep
}

// markExclusive flags children that can share an if-else chain with their
// preceding sibling.
func (t *PTree) markExclusive(n *PNode) {
	for i, c := range n.Children {
		t.markExclusive(c)
		if i > 0 && c.Pred.Excl(n.Children[i-1].Pred) {
			c.IfElse = true
		}
	}
}

// index assigns depth-first ids and builds the id lookup table.
func (t *PTree) index() {
	t.nodes = t.nodes[:0]
	var visit func(*PNode)
	visit = func(n *PNode) {
		n.ID = int32(len(t.nodes))
		t.nodes = append(t.nodes, n)
		for _, c := range n.Children {
			visit(c)
		}
	}
	visit(t.Root)
}

// Size returns the number of nodes in the trie.
func (t *PTree) Size() int { return len(t.nodes) }

// Node returns the node with the given id.
func (t *PTree) Node(id int) *PNode { return t.nodes[id] }

// CollapsedPatterns returns the coarsest packet-level approximation of the
// packet filter, one pattern per root-to-boundary path, for installation in
// a NIC classification engine. Pipeline semantics are identical whether or
// not hardware pre-filters with it.
func (t *PTree) CollapsedPatterns() []FlatPattern {
	var out []FlatPattern
	var walk func(n *PNode, path []Predicate)
	walk = func(n *PNode, path []Predicate) {
		if n != t.Root {
			if n.Stage() != StagePacket {
				out = append(out, FlatPattern{Predicates: append([]Predicate{}, path...)})
				return
			}
			path = append(path, n.Pred)
		}
		if len(n.Children) == 0 {
			out = append(out, FlatPattern{Predicates: append([]Predicate{}, path...)})
			return
		}
		for _, c := range n.Children {
			walk(c, path)
		}
	}
	walk(t.Root, nil)
	return dedupPatterns(out)
}

func dedupPatterns(in []FlatPattern) []FlatPattern {
	seen := map[string]bool{}
	var out []FlatPattern
	for _, p := range in {
		key := p.String()
		if !seen[key] {
			seen[key] = true
			out = append(out, p)
		}
	}
	return out
}

// String renders the trie for diagnostics.
func (t *PTree) String() string {
	var b strings.Builder
	var pprint func(n *PNode, prefix string, last bool)
	pprint = func(n *PNode, prefix string, last bool) {
		connector := "|- "
		if last {
			connector = "`- "
		}
		fmt.Fprintf(&b, "%s%s%d: %s", prefix, connector, n.ID, n.Pred)
		if !n.Term.Empty() {
			fmt.Fprintf(&b, " T:%b", n.Term)
		}
		if n.IfElse {
			b.WriteString(" x")
		}
		b.WriteByte('\n')
		childPrefix := prefix + "|  "
		if last {
			childPrefix = prefix + "   "
		}
		for i, c := range n.Children {
			pprint(c, childPrefix, i == len(n.Children)-1)
		}
	}
	pprint(t.Root, "", true)
	return b.String()
}
