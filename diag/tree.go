package diag

import (
	"fmt"
)

type instanceTreeBuilder struct {
	byID     map[string]*InstanceTree
	children map[string][]*InstanceTree
}

func newInstanceTreeBuilder(e Engine) *instanceTreeBuilder {
	itb := &instanceTreeBuilder{
		byID:     map[string]*InstanceTree{},
		children: map[string][]*InstanceTree{},
	}

	for _, r := range e.Instances() {
		if _, ok := itb.byID[r.ID]; ok {
			continue
		}

		n := &InstanceTree{Record: r}
		itb.byID[r.ID] = n

		if r.ParentID != "" {
			itb.children[r.ParentID] = append(itb.children[r.ParentID], n)
		}
	}

	return itb
}

// build returns the call tree of the top-level instance the given instance belongs to.
func (itb *instanceTreeBuilder) build(id string) (*InstanceTree, error) {
	n, ok := itb.byID[id]
	if !ok {
		return nil, fmt.Errorf("instance %s not found", id)
	}

	rootID := n.RootID
	if rootID == "" {
		rootID = n.ID
	}

	root, ok := itb.byID[rootID]
	if !ok {
		return nil, fmt.Errorf("no root instance found for %s", id)
	}

	itb.attach(root, map[string]bool{})

	return root, nil
}

func (itb *instanceTreeBuilder) attach(n *InstanceTree, seen map[string]bool) {
	if seen[n.ID] {
		return
	}
	seen[n.ID] = true

	n.Children = itb.children[n.ID]
	for _, c := range n.Children {
		itb.attach(c, seen)
	}
}
