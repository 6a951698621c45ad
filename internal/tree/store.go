package tree

// FindNode searches the root list and nested children depth first.
func FindNode(forest Forest, id string) *CollectionNode {
	for _, node := range forest {
		if found := findIn(node, id); found != nil {
			return found
		}
	}
	return nil
}

func findIn(node *CollectionNode, id string) *CollectionNode {
	if node.ID == id {
		return node
	}
	for _, child := range node.Children {
		if found := findIn(child, id); found != nil {
			return found
		}
	}
	return nil
}

// FindParent returns the node whose children hold id. It returns nil both
// for roots and for unknown ids; callers tell them apart with FindNode.
func FindParent(forest Forest, id string) *CollectionNode {
	for _, node := range forest {
		if parent := parentIn(node, id); parent != nil {
			return parent
		}
	}
	return nil
}

func parentIn(node *CollectionNode, id string) *CollectionNode {
	for _, child := range node.Children {
		if child.ID == id {
			return node
		}
		if parent := parentIn(child, id); parent != nil {
			return parent
		}
	}
	return nil
}

// FindLeaf searches the requests of every expanded node.
func FindLeaf(forest Forest, requestID string) *RequestLeaf {
	owner := FindOwningNode(forest, requestID)
	if owner == nil {
		return nil
	}
	for _, leaf := range owner.Requests {
		if leaf.ID == requestID {
			return leaf
		}
	}
	return nil
}

// FindOwningNode returns the collection whose requests hold requestID.
func FindOwningNode(forest Forest, requestID string) *CollectionNode {
	for _, node := range forest {
		if owner := ownerIn(node, requestID); owner != nil {
			return owner
		}
	}
	return nil
}

func ownerIn(node *CollectionNode, requestID string) *CollectionNode {
	for _, leaf := range node.Requests {
		if leaf.ID == requestID {
			return node
		}
	}
	for _, child := range node.Children {
		if owner := ownerIn(child, requestID); owner != nil {
			return owner
		}
	}
	return nil
}

// InsertNode appends node to the children of parentID, or to the roots when
// parentID is empty. It reports false when the parent is not in the forest.
// Inserting under an unexpanded parent expands it with empty sequences.
func InsertNode(forest *Forest, node *CollectionNode, parentID string) bool {
	if parentID == "" {
		*forest = append(*forest, node)
		return true
	}
	parent := FindNode(*forest, parentID)
	if parent == nil {
		return false
	}
	if !parent.Expanded() {
		parent.SetLoaded(nil, nil)
	}
	parent.Children = append(parent.Children, node)
	return true
}

// UpdateNode merges the patch into the node with the patch id, if any.
func UpdateNode(forest Forest, patch CollectionPatch) {
	node := FindNode(forest, patch.ID)
	if node == nil {
		return
	}
	if patch.Title != nil {
		node.Title = *patch.Title
	}
}

// UpdateLeaf merges the patch into the request with the patch id, if any.
func UpdateLeaf(forest Forest, patch RequestPatch) {
	leaf := FindLeaf(forest, patch.ID)
	if leaf == nil {
		return
	}
	if patch.Title != nil {
		leaf.Title = *patch.Title
	}
	if patch.Request != nil {
		leaf.Request = patch.Request.clone()
	}
}

// DeleteNode removes the node and with it its whole loaded subtree.
func DeleteNode(forest *Forest, id string) {
	if parent := FindParent(*forest, id); parent != nil {
		parent.Children = removeNode(parent.Children, id)
		return
	}
	if FindNode(*forest, id) == nil {
		return
	}
	*forest = removeNode(*forest, id)
}

// DeleteLeaf removes the request from its owning collection.
func DeleteLeaf(forest Forest, requestID string) {
	owner := FindOwningNode(forest, requestID)
	if owner == nil {
		return
	}
	kept := owner.Requests[:0]
	for _, leaf := range owner.Requests {
		if leaf.ID != requestID {
			kept = append(kept, leaf)
		}
	}
	owner.Requests = kept
}

func removeNode[S ~[]*CollectionNode](nodes S, id string) S {
	kept := nodes[:0]
	for _, node := range nodes {
		if node.ID != id {
			kept = append(kept, node)
		}
	}
	for i := len(kept); i < len(nodes); i++ {
		nodes[i] = nil
	}
	return kept
}

// Walk visits every materialized collection and request in depth-first
// order. Returning false from visit stops the walk.
func Walk(forest Forest, visit func(key EntityKey) bool) {
	for _, node := range forest {
		if !walkNode(node, visit) {
			return
		}
	}
}

func walkNode(node *CollectionNode, visit func(key EntityKey) bool) bool {
	if !visit(EntityKey{Kind: KindCollection, ID: node.ID}) {
		return false
	}
	for _, leaf := range node.Requests {
		if !visit(EntityKey{Kind: KindRequest, ID: leaf.ID}) {
			return false
		}
	}
	for _, child := range node.Children {
		if !walkNode(child, visit) {
			return false
		}
	}
	return true
}

// SubtreeKeys lists the keys of node and everything loaded below it.
func SubtreeKeys(node *CollectionNode) []EntityKey {
	if node == nil {
		return nil
	}
	var keys []EntityKey
	walkNode(node, func(key EntityKey) bool {
		keys = append(keys, key)
		return true
	})
	return keys
}

// ReachableKeys lists every key reachable in the forest.
func ReachableKeys(forest Forest) []EntityKey {
	var keys []EntityKey
	Walk(forest, func(key EntityKey) bool {
		keys = append(keys, key)
		return true
	})
	return keys
}
