// Package tree holds the in-memory forest of team collections and the
// primitives that find, insert, update and delete entities in it.
//
// Nothing here knows about the network or pagination. Parent links are
// implicit in tree position: a node is owned by exactly one children slice,
// or by the forest itself when it is a root.
package tree

import "encoding/json"

// CollectionNode is a collection materialized in the forest.
//
// A nil Children (and nil Requests) slice means the node has never been
// expanded. A non-nil empty slice means it was fetched and has no entries.
// Both slices are always nil together or non-nil together.
type CollectionNode struct {
	ID       string            `json:"id"`
	Title    string            `json:"title"`
	Children []*CollectionNode `json:"children"`
	Requests []*RequestLeaf    `json:"requests"`
}

// RequestLeaf is a stored request owned by a collection.
type RequestLeaf struct {
	ID           string          `json:"id"`
	Title        string          `json:"title"`
	CollectionID string          `json:"collectionId"`
	Request      RequestDocument `json:"request"`
}

// RequestDocument is a request payload in the application's canonical shape.
type RequestDocument struct {
	V        string     `json:"v"`
	Name     string     `json:"name"`
	Method   string     `json:"method"`
	Endpoint string     `json:"endpoint"`
	Headers  []KeyValue `json:"headers"`
	Params   []KeyValue `json:"params"`
	Body     Body       `json:"body"`
	Auth     Auth       `json:"auth"`
}

type KeyValue struct {
	Key    string `json:"key"`
	Value  string `json:"value"`
	Active bool   `json:"active"`
}

type Body struct {
	ContentType string `json:"contentType,omitempty"`
	Body        string `json:"body,omitempty"`
}

type Auth struct {
	Type   string          `json:"authType"`
	Active bool            `json:"authActive"`
	Extra  json.RawMessage `json:"extra,omitempty"`
}

// Forest is the ordered list of root collections.
type Forest []*CollectionNode

// CollectionPatch carries the fields of a collection update. Nil fields are
// left untouched.
type CollectionPatch struct {
	ID    string
	Title *string
}

// RequestPatch carries the fields of a request update. Nil fields are left
// untouched.
type RequestPatch struct {
	ID      string
	Title   *string
	Request *RequestDocument
}

// NewCollection returns an unexpanded node.
func NewCollection(id, title string) *CollectionNode {
	return &CollectionNode{ID: id, Title: title}
}

// Expanded reports whether the node's children and requests were fetched.
func (n *CollectionNode) Expanded() bool {
	return n != nil && n.Children != nil
}

// SetLoaded assigns both sequences at once. Nil arguments become empty
// slices so the node always ends up expanded.
func (n *CollectionNode) SetLoaded(children []*CollectionNode, requests []*RequestLeaf) {
	if children == nil {
		children = []*CollectionNode{}
	}
	if requests == nil {
		requests = []*RequestLeaf{}
	}
	n.Children = children
	n.Requests = requests
}

// Clone returns a deep copy of the forest. Unexpanded nodes stay unexpanded
// in the copy.
func (f Forest) Clone() Forest {
	out := make(Forest, 0, len(f))
	for _, node := range f {
		out = append(out, node.Clone())
	}
	return out
}

func (n *CollectionNode) Clone() *CollectionNode {
	if n == nil {
		return nil
	}
	cp := &CollectionNode{ID: n.ID, Title: n.Title}
	if n.Children != nil {
		cp.Children = make([]*CollectionNode, 0, len(n.Children))
		for _, child := range n.Children {
			cp.Children = append(cp.Children, child.Clone())
		}
	}
	if n.Requests != nil {
		cp.Requests = make([]*RequestLeaf, 0, len(n.Requests))
		for _, leaf := range n.Requests {
			leafCopy := *leaf
			leafCopy.Request = leaf.Request.clone()
			cp.Requests = append(cp.Requests, &leafCopy)
		}
	}
	return cp
}

func (d RequestDocument) clone() RequestDocument {
	out := d
	if d.Headers != nil {
		out.Headers = append([]KeyValue(nil), d.Headers...)
	}
	if d.Params != nil {
		out.Params = append([]KeyValue(nil), d.Params...)
	}
	if d.Auth.Extra != nil {
		out.Auth.Extra = append(json.RawMessage(nil), d.Auth.Extra...)
	}
	return out
}
