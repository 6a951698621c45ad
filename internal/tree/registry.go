package tree

import "sort"

type Kind string

const (
	KindCollection Kind = "collection"
	KindRequest    Kind = "request"
)

// EntityKey identifies an entity for membership tests only.
type EntityKey struct {
	Kind Kind
	ID   string
}

func CollectionKey(id string) EntityKey {
	return EntityKey{Kind: KindCollection, ID: id}
}

func RequestKey(id string) EntityKey {
	return EntityKey{Kind: KindRequest, ID: id}
}

func (k EntityKey) String() string {
	return string(k.Kind) + "-" + k.ID
}

// Registry is the set of entities currently materialized in the forest.
// It is not safe for concurrent use; the owner serializes access.
type Registry struct {
	keys map[EntityKey]struct{}
}

func NewRegistry() *Registry {
	return &Registry{keys: map[EntityKey]struct{}{}}
}

func (r *Registry) Add(key EntityKey) {
	r.keys[key] = struct{}{}
}

func (r *Registry) Remove(key EntityKey) {
	delete(r.keys, key)
}

func (r *Registry) Has(key EntityKey) bool {
	_, ok := r.keys[key]
	return ok
}

func (r *Registry) Len() int {
	return len(r.keys)
}

func (r *Registry) Reset() {
	r.keys = map[EntityKey]struct{}{}
}

// Keys returns the members sorted by kind, then id.
func (r *Registry) Keys() []EntityKey {
	keys := make([]EntityKey, 0, len(r.keys))
	for key := range r.keys {
		keys = append(keys, key)
	}
	SortKeys(keys)
	return keys
}

func SortKeys(keys []EntityKey) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Kind != keys[j].Kind {
			return keys[i].Kind < keys[j].Kind
		}
		return keys[i].ID < keys[j].ID
	})
}
