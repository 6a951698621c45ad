package replica

import "sort"

// RootLoadingID marks the root listing in the loading set.
const RootLoadingID = "root"

// LoadingTracker is the set of ids with a bulk load in flight.
type LoadingTracker struct {
	ids map[string]struct{}
}

func NewLoadingTracker() *LoadingTracker {
	return &LoadingTracker{ids: map[string]struct{}{}}
}

func (t *LoadingTracker) Add(id string) {
	t.ids[id] = struct{}{}
}

func (t *LoadingTracker) Remove(id string) {
	delete(t.ids, id)
}

func (t *LoadingTracker) Has(id string) bool {
	_, ok := t.ids[id]
	return ok
}

func (t *LoadingTracker) Reset() {
	t.ids = map[string]struct{}{}
}

// IDs returns a sorted copy of the set.
func (t *LoadingTracker) IDs() []string {
	ids := make([]string, 0, len(t.ids))
	for id := range t.ids {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
