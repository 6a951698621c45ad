// Package mountfs exposes a replica as a read-only directory tree.
//
// Collections are directories and requests are "<title>.json" files holding
// the canonical request document. Listing or entering a collection expands
// it in the replica first, so the mount loads lazily the same way the tree
// view does.
package mountfs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/agentworkforce/relaytree/internal/tree"
)

var ErrNotFound = errors.New("entry not found")

// Replica is the part of replica.Replica the mount needs.
type Replica interface {
	Forest() tree.Forest
	ExpandCollection(ctx context.Context, id string) error
}

type Logger interface {
	Printf(format string, args ...any)
}

type Entry struct {
	Name string
	// Key identifies the collection or request behind the entry.
	Key tree.EntityKey
}

func (e Entry) IsDir() bool {
	return e.Key.Kind == tree.KindCollection
}

type View struct {
	replica Replica
	timeout time.Duration
	logger  Logger
}

func NewView(replica Replica, timeout time.Duration, logger Logger) (*View, error) {
	if replica == nil {
		return nil, errors.New("replica is required")
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &View{replica: replica, timeout: timeout, logger: logger}, nil
}

// Entries lists a directory. An empty collectionID is the mount root. A
// collection that was never expanded is expanded before listing.
func (v *View) Entries(ctx context.Context, collectionID string) ([]Entry, error) {
	if collectionID == "" {
		return nameEntries(v.replica.Forest(), nil), nil
	}
	node, err := v.expanded(ctx, collectionID)
	if err != nil {
		return nil, err
	}
	return nameEntries(node.Children, node.Requests), nil
}

// Lookup finds the entry called name inside a directory.
func (v *View) Lookup(ctx context.Context, collectionID, name string) (Entry, error) {
	entries, err := v.Entries(ctx, collectionID)
	if err != nil {
		return Entry{}, err
	}
	for _, entry := range entries {
		if entry.Name == name {
			return entry, nil
		}
	}
	return Entry{}, ErrNotFound
}

// Content returns the file body of a request.
func (v *View) Content(requestID string) ([]byte, error) {
	leaf := tree.FindLeaf(v.replica.Forest(), requestID)
	if leaf == nil {
		return nil, ErrNotFound
	}
	data, err := json.MarshalIndent(leaf.Request, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// Exists reports whether the collection is still in the forest.
func (v *View) Exists(collectionID string) bool {
	return collectionID == "" || tree.FindNode(v.replica.Forest(), collectionID) != nil
}

func (v *View) expanded(ctx context.Context, collectionID string) (*tree.CollectionNode, error) {
	node := tree.FindNode(v.replica.Forest(), collectionID)
	if node == nil {
		return nil, ErrNotFound
	}
	if !node.Expanded() {
		ctx, cancel := context.WithTimeout(ctx, v.timeout)
		defer cancel()
		if err := v.replica.ExpandCollection(ctx, collectionID); err != nil {
			v.logf("expand %s failed: %v", collectionID, err)
			return nil, err
		}
		node = tree.FindNode(v.replica.Forest(), collectionID)
		if node == nil {
			return nil, ErrNotFound
		}
	}
	return node, nil
}

func (v *View) logf(format string, args ...any) {
	if v.logger == nil {
		return
	}
	v.logger.Printf(format, args...)
}

// nameEntries turns titles into unique file names. Collisions get the
// entity id appended; path separators are replaced.
func nameEntries(children []*tree.CollectionNode, requests []*tree.RequestLeaf) []Entry {
	out := make([]Entry, 0, len(children)+len(requests))
	for _, child := range children {
		out = append(out, Entry{Name: safeName(child.Title), Key: tree.CollectionKey(child.ID)})
	}
	for _, leaf := range requests {
		out = append(out, Entry{Name: safeName(leaf.Title) + ".json", Key: tree.RequestKey(leaf.ID)})
	}

	counts := map[string]int{}
	for _, entry := range out {
		counts[entry.Name]++
	}
	for i, entry := range out {
		if counts[entry.Name] < 2 {
			continue
		}
		if entry.IsDir() {
			out[i].Name = fmt.Sprintf("%s (%s)", entry.Name, entry.Key.ID)
		} else {
			base := strings.TrimSuffix(entry.Name, ".json")
			out[i].Name = fmt.Sprintf("%s (%s).json", base, entry.Key.ID)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].IsDir() != out[j].IsDir() {
			return out[i].IsDir()
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func safeName(title string) string {
	name := strings.TrimSpace(strings.ReplaceAll(title, "/", "_"))
	name = strings.ReplaceAll(name, "\x00", "")
	switch name {
	case "", ".", "..":
		return "_"
	}
	return name
}
