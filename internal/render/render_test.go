package render

import (
	"strings"
	"testing"

	"github.com/agentworkforce/relaytree/internal/tree"
)

func TestTreeMarksExpansionAndLoading(t *testing.T) {
	root := tree.NewCollection("c1", "Auth")
	child := tree.NewCollection("c2", "Tokens")
	root.SetLoaded(
		[]*tree.CollectionNode{child},
		[]*tree.RequestLeaf{{ID: "r1", Title: "Login", CollectionID: "c1", Request: tree.RequestDocument{Method: "POST"}}},
	)
	empty := tree.NewCollection("c3", "Empty")
	empty.SetLoaded(nil, nil)
	forest := tree.Forest{root, empty}

	got := Tree(forest, []string{"c2"}, PlainStyles())
	want := strings.Join([]string{
		"- Auth",
		"  + Tokens …",
		"    POST Login",
		"- Empty",
		"    (empty)",
		"",
	}, "\n")
	if got != want {
		t.Fatalf("expected\n%s\ngot\n%s", want, got)
	}
}

func TestTreeEmptyAndLoadingForest(t *testing.T) {
	if got := Tree(tree.Forest{}, nil, PlainStyles()); got != "(no collections)\n" {
		t.Fatalf("expected empty marker, got %q", got)
	}
	if got := Tree(tree.Forest{}, []string{"root"}, PlainStyles()); got != "loading collections…\n" {
		t.Fatalf("expected loading marker, got %q", got)
	}
}
