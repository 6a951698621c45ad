package paging

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

type item struct {
	ID string
}

type pagedStub struct {
	sizes   []int
	failAt  int
	cursors []string
	next    int
}

func (s *pagedStub) fetch(ctx context.Context, cursor string) ([]item, error) {
	_ = ctx
	call := len(s.cursors)
	s.cursors = append(s.cursors, cursor)
	if s.failAt > 0 && call+1 == s.failAt {
		return nil, errors.New("backend unavailable")
	}
	if call >= len(s.sizes) {
		return []item{}, nil
	}
	page := make([]item, 0, s.sizes[call])
	for i := 0; i < s.sizes[call]; i++ {
		s.next++
		page = append(page, item{ID: fmt.Sprintf("i%d", s.next)})
	}
	return page, nil
}

func itemID(it item) string { return it.ID }

func TestDrainStopsOnShortPage(t *testing.T) {
	stub := &pagedStub{sizes: []int{10, 10, 7}}
	items, err := Drain(context.Background(), 10, itemID, stub.fetch)
	if err != nil {
		t.Fatalf("drain failed: %v", err)
	}
	if len(items) != 27 {
		t.Fatalf("expected 27 items, got %d", len(items))
	}
	if len(stub.cursors) != 3 {
		t.Fatalf("expected 3 calls, got %d", len(stub.cursors))
	}
}

func TestDrainExactMultipleCostsOneExtraCall(t *testing.T) {
	stub := &pagedStub{sizes: []int{10, 10, 0}}
	items, err := Drain(context.Background(), 10, itemID, stub.fetch)
	if err != nil {
		t.Fatalf("drain failed: %v", err)
	}
	if len(items) != 20 {
		t.Fatalf("expected 20 items, got %d", len(items))
	}
	if len(stub.cursors) != 3 {
		t.Fatalf("expected 3 calls, got %d", len(stub.cursors))
	}
}

func TestDrainPassesLastIDAsCursor(t *testing.T) {
	stub := &pagedStub{sizes: []int{10, 3}}
	if _, err := Drain(context.Background(), 10, itemID, stub.fetch); err != nil {
		t.Fatalf("drain failed: %v", err)
	}
	if stub.cursors[0] != "" {
		t.Fatalf("expected empty first cursor, got %q", stub.cursors[0])
	}
	if stub.cursors[1] != "i10" {
		t.Fatalf("expected cursor i10, got %q", stub.cursors[1])
	}
}

func TestDrainDropsPartialResultsOnError(t *testing.T) {
	stub := &pagedStub{sizes: []int{10, 10, 10}, failAt: 2}
	items, err := Drain(context.Background(), 10, itemID, stub.fetch)
	if err == nil {
		t.Fatalf("expected error from failing page")
	}
	if items != nil {
		t.Fatalf("expected partial items to be discarded, got %d", len(items))
	}
}

func TestDrainDefaultsPageSize(t *testing.T) {
	stub := &pagedStub{sizes: []int{10, 2}}
	items, err := Drain(context.Background(), 0, itemID, stub.fetch)
	if err != nil {
		t.Fatalf("drain failed: %v", err)
	}
	if len(items) != 12 || len(stub.cursors) != 2 {
		t.Fatalf("expected 12 items in 2 calls, got %d items in %d calls", len(items), len(stub.cursors))
	}
}
