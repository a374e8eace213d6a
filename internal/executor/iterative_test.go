package executor

import (
	"context"
	"errors"
	"testing"

	"chunkrunner/internal/filemeta"
)

func sumMerge(a, b any) any { return a.(int) + b.(int) }

func makeItems(n int) []filemeta.WorkItem {
	items := make([]filemeta.WorkItem, n)
	for i := range items {
		items[i] = filemeta.WorkItem{
			Filename:   "f.root",
			Treename:   "T",
			EntryStart: int64(i * 10),
			EntryStop:  int64(i*10 + 10),
		}
	}
	return items
}

func TestIterativeEmptyItemsReturnsZero(t *testing.T) {
	e := NewIterative()
	acc, err := e.Execute(context.Background(), nil, func(context.Context, filemeta.WorkItem) (any, error) {
		t.Fatal("fn should not be called for empty items")
		return nil, nil
	}, 0, sumMerge)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if acc != 0 {
		t.Errorf("got %v, want 0", acc)
	}
}

// Invariant 5 (reduction correctness), sequential variant.
func TestIterativeFoldsAllItems(t *testing.T) {
	e := NewIterative()
	items := makeItems(9)
	acc, err := e.Execute(context.Background(), items, func(context.Context, filemeta.WorkItem) (any, error) {
		return 1, nil
	}, 0, sumMerge)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if acc != 9 {
		t.Errorf("got %v, want 9", acc)
	}
}

func TestIterativeStopsAtFirstError(t *testing.T) {
	e := NewIterative()
	items := makeItems(5)
	sentinel := errors.New("boom")
	calls := 0
	_, err := e.Execute(context.Background(), items, func(context.Context, filemeta.WorkItem) (any, error) {
		calls++
		if calls == 3 {
			return nil, sentinel
		}
		return 1, nil
	}, 0, sumMerge)
	if !errors.Is(err, sentinel) {
		t.Errorf("got %v, want %v", err, sentinel)
	}
	if calls != 3 {
		t.Errorf("expected iteration to stop at the failing item, got %d calls", calls)
	}
}
