package fanout

import (
	"context"
	"errors"
	"testing"
)

type runner struct {
	ID       string
	CreateTs int64
}

func (r runner) SortKey() int64 { return r.CreateTs }

// TestFanoutMergesDescendingAndTruncates covers S6/P6: two DCs return
// [100,90] and [95,80], limit=3 -> merged [100,95,90], cursor "90".
func TestFanoutMergesDescendingAndTruncates(t *testing.T) {
	t.Parallel()

	dcA := func(context.Context) ([]runner, error) {
		return []runner{{ID: "a1", CreateTs: 100}, {ID: "a2", CreateTs: 90}}, nil
	}
	dcB := func(context.Context) ([]runner, error) {
		return []runner{{ID: "b1", CreateTs: 95}, {ID: "b2", CreateTs: 80}}, nil
	}

	page, err := Fanout(context.Background(), 3, []Caller[runner]{dcA, dcB})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []int64{100, 95, 90}
	if len(page.Items) != len(want) {
		t.Fatalf("len(items) = %d, want %d", len(page.Items), len(want))
	}
	for i, w := range want {
		if page.Items[i].CreateTs != w {
			t.Fatalf("items[%d].CreateTs = %d, want %d", i, page.Items[i].CreateTs, w)
		}
	}
	if page.Pagination.Cursor == nil || *page.Pagination.Cursor != "90" {
		t.Fatalf("cursor = %v, want \"90\"", page.Pagination.Cursor)
	}
}

// TestFanoutFailsWholeOnSingleError covers "no best-effort mode".
func TestFanoutFailsWholeOnSingleError(t *testing.T) {
	t.Parallel()

	boom := errors.New("dc unreachable")
	ok := func(context.Context) ([]runner, error) {
		return []runner{{ID: "a1", CreateTs: 100}}, nil
	}
	fails := func(context.Context) ([]runner, error) {
		return nil, boom
	}

	_, err := Fanout(context.Background(), 10, []Caller[runner]{ok, fails})
	if err == nil {
		t.Fatal("expected fanout to fail when one caller errors")
	}
}

// TestFanoutCursorNilWhenEmpty covers the exhausted-list edge case.
func TestFanoutCursorNilWhenEmpty(t *testing.T) {
	t.Parallel()

	empty := func(context.Context) ([]runner, error) { return nil, nil }
	page, err := Fanout(context.Background(), 10, []Caller[runner]{empty})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if page.Pagination.Cursor != nil {
		t.Fatalf("cursor = %v, want nil", page.Pagination.Cursor)
	}
}
