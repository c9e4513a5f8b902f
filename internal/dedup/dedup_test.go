package dedup

import "testing"

func TestCheckAndInsert(t *testing.T) {
	f := New(0)

	if !f.CheckAndInsert("a@example.com") {
		t.Error("first insert of a@example.com should be firstTime")
	}
	if f.CheckAndInsert("a@example.com") {
		t.Error("second insert of a@example.com should not be firstTime")
	}
	if !f.CheckAndInsert("b@example.com") {
		t.Error("first insert of b@example.com should be firstTime")
	}
}

func TestBoundedEviction(t *testing.T) {
	f := New(2)

	f.CheckAndInsert("one")
	f.CheckAndInsert("two")
	if f.Len() != 2 {
		t.Fatalf("Len = %d, want 2", f.Len())
	}

	f.CheckAndInsert("three")
	if f.Len() != 2 {
		t.Fatalf("Len = %d, want 2 after eviction", f.Len())
	}
	if f.Has("one") {
		t.Error("'one' should have been evicted (FIFO)")
	}
	if !f.Has("two") || !f.Has("three") {
		t.Error("'two' and 'three' should still be present")
	}

	// Never grows beyond the configured limit, regardless of how many
	// inserts follow.
	for _, k := range []string{"four", "five", "six", "seven"} {
		f.CheckAndInsert(k)
		if f.Len() > 2 {
			t.Fatalf("Len = %d, exceeds limit of 2", f.Len())
		}
	}
}

func TestFoldCase(t *testing.T) {
	f := New(0)
	f.FoldCase = true

	if !f.CheckAndInsert("User@Example.com") {
		t.Fatal("first insert should be firstTime")
	}
	if f.CheckAndInsert("user@example.com") {
		t.Error("case-folded duplicate should not be firstTime")
	}
}

func TestLoopPrevention(t *testing.T) {
	// Simulates an alias x -> x: the second expansion attempt must be
	// rejected by the filter.
	f := New(0)
	alias := "x@local"

	attempts := 0
	expand := func(addr string) {
		for i := 0; i < 5; i++ {
			if !f.CheckAndInsert(addr) {
				return
			}
			attempts++
			addr = alias // "resolves" back to itself
		}
	}
	expand(alias)

	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 (loop should be caught immediately)", attempts)
	}
}
