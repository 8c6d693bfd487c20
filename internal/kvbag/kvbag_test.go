package kvbag

import "testing"

func TestBag_AddAndGet(t *testing.T) {
	b := New(1)
	b.Add("host", "a")
	b.Add("port", "5432")

	if got, ok := b.GetValue("host"); !ok || got != "a" {
		t.Errorf("GetValue(host) = (%q, %v), want (a, true)", got, ok)
	}
	if _, ok := b.GetValue("missing"); ok {
		t.Error("GetValue(missing) ok = true, want false")
	}
	if b.Count() != 2 {
		t.Errorf("Count() = %d, want 2", b.Count())
	}
}

func TestBag_FirstMatchWins(t *testing.T) {
	b := New(1)
	b.Add("key", "first")
	b.Add("key", "second")

	got, ok := b.GetValue("key")
	if !ok || got != "first" {
		t.Errorf("GetValue(key) = (%q, %v), want (first, true)", got, ok)
	}
	if b.CountKey("key") != 2 {
		t.Errorf("CountKey(key) = %d, want 2", b.CountKey("key"))
	}
}

func TestBag_Update(t *testing.T) {
	t.Run("updates existing", func(t *testing.T) {
		b := New(1)
		b.Add("key", "old")
		b.Update("key", "new", false)
		if got, _ := b.GetValue("key"); got != "new" {
			t.Errorf("GetValue(key) = %q, want new", got)
		}
	})

	t.Run("no-op when missing and addIfMissing false", func(t *testing.T) {
		b := New(1)
		b.Update("key", "val", false)
		if b.Count() != 0 {
			t.Errorf("Count() = %d, want 0", b.Count())
		}
	})

	t.Run("adds when missing and addIfMissing true", func(t *testing.T) {
		b := New(1)
		b.Update("key", "val", true)
		if got, ok := b.GetValue("key"); !ok || got != "val" {
			t.Errorf("GetValue(key) = (%q, %v), want (val, true)", got, ok)
		}
	})
}

func TestBag_Remove(t *testing.T) {
	b := New(7)
	e1 := b.Add("a", "1")
	e2 := b.Add("b", "2")

	b.Remove(e1.GroupID, e1.ElemID)
	if b.Count() != 1 {
		t.Fatalf("Count() after remove = %d, want 1", b.Count())
	}
	if _, ok := b.GetValue("a"); ok {
		t.Error("GetValue(a) found after removal")
	}
	if got, ok := b.GetValue("b"); !ok || got != "2" {
		t.Errorf("GetValue(b) = (%q, %v), want (2, true)", got, ok)
	}

	// removing an id that doesn't exist is a no-op
	b.Remove(999, 999)
	if b.Count() != 1 {
		t.Errorf("Count() after no-op remove = %d, want 1", b.Count())
	}
	_ = e2
}

func TestBag_Entries_InsertionOrder(t *testing.T) {
	b := New(1)
	b.Add("first", "1")
	b.Add("second", "2")
	b.Add("third", "3")

	entries := b.Entries()
	wantKeys := []string{"first", "second", "third"}
	if len(entries) != len(wantKeys) {
		t.Fatalf("len(Entries()) = %d, want %d", len(entries), len(wantKeys))
	}
	for i, e := range entries {
		if e.Key != wantKeys[i] {
			t.Errorf("Entries()[%d].Key = %q, want %q", i, e.Key, wantKeys[i])
		}
		if e.ElemID != uint(i) {
			t.Errorf("Entries()[%d].ElemID = %d, want %d", i, e.ElemID, i)
		}
	}
}

func TestBag_Clone(t *testing.T) {
	b := New(3)
	b.Add("key", "orig")

	clone := b.Clone()
	clone.Update("key", "changed", false)
	clone.Add("extra", "val")

	if got, _ := b.GetValue("key"); got != "orig" {
		t.Errorf("original mutated by clone update: GetValue(key) = %q, want orig", got)
	}
	if b.Count() != 1 {
		t.Errorf("original Count() = %d, want 1 (clone addition leaked)", b.Count())
	}
	if clone.Count() != 2 {
		t.Errorf("clone Count() = %d, want 2", clone.Count())
	}

	// clone continues the original's ElemID sequence rather than restarting
	cloneEntries := clone.Entries()
	if cloneEntries[1].ElemID != 1 {
		t.Errorf("clone's new entry ElemID = %d, want 1 (continuing from original)", cloneEntries[1].ElemID)
	}
}
