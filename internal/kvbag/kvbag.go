// Package kvbag implements an ordered collection of grouped key/value pairs,
// used for configuration and for XML-derived parameter passing to the
// transform engine.
//
// It is the Go re-expression of the eurephiaVALUES pointer chain: a lookup
// returns the first match, no key uniqueness is enforced, and removal
// identifies an entry by its (group, element) id pair rather than by key.
package kvbag

import "github.com/mohae/deepcopy"

// Entry is one key/value pair in a Bag. GroupID is shared by every entry
// added to the same Bag; ElemID is unique within that Bag and is assigned in
// insertion order, matching the eurephiaVALUES evgid/evid fields.
type Entry struct {
	GroupID uint
	ElemID  uint
	Key     string
	Val     string
}

// Bag is an ordered list of Entry values sharing one GroupID. Iteration order
// is insertion order. Bag is not safe for concurrent mutation; callers that
// build a Bag once and then treat it as read-only (as Config does) may share
// it across goroutines freely.
type Bag struct {
	groupID uint
	nextID  uint
	entries []*Entry
}

// New creates an empty Bag tagged with groupID. The group id is copied onto
// every Entry created from this Bag; key lookup ignores it, while Remove
// matches an entry by its group id together with its element id.
func New(groupID uint) *Bag {
	return &Bag{groupID: groupID}
}

// Add appends a new key/value entry, always inserting regardless of whether
// key already exists in the bag.
func (b *Bag) Add(key, val string) *Entry {
	e := &Entry{GroupID: b.groupID, ElemID: b.nextID, Key: key, Val: val}
	b.nextID++
	b.entries = append(b.entries, e)
	return e
}

// GetStruct returns the first entry whose key matches, or nil if none do.
func (b *Bag) GetStruct(key string) *Entry {
	for _, e := range b.entries {
		if e.Key == key {
			return e
		}
	}
	return nil
}

// GetValue returns the value of the first matching entry and true, or ""
// and false if key is not present.
func (b *Bag) GetValue(key string) (string, bool) {
	e := b.GetStruct(key)
	if e == nil {
		return "", false
	}
	return e.Val, true
}

// Update sets the value of the first entry matching key. If no entry
// matches and addIfMissing is false, Update is a no-op. If addIfMissing is
// true, a new entry is appended.
func (b *Bag) Update(key, newVal string, addIfMissing bool) {
	if e := b.GetStruct(key); e != nil {
		e.Val = newVal
		return
	}
	if addIfMissing {
		b.Add(key, newVal)
	}
}

// Remove deletes the entry identified by the (groupID, elemID) pair. It is a
// no-op if no entry matches both fields.
func (b *Bag) Remove(groupID, elemID uint) {
	for i, e := range b.entries {
		if e.GroupID == groupID && e.ElemID == elemID {
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			return
		}
	}
}

// Count returns the number of entries currently held.
func (b *Bag) Count() int {
	return len(b.entries)
}

// Entries returns the entries in insertion order. The returned slice is
// shared with the Bag's internal storage and must not be mutated by the
// caller; use Update/Remove/Add instead.
func (b *Bag) Entries() []*Entry {
	return b.entries
}

// CountKey returns how many entries currently share the given key. Used by
// config finalization to detect accidental duplicates (see spec's
// first-match-wins lookup policy).
func (b *Bag) CountKey(key string) int {
	n := 0
	for _, e := range b.entries {
		if e.Key == key {
			n++
		}
	}
	return n
}

// Clone returns a deep copy of the bag carrying over its GroupID and its
// ElemID counter, so the clone can keep appending entries without colliding on
// ElemID with the original. Used to give each job its own parameter bag
// derived from a shared base without risking concurrent mutation. The
// actual copy is done by the teacher's deepcopy package rather than a
// hand-rolled loop, since Entry is exactly the kind of pointer-chain value
// it was adopted for in internal/processor.
func (b *Bag) Clone() *Bag {
	clone := &Bag{groupID: b.groupID, nextID: b.nextID}
	if len(b.entries) > 0 {
		clone.entries = deepcopy.Copy(b.entries).([]*Entry)
	}
	return clone
}
