package encode

// This file contains the interning structures the encoder folds events into.

// StringTable assigns dense ids to strings in first-seen order. A string
// keeps its id for the lifetime of the table.
type StringTable struct {
	ids    map[string]int
	values []string
}

// NewStringTable creates an empty table.
func NewStringTable() *StringTable {
	return &StringTable{ids: make(map[string]int), values: []string{}}
}

// ID returns the id of s, adding it to the table if needed.
func (t *StringTable) ID(s string) int {
	if id, ok := t.ids[s]; ok {
		return id
	}
	id := len(t.values)
	t.ids[s] = id
	t.values = append(t.values, s)
	return id
}

// Lookup returns the id of s without adding it.
func (t *StringTable) Lookup(s string) (int, bool) {
	id, ok := t.ids[s]
	return id, ok
}

// Len returns the number of strings in the table.
func (t *StringTable) Len() int {
	return len(t.values)
}

// Values returns the strings indexed by id.
func (t *StringTable) Values() []string {
	return t.values
}

type testKey struct {
	pathID, nameID int
}

// TestIndex assigns a dense test id to each (test path, test name) pair.
type TestIndex struct {
	ids     map[testKey]int
	pathIDs []int
	nameIDs []int
}

// NewTestIndex creates an empty index.
func NewTestIndex() *TestIndex {
	return &TestIndex{ids: make(map[testKey]int), pathIDs: []int{}, nameIDs: []int{}}
}

// ID returns the test id of the pair, assigning the next one if the pair is
// new.
func (x *TestIndex) ID(pathID, nameID int) int {
	key := testKey{pathID: pathID, nameID: nameID}
	if id, ok := x.ids[key]; ok {
		return id
	}
	id := len(x.pathIDs)
	x.ids[key] = id
	x.pathIDs = append(x.pathIDs, pathID)
	x.nameIDs = append(x.nameIDs, nameID)
	return id
}

// Len returns the number of tests in the index.
func (x *TestIndex) Len() int {
	return len(x.pathIDs)
}
