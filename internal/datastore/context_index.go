package datastore

import (
	"sort"

	"github.com/launchdarkly/go-jsonstream/v3/jreader"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/launchdarkly/go-sdk-common/v3/ldtime"
)

// IndexEntry is one record in a ContextIndex: a hashed context identifier and the time its flag
// data was last written.
type IndexEntry struct {
	ContextID string
	Timestamp ldtime.UnixMillisecondTime
}

// ContextIndex tracks which evaluation contexts have flag data in the persistent store, with a
// last-updated timestamp for each, so that the least recently used contexts can be evicted.
//
// ContextIndex is immutable; the update methods return a new index. The serialized form is an
// array of [id, timestamp] pairs, which is more compact than an object per entry and leaves
// room for adding fields later.
type ContextIndex struct {
	entries []IndexEntry
}

// NewContextIndex creates an empty index.
func NewContextIndex() ContextIndex {
	return ContextIndex{}
}

// ParseContextIndex decodes an index from its serialized form. An error means the data was
// malformed; callers normally treat that as an empty index, since the index is only an eviction
// aid and can be rebuilt.
func ParseContextIndex(data []byte) (ContextIndex, error) {
	var ret ContextIndex
	r := jreader.NewReader(data)
	for outer := r.Array(); outer.Next(); {
		var entry IndexEntry
		inner := r.Array()
		if inner.Next() {
			entry.ContextID = r.String()
		}
		if inner.Next() {
			entry.Timestamp = ldtime.UnixMillisecondTime(r.Float64())
		}
		ret.entries = append(ret.entries, entry)
	}
	if err := r.Error(); err != nil {
		return ContextIndex{}, err
	}
	return ret, nil
}

// Serialize encodes the index as JSON.
func (c ContextIndex) Serialize() []byte {
	w := jwriter.NewWriter()
	outer := w.Array()
	for _, entry := range c.entries {
		inner := w.Array()
		w.String(entry.ContextID)
		w.Float64(float64(entry.Timestamp))
		inner.End()
	}
	outer.End()
	return w.Bytes()
}

// Len returns the number of entries.
func (c ContextIndex) Len() int {
	return len(c.entries)
}

// Entries returns a copy of the entries in index order.
func (c ContextIndex) Entries() []IndexEntry {
	return append([]IndexEntry(nil), c.entries...)
}

// UpdateTimestamp returns a new index in which the given context has the given timestamp,
// positioned after all previously updated entries.
func (c ContextIndex) UpdateTimestamp(contextID string, timestamp ldtime.UnixMillisecondTime) ContextIndex {
	entries := make([]IndexEntry, 0, len(c.entries)+1)
	for _, entry := range c.entries {
		if entry.ContextID != contextID {
			entries = append(entries, entry)
		}
	}
	entries = append(entries, IndexEntry{ContextID: contextID, Timestamp: timestamp})
	return ContextIndex{entries: entries}
}

// Prune returns a new index containing no more than maxContexts entries, dropping the entries
// with the oldest timestamps first, along with the dropped context identifiers. A negative
// maxContexts means unlimited. Entries are re-sorted by timestamp first, in case the stored
// index was produced by an implementation with different ordering.
func (c ContextIndex) Prune(maxContexts int) (ContextIndex, []string) {
	if len(c.entries) <= maxContexts || maxContexts < 0 {
		return c, nil
	}
	entries := c.Entries()
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp < entries[j].Timestamp
	})
	numToDrop := len(entries) - maxContexts
	removed := make([]string, 0, numToDrop)
	for _, entry := range entries[:numToDrop] {
		removed = append(removed, entry.ContextID)
	}
	return ContextIndex{entries: entries[numToDrop:]}, removed
}
