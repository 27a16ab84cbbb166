package observer

import (
	"fmt"

	"github.com/roach88/syncgate/internal/store"
	"github.com/roach88/syncgate/internal/value"
)

// Snapshot is one materialized result row. Value is a private copy owned
// by the receiver.
type Snapshot struct {
	ID    string       `json:"id"`
	Value value.Object `json:"value"`
}

// Extract copies every remaining row of rs into Snapshots. It must be
// called inside the Scan callback that received rs; afterwards rs returns
// store.ErrStaleHandle.
func Extract(rs *store.Results) ([]Snapshot, error) {
	items := []Snapshot{}
	for rs.Next() {
		id, err := rs.ID()
		if err != nil {
			return nil, fmt.Errorf("extract: %w", err)
		}
		doc, err := rs.Value()
		if err != nil {
			return nil, fmt.Errorf("extract: %w", err)
		}
		items = append(items, Snapshot{ID: id, Value: doc})
	}
	if err := rs.Err(); err != nil {
		return nil, fmt.Errorf("extract: %w", err)
	}
	return items, nil
}

// IDs returns the snapshot ids in result order.
func IDs(items []Snapshot) []string {
	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.ID
	}
	return ids
}

func digestOf(items []Snapshot) (string, error) {
	docs := make([]value.Object, len(items))
	for i, item := range items {
		docs[i] = item.Value
	}
	return value.ResultDigest(docs)
}
