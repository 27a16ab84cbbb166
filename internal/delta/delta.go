// Package delta computes field-level change sets between a stored document
// and a proposed update, so callers can skip writes that change nothing.
//
// Fields are compared with value.Equal: nested objects and arrays are
// compared deeply, and 31 equals 31.0. The identity field _id is never part
// of a change set.
package delta

import (
	"sort"

	"github.com/roach88/syncgate/internal/value"
)

// Changes is the subset of a proposed update whose values differ from the
// current document.
type Changes value.Object

// Empty reports whether no field differs. Callers must skip the write.
func (c Changes) Empty() bool {
	return len(c) == 0
}

// Fields returns the changed field names in sorted order.
func (c Changes) Fields() []string {
	fields := make([]string, 0, len(c))
	for k := range c {
		fields = append(fields, k)
	}
	sort.Strings(fields)
	return fields
}

// Object returns the changes as a plain document fragment.
func (c Changes) Object() value.Object {
	return value.Object(c)
}

// Diff returns exactly the proposed fields whose values differ from current.
//
// When exists is false the document is not known locally and every proposed
// field (except _id) counts as changed. A proposed field absent from current
// is a change, including an explicit null.
func Diff(current value.Object, exists bool, proposed value.Object) Changes {
	changes := Changes{}
	for field, next := range proposed {
		if field == value.IDField {
			continue
		}
		if exists {
			if prev, ok := current[field]; ok && value.Equal(prev, next) {
				continue
			}
		}
		changes[field] = value.Clone(next)
	}
	return changes
}

// Apply returns a copy of current with changes merged in. current is not
// modified.
func Apply(current value.Object, changes Changes) value.Object {
	merged := current.Clone()
	if merged == nil {
		merged = value.Object{}
	}
	for field, v := range changes {
		merged[field] = value.Clone(v)
	}
	return merged
}
