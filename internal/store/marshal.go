package store

import (
	"fmt"

	"github.com/roach88/syncgate/internal/query"
	"github.com/roach88/syncgate/internal/value"
)

// marshalBody encodes a document body as JSON TEXT with sorted keys.
func marshalBody(doc value.Object) (string, error) {
	data, err := value.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("marshal body: %w", err)
	}
	return string(data), nil
}

// unmarshalBody decodes a stored JSON body.
func unmarshalBody(data []byte) (value.Object, error) {
	obj, err := value.UnmarshalObject(data)
	if err != nil {
		return nil, fmt.Errorf("unmarshal body: %w", err)
	}
	return obj, nil
}

// project keeps _id plus the selected paths. nil fields keeps everything.
// Paths missing from the document are omitted.
func project(doc value.Object, fields []query.Path) value.Object {
	if fields == nil {
		return doc
	}
	out := value.Object{}
	if id, ok := doc[value.IDField]; ok {
		out[value.IDField] = id
	}
	for _, path := range fields {
		v, ok := doc.Lookup(path)
		if !ok {
			continue
		}
		dst := out
		for _, seg := range path[:len(path)-1] {
			next, ok := dst[seg].(value.Object)
			if !ok {
				next = value.Object{}
				dst[seg] = next
			}
			dst = next
		}
		dst[path[len(path)-1]] = v
	}
	return out
}
