// Package schema validates documents against optional CUE collection
// schemas.
//
// Schemas live under the top-level "collections" field, one struct per
// collection:
//
//	collections: tasks: {
//		"_id":  string
//		title:  string
//		status: "active" | "inactive" | "done"
//		...
//	}
//
// A document is valid when it unifies with its collection's schema and the
// result is concrete, so every non-optional field must be present.
// Collections without a schema accept any document.
package schema

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/syncgate/internal/value"
)

// Error reports a schema that failed to load or a document that failed
// validation.
type Error struct {
	Collection string
	Message    string
	Pos        token.Pos
}

func (e *Error) Error() string {
	prefix := e.Collection
	if prefix == "" {
		prefix = "schema"
	}
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), prefix, e.Message)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

// Set is a compiled set of collection schemas.
//
// Thread-safety: Validate is safe for concurrent use; the underlying CUE
// context is not, so calls are serialized.
type Set struct {
	mu          sync.Mutex
	ctx         *cue.Context
	collections map[string]cue.Value
}

// Load compiles every .cue file in dir, in name order.
func Load(dir string) (*Set, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("schema dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("schema dir: not a directory: %s", dir)
	}
	files, err := filepath.Glob(filepath.Join(dir, "*.cue"))
	if err != nil {
		return nil, fmt.Errorf("schema dir: %w", err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("schema dir: no CUE files in %s", dir)
	}

	// Files need no package clause; each is compiled on its own and the
	// results are unified, so a collection may be split across files.
	ctx := cuecontext.New()
	root := ctx.CompileString("{}")
	for _, file := range files {
		src, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("schema dir: %w", err)
		}
		v := ctx.CompileBytes(src, cue.Filename(file))
		if err := v.Err(); err != nil {
			return nil, formatCUEError("", err)
		}
		root = root.Unify(v)
	}
	return newSet(ctx, root)
}

// Compile builds a Set from CUE source text. filename is used in error
// positions only.
func Compile(filename, src string) (*Set, error) {
	ctx := cuecontext.New()
	return newSet(ctx, ctx.CompileString(src, cue.Filename(filename)))
}

func newSet(ctx *cue.Context, root cue.Value) (*Set, error) {
	if err := root.Err(); err != nil {
		return nil, formatCUEError("", err)
	}
	s := &Set{ctx: ctx, collections: make(map[string]cue.Value)}

	colls := root.LookupPath(cue.ParsePath("collections"))
	if !colls.Exists() {
		return s, nil
	}
	iter, err := colls.Fields()
	if err != nil {
		return nil, formatCUEError("", err)
	}
	for iter.Next() {
		name := iter.Label()
		v := iter.Value()
		if v.IncompleteKind() != cue.StructKind {
			return nil, &Error{Collection: name, Message: "schema must be a struct", Pos: v.Pos()}
		}
		s.collections[name] = v
	}
	return s, nil
}

// Collections returns the names of collections with a schema, sorted.
func (s *Set) Collections() []string {
	names := make([]string, 0, len(s.collections))
	for name := range s.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether coll has a schema.
func (s *Set) Has(coll string) bool {
	_, ok := s.collections[coll]
	return ok
}

// Validate checks doc against coll's schema.
func (s *Set) Validate(coll string, doc value.Object) error {
	schema, ok := s.collections[coll]
	if !ok {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	v := s.ctx.Encode(value.ToAny(doc))
	if err := v.Err(); err != nil {
		return &Error{Collection: coll, Message: err.Error()}
	}
	if err := schema.Unify(v).Validate(cue.Concrete(true)); err != nil {
		return formatCUEError(coll, err)
	}
	return nil
}

// formatCUEError keeps the first error and its position.
func formatCUEError(coll string, err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return &Error{Collection: coll, Message: err.Error()}
	}
	first := errs[0]
	out := &Error{Collection: coll, Message: first.Error()}
	if positions := cueerrors.Positions(first); len(positions) > 0 {
		out.Pos = positions[0]
	}
	return out
}
