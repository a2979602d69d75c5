package database

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"nativebridge/internal/synctree"
)

var (
	ErrInvalidPriority   = errors.New("database: priority must be a number, string or nil")
	ErrInvalidUpdatePath = errors.New(`database: update keys must be non-empty paths without ".", "#", "$", "[" or "]"`)
)

// Reference is an unconstrained location that can be written to.
type Reference struct {
	Query
}

func newReference(db *Database, path string) *Reference {
	return &Reference{Query: Query{db: db, path: synctree.NormalizePath(path)}}
}

// Child returns a reference to a path relative to r.
func (r *Reference) Child(path string) *Reference {
	return newReference(r.db, synctree.JoinPath(r.path, path))
}

// Parent returns the parent location, nil for the root.
func (r *Reference) Parent() *Reference {
	segments := synctree.Segments(r.path)
	if len(segments) == 0 {
		return nil
	}
	return newReference(r.db, strings.Join(segments[:len(segments)-1], "/"))
}

// Root returns the root location.
func (r *Reference) Root() *Reference {
	return newReference(r.db, "/")
}

// Set replaces the data at the location.
func (r *Reference) Set(ctx context.Context, value any) error {
	if err := r.db.reference.Set(ctx, r.path, value); err != nil {
		return fmt.Errorf("set %s: %w", r.path, err)
	}
	return nil
}

// Update writes the given children of the location. Keys may be relative
// paths.
func (r *Reference) Update(ctx context.Context, values map[string]any) error {
	if err := validateUpdate(values); err != nil {
		return err
	}
	if err := r.db.reference.Update(ctx, r.path, values); err != nil {
		return fmt.Errorf("update %s: %w", r.path, err)
	}
	return nil
}

// Remove deletes the data at the location.
func (r *Reference) Remove(ctx context.Context) error {
	if err := r.db.reference.Remove(ctx, r.path); err != nil {
		return fmt.Errorf("remove %s: %w", r.path, err)
	}
	return nil
}

// SetWithPriority replaces the data at the location and its priority.
func (r *Reference) SetWithPriority(ctx context.Context, value, priority any) error {
	if !validPriority(priority) {
		return ErrInvalidPriority
	}
	if err := r.db.reference.SetWithPriority(ctx, r.path, value, priority); err != nil {
		return fmt.Errorf("set with priority %s: %w", r.path, err)
	}
	return nil
}

// SetPriority sets the priority of the data at the location.
func (r *Reference) SetPriority(ctx context.Context, priority any) error {
	if !validPriority(priority) {
		return ErrInvalidPriority
	}
	if err := r.db.reference.SetPriority(ctx, r.path, priority); err != nil {
		return fmt.Errorf("set priority %s: %w", r.path, err)
	}
	return nil
}

// Push returns a child with a new time-ordered key and writes value to it.
// A nil value only generates the key. The child is returned even when the
// write fails.
func (r *Reference) Push(ctx context.Context, value any) (*Reference, error) {
	child := r.Child(r.db.keys.pushKey(r.db.ServerTimeOffset()))
	if value == nil {
		return child, nil
	}
	return child, child.Set(ctx, value)
}

func validPriority(v any) bool {
	switch v.(type) {
	case nil, string,
		int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return true
	}
	return false
}

func validateUpdate(values map[string]any) error {
	if values == nil {
		return errors.New("database: update values are required")
	}
	for key := range values {
		if key == "" || strings.ContainsAny(key, ".#$[]") {
			return fmt.Errorf("%w: %q", ErrInvalidUpdatePath, key)
		}
	}
	return nil
}
