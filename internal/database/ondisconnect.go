package database

import (
	"context"
	"errors"
	"fmt"
)

// ErrOnDisconnectUnavailable is returned when the scope has no on-disconnect
// module.
var ErrOnDisconnectUnavailable = errors.New("database: on-disconnect module not available")

// OnDisconnect queues writes that native applies when the client loses its
// connection to the database server.
type OnDisconnect struct {
	db   *Database
	path string
}

// OnDisconnect returns the disconnect write queue of the location.
func (r *Reference) OnDisconnect() *OnDisconnect {
	return &OnDisconnect{db: r.db, path: r.path}
}

func (o *OnDisconnect) module() (OnDisconnectModule, error) {
	if o.db.onDisconnect == nil {
		return nil, ErrOnDisconnectUnavailable
	}
	return o.db.onDisconnect, nil
}

// Set writes value on disconnect.
func (o *OnDisconnect) Set(ctx context.Context, value any) error {
	mod, err := o.module()
	if err != nil {
		return err
	}
	if err := mod.Set(ctx, o.path, value); err != nil {
		return fmt.Errorf("on disconnect set %s: %w", o.path, err)
	}
	return nil
}

// SetWithPriority writes value and priority on disconnect.
func (o *OnDisconnect) SetWithPriority(ctx context.Context, value, priority any) error {
	if !validPriority(priority) {
		return ErrInvalidPriority
	}
	mod, err := o.module()
	if err != nil {
		return err
	}
	if err := mod.SetWithPriority(ctx, o.path, value, priority); err != nil {
		return fmt.Errorf("on disconnect set with priority %s: %w", o.path, err)
	}
	return nil
}

// Update writes the given children on disconnect.
func (o *OnDisconnect) Update(ctx context.Context, values map[string]any) error {
	if err := validateUpdate(values); err != nil {
		return err
	}
	mod, err := o.module()
	if err != nil {
		return err
	}
	if err := mod.Update(ctx, o.path, values); err != nil {
		return fmt.Errorf("on disconnect update %s: %w", o.path, err)
	}
	return nil
}

// Remove deletes the location on disconnect.
func (o *OnDisconnect) Remove(ctx context.Context) error {
	mod, err := o.module()
	if err != nil {
		return err
	}
	if err := mod.Remove(ctx, o.path); err != nil {
		return fmt.Errorf("on disconnect remove %s: %w", o.path, err)
	}
	return nil
}

// Cancel drops every queued disconnect write of the location and its
// children.
func (o *OnDisconnect) Cancel(ctx context.Context) error {
	mod, err := o.module()
	if err != nil {
		return err
	}
	if err := mod.Cancel(ctx, o.path); err != nil {
		return fmt.Errorf("on disconnect cancel %s: %w", o.path, err)
	}
	return nil
}
