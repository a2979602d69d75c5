// Package database is the reference and query API over the native database
// modules. Listener bookkeeping lives in a synctree.Tree per database scope.
package database

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rs/zerolog"

	"nativebridge/internal/gateway"
	"nativebridge/internal/synctree"
)

// QueryModule is the native query module binding.
type QueryModule interface {
	On(ctx context.Context, props gateway.OnProps) error
	Once(ctx context.Context, path string, modifiers any, eventType string) (json.RawMessage, error)
	KeepSynced(ctx context.Context, queryKey, path string, modifiers any, keep bool) error
}

// ReferenceModule is the native reference module binding.
type ReferenceModule interface {
	Set(ctx context.Context, path string, value any) error
	Update(ctx context.Context, path string, values map[string]any) error
	Remove(ctx context.Context, path string) error
	SetWithPriority(ctx context.Context, path string, value, priority any) error
	SetPriority(ctx context.Context, path string, priority any) error
}

// OnDisconnectModule is the native on-disconnect module binding.
type OnDisconnectModule interface {
	Set(ctx context.Context, path string, value any) error
	SetWithPriority(ctx context.Context, path string, value, priority any) error
	Update(ctx context.Context, path string, values map[string]any) error
	Remove(ctx context.Context, path string) error
	Cancel(ctx context.Context, path string) error
}

// TransactionModule is the native transaction module binding.
type TransactionModule interface {
	Start(ctx context.Context, path string, id int64, applyLocally bool) error
	TryCommit(ctx context.Context, id int64, value any, abort bool) error
}

// ControlModule is the native database module binding.
type ControlModule interface {
	GoOnline(ctx context.Context) error
	GoOffline(ctx context.Context) error
	ServerTimeOffset() float64
}

// Options configures a Database.
type Options struct {
	AppName string
	// URL is the custom database URL, empty for the default database.
	URL       string
	Control   ControlModule
	Query     QueryModule
	Reference ReferenceModule
	Tree      *synctree.Tree

	// OnDisconnect and Transaction are optional; their operations fail
	// when unset.
	OnDisconnect OnDisconnectModule
	Transaction  TransactionModule
}

// Database is one database scope of an app.
type Database struct {
	appName   string
	url       string
	control   ControlModule
	query     QueryModule
	reference ReferenceModule
	tree      *synctree.Tree
	keys      *keyGenerator
	logger    zerolog.Logger

	onDisconnect OnDisconnectModule
	transaction  TransactionModule
	transactions *transactions
}

// New creates a Database.
func New(opts Options, logger zerolog.Logger) (*Database, error) {
	if opts.Query == nil || opts.Reference == nil {
		return nil, errors.New("database: query and reference modules are required")
	}
	if opts.Tree == nil {
		return nil, errors.New("database: registration tree is required")
	}
	return &Database{
		appName:   opts.AppName,
		url:       opts.URL,
		control:   opts.Control,
		query:     opts.Query,
		reference: opts.Reference,
		tree:      opts.Tree,
		keys:      newKeyGenerator(),

		onDisconnect: opts.OnDisconnect,
		transaction:  opts.Transaction,
		transactions: newTransactions(),

		logger: logger.With().
			Str("component", "database").
			Str("app", opts.AppName).
			Str("url", opts.URL).
			Logger(),
	}, nil
}

// AppName returns the name of the owning app.
func (d *Database) AppName() string { return d.appName }

// URL returns the custom database URL, empty for the default database.
func (d *Database) URL() string { return d.url }

// Tree returns the registration tree of the scope.
func (d *Database) Tree() *synctree.Tree { return d.tree }

// Ref returns a reference to path. An empty path is the root.
func (d *Database) Ref(path string) *Reference {
	return newReference(d, path)
}

func (d *Database) GoOnline(ctx context.Context) error {
	if d.control == nil {
		return errors.New("database: control module not available")
	}
	return d.control.GoOnline(ctx)
}

func (d *Database) GoOffline(ctx context.Context) error {
	if d.control == nil {
		return errors.New("database: control module not available")
	}
	return d.control.GoOffline(ctx)
}

// ServerTimeOffset returns the estimated offset to server time in milliseconds.
func (d *Database) ServerTimeOffset() float64 {
	if d.control == nil {
		return 0
	}
	return d.control.ServerTimeOffset()
}
