package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
)

// Native module names provided by the host.
const (
	AppModuleName               = "RNFBAppModule"
	DatabaseModuleName          = "RNFBDatabaseModule"
	DatabaseQueryModuleName     = "RNFBDatabaseQueryModule"
	DatabaseReferenceModuleName = "RNFBDatabaseReferenceModule"

	DatabaseOnDisconnectModuleName = "RNFBDatabaseOnDisconnectModule"
	DatabaseTransactionModuleName  = "RNFBDatabaseTransactionModule"
)

// Native event names.
const (
	DatabaseSyncEvent        = "database_sync_event"
	DatabaseTransactionEvent = "database_transaction_event"
)

// DatabaseNamespace is the error namespace of the database module.
const DatabaseNamespace = "database"

// DatabaseModuleSpecs are the native modules backing the database namespace.
type DatabaseModuleSpecs struct {
	Control      ModuleSpec
	Query        ModuleSpec
	Reference    ModuleSpec
	OnDisconnect ModuleSpec
	Transaction  ModuleSpec
}

// DatabaseSpecs returns the database module specs. Every module registers
// interest in both database events.
func DatabaseSpecs() DatabaseModuleSpecs {
	spec := func(name string) ModuleSpec {
		return ModuleSpec{
			Namespace:         DatabaseNamespace,
			NativeModuleName:  name,
			MultiApp:          true,
			CustomURLOrRegion: true,
			NativeEvents:      []string{DatabaseTransactionEvent, DatabaseSyncEvent},
		}
	}
	return DatabaseModuleSpecs{
		Control:      spec(DatabaseModuleName),
		Query:        spec(DatabaseQueryModuleName),
		Reference:    spec(DatabaseReferenceModuleName),
		OnDisconnect: spec(DatabaseOnDisconnectModuleName),
		Transaction:  spec(DatabaseTransactionModuleName),
	}
}

// AppSpec is the spec of the app module. It carries no context arguments.
func AppSpec() ModuleSpec {
	return ModuleSpec{Namespace: "app", NativeModuleName: AppModuleName}
}

// AppEvents is the native event interest API of the app module.
type AppEvents struct {
	mod *Module
}

func NewAppEvents(mod *Module) *AppEvents {
	return &AppEvents{mod: mod}
}

func (a *AppEvents) EventsNotifyReady(ctx context.Context, ready bool) error {
	_, err := a.mod.Call(ctx, "eventsNotifyReady", ready)
	return err
}

func (a *AppEvents) EventsAddListener(ctx context.Context, eventName string) error {
	_, err := a.mod.Call(ctx, "eventsAddListener", eventName)
	return err
}

func (a *AppEvents) EventsRemoveListener(ctx context.Context, eventName string, all bool) error {
	_, err := a.mod.Call(ctx, "eventsRemoveListener", eventName, all)
	return err
}

// QueryRegistration identifies a listener on the native side.
type QueryRegistration struct {
	EventRegistrationKey        string `json:"eventRegistrationKey"`
	Key                         string `json:"key"`
	RegistrationCancellationKey string `json:"registrationCancellationKey,omitempty"`
}

// OnProps are the arguments of a native query listen.
type OnProps struct {
	Key                     string            `json:"key"`
	Path                    string            `json:"path"`
	AppName                 string            `json:"appName"`
	Modifiers               any               `json:"modifiers"`
	EventType               string            `json:"eventType"`
	HasCancellationCallback bool              `json:"hasCancellationCallback"`
	Registration            QueryRegistration `json:"registration"`
}

// DatabaseQuery is the typed binding of the native query module.
type DatabaseQuery struct {
	mod        *Module
	offTimeout time.Duration
	logger     zerolog.Logger
}

// NewDatabaseQuery binds mod. offTimeout bounds fire-and-forget Off calls.
func NewDatabaseQuery(mod *Module, offTimeout time.Duration, logger zerolog.Logger) *DatabaseQuery {
	return &DatabaseQuery{
		mod:        mod,
		offTimeout: offTimeout,
		logger:     logger.With().Str("component", "database-query").Logger(),
	}
}

// On starts a native listener for props.
func (q *DatabaseQuery) On(ctx context.Context, props OnProps) error {
	_, err := q.mod.Call(ctx, "on", props)
	return err
}

// Once fetches a single event for path and returns the raw event data.
func (q *DatabaseQuery) Once(ctx context.Context, path string, modifiers any, eventType string) (json.RawMessage, error) {
	return q.mod.Call(ctx, "once", path, modifiers, eventType)
}

// KeepSynced toggles native local caching of a query.
func (q *DatabaseQuery) KeepSynced(ctx context.Context, queryKey, path string, modifiers any, keep bool) error {
	_, err := q.mod.Call(ctx, "keepSynced", queryKey, path, modifiers, keep)
	return err
}

// Off tells native to drop a listener. It does not wait for the result.
func (q *DatabaseQuery) Off(queryKey, registrationKey string) {
	ctx, cancel := context.Background(), context.CancelFunc(func() {})
	if q.offTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, q.offTimeout)
	}
	f := q.mod.Go(ctx, "off", queryKey, registrationKey)
	go func() {
		defer cancel()
		if _, err := f.Wait(ctx); err != nil {
			q.logger.Warn().
				Err(err).
				Str("key", queryKey).
				Str("registration", registrationKey).
				Msg("native off failed")
		}
	}()
}

// DatabaseReference is the typed binding of the native reference module.
type DatabaseReference struct {
	mod *Module
}

func NewDatabaseReference(mod *Module) *DatabaseReference {
	return &DatabaseReference{mod: mod}
}

func (r *DatabaseReference) Set(ctx context.Context, path string, value any) error {
	_, err := r.mod.Call(ctx, "set", path, map[string]any{"value": value})
	return err
}

func (r *DatabaseReference) Update(ctx context.Context, path string, values map[string]any) error {
	_, err := r.mod.Call(ctx, "update", path, map[string]any{"values": values})
	return err
}

func (r *DatabaseReference) Remove(ctx context.Context, path string) error {
	_, err := r.mod.Call(ctx, "remove", path)
	return err
}

func (r *DatabaseReference) SetWithPriority(ctx context.Context, path string, value, priority any) error {
	_, err := r.mod.Call(ctx, "setWithPriority", path, map[string]any{"value": value, "priority": priority})
	return err
}

func (r *DatabaseReference) SetPriority(ctx context.Context, path string, priority any) error {
	_, err := r.mod.Call(ctx, "setPriority", path, map[string]any{"priority": priority})
	return err
}

// DatabaseOnDisconnect is the typed binding of the native on-disconnect
// module. Writes are queued natively and applied when the client disconnects.
type DatabaseOnDisconnect struct {
	mod *Module
}

func NewDatabaseOnDisconnect(mod *Module) *DatabaseOnDisconnect {
	return &DatabaseOnDisconnect{mod: mod}
}

func (o *DatabaseOnDisconnect) Set(ctx context.Context, path string, value any) error {
	_, err := o.mod.Call(ctx, "onDisconnectSet", path, map[string]any{"value": value})
	return err
}

func (o *DatabaseOnDisconnect) SetWithPriority(ctx context.Context, path string, value, priority any) error {
	_, err := o.mod.Call(ctx, "onDisconnectSetWithPriority", path, map[string]any{"value": value, "priority": priority})
	return err
}

func (o *DatabaseOnDisconnect) Update(ctx context.Context, path string, values map[string]any) error {
	_, err := o.mod.Call(ctx, "onDisconnectUpdate", path, map[string]any{"values": values})
	return err
}

func (o *DatabaseOnDisconnect) Remove(ctx context.Context, path string) error {
	_, err := o.mod.Call(ctx, "onDisconnectRemove", path)
	return err
}

func (o *DatabaseOnDisconnect) Cancel(ctx context.Context, path string) error {
	_, err := o.mod.Call(ctx, "onDisconnectCancel", path)
	return err
}

// DatabaseTransaction is the typed binding of the native transaction module.
// Progress is reported through database_transaction_event.
type DatabaseTransaction struct {
	mod *Module
}

func NewDatabaseTransaction(mod *Module) *DatabaseTransaction {
	return &DatabaseTransaction{mod: mod}
}

// Start begins transaction id on path.
func (t *DatabaseTransaction) Start(ctx context.Context, path string, id int64, applyLocally bool) error {
	_, err := t.mod.Call(ctx, "transactionStart", path, id, applyLocally)
	return err
}

// TryCommit answers an update event of transaction id.
func (t *DatabaseTransaction) TryCommit(ctx context.Context, id int64, value any, abort bool) error {
	_, err := t.mod.Call(ctx, "transactionTryCommit", id, map[string]any{"value": value, "abort": abort})
	return err
}

// DatabaseControl is the typed binding of the native database module.
type DatabaseControl struct {
	mod *Module
}

func NewDatabaseControl(mod *Module) *DatabaseControl {
	return &DatabaseControl{mod: mod}
}

func (d *DatabaseControl) GoOnline(ctx context.Context) error {
	_, err := d.mod.Call(ctx, "goOnline")
	return err
}

func (d *DatabaseControl) GoOffline(ctx context.Context) error {
	_, err := d.mod.Call(ctx, "goOffline")
	return err
}

// ServerTimeOffset returns the estimated offset to server time in milliseconds.
func (d *DatabaseControl) ServerTimeOffset() float64 {
	v, ok := d.mod.Constant("serverTimeOffset")
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}
