package jsruntime

import (
	"context"
	"errors"

	"github.com/dop251/goja"

	"nativebridge/internal/database"
	"nativebridge/internal/nativeerror"
	"nativebridge/internal/synctree"
)

func (r *Runtime) setupFirebase() {
	firebase := r.vm.NewObject()
	firebase.Set("database", func(call goja.FunctionCall) goja.Value {
		url := ""
		if arg := call.Argument(0); !goja.IsUndefined(arg) && !goja.IsNull(arg) {
			url = arg.String()
		}
		return r.databaseObject(url)
	})
	r.vm.Set("firebase", firebase)
}

func (r *Runtime) databaseObject(url string) *goja.Object {
	if obj, ok := r.databases[url]; ok {
		return obj
	}
	if r.opts.Databases == nil {
		panic(r.vm.NewTypeError("firebase.database() is not available"))
	}
	ctx, cancel := r.callContext()
	defer cancel()
	db, err := r.opts.Databases.Database(ctx, url)
	if err != nil {
		panic(r.errorValue(err))
	}

	obj := r.vm.NewObject()
	obj.Set("ref", func(call goja.FunctionCall) goja.Value {
		path := ""
		if arg := call.Argument(0); !goja.IsUndefined(arg) {
			path = arg.String()
		}
		return r.referenceObject(db.Ref(path))
	})
	obj.Set("goOnline", func(goja.FunctionCall) goja.Value {
		return r.async(func(ctx context.Context) (any, error) { return nil, db.GoOnline(ctx) }, nil)
	})
	obj.Set("goOffline", func(goja.FunctionCall) goja.Value {
		return r.async(func(ctx context.Context) (any, error) { return nil, db.GoOffline(ctx) }, nil)
	})
	obj.Set("serverTimeOffset", func(goja.FunctionCall) goja.Value {
		return r.vm.ToValue(db.ServerTimeOffset())
	})
	r.databases[url] = obj
	return obj
}

func (r *Runtime) referenceObject(ref *database.Reference) *goja.Object {
	obj := r.queryObject(&ref.Query)
	obj.Set("child", func(call goja.FunctionCall) goja.Value {
		return r.referenceObject(ref.Child(call.Argument(0).String()))
	})
	obj.DefineAccessorProperty("parent", r.vm.ToValue(func(goja.FunctionCall) goja.Value {
		parent := ref.Parent()
		if parent == nil {
			return goja.Null()
		}
		return r.referenceObject(parent)
	}), nil, goja.FLAG_FALSE, goja.FLAG_TRUE)
	obj.DefineAccessorProperty("root", r.vm.ToValue(func(goja.FunctionCall) goja.Value {
		return r.referenceObject(ref.Root())
	}), nil, goja.FLAG_FALSE, goja.FLAG_TRUE)

	obj.Set("set", func(call goja.FunctionCall) goja.Value {
		value := call.Argument(0).Export()
		return r.async(func(ctx context.Context) (any, error) { return nil, ref.Set(ctx, value) }, nil)
	})
	obj.Set("update", func(call goja.FunctionCall) goja.Value {
		values, ok := call.Argument(0).Export().(map[string]interface{})
		if !ok {
			panic(r.vm.NewTypeError("update() expects an object"))
		}
		return r.async(func(ctx context.Context) (any, error) { return nil, ref.Update(ctx, values) }, nil)
	})
	obj.Set("remove", func(goja.FunctionCall) goja.Value {
		return r.async(func(ctx context.Context) (any, error) { return nil, ref.Remove(ctx) }, nil)
	})
	obj.Set("setWithPriority", func(call goja.FunctionCall) goja.Value {
		value, priority := call.Argument(0).Export(), filterArg(call.Argument(1))
		return r.async(func(ctx context.Context) (any, error) {
			return nil, ref.SetWithPriority(ctx, value, priority)
		}, nil)
	})
	obj.Set("setPriority", func(call goja.FunctionCall) goja.Value {
		priority := filterArg(call.Argument(0))
		return r.async(func(ctx context.Context) (any, error) { return nil, ref.SetPriority(ctx, priority) }, nil)
	})
	obj.Set("push", func(call goja.FunctionCall) goja.Value {
		value := filterArg(call.Argument(0))
		return r.async(func(ctx context.Context) (any, error) {
			return ref.Push(ctx, value)
		}, func(res any) goja.Value {
			return r.referenceObject(res.(*database.Reference))
		})
	})
	obj.Set("onDisconnect", func(goja.FunctionCall) goja.Value {
		return r.onDisconnectObject(ref.OnDisconnect())
	})
	obj.Set("transaction", func(call goja.FunctionCall) goja.Value {
		fn, ok := goja.AssertFunction(call.Argument(0))
		if !ok {
			panic(r.vm.NewTypeError("transaction() expects an update function"))
		}
		applyLocally := true
		if arg := call.Argument(1); !goja.IsUndefined(arg) {
			applyLocally = arg.ToBoolean()
		}
		update := r.transactionUpdate(fn)
		return r.async(func(ctx context.Context) (any, error) {
			return ref.Transaction(ctx, update, applyLocally)
		}, func(res any) goja.Value {
			result := res.(*database.TransactionResult)
			out := r.vm.NewObject()
			out.Set("committed", result.Committed)
			out.Set("snapshot", r.snapshotObject(result.Snapshot))
			return out
		})
	})
	return obj
}

// transactionUpdate runs fn on the loop for every attempt. Returning
// undefined aborts the transaction.
func (r *Runtime) transactionUpdate(fn goja.Callable) database.TransactionUpdate {
	return func(current any) (any, bool) {
		var value any
		abort := true
		err := r.do(r.ctx, func() error {
			res, err := fn(goja.Undefined(), r.vm.ToValue(current))
			if err != nil {
				return scriptError(err)
			}
			if !goja.IsUndefined(res) {
				value, abort = res.Export(), false
			}
			return nil
		})
		if err != nil {
			r.logger.Error().Err(err).Msg("transaction update failed")
			return nil, true
		}
		return value, abort
	}
}

func (r *Runtime) onDisconnectObject(od *database.OnDisconnect) *goja.Object {
	obj := r.vm.NewObject()
	obj.Set("set", func(call goja.FunctionCall) goja.Value {
		value := call.Argument(0).Export()
		return r.async(func(ctx context.Context) (any, error) { return nil, od.Set(ctx, value) }, nil)
	})
	obj.Set("setWithPriority", func(call goja.FunctionCall) goja.Value {
		value, priority := call.Argument(0).Export(), filterArg(call.Argument(1))
		return r.async(func(ctx context.Context) (any, error) {
			return nil, od.SetWithPriority(ctx, value, priority)
		}, nil)
	})
	obj.Set("update", func(call goja.FunctionCall) goja.Value {
		values, ok := call.Argument(0).Export().(map[string]interface{})
		if !ok {
			panic(r.vm.NewTypeError("update() expects an object"))
		}
		return r.async(func(ctx context.Context) (any, error) { return nil, od.Update(ctx, values) }, nil)
	})
	obj.Set("remove", func(goja.FunctionCall) goja.Value {
		return r.async(func(ctx context.Context) (any, error) { return nil, od.Remove(ctx) }, nil)
	})
	obj.Set("cancel", func(goja.FunctionCall) goja.Value {
		return r.async(func(ctx context.Context) (any, error) { return nil, od.Cancel(ctx) }, nil)
	})
	return obj
}

func (r *Runtime) queryObject(q *database.Query) *goja.Object {
	obj := r.vm.NewObject()
	obj.Set("path", q.Path())
	obj.Set("key", keyValue(q.Key()))
	obj.Set("toString", func(goja.FunctionCall) goja.Value { return r.vm.ToValue(q.String()) })

	obj.Set("on", func(call goja.FunctionCall) goja.Value {
		eventType := synctree.EventType(call.Argument(0).String())
		cbValue := call.Argument(1)
		cb, ok := goja.AssertFunction(cbValue)
		if !ok {
			panic(r.vm.NewTypeError("on() expects a callback function"))
		}
		var cancel synctree.CancelFunc
		if cancelCb, ok := goja.AssertFunction(call.Argument(2)); ok {
			cancel = func(err error) {
				r.enqueue(func() {
					r.callback(cancelCb, r.errorValue(err))
				})
			}
		}

		ctx, done := r.callContext()
		defer done()
		if err := q.On(ctx, eventType, r.listenerFor(cbValue.ToObject(r.vm), cb), cancel); err != nil {
			panic(r.errorValue(err))
		}
		return cbValue
	})

	obj.Set("off", func(call goja.FunctionCall) goja.Value {
		var eventType synctree.EventType
		if arg := call.Argument(0); !goja.IsUndefined(arg) && !goja.IsNull(arg) {
			eventType = synctree.EventType(arg.String())
		}
		var listener *synctree.Listener
		if arg := call.Argument(1); !goja.IsUndefined(arg) && !goja.IsNull(arg) {
			if _, ok := goja.AssertFunction(arg); !ok {
				panic(r.vm.NewTypeError("off() expects a callback function"))
			}
			l, ok := r.listeners[arg.ToObject(r.vm)]
			if !ok {
				return r.vm.ToValue(0)
			}
			listener = l
		}
		n, err := q.Off(eventType, listener)
		if err != nil {
			panic(r.errorValue(err))
		}
		return r.vm.ToValue(n)
	})

	obj.Set("once", func(call goja.FunctionCall) goja.Value {
		eventType := synctree.EventType(call.Argument(0).String())
		type result struct {
			snap *synctree.Snapshot
			prev string
		}
		return r.async(func(ctx context.Context) (any, error) {
			snap, prev, err := q.Once(ctx, eventType)
			return result{snap: snap, prev: prev}, err
		}, func(v any) goja.Value {
			return r.snapshotObject(v.(result).snap)
		})
	})

	obj.Set("keepSynced", func(call goja.FunctionCall) goja.Value {
		keep := call.Argument(0).ToBoolean()
		return r.async(func(ctx context.Context) (any, error) { return nil, q.KeepSynced(ctx, keep) }, nil)
	})

	derive := func(name string, build func(call goja.FunctionCall) (*database.Query, error)) {
		obj.Set(name, func(call goja.FunctionCall) goja.Value {
			next, err := build(call)
			if err != nil {
				panic(r.vm.NewTypeError(name + "(): " + err.Error()))
			}
			return r.queryObject(next)
		})
	}
	derive("orderByChild", func(call goja.FunctionCall) (*database.Query, error) {
		return q.OrderByChild(call.Argument(0).String())
	})
	derive("orderByKey", func(goja.FunctionCall) (*database.Query, error) { return q.OrderByKey() })
	derive("orderByValue", func(goja.FunctionCall) (*database.Query, error) { return q.OrderByValue() })
	derive("orderByPriority", func(goja.FunctionCall) (*database.Query, error) { return q.OrderByPriority() })
	derive("limitToFirst", func(call goja.FunctionCall) (*database.Query, error) {
		return q.LimitToFirst(int(call.Argument(0).ToInteger()))
	})
	derive("limitToLast", func(call goja.FunctionCall) (*database.Query, error) {
		return q.LimitToLast(int(call.Argument(0).ToInteger()))
	})
	derive("startAt", func(call goja.FunctionCall) (*database.Query, error) {
		return q.StartAt(filterArg(call.Argument(0)), optionalString(call.Argument(1)))
	})
	derive("endAt", func(call goja.FunctionCall) (*database.Query, error) {
		return q.EndAt(filterArg(call.Argument(0)), optionalString(call.Argument(1)))
	})
	derive("equalTo", func(call goja.FunctionCall) (*database.Query, error) {
		return q.EqualTo(filterArg(call.Argument(0)), optionalString(call.Argument(1)))
	})
	return obj
}

// listenerFor returns the listener bound to a JS function. The same function
// always maps to the same listener so off(type, fn) matches on(type, fn).
func (r *Runtime) listenerFor(fnObj *goja.Object, fn goja.Callable) *synctree.Listener {
	if l, ok := r.listeners[fnObj]; ok {
		return l
	}
	l := synctree.NewListener(func(snap *synctree.Snapshot, previousChildName string) {
		r.enqueue(func() {
			prev := goja.Null()
			if previousChildName != "" {
				prev = r.vm.ToValue(previousChildName)
			}
			r.callback(fn, r.snapshotObject(snap), prev)
		})
	})
	r.listeners[fnObj] = l
	return l
}

func (r *Runtime) snapshotObject(snap *synctree.Snapshot) *goja.Object {
	obj := r.vm.NewObject()
	obj.Set("key", keyValue(snap.Key()))
	if ref, ok := snap.Ref().(*database.Reference); ok {
		obj.DefineAccessorProperty("ref", r.vm.ToValue(func(goja.FunctionCall) goja.Value {
			return r.referenceObject(ref)
		}), nil, goja.FLAG_FALSE, goja.FLAG_TRUE)
	}
	obj.Set("exists", func(goja.FunctionCall) goja.Value { return r.vm.ToValue(snap.Exists()) })
	obj.Set("val", func(goja.FunctionCall) goja.Value { return r.vm.ToValue(snap.Export()) })
	obj.Set("toJSON", func(goja.FunctionCall) goja.Value { return r.vm.ToValue(snap.Export()) })
	obj.Set("getPriority", func(goja.FunctionCall) goja.Value { return r.vm.ToValue(snap.Priority()) })
	obj.Set("numChildren", func(goja.FunctionCall) goja.Value { return r.vm.ToValue(snap.NumChildren()) })
	obj.Set("hasChildren", func(goja.FunctionCall) goja.Value { return r.vm.ToValue(snap.HasChildren()) })
	obj.Set("hasChild", func(call goja.FunctionCall) goja.Value {
		return r.vm.ToValue(snap.HasChild(call.Argument(0).String()))
	})
	obj.Set("child", func(call goja.FunctionCall) goja.Value {
		return r.snapshotObject(snap.Child(call.Argument(0).String()))
	})
	obj.Set("forEach", func(call goja.FunctionCall) goja.Value {
		fn, ok := goja.AssertFunction(call.Argument(0))
		if !ok {
			panic(r.vm.NewTypeError("forEach() expects a function"))
		}
		stopped := snap.ForEach(func(child *synctree.Snapshot) bool {
			res, err := fn(goja.Undefined(), r.snapshotObject(child))
			if err != nil {
				panic(err)
			}
			return res.ToBoolean()
		})
		return r.vm.ToValue(stopped)
	})
	return obj
}

// async runs work off the loop and settles the returned promise on it.
// convert builds the resolution value on the loop.
func (r *Runtime) async(work func(ctx context.Context) (any, error), convert func(any) goja.Value) goja.Value {
	promise, resolve, reject := r.vm.NewPromise()
	go func() {
		ctx, cancel := r.callContext()
		defer cancel()
		res, err := work(ctx)
		r.enqueue(func() {
			if err != nil {
				reject(r.errorValue(err))
				return
			}
			if convert == nil {
				resolve(goja.Undefined())
				return
			}
			resolve(convert(res))
		})
	}()
	return r.vm.ToValue(promise)
}

// errorValue converts err to a JS Error carrying the native code when known.
func (r *Runtime) errorValue(err error) *goja.Object {
	obj := r.vm.NewGoError(err)
	var nerr *nativeerror.Error
	if errors.As(err, &nerr) {
		obj.Set("code", nerr.Code)
		obj.Set("nativeErrorCode", nerr.NativeErrorCode)
		obj.Set("nativeErrorMessage", nerr.NativeErrorMessage)
	}
	return obj
}

func keyValue(key string) any {
	if key == "" {
		return nil
	}
	return key
}

func filterArg(v goja.Value) any {
	if goja.IsNull(v) || goja.IsUndefined(v) {
		return nil
	}
	return v.Export()
}

func optionalString(v goja.Value) string {
	if goja.IsUndefined(v) || goja.IsNull(v) {
		return ""
	}
	return v.String()
}
