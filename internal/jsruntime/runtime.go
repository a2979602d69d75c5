// Package jsruntime runs application scripts in a goja VM. Every VM access
// happens on the job loop started by Run; native results and listener
// callbacks are queued onto it.
package jsruntime

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/rs/zerolog"

	"nativebridge/internal/database"
	"nativebridge/internal/synctree"
)

// DefaultExecutionTimeout bounds a single job on the loop.
const DefaultExecutionTimeout = 30 * time.Second

// ErrTimeout is the interrupt value of jobs that ran too long.
var ErrTimeout = errors.New("script execution timed out")

// Databases resolves database scopes, "" being the default database.
type Databases interface {
	Database(ctx context.Context, url string) (*database.Database, error)
}

// Options configures a Runtime.
type Options struct {
	Databases Databases
	// CallTimeout bounds native calls started from scripts.
	CallTimeout time.Duration
	// ExecutionTimeout bounds a single job on the loop.
	ExecutionTimeout time.Duration
}

// Runtime is a goja VM with the firebase namespace API bound to it.
type Runtime struct {
	vm     *goja.Runtime
	opts   Options
	logger zerolog.Logger

	mu     sync.Mutex
	queue  []func()
	wakeup chan struct{}

	ctx context.Context

	// loop-owned
	listeners map[*goja.Object]*synctree.Listener
	databases map[string]*goja.Object
}

// New creates a Runtime. Scripts run once Run is started.
func New(opts Options, logger zerolog.Logger) *Runtime {
	if opts.ExecutionTimeout <= 0 {
		opts.ExecutionTimeout = DefaultExecutionTimeout
	}
	r := &Runtime{
		vm:        goja.New(),
		opts:      opts,
		logger:    logger.With().Str("component", "jsruntime").Logger(),
		wakeup:    make(chan struct{}, 1),
		ctx:       context.Background(),
		listeners: make(map[*goja.Object]*synctree.Listener),
		databases: make(map[string]*goja.Object),
	}
	r.setupConsole()
	r.setupFirebase()
	return r
}

// Run processes jobs until ctx is done.
func (r *Runtime) Run(ctx context.Context) error {
	r.ctx = ctx
	r.logger.Info().Msg("job loop started")
	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("job loop stopped")
			return ctx.Err()
		case <-r.wakeup:
		}

		r.mu.Lock()
		jobs := r.queue
		r.queue = nil
		r.mu.Unlock()

		for _, job := range jobs {
			r.runJob(job)
		}
	}
}

// enqueue schedules job on the loop. It never blocks.
func (r *Runtime) enqueue(job func()) {
	r.mu.Lock()
	r.queue = append(r.queue, job)
	r.mu.Unlock()
	select {
	case r.wakeup <- struct{}{}:
	default:
	}
}

func (r *Runtime) runJob(job func()) {
	timer := time.AfterFunc(r.opts.ExecutionTimeout, func() {
		r.vm.Interrupt(ErrTimeout)
	})
	defer func() {
		timer.Stop()
		r.vm.ClearInterrupt()
		if rec := recover(); rec != nil {
			r.logger.Error().Interface("panic", rec).Msg("job panic")
		}
	}()
	job()
}

// do runs fn on the loop and waits for it.
func (r *Runtime) do(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	r.enqueue(func() {
		done <- fn()
	})
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunScript evaluates src on the loop.
func (r *Runtime) RunScript(ctx context.Context, name, src string) error {
	return r.do(ctx, func() error {
		if _, err := r.vm.RunScript(name, src); err != nil {
			return scriptError(err)
		}
		return nil
	})
}

// Set binds a global value, typically a Go function, on the loop.
func (r *Runtime) Set(ctx context.Context, name string, value any) error {
	return r.do(ctx, func() error {
		return r.vm.Set(name, value)
	})
}

// LoadScripts runs every .js file of dir in name order. A missing directory
// is not an error. Scripts that fail are logged and skipped.
func (r *Runtime) LoadScripts(ctx context.Context, dir string) (int, error) {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		r.logger.Warn().Str("directory", dir).Msg("scripts directory does not exist")
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to stat scripts directory: %w", err)
	}
	if !info.IsDir() {
		return 0, fmt.Errorf("scripts path is not a directory: %s", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read scripts directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".js") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		content, err := os.ReadFile(path)
		if err != nil {
			r.logger.Error().Err(err).Str("file", entry.Name()).Msg("failed to read script")
			continue
		}
		if err := r.RunScript(ctx, entry.Name(), string(content)); err != nil {
			if ctx.Err() != nil {
				return loaded, ctx.Err()
			}
			r.logger.Error().Err(err).Str("file", entry.Name()).Msg("failed to run script")
			continue
		}
		loaded++
		r.logger.Info().Str("file", entry.Name()).Msg("script loaded")
	}

	r.logger.Info().Int("loaded", loaded).Str("directory", dir).Msg("scripts loaded")
	return loaded, nil
}

func scriptError(err error) error {
	var jsErr *goja.Exception
	if errors.As(err, &jsErr) {
		return fmt.Errorf("%s", jsErr.String())
	}
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return ErrTimeout
	}
	return err
}

func (r *Runtime) callContext() (context.Context, context.CancelFunc) {
	if r.opts.CallTimeout > 0 {
		return context.WithTimeout(r.ctx, r.opts.CallTimeout)
	}
	return context.WithCancel(r.ctx)
}

// callback invokes a JS function on the loop, logging exceptions.
func (r *Runtime) callback(fn goja.Callable, args ...goja.Value) {
	if _, err := fn(goja.Undefined(), args...); err != nil {
		r.logger.Error().Err(scriptError(err)).Msg("script callback failed")
	}
}

func (r *Runtime) setupConsole() {
	console := r.vm.NewObject()
	logAt := func(level zerolog.Level) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			args := make([]interface{}, len(call.Arguments))
			for i, arg := range call.Arguments {
				args[i] = arg.Export()
			}
			r.logger.WithLevel(level).Msgf("[script] %v", args)
			return goja.Undefined()
		}
	}
	console.Set("log", logAt(zerolog.InfoLevel))
	console.Set("info", logAt(zerolog.InfoLevel))
	console.Set("error", logAt(zerolog.ErrorLevel))
	console.Set("warn", logAt(zerolog.WarnLevel))
	console.Set("debug", logAt(zerolog.DebugLevel))
	r.vm.Set("console", console)
}
