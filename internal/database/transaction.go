package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"nativebridge/internal/bridge"
	"nativebridge/internal/jsoncodec"
	"nativebridge/internal/nativeerror"
	"nativebridge/internal/synctree"
)

// Native waits this long for an update answer before failing the transaction
// with database/internal-timeout.
const transactionCommitTimeout = 5 * time.Second

var (
	ErrNilTransactionUpdate    = errors.New("database: transaction update function is required")
	ErrTransactionsUnavailable = errors.New("database: transaction module not available")
)

// TransactionUpdate receives the current value at the location and returns
// the value to commit. Returning abort true ends the transaction without a
// write. It may run several times when native retries.
type TransactionUpdate func(current any) (value any, abort bool)

// TransactionResult is the outcome of a finished transaction.
type TransactionResult struct {
	Committed bool
	Snapshot  *synctree.Snapshot
}

type transactionOutcome struct {
	result *TransactionResult
	err    error
}

type pendingTransaction struct {
	id     int64
	ref    *Reference
	update TransactionUpdate
	stack  nativeerror.Stack
	done   chan transactionOutcome
}

type transactions struct {
	mu      sync.Mutex
	nextID  int64
	pending map[int64]*pendingTransaction
}

func newTransactions() *transactions {
	return &transactions{pending: make(map[int64]*pendingTransaction)}
}

func (t *transactions) add(ref *Reference, update TransactionUpdate, stack nativeerror.Stack) *pendingTransaction {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	tx := &pendingTransaction{
		id:     t.nextID,
		ref:    ref,
		update: update,
		stack:  stack,
		done:   make(chan transactionOutcome, 1),
	}
	t.pending[tx.id] = tx
	return tx
}

func (t *transactions) get(id int64) *pendingTransaction {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending[id]
}

// take removes the transaction so that it settles at most once.
func (t *transactions) take(id int64) *pendingTransaction {
	t.mu.Lock()
	defer t.mu.Unlock()
	tx, ok := t.pending[id]
	if !ok {
		return nil
	}
	delete(t.pending, id)
	return tx
}

func (t *transactions) drain() []*pendingTransaction {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*pendingTransaction, 0, len(t.pending))
	for id, tx := range t.pending {
		out = append(out, tx)
		delete(t.pending, id)
	}
	return out
}

// Transaction atomically modifies the data at the location. update runs for
// every attempt native makes; the call returns once native reports the
// transaction complete or failed, or ctx is done.
func (r *Reference) Transaction(ctx context.Context, update TransactionUpdate, applyLocally bool) (*TransactionResult, error) {
	if update == nil {
		return nil, ErrNilTransactionUpdate
	}
	db := r.db
	if db.transaction == nil {
		return nil, ErrTransactionsUnavailable
	}

	tx := db.transactions.add(r, update, nativeerror.CaptureStack(1))
	if err := db.transaction.Start(ctx, r.path, tx.id, applyLocally); err != nil {
		db.transactions.take(tx.id)
		return nil, fmt.Errorf("transaction on %s: %w", r.path, err)
	}
	db.logger.Debug().Int64("transaction", tx.id).Str("path", r.path).Msg("transaction started")

	select {
	case out := <-tx.done:
		return out.result, out.err
	case <-ctx.Done():
		db.transactions.take(tx.id)
		return nil, ctx.Err()
	}
}

// AbortTransactions fails every pending transaction with err and returns how
// many there were.
func (d *Database) AbortTransactions(err error) int {
	pending := d.transactions.drain()
	for _, tx := range pending {
		tx.done <- transactionOutcome{err: err}
	}
	return len(pending)
}

type transactionEvent struct {
	ID   int64                `json:"id"`
	Body transactionEventBody `json:"body"`
}

type transactionEventBody struct {
	Type        string                `json:"type"`
	Value       json.RawMessage       `json:"value"`
	Committed   bool                  `json:"committed"`
	Snapshot    json.RawMessage       `json:"snapshot"`
	Error       *nativeerror.UserInfo `json:"error"`
	Timeout     bool                  `json:"timeout"`
	Interrupted bool                  `json:"interrupted"`
}

// HandleTransactionEvent routes a database_transaction_event to its
// transaction. It never blocks on a native call.
func (d *Database) HandleTransactionEvent(env *bridge.Envelope) {
	var ev transactionEvent
	if err := env.Decode(&ev); err != nil {
		d.logger.Warn().Err(err).Msg("dropping malformed transaction event")
		return
	}

	switch ev.Body.Type {
	case "update":
		tx := d.transactions.get(ev.ID)
		if tx == nil {
			d.logger.Debug().Int64("transaction", ev.ID).Msg("update for unknown transaction")
			return
		}
		go d.commitTransaction(tx, ev.Body.Value)

	case "error":
		tx := d.transactions.take(ev.ID)
		if tx == nil {
			return
		}
		var info nativeerror.UserInfo
		if ev.Body.Error != nil {
			info = *ev.Body.Error
		}
		tx.done <- transactionOutcome{err: nativeerror.FromEvent(info, synctree.Namespace, tx.stack)}

	case "complete":
		tx := d.transactions.take(ev.ID)
		if tx == nil {
			return
		}
		raw := ev.Body.Snapshot
		if len(raw) == 0 {
			raw = json.RawMessage("null")
		}
		snap, err := synctree.DecodeSnapshot(tx.ref, raw)
		if err != nil {
			tx.done <- transactionOutcome{err: fmt.Errorf("transaction on %s: %w", tx.ref.path, err)}
			return
		}
		d.logger.Debug().
			Int64("transaction", tx.id).
			Bool("committed", ev.Body.Committed).
			Msg("transaction complete")
		tx.done <- transactionOutcome{result: &TransactionResult{Committed: ev.Body.Committed, Snapshot: snap}}

	default:
		d.logger.Warn().Str("type", ev.Body.Type).Int64("transaction", ev.ID).Msg("unknown transaction event type")
	}
}

func (d *Database) commitTransaction(tx *pendingTransaction, raw json.RawMessage) {
	var current any
	if len(raw) > 0 {
		if err := jsoncodec.Unmarshal(raw, &current); err != nil {
			d.logger.Warn().Err(err).Int64("transaction", tx.id).Msg("malformed transaction value, aborting")
			d.tryCommit(tx.id, nil, true)
			return
		}
	}

	value, abort := runUpdate(tx.update, current)
	d.tryCommit(tx.id, value, abort)
}

func (d *Database) tryCommit(id int64, value any, abort bool) {
	ctx, cancel := context.WithTimeout(context.Background(), transactionCommitTimeout)
	defer cancel()
	if err := d.transaction.TryCommit(ctx, id, value, abort); err != nil {
		d.logger.Warn().Err(err).Int64("transaction", id).Msg("transaction commit failed")
	}
}

// runUpdate aborts when update panics.
func runUpdate(update TransactionUpdate, current any) (value any, abort bool) {
	defer func() {
		if r := recover(); r != nil {
			value, abort = nil, true
		}
	}()
	return update(current)
}
