package vm

import (
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/tolelom/nftmarket/core"
	"github.com/tolelom/nftmarket/events"
	"github.com/tolelom/nftmarket/registry"
)

// Context is passed to every Handler and provides access to the market
// state, the token registry, the triggering request, and the event buffer.
type Context struct {
	State    core.State
	Registry registry.TokenRegistry
	Req      *core.Request
	// Package is the deployment's package identity, stamped on every
	// emitted event so watchers can filter by deployment.
	Package string
	// Now is the transaction time, injected by the executor.
	Now int64

	buffered []events.Event
}

// Emit buffers an event for the current request. Buffered events are
// appended to the persisted log and published only if the whole request
// commits; a failed request emits nothing.
func (c *Context) Emit(tokenID string, payload events.Payload) {
	c.buffered = append(c.buffered, events.New(c.Package, tokenID, c.Req.ID, payload))
}

// Receipt describes a committed request.
type Receipt struct {
	RequestID string
	StateRoot string
	Events    []events.Event
}

// Executor applies requests to the state using the global Handler registry.
// A mutex serializes execution: each request runs to completion as a single
// transaction, so two racing requests on the same token resolve in some
// order and the loser fails its precondition re-check.
type Executor struct {
	mu       sync.Mutex
	state    core.State
	registry registry.TokenRegistry
	emitter  *events.Emitter
	nowFn    func() int64
}

// NewExecutor creates an Executor over state and the token registry.
// emitter may be nil when no in-process watcher is attached.
func NewExecutor(state core.State, reg registry.TokenRegistry, emitter *events.Emitter) *Executor {
	return &Executor{
		state:    state,
		registry: reg,
		emitter:  emitter,
		nowFn:    func() int64 { return time.Now().Unix() },
	}
}

// SetNowFunc overrides the time source, primarily used in tests.
func (e *Executor) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// Execute verifies and executes a single request with snapshot/rollback,
// then commits. Either every store mutation, escrow movement and event of
// the request is persisted, or none is.
func (e *Executor) Execute(req *core.Request) (*Receipt, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := req.Verify(); err != nil {
		return nil, fmt.Errorf("signature: %w", err)
	}

	snapID, err := e.state.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}

	ctx, err := e.applyRequest(req)
	if err != nil {
		if revertErr := e.state.RevertToSnapshot(snapID); revertErr != nil {
			return nil, fmt.Errorf("revert snapshot after request failure: %w (revert: %v)", err, revertErr)
		}
		return nil, err
	}

	committed, err := e.commitEvents(ctx)
	if err != nil {
		if revertErr := e.state.RevertToSnapshot(snapID); revertErr != nil {
			return nil, fmt.Errorf("revert snapshot after event failure: %w (revert: %v)", err, revertErr)
		}
		return nil, err
	}

	root := e.state.ComputeRoot()
	if err := e.state.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	// Publish only after the durable commit so subscribers never observe
	// a transition that did not happen.
	if e.emitter != nil {
		for _, ev := range committed {
			e.emitter.Emit(ev)
		}
	}

	return &Receipt{RequestID: req.ID, StateRoot: root, Events: committed}, nil
}

// applyRequest deducts the fee, increments the nonce, then dispatches to
// the handler.
func (e *Executor) applyRequest(req *core.Request) (*Context, error) {
	acc, err := e.state.GetAccount(req.From)
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	if acc.Nonce != req.Nonce {
		return nil, fmt.Errorf("invalid nonce: expected %d got %d", acc.Nonce, req.Nonce)
	}
	if acc.Balance < req.Fee {
		return nil, errors.Wrapf(core.ErrInsufficientFunds, "fee: have %d, need %d", acc.Balance, req.Fee)
	}
	if acc.Nonce == math.MaxUint64 {
		return nil, fmt.Errorf("nonce overflow for account %s", req.From)
	}
	acc.Balance -= req.Fee
	acc.Nonce++
	if err := e.state.SetAccount(acc); err != nil {
		return nil, err
	}

	pkg, err := e.state.GetNamedValue(core.NamedKeyPackageHash)
	if errors.Is(err, core.ErrNotFound) {
		pkg = ""
	} else if err != nil {
		return nil, err
	}

	ctx := &Context{
		State:    e.state,
		Registry: e.registry,
		Req:      req,
		Package:  pkg,
		Now:      e.nowFn(),
	}
	if err := globalRegistry.Execute(req.Entrypoint, ctx, req.Payload); err != nil {
		return nil, err
	}
	return ctx, nil
}

// commitEvents appends the request's buffered events to the state log and
// refreshes the latest_event named value. The writes sit in the same
// buffer as the handler's mutations, so they revert together.
func (e *Executor) commitEvents(ctx *Context) ([]events.Event, error) {
	if len(ctx.buffered) == 0 {
		return nil, nil
	}
	last, err := e.state.LastEventSeq()
	if err != nil {
		return nil, fmt.Errorf("event seq: %w", err)
	}
	committed := make([]events.Event, 0, len(ctx.buffered))
	for i, ev := range ctx.buffered {
		ev.Seq = last + uint64(i) + 1
		raw, err := json.Marshal(ev)
		if err != nil {
			return nil, fmt.Errorf("encode event: %w", err)
		}
		if err := e.state.AppendEvent(ev.Seq, raw); err != nil {
			return nil, fmt.Errorf("append event: %w", err)
		}
		if err := e.state.SetNamedValue(core.NamedKeyLatestEvent, string(raw)); err != nil {
			return nil, err
		}
		committed = append(committed, ev)
	}
	return committed, nil
}
