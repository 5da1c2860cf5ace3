// Copyright 2023-2026 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package connpool

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bufbuild/httppool/conn"
	"github.com/bufbuild/httppool/internal"
	"github.com/bufbuild/httppool/picker"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// minSweepInterval bounds how often the idle sweep runs.
const minSweepInterval = time.Millisecond

var errNilConn = errors.New("connector returned nil connection")

// Connector establishes new physical connections for a pool. Each call
// opens one connection. Implementations typically resolve the origin's
// address and then dial it, trying each resolved address in turn.
type Connector interface {
	Connect(ctx context.Context) (conn.Conn, error)
}

// ConnectorFunc adapts an ordinary function into a Connector.
type ConnectorFunc func(ctx context.Context) (conn.Conn, error)

// Connect implements Connector.
func (f ConnectorFunc) Connect(ctx context.Context) (conn.Conn, error) {
	return f(ctx)
}

// Pool is a bounded set of connections to a single origin.
//
// The number of connections, whether established, in use or still
// connecting, never exceeds the pool's limit. Requests that cannot be served
// immediately wait in a FIFO queue.
type Pool struct {
	connector      Connector
	maxConnections int
	maxUsageCount  int
	maxDuration    time.Duration
	idleTimeout    time.Duration
	connectTimeout time.Duration
	maxMultiplex   int
	policy         Policy
	logger         *zap.Logger
	listeners      []Listener
	executor       func(func())
	clock          internal.Clock

	ctx           context.Context //nolint:containedctx
	cancel        context.CancelFunc
	sweeperDone   chan struct{}
	closeComplete chan struct{}
	connecting    sync.WaitGroup

	mu sync.Mutex
	// +checklocks:mu
	stopAfterFunc func() bool
	// +checklocks:mu
	picker picker.Picker
	// Entries in creation order, including pending ones.
	// +checklocks:mu
	entries []*entry
	// +checklocks:mu
	waiters list.List
	// +checklocks:mu
	nextID uint64
	// +checklocks:mu
	releaseSeq uint64
	// +checklocks:mu
	closed bool
	// Multiplex limit of the most recently established connection, or 0.
	// +checklocks:mu
	connMultiplex int
	// Scratch space for selection, parallel slices.
	// +checklocks:mu
	candidates []picker.Candidate
	// +checklocks:mu
	eligible []*entry

	stats poolStats
}

type poolStats struct {
	// +checkatomic
	total atomic.Int32
	// +checkatomic
	active atomic.Int32
	// +checkatomic
	idle atomic.Int32
	// +checkatomic
	pending atomic.Int32
	// +checkatomic
	queued atomic.Int32
	// +checkatomic
	created atomic.Int64
	// +checkatomic
	removed atomic.Int64
}

// waiter is a request waiting for a connection. All fields are guarded by
// the pool's mutex.
type waiter struct {
	ctx      context.Context //nolint:containedctx
	callback func(*Lease, error)
	// element in the pool's queue, nil when not queued
	elem *list.Element
	// pending entry connecting on this waiter's behalf
	reserved *entry
	stop     func() bool
	done     bool
}

// effects collects the work resulting from a state transition that must be
// performed after the pool's mutex is released.
type effects struct {
	events   []event
	grants   []grant
	connects []*entry
	closes   []conn.Conn
}

type grant struct {
	waiter *waiter
	lease  *Lease
	err    error
}

// New creates a pool that uses the given connector to open connections.
//
// The pool is closed when the given context is cancelled. Connection
// attempts use a context derived from it.
func New(ctx context.Context, connector Connector, options ...Option) *Pool {
	var opts poolOptions
	for _, opt := range options {
		opt.apply(&opts)
	}
	opts.applyDefaults()

	ctx, cancel := context.WithCancel(ctx)
	pool := &Pool{
		connector:      connector,
		maxConnections: opts.maxConnections,
		maxUsageCount:  opts.maxUsageCount,
		maxDuration:    opts.maxDuration,
		idleTimeout:    opts.idleTimeout,
		connectTimeout: opts.connectTimeout,
		maxMultiplex:   opts.policy.maxMultiplex,
		policy:         opts.policy,
		logger:         opts.logger.Named("connpool"),
		listeners:      opts.listeners,
		executor:       opts.executor,
		clock:          opts.clock,
		ctx:            ctx,
		cancel:         cancel,
		closeComplete:  make(chan struct{}),
		picker:         opts.policy.newPicker(),
	}
	pool.waiters.Init()
	if pool.idleTimeout > 0 {
		pool.sweeperDone = make(chan struct{})
		ticker := pool.clock.NewTicker(max(pool.idleTimeout/2, minSweepInterval))
		go pool.sweepIdle(ticker)
	}
	pool.mu.Lock()
	pool.stopAfterFunc = context.AfterFunc(ctx, func() {
		_ = pool.Close()
	})
	pool.mu.Unlock()
	pool.logger.Debug("pool created",
		zap.Int("max_connections", pool.maxConnections),
		zap.Int("max_usage_count", pool.maxUsageCount),
		zap.Duration("max_duration", pool.maxDuration),
		zap.Duration("idle_timeout", pool.idleTimeout),
		zap.Stringer("policy", opts.policy),
	)
	return pool
}

// Acquire leases a connection, waiting for one to become available if
// necessary. It returns the context's error if the context is done before a
// connection is available, or a *ConnectError if the connection opened for
// this request could not be established.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	type result struct {
		lease *Lease
		err   error
	}
	results := make(chan result, 1)
	p.AcquireFunc(ctx, func(lease *Lease, err error) {
		results <- result{lease: lease, err: err}
	})
	res := <-results
	return res.lease, res.err
}

// AcquireFunc leases a connection without blocking. The given callback is
// invoked exactly once, with either a lease or an error, using the pool's
// executor. It is never invoked before AcquireFunc returns to a caller on
// the same goroutine, nor while the pool's lock is held.
//
// If the context is done while the request is still waiting, the request is
// removed from the queue and the callback receives the context's error. A
// connection being opened on its behalf is kept for other requests.
func (p *Pool) AcquireFunc(ctx context.Context, callback func(*Lease, error)) {
	w := &waiter{ctx: ctx, callback: callback}
	var eff effects
	p.mu.Lock()
	switch {
	case p.closed:
		p.completeLocked(w, nil, ErrPoolClosed, &eff)
	case ctx.Err() != nil:
		p.completeLocked(w, nil, ctx.Err(), &eff)
	default:
		// Joining the back of the queue first means a new arrival is only
		// served directly when nobody else is waiting.
		w.elem = p.waiters.PushBack(w)
		p.dispatchLocked(nil, &eff)
		if !w.done {
			w.stop = context.AfterFunc(ctx, func() {
				p.abandon(w)
			})
		}
	}
	p.updateStatsLocked()
	p.mu.Unlock()
	p.apply(&eff)
}

// PreCreate opens up to n new connections, as far as the connection limit
// allows, and waits for them to be established. Failures of individual
// connections do not affect the others; their errors are joined into the
// returned error. If the context is done first, its error is returned, but
// the connections keep connecting in the background.
func (p *Pool) PreCreate(ctx context.Context, n int) error {
	var eff effects
	var created []*entry
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	for i := 0; i < n && len(p.entries) < p.maxConnections; i++ {
		created = append(created, p.newPendingLocked(nil, &eff))
	}
	p.updateStatsLocked()
	p.mu.Unlock()
	p.apply(&eff)

	var errs []error
	for _, e := range created {
		select {
		case <-e.connected:
			if e.connectErr != nil {
				errs = append(errs, e.connectErr)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return errors.Join(errs...)
}

// Close closes the pool. Queued requests fail with ErrPoolClosed, pending
// connection attempts are cancelled, and all connections are closed, even
// those still in use. Close waits for all of that to finish and returns any
// errors from closing connections. Calling Close again has no effect.
func (p *Pool) Close() error {
	var eff effects
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.closeComplete
		return nil
	}
	p.closed = true
	for w := p.frontLocked(); w != nil; w = p.frontLocked() {
		p.dequeueLocked(w)
		p.completeLocked(w, nil, ErrPoolClosed, &eff)
	}
	for _, e := range slices.Clone(p.entries) {
		// pending entries are removed when their connect returns
		if e.state != StatePending {
			p.removeLocked(e, RemoveReasonPoolClosed, &eff)
		}
	}
	stopAfterFunc := p.stopAfterFunc
	p.updateStatsLocked()
	p.mu.Unlock()

	stopAfterFunc()
	p.cancel()
	closes := eff.closes
	eff.closes = nil
	p.apply(&eff)

	var grp errgroup.Group
	for _, c := range closes {
		grp.Go(c.Close)
	}
	err := grp.Wait()
	p.connecting.Wait()
	if p.sweeperDone != nil {
		<-p.sweeperDone
	}
	p.logger.Debug("pool closed",
		zap.Int64("total_created", p.stats.created.Load()),
		zap.Int64("total_removed", p.stats.removed.Load()),
	)
	close(p.closeComplete)
	return err
}

// ConnectionCount returns the number of connections in the pool, including
// those still being established.
func (p *Pool) ConnectionCount() int {
	return int(p.stats.total.Load())
}

// ActiveConnectionCount returns the number of connections in use by at
// least one request.
func (p *Pool) ActiveConnectionCount() int {
	return int(p.stats.active.Load())
}

// IdleConnectionCount returns the number of established connections that no
// request is using.
func (p *Pool) IdleConnectionCount() int {
	return int(p.stats.idle.Load())
}

// PendingConnectionCount returns the number of connections being
// established.
func (p *Pool) PendingConnectionCount() int {
	return int(p.stats.pending.Load())
}

// QueuedCount returns the number of requests waiting for a connection.
func (p *Pool) QueuedCount() int {
	return int(p.stats.queued.Load())
}

// IsEmpty reports whether the pool has no connections at all.
func (p *Pool) IsEmpty() bool {
	return p.stats.total.Load() == 0
}

// MaxConnections returns the pool's connection limit.
func (p *Pool) MaxConnections() int {
	return p.maxConnections
}

// Stats is a point-in-time summary of a pool. Its fields are read without
// locking, so they may not be mutually consistent under concurrent use.
type Stats struct {
	Connections        int   `json:"connections" yaml:"connections"`
	ActiveConnections  int   `json:"active_connections" yaml:"active_connections"`
	IdleConnections    int   `json:"idle_connections" yaml:"idle_connections"`
	PendingConnections int   `json:"pending_connections" yaml:"pending_connections"`
	Queued             int   `json:"queued" yaml:"queued"`
	TotalCreated       int64 `json:"total_created" yaml:"total_created"`
	TotalRemoved       int64 `json:"total_removed" yaml:"total_removed"`
}

// Policy returns the policy the pool uses to select connections.
func (p *Pool) Policy() Policy {
	return p.policy
}

// Stats returns a summary of the pool's state and history.
func (p *Pool) Stats() Stats {
	return Stats{
		Connections:        p.ConnectionCount(),
		ActiveConnections:  p.ActiveConnectionCount(),
		IdleConnections:    p.IdleConnectionCount(),
		PendingConnections: p.PendingConnectionCount(),
		Queued:             p.QueuedCount(),
		TotalCreated:       p.stats.created.Load(),
		TotalRemoved:       p.stats.removed.Load(),
	}
}

func (p *Pool) abandon(w *waiter) {
	var eff effects
	p.mu.Lock()
	if w.done {
		p.mu.Unlock()
		return
	}
	p.dequeueLocked(w)
	p.completeLocked(w, nil, w.ctx.Err(), &eff)
	p.updateStatsLocked()
	p.mu.Unlock()
	p.apply(&eff)
}

func (p *Pool) release(lease *Lease, discard bool, cause error) error {
	e := lease.entry
	if !lease.released.CompareAndSwap(false, true) {
		p.logger.DPanic("connection lease released twice", zap.Uint64("conn_id", e.id))
		return ErrAlreadyReleased
	}
	var eff effects
	p.mu.Lock()
	now := p.clock.Now()
	e.inUse--
	e.lastUsed = now
	p.releaseSeq++
	e.releaseSeq = p.releaseSeq
	eff.events = append(eff.events, event{kind: eventReleased, info: e.info()})
	if discard {
		p.logger.Debug("connection discarded", zap.Uint64("conn_id", e.id), zap.Error(cause))
		p.retireLocked(e, RemoveReasonDiscarded)
	} else if reason, ok := p.shouldRetireLocked(e, now); ok {
		p.retireLocked(e, reason)
	}
	var hint *entry
	switch {
	case e.state == StateClosed:
		// already removed by Close
	case e.retiring:
		if e.inUse == 0 {
			p.removeLocked(e, e.retireReason, &eff)
		}
	default:
		if e.inUse == 0 {
			e.state = StateIdle
		}
		hint = e
	}
	// Removal above precedes any replacement reserved here.
	p.dispatchLocked(hint, &eff)
	p.updateStatsLocked()
	p.mu.Unlock()
	p.apply(&eff)
	return nil
}

func (p *Pool) connect(e *entry) {
	defer p.connecting.Done()
	ctx, cancel := context.WithCancelCause(p.ctx)
	timer := p.clock.AfterFunc(p.connectTimeout, func() {
		cancel(ErrConnectTimeout)
	})
	c, err := p.connector.Connect(ctx)
	timer.Stop()
	if err == nil && c == nil {
		err = errNilConn
	}
	if err != nil {
		if errors.Is(context.Cause(ctx), ErrConnectTimeout) && p.ctx.Err() == nil {
			err = fmt.Errorf("%w after %v: %w", ErrConnectTimeout, p.connectTimeout, err)
		}
		err = &ConnectError{Err: err}
	}
	cancel(nil)

	var eff effects
	p.mu.Lock()
	if err != nil {
		p.connectFailedLocked(e, err, &eff)
	} else {
		p.connectedLocked(e, c, &eff)
	}
	p.updateStatsLocked()
	// PreCreate observes the counts as of this point.
	close(e.connected)
	p.mu.Unlock()
	p.apply(&eff)
}

// +checklocks:p.mu
func (p *Pool) connectedLocked(e *entry, c conn.Conn, eff *effects) {
	e.conn = c
	if owner := e.owner; owner != nil {
		owner.reserved = nil
		e.owner = nil
	}
	if p.closed {
		e.connectErr = ErrPoolClosed
		p.removeLocked(e, RemoveReasonPoolClosed, eff)
		return
	}
	now := p.clock.Now()
	e.state = StateIdle
	e.createdAt = now
	e.lastUsed = now
	e.maxMultiplex = p.multiplexFor(c)
	p.connMultiplex = e.maxMultiplex
	p.stats.created.Add(1)
	p.logger.Debug("connection created",
		zap.Uint64("conn_id", e.id),
		zap.Int("max_multiplex", e.maxMultiplex),
		zap.Int("total", len(p.entries)),
	)
	eff.events = append(eff.events, event{kind: eventCreated, info: e.info()})
	p.dispatchLocked(e, eff)
}

// +checklocks:p.mu
func (p *Pool) connectFailedLocked(e *entry, err error, eff *effects) {
	e.connectErr = err
	p.removeLocked(e, removeReasonConnectError, eff)
	owner := e.owner
	if owner != nil {
		owner.reserved = nil
		e.owner = nil
	}
	if p.closed {
		return
	}
	p.logger.Debug("connect failed", zap.Uint64("conn_id", e.id), zap.Error(err))
	if owner != nil && !owner.done {
		p.dequeueLocked(owner)
		p.completeLocked(owner, nil, err, eff)
	}
	if len(p.entries) == 0 {
		// Nothing left that could serve the rest of the queue.
		for w := p.frontLocked(); w != nil; w = p.frontLocked() {
			p.dequeueLocked(w)
			p.completeLocked(w, nil, err, eff)
		}
		return
	}
	p.dispatchLocked(nil, eff)
}

// dispatchLocked hands connections with spare capacity to queued requests,
// in order, and then reserves new connections for the requests that remain
// unserved. If hint is non-nil, it is offered to the queue first.
//
// +checklocks:p.mu
func (p *Pool) dispatchLocked(hint *entry, eff *effects) {
	if p.closed {
		return
	}
	for p.waiters.Len() > 0 {
		var e *entry
		if hint != nil && hint.hasSpare() {
			e = hint
		} else {
			hint = nil
			e = p.selectLocked(eff)
		}
		if e == nil {
			break
		}
		p.leaseLocked(e, p.frontLocked(), eff)
	}
	p.reserveLocked(eff)
}

// reserveLocked opens new connections, up to the limit, until the pending
// connections can absorb every queued request. Each new connection is owned
// by the first queued request that does not own one yet.
//
// +checklocks:p.mu
func (p *Pool) reserveLocked(eff *effects) {
	perConn := p.pendingMultiplexLocked()
	capacity := 0
	for _, e := range p.entries {
		if e.state == StatePending {
			capacity += perConn
		}
	}
	need := p.waiters.Len() - capacity
	elem := p.waiters.Front()
	for need > 0 && len(p.entries) < p.maxConnections {
		for elem != nil && waiterOf(elem).reserved != nil {
			elem = elem.Next()
		}
		var owner *waiter
		if elem != nil {
			owner = waiterOf(elem)
			elem = elem.Next()
		}
		p.newPendingLocked(owner, eff)
		need -= perConn
	}
}

// pendingMultiplexLocked returns how many requests a connection still being
// established is expected to carry. Until one connection has been
// established, that is the policy's limit. After that, it is what the last
// established connection actually offered, so a peer allowing fewer
// concurrent streams than the policy gets more connections opened in
// parallel.
//
// +checklocks:p.mu
func (p *Pool) pendingMultiplexLocked() int {
	if p.connMultiplex > 0 {
		return p.connMultiplex
	}
	return p.maxMultiplex
}

// selectLocked returns the connection that should serve the next request,
// or nil if a new connection should be opened or the request must wait.
// Idle connections found to be expired are removed along the way.
//
// +checklocks:p.mu
func (p *Pool) selectLocked(eff *effects) *entry {
	now := p.clock.Now()
	p.candidates = p.candidates[:0]
	p.eligible = p.eligible[:0]
	var expired []*entry
	for _, e := range p.entries {
		if e.state == StatePending || e.retiring {
			continue
		}
		if reason, ok := p.shouldRetireLocked(e, now); ok {
			p.retireLocked(e, reason)
			if e.inUse == 0 {
				expired = append(expired, e)
			}
			continue
		}
		e.maxMultiplex = p.multiplexFor(e.conn)
		p.candidates = append(p.candidates, picker.Candidate{
			InUse:        e.inUse,
			MaxMultiplex: e.maxMultiplex,
			LastReleased: e.releaseSeq,
		})
		p.eligible = append(p.eligible, e)
	}
	for _, e := range expired {
		p.removeLocked(e, e.retireReason, eff)
	}

	index := p.picker.Pick(p.candidates)
	if index >= 0 && index < len(p.candidates) && p.candidates[index].Spare() > 0 {
		return p.eligible[index]
	}
	if len(p.entries) < p.maxConnections {
		return nil
	}
	if index = picker.FirstFit(p.candidates); index >= 0 {
		return p.eligible[index]
	}
	return nil
}

// +checklocks:p.mu
func (p *Pool) leaseLocked(e *entry, w *waiter, eff *effects) {
	p.dequeueLocked(w)
	e.inUse++
	e.usageCount++
	e.state = StateActive
	if p.maxUsageCount > 0 && e.usageCount >= p.maxUsageCount {
		p.retireLocked(e, RemoveReasonMaxUsage)
	}
	eff.events = append(eff.events, event{kind: eventAcquired, info: e.info()})
	p.completeLocked(w, &Lease{pool: p, entry: e, conn: e.conn}, nil, eff)
}

// +checklocks:p.mu
func (p *Pool) newPendingLocked(owner *waiter, eff *effects) *entry {
	p.nextID++
	e := &entry{
		id:           p.nextID,
		state:        StatePending,
		maxMultiplex: 1,
		owner:        owner,
		connected:    make(chan struct{}),
	}
	if owner != nil {
		owner.reserved = e
	}
	p.entries = append(p.entries, e)
	p.connecting.Add(1)
	eff.connects = append(eff.connects, e)
	return e
}

// +checklocks:p.mu
func (p *Pool) removeLocked(e *entry, reason RemoveReason, eff *effects) {
	index := slices.Index(p.entries, e)
	if index < 0 {
		return
	}
	p.entries = slices.Delete(p.entries, index, index+1)
	wasPending := e.state == StatePending
	e.state = StateClosed
	if e.conn != nil {
		eff.closes = append(eff.closes, e.conn)
	}
	if wasPending {
		return
	}
	p.stats.removed.Add(1)
	p.logger.Debug("connection removed",
		zap.Uint64("conn_id", e.id),
		zap.String("reason", string(reason)),
		zap.Int("remaining", len(p.entries)),
	)
	eff.events = append(eff.events, event{kind: eventRemoved, info: e.info(), reason: reason})
}

// +checklocks:p.mu
func (p *Pool) shouldRetireLocked(e *entry, now time.Time) (RemoveReason, bool) {
	switch {
	case e.conn.IsClosed():
		return RemoveReasonConnClosed, true
	case p.maxUsageCount > 0 && e.usageCount >= p.maxUsageCount:
		return RemoveReasonMaxUsage, true
	case p.maxDuration > 0 && now.Sub(e.createdAt) >= p.maxDuration:
		return RemoveReasonMaxDuration, true
	default:
		return "", false
	}
}

// +checklocks:p.mu
func (p *Pool) retireLocked(e *entry, reason RemoveReason) {
	if !e.retiring {
		e.retiring = true
		e.retireReason = reason
	}
}

// dequeueLocked removes the given waiter from the queue, if queued. A
// pending connection it owned passes to the next queued waiter that owns
// none, or becomes unowned.
//
// +checklocks:p.mu
func (p *Pool) dequeueLocked(w *waiter) {
	if w.elem == nil {
		return
	}
	p.waiters.Remove(w.elem)
	w.elem = nil
	e := w.reserved
	if e == nil {
		return
	}
	w.reserved = nil
	e.owner = nil
	for elem := p.waiters.Front(); elem != nil; elem = elem.Next() {
		if next := waiterOf(elem); next.reserved == nil {
			next.reserved = e
			e.owner = next
			return
		}
	}
}

// +checklocks:p.mu
func (p *Pool) completeLocked(w *waiter, lease *Lease, err error, eff *effects) {
	w.done = true
	if w.stop != nil {
		w.stop()
	}
	eff.grants = append(eff.grants, grant{waiter: w, lease: lease, err: err})
}

// +checklocks:p.mu
func (p *Pool) frontLocked() *waiter {
	if elem := p.waiters.Front(); elem != nil {
		return waiterOf(elem)
	}
	return nil
}

// +checklocks:p.mu
func (p *Pool) updateStatsLocked() {
	var active, idle, pending int32
	for _, e := range p.entries {
		switch e.state {
		case StatePending:
			pending++
		case StateIdle:
			idle++
		case StateActive:
			active++
		case StateClosed:
		}
	}
	p.stats.total.Store(int32(len(p.entries))) //nolint:gosec // bounded by maxConnections
	p.stats.active.Store(active)
	p.stats.idle.Store(idle)
	p.stats.pending.Store(pending)
	p.stats.queued.Store(int32(p.waiters.Len())) //nolint:gosec // overflow is not a concern for diagnostics
}

func (p *Pool) multiplexFor(c conn.Conn) int {
	limit := c.MaxMultiplex()
	if limit < 1 {
		limit = 1
	}
	if p.maxMultiplex > 0 && limit > p.maxMultiplex {
		limit = p.maxMultiplex
	}
	return limit
}

func (p *Pool) apply(eff *effects) {
	for _, ev := range eff.events {
		for _, listener := range p.listeners {
			ev.notify(listener)
		}
	}
	for _, g := range eff.grants {
		p.executor(func() {
			g.waiter.callback(g.lease, g.err)
		})
	}
	for _, e := range eff.connects {
		go p.connect(e)
	}
	for _, c := range eff.closes {
		if err := c.Close(); err != nil {
			p.logger.Debug("error closing connection", zap.Error(err))
		}
	}
}

func (p *Pool) sweepIdle(ticker internal.Ticker) {
	defer close(p.sweeperDone)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.Chan():
			p.evictIdle()
		}
	}
}

func (p *Pool) evictIdle() {
	var eff effects
	p.mu.Lock()
	now := p.clock.Now()
	var evicted bool
	for _, e := range slices.Clone(p.entries) {
		if e.state != StateIdle {
			continue
		}
		switch {
		case now.Sub(e.lastUsed) >= p.idleTimeout:
			p.removeLocked(e, RemoveReasonIdleTimeout, &eff)
			evicted = true
		case e.conn.IsClosed():
			p.removeLocked(e, RemoveReasonConnClosed, &eff)
			evicted = true
		}
	}
	if evicted {
		p.dispatchLocked(nil, &eff)
	}
	p.updateStatsLocked()
	p.mu.Unlock()
	p.apply(&eff)
}

func waiterOf(elem *list.Element) *waiter {
	w, _ := elem.Value.(*waiter)
	return w
}
