// Package connectivity tracks network reachability and starts a sync pass
// whenever the device comes back online.
package connectivity

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Source reports reachability and notifies subscribers of changes
type Source interface {
	CurrentState(ctx context.Context) (bool, error)
	// OnChange registers fn for state notifications and returns a function
	// that removes the subscription.
	OnChange(fn func(connected bool)) func()
}

// Trigger starts a sync pass; concurrent triggers are expected to coalesce
type Trigger interface {
	Trigger(ctx context.Context)
}

// Monitor triggers a pass once at start when connected and again on every
// transition from disconnected to connected.
type Monitor struct {
	source  Source
	trigger Trigger
	logger  *zap.Logger

	mu          sync.Mutex
	ctx         context.Context
	connected   bool
	started     bool
	unsubscribe func()
}

// NewMonitor creates a new connectivity monitor
func NewMonitor(source Source, trigger Trigger, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		source:  source,
		trigger: trigger,
		logger:  logger.Named("connectivity"),
	}
}

// Start subscribes to the source and probes the current state. A probe
// failure is treated as disconnected.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.ctx = ctx
	m.mu.Unlock()

	unsubscribe := m.source.OnChange(m.handle)

	connected, err := m.source.CurrentState(ctx)
	if err != nil {
		m.logger.Warn("Connectivity probe failed, assuming offline", zap.Error(err))
		connected = false
	}

	m.mu.Lock()
	m.unsubscribe = unsubscribe
	m.mu.Unlock()

	m.logger.Info("Connectivity monitor started", zap.Bool("connected", connected))
	m.handle(connected)
}

// Connected reports the last observed state
func (m *Monitor) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Stop removes the subscription; no further passes are triggered once it
// returns
func (m *Monitor) Stop() {
	m.mu.Lock()
	unsubscribe := m.unsubscribe
	m.unsubscribe = nil
	m.started = false
	m.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

func (m *Monitor) handle(connected bool) {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	was := m.connected
	m.connected = connected

	// Trigger runs under the lock so that no trigger fires once Stop returns.
	switch {
	case connected && !was:
		m.logger.Info("Network reachable, triggering sync")
		m.trigger.Trigger(m.ctx)
	case !connected && was:
		m.logger.Info("Network lost, violations will queue locally")
	}
	m.mu.Unlock()
}

// notifier fans state changes out to subscribers, dropping repeats
type notifier struct {
	mu    sync.Mutex
	next  int
	subs  map[int]func(bool)
	known bool
	last  bool
}

func (n *notifier) subscribe(fn func(bool)) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.subs == nil {
		n.subs = make(map[int]func(bool))
	}
	id := n.next
	n.next++
	n.subs[id] = fn
	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.subs, id)
	}
}

// publish notifies subscribers if the state differs from the last one published
func (n *notifier) publish(connected bool) {
	n.mu.Lock()
	if n.known && n.last == connected {
		n.mu.Unlock()
		return
	}
	n.known = true
	n.last = connected
	fns := make([]func(bool), 0, len(n.subs))
	for _, fn := range n.subs {
		fns = append(fns, fn)
	}
	n.mu.Unlock()

	for _, fn := range fns {
		fn(connected)
	}
}
