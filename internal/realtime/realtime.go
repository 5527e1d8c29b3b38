// Package realtime is the realtime manager (C6): per-table change-notification
// subscriptions that coalesce bursts of events into a single debounced sync
// trigger, rather than syncing once per event.
package realtime

import (
	"sync"
	"time"
)

// State is the connection state of one table's subscription.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

// DebounceWindow is the coalescing window: the manager waits this long after
// the last event before firing Trigger (spec §8.4 scenario E).
const DebounceWindow = 2 * time.Second

// Trigger is called at most once per debounce window, and is skipped
// entirely if it's already running when the timer fires.
type Trigger func()

// Subscriber opens and closes a notification channel for one table. Errors
// reported on errCh mark that table's state as StateError without taking
// down the other subscriptions — channel errors are isolated per table.
type Subscriber interface {
	Subscribe(table string) (events <-chan struct{}, errs <-chan error, err error)
	Unsubscribe(table string)
}

// Manager owns the debounce timer and per-table subscription state. It is
// the one long-lived object for this concern — no package-level state.
type Manager struct {
	sub     Subscriber
	trigger Trigger

	mu        sync.Mutex
	states    map[string]State
	timer     *time.Timer
	inFlight  bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
	tableDone map[string]chan struct{}
}

// New creates a Manager that calls trigger after DebounceWindow of silence
// following a burst of events across any subscribed table.
func New(sub Subscriber, trigger Trigger) *Manager {
	return &Manager{
		sub:       sub,
		trigger:   trigger,
		states:    make(map[string]State),
		tableDone: make(map[string]chan struct{}),
	}
}

// SetInFlight reports whether a sync triggered by this manager is currently
// running — when true, a debounce firing is dropped rather than queued,
// since the next natural event burst will schedule another one.
func (m *Manager) SetInFlight(inFlight bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inFlight = inFlight
}

// Start subscribes to every named table and begins watching for events.
func (m *Manager) Start(tables []string) error {
	m.mu.Lock()
	m.stopCh = make(chan struct{})
	m.mu.Unlock()

	for _, table := range tables {
		if err := m.startTable(table); err != nil {
			m.Stop()
			return err
		}
	}
	return nil
}

func (m *Manager) startTable(table string) error {
	m.mu.Lock()
	m.states[table] = StateConnecting
	m.mu.Unlock()

	events, errs, err := m.sub.Subscribe(table)
	if err != nil {
		m.mu.Lock()
		m.states[table] = StateError
		m.mu.Unlock()
		return err
	}

	m.mu.Lock()
	m.states[table] = StateConnected
	done := make(chan struct{})
	m.tableDone[table] = done
	stop := m.stopCh
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(done)
		for {
			select {
			case <-stop:
				return
			case _, ok := <-events:
				if !ok {
					return
				}
				m.onEvent()
			case e, ok := <-errs:
				if !ok {
					continue
				}
				m.mu.Lock()
				m.states[table] = StateError
				m.mu.Unlock()
				_ = e // table-scoped error; only the state change is kept, the error itself is not logged
			}
		}
	}()
	return nil
}

// onEvent resets the debounce timer; it does not itself fire the trigger.
func (m *Manager) onEvent() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(DebounceWindow, m.fire)
}

func (m *Manager) fire() {
	m.mu.Lock()
	if m.inFlight {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.trigger()
}

// State returns the current connection state for a table, or
// StateDisconnected if it was never subscribed.
func (m *Manager) State(table string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.states[table]; ok {
		return s
	}
	return StateDisconnected
}

// Stop tears down every subscription and waits for their goroutines to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.timer != nil {
		m.timer.Stop()
	}
	stop := m.stopCh
	tables := make([]string, 0, len(m.states))
	for t := range m.states {
		tables = append(tables, t)
	}
	m.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	for _, t := range tables {
		m.sub.Unsubscribe(t)
	}
	m.wg.Wait()

	m.mu.Lock()
	for t := range m.states {
		m.states[t] = StateDisconnected
	}
	m.mu.Unlock()
}
