package realtime

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeSubscriber struct {
	mu   sync.Mutex
	chs  map[string]chan struct{}
	errs map[string]chan error
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{chs: map[string]chan struct{}{}, errs: map[string]chan error{}}
}

func (f *fakeSubscriber) Subscribe(table string) (<-chan struct{}, <-chan error, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan struct{}, 16)
	errc := make(chan error, 1)
	f.chs[table] = ch
	f.errs[table] = errc
	return ch, errc, nil
}

func (f *fakeSubscriber) Unsubscribe(table string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.chs[table]; ok {
		close(ch)
		delete(f.chs, table)
	}
}

func (f *fakeSubscriber) emit(table string) {
	f.mu.Lock()
	ch := f.chs[table]
	f.mu.Unlock()
	if ch != nil {
		ch <- struct{}{}
	}
}

func TestBurstOfEventsCoalescesToOneTrigger(t *testing.T) {
	sub := newFakeSubscriber()
	var fired int32
	m := New(sub, func() { atomic.AddInt32(&fired, 1) })

	tables := []string{"t1", "t2", "t3", "t4"}
	if err := m.Start(tables); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()

	// 12 events spread across the 4 tables within 500ms.
	for i := 0; i < 12; i++ {
		sub.emit(tables[i%len(tables)])
		time.Sleep(10 * time.Millisecond)
	}

	if atomic.LoadInt32(&fired) != 0 {
		t.Fatalf("trigger must not fire before the debounce window elapses, fired=%d", fired)
	}

	time.Sleep(DebounceWindow + 300*time.Millisecond)
	if got := atomic.LoadInt32(&fired); got != 1 {
		t.Fatalf("expected exactly one coalesced trigger, got %d", got)
	}
}

func TestTriggerDroppedWhileSyncInFlight(t *testing.T) {
	sub := newFakeSubscriber()
	var fired int32
	m := New(sub, func() { atomic.AddInt32(&fired, 1) })
	m.SetInFlight(true)

	if err := m.Start([]string{"t1"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()

	sub.emit("t1")
	time.Sleep(DebounceWindow + 300*time.Millisecond)

	if atomic.LoadInt32(&fired) != 0 {
		t.Fatal("expected the debounced trigger to be dropped while a sync is in flight")
	}
}

func TestTableErrorIsolatedFromOthers(t *testing.T) {
	sub := newFakeSubscriber()
	m := New(sub, func() {})
	if err := m.Start([]string{"t1", "t2"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()

	sub.mu.Lock()
	errc := sub.errs["t1"]
	sub.mu.Unlock()
	errc <- errTest

	time.Sleep(50 * time.Millisecond)
	if m.State("t1") != StateError {
		t.Fatalf("expected t1 in StateError, got %v", m.State("t1"))
	}
	if m.State("t2") != StateConnected {
		t.Fatalf("expected t2 to remain connected after t1's error, got %v", m.State("t2"))
	}
}

var errTest = errTestType{}

type errTestType struct{}

func (errTestType) Error() string { return "simulated channel error" }
