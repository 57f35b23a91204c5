package syncx_test

import (
	"sync"
	"testing"
	"time"

	"github.com/tsdb2/common/pkg/syncx"
)

func TestAwaitAlreadySatisfied(t *testing.T) {
	var m syncx.Monitor
	m.Lock()
	defer m.Unlock()
	m.Await(func() bool { return true })
}

func TestAwaitWakesOnUnlock(t *testing.T) {
	var m syncx.Monitor
	ready := false
	waited := make(chan struct{})

	go func() {
		m.Lock()
		m.Await(func() bool { return ready })
		m.Unlock()
		close(waited)
	}()

	// Let the waiter block, then flip the flag. No explicit signal: the
	// Unlock must wake it.
	time.Sleep(20 * time.Millisecond)
	m.Lock()
	ready = true
	m.Unlock()

	select {
	case <-waited:
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken by Unlock")
	}
}

func TestAwaitManyWaiters(t *testing.T) {
	var m syncx.Monitor
	n := 0
	var wg sync.WaitGroup
	for i := 1; i <= 5; i++ {
		threshold := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Lock()
			m.Await(func() bool { return n >= threshold })
			m.Unlock()
		}()
	}
	for i := 1; i <= 5; i++ {
		time.Sleep(5 * time.Millisecond)
		m.Lock()
		n++
		m.Unlock()
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("waiters stuck, n=%d", n)
	}
}

func TestAwaitWithDeadlineExpires(t *testing.T) {
	var m syncx.Monitor
	m.Lock()
	defer m.Unlock()
	start := time.Now()
	ok := m.AwaitWithDeadline(func() bool { return false }, start.Add(50*time.Millisecond))
	if ok {
		t.Error("AwaitWithDeadline returned true for a never-true condition")
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("returned after %v, before the deadline", elapsed)
	}
}

func TestAwaitWithDeadlineSatisfied(t *testing.T) {
	var m syncx.Monitor
	ready := false

	got := make(chan bool, 1)
	go func() {
		m.Lock()
		ok := m.AwaitWithDeadline(func() bool { return ready }, time.Now().Add(5*time.Second))
		m.Unlock()
		got <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	m.Lock()
	ready = true
	m.Unlock()

	select {
	case ok := <-got:
		if !ok {
			t.Error("AwaitWithDeadline returned false for a satisfied condition")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken")
	}
}

func TestAwaitWithDeadlineAlreadyExpired(t *testing.T) {
	var m syncx.Monitor
	m.Lock()
	defer m.Unlock()
	if ok := m.AwaitWithDeadline(func() bool { return false }, time.Now().Add(-time.Second)); ok {
		t.Error("expected false for an expired deadline")
	}
}
