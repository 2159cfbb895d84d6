// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package xsync holds the one-shot latch used by the asynchronous fetch
// handles of the synchronization engine.
package xsync

import "sync"

// Latch is a one-shot signal carrying a value of type T. Once triggered it
// never changes state, and all current and future waiters observe the same
// value.
type Latch[T any] struct {
	mu    sync.Mutex
	done  chan struct{}
	value T
}

// NewLatch returns an un-triggered latch.
func NewLatch[T any]() *Latch[T] {
	return &Latch[T]{done: make(chan struct{})}
}

// Trigger sets the latch's value and releases all waiters. Only the first
// call has any effect; later values are discarded.
func (l *Latch[T]) Trigger(value T) {
	l.mu.Lock()
	defer l.mu.Unlock()
	select {
	case <-l.done:
		return
	default:
	}
	l.value = value
	close(l.done)
}

// Wait blocks until the latch triggers and returns its value.
func (l *Latch[T]) Wait() T {
	<-l.done
	return l.value
}

// Test reports whether the latch has triggered, without blocking.
func (l *Latch[T]) Test() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}
