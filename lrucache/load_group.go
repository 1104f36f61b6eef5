/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package lrucache

import (
	"fmt"
	"runtime/debug"
	"sync"
)

// PanicError is returned to every caller sharing a load that panicked.
type PanicError struct {
	Value interface{}
	Stack []byte
}

func (p *PanicError) Error() string {
	return fmt.Sprintf("cache load panicked: %v\n\n%s", p.Value, p.Stack)
}

// inflightLoad is a load in progress. done is closed once val and err are final.
type inflightLoad[V any] struct {
	done chan struct{}
	val  V
	err  error
}

// loadGroup runs at most one load per key; concurrent callers for the same key share its result.
type loadGroup[K comparable, V any] struct {
	mu    sync.Mutex
	loads map[K]*inflightLoad[V]
}

func (g *loadGroup[K, V]) Do(key K, load func() (V, error)) (V, error) {
	g.mu.Lock()
	if l, ok := g.loads[key]; ok {
		g.mu.Unlock()
		<-l.done
		return l.val, l.err
	}
	if g.loads == nil {
		g.loads = make(map[K]*inflightLoad[V])
	}
	l := &inflightLoad[V]{done: make(chan struct{})}
	g.loads[key] = l
	g.mu.Unlock()

	g.run(key, l, load)
	return l.val, l.err
}

func (g *loadGroup[K, V]) run(key K, l *inflightLoad[V], load func() (V, error)) {
	defer func() {
		if r := recover(); r != nil {
			l.err = &PanicError{Value: r, Stack: debug.Stack()}
		}
		g.mu.Lock()
		delete(g.loads, key)
		g.mu.Unlock()
		close(l.done)
	}()
	l.val, l.err = load()
}
