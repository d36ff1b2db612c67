// Package state holds the front end's observable state containers.
package state

import (
	"slices"
	"sync"
)

// Value is an observable value. Subscribers run synchronously after every
// change, outside the lock, each with its own copy of the new value.
type Value[T any] struct {
	mu    sync.RWMutex
	v     T
	clone func(T) T

	subMu  sync.Mutex
	nextID int
	subs   map[int]func(T)
}

func NewValue[T any](initial T) *Value[T] {
	return newValue(initial, func(v T) T { return v })
}

func newValue[T any](initial T, clone func(T) T) *Value[T] {
	return &Value[T]{
		v:     clone(initial),
		clone: clone,
		subs:  make(map[int]func(T)),
	}
}

func (v *Value[T]) Get() T {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.clone(v.v)
}

// Set replaces the value.
func (v *Value[T]) Set(next T) {
	v.mu.Lock()
	v.v = v.clone(next)
	changed := v.clone(v.v)
	v.mu.Unlock()

	v.notify(changed)
}

// Update replaces the value with fn applied to a copy of the current one.
// fn must not call back into v.
func (v *Value[T]) Update(fn func(T) T) {
	v.mu.Lock()
	v.v = v.clone(fn(v.clone(v.v)))
	changed := v.clone(v.v)
	v.mu.Unlock()

	v.notify(changed)
}

// Subscribe registers fn and returns a function that removes it.
func (v *Value[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	v.subMu.Lock()
	id := v.nextID
	v.nextID++
	v.subs[id] = fn
	v.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			v.subMu.Lock()
			delete(v.subs, id)
			v.subMu.Unlock()
		})
	}
}

// notify hands every subscriber its own copy of changed, the value produced
// by the change, even if an earlier subscriber has changed v since.
func (v *Value[T]) notify(changed T) {
	v.subMu.Lock()
	if len(v.subs) == 0 {
		v.subMu.Unlock()
		return
	}
	ids := make([]int, 0, len(v.subs))
	for id := range v.subs {
		ids = append(ids, id)
	}
	subs := make([]func(T), 0, len(ids))
	slices.Sort(ids)
	for _, id := range ids {
		subs = append(subs, v.subs[id])
	}
	v.subMu.Unlock()

	for _, fn := range subs {
		fn(v.clone(changed))
	}
}
