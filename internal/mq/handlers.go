package mq

import (
	"slices"
	"sync"
)

// handlerSet is a registry of callbacks that can be cancelled individually.
type handlerSet[T any] struct {
	mu     sync.RWMutex
	next   int
	byID   map[int]func(T)
	orders []int
}

func (h *handlerSet[T]) add(fn func(T)) func() {
	h.mu.Lock()
	if h.byID == nil {
		h.byID = make(map[int]func(T))
	}
	id := h.next
	h.next++
	h.byID[id] = fn
	h.orders = append(h.orders, id)
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.byID[id]; !ok {
			return
		}
		delete(h.byID, id)
		h.orders = slices.DeleteFunc(h.orders, func(o int) bool { return o == id })
	}
}

// snapshot returns live handlers in registration order.
func (h *handlerSet[T]) snapshot() []func(T) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]func(T), 0, len(h.byID))
	for _, id := range h.orders {
		if fn, ok := h.byID[id]; ok {
			out = append(out, fn)
		}
	}
	return out
}

func (h *handlerSet[T]) clear() {
	h.mu.Lock()
	h.byID = nil
	h.orders = nil
	h.mu.Unlock()
}

func (h *handlerSet[T]) emit(v T) {
	for _, fn := range h.snapshot() {
		fn(v)
	}
}
