// Package control carries equalizer parameter changes from control
// goroutines to the audio path without blocking either side.
//
// The mailbox is a single-slot exchange: producers post updates at any
// rate, the audio loop polls once per frame. Posts between two polls are
// merged so the consumer always sees the latest value per band; the poll
// itself is a single atomic swap and never blocks or allocates when the
// mailbox is empty.
package control

import (
	"sync/atomic"

	"github.com/cwbudde/algo-voiceeq/eq"
)

// Mailbox is a lock-free, last-write-wins channel for parameter updates.
// Any number of goroutines may Post; exactly one goroutine polls.
// The zero value is ready to use.
type Mailbox struct {
	pending atomic.Pointer[batch]
}

// batch accumulates updates between two polls. Immutable once published;
// merging builds a fresh batch and swaps it in with CAS.
type batch struct {
	updates []eq.ParameterUpdate
}

// Post enqueues an update. Updates for the same band posted between two
// polls collapse to the most recent one; a whole-set update supersedes
// every pending per-band update. Post never blocks.
func (m *Mailbox) Post(u eq.ParameterUpdate) {
	for {
		old := m.pending.Load()
		next := merge(old, u)
		if m.pending.CompareAndSwap(old, next) {
			return
		}
	}
}

// Poll removes and returns all pending updates in application order.
// It returns nil when nothing is pending. Only one goroutine may call
// Poll; the audio loop calls it once per frame.
func (m *Mailbox) Poll() []eq.ParameterUpdate {
	b := m.pending.Swap(nil)
	if b == nil {
		return nil
	}
	return b.updates
}

func merge(old *batch, u eq.ParameterUpdate) *batch {
	if u.Band == eq.AllBands {
		// A full replacement invalidates everything queued before it.
		return &batch{updates: []eq.ParameterUpdate{u}}
	}
	if old == nil {
		return &batch{updates: []eq.ParameterUpdate{u}}
	}

	next := &batch{updates: make([]eq.ParameterUpdate, 0, len(old.updates)+1)}
	for _, prev := range old.updates {
		if prev.Band == u.Band {
			continue
		}
		next.updates = append(next.updates, prev)
	}
	next.updates = append(next.updates, u)

	return next
}
