// Package sched implements Mirage's bounded ready-thread ring and
// per-tick dispatch bookkeeping (spec.md §4.E). Grounded on
// sigmaos/simms/qmgr's Tick-driven Queue interface
// (Enqueue/Dequeue/GetQLen shape) generalized to a fixed-capacity ring
// addressed by present/absent slots rather than a growable slice,
// since spec.md's Non-goals exclude dynamic table growth.
//
// This package replaces the corpus's sched/{besched,lcsched,msched}
// and schedd/ subtrees, which implement a distributed RPC
// work-stealing scheduler across many machines — a different problem
// from the single-process bounded ring dispatched by one tick() caller
// described here. See DESIGN.md for the full justification.
package sched

import (
	"mirage/config"
	db "mirage/debug"
	"mirage/kernelerr"
)

// Priority names the four scheduling classes a thread may spawn with.
// The numeric ordering (Low < Normal < High < Critical) matches the
// PCB/TCB Priority field it's stored in.
type Priority uint8

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// ScheduledThread is one entry in the ready ring.
type ScheduledThread struct {
	Tid            uint64
	Pid            uint64
	Priority       uint8
	RemainingSlice uint32
}

// SliceForPriority maps a thread's priority to the number of ticks its
// time slice lasts (Critical=8, High=6, Normal=4, Low=2). Priority
// only affects slice length, never queue position (spec.md §4.E,
// "Fairness").
func SliceForPriority(priority uint8) uint32 {
	switch Priority(priority) {
	case PriorityCritical:
		return 8
	case PriorityHigh:
		return 6
	case PriorityNormal:
		return 4
	default:
		return 2
	}
}

// ConsumeTimeSlice decrements the entry's remaining slice and reports
// whether it has just reached zero.
func ConsumeTimeSlice(e *ScheduledThread) bool {
	if e.RemainingSlice == 0 {
		return true
	}
	e.RemainingSlice--
	return e.RemainingSlice == 0
}

// ResetTimeSlice restores an entry's remaining slice from its
// priority.
func ResetTimeSlice(e *ScheduledThread) {
	e.RemainingSlice = SliceForPriority(e.Priority)
}

type slot struct {
	present bool
	entry   ScheduledThread
}

// Ring is the bounded, FIFO-within-priority-class ready queue.
type Ring struct {
	slots []slot
	head  int
	tail  int
	len   int
}

// New constructs an empty ring sized to MaxThreads.
func New(params config.Params) *Ring {
	return &Ring{slots: make([]slot, params.MaxThreads)}
}

// Len reports the number of entries currently queued.
func (r *Ring) Len() int { return r.len }

// Reset empties the ring, used by kernel.Bootstrap.
func (r *Ring) Reset() {
	for i := range r.slots {
		r.slots[i] = slot{}
	}
	r.head, r.tail, r.len = 0, 0, 0
}

// Enqueue appends an entry, scanning forward from the tail cursor for
// the first empty physical slot (a plain modulo write is unsafe here:
// out-of-order removals leave holes that don't line up with the
// physical span between head and tail).
func (r *Ring) Enqueue(e ScheduledThread) error {
	if r.len == len(r.slots) {
		db.DPrintf(db.SCHED_ERR, "Enqueue: ring full, dropping tid=%v", e.Tid)
		return kernelerr.New(kernelerr.ErrSchedulerFull, "scheduler ring full")
	}
	cap := len(r.slots)
	for i := 0; i < cap; i++ {
		idx := (r.tail + i) % cap
		if !r.slots[idx].present {
			r.slots[idx] = slot{present: true, entry: e}
			r.tail = (idx + 1) % cap
			r.len++
			return nil
		}
	}
	// Unreachable: len < cap guarantees an empty slot exists.
	return kernelerr.New(kernelerr.ErrSchedulerFull, "scheduler ring full")
}

// Requeue is Enqueue under another name, used after time-slice expiry
// (spec.md §4.E: "requeue is the same as enqueue").
func (r *Ring) Requeue(e ScheduledThread) error {
	return r.Enqueue(e)
}

// Next scans forward from the head cursor for up to MAX slots,
// returning and clearing the first present entry.
func (r *Ring) Next() (ScheduledThread, bool) {
	if r.len == 0 {
		return ScheduledThread{}, false
	}
	cap := len(r.slots)
	for i := 0; i < cap; i++ {
		idx := (r.head + i) % cap
		if r.slots[idx].present {
			e := r.slots[idx].entry
			r.slots[idx] = slot{}
			r.head = (idx + 1) % cap
			r.len--
			return e, true
		}
	}
	// Unreachable: len > 0 guarantees at least one present slot.
	return ScheduledThread{}, false
}

// RemoveThread clears every entry for tid and reports how many were
// removed (normally zero or one).
func (r *Ring) RemoveThread(tid uint64) int {
	n := 0
	for i := range r.slots {
		if r.slots[i].present && r.slots[i].entry.Tid == tid {
			r.slots[i] = slot{}
			r.len--
			n++
		}
	}
	return n
}

// RemoveProcess clears every entry belonging to pid.
func (r *Ring) RemoveProcess(pid uint64) int {
	n := 0
	for i := range r.slots {
		if r.slots[i].present && r.slots[i].entry.Pid == pid {
			r.slots[i] = slot{}
			r.len--
			n++
		}
	}
	return n
}
