// Package proctable holds Mirage's process and thread control blocks
// (spec.md §4.D): fixed arrays of optional PCBs/TCBs, capacity
// MAX_PROC and MAX_THREADS, with linear-scan slot allocation and
// per-process thread accounting. Grounded on
// _examples/other_examples/Nonepf-xv6-in-go__proc.go's `proc [NPROC]KProc`
// array and its state enum (UNUSED/USED/SLEEPING/RUNNABLE/RUNNING/ZOMBIE),
// generalized to the Ready/Running/Blocked/Terminated graph of spec.md
// §3's PCB/TCB lifecycle.
package proctable

import (
	"sync"

	"mirage/config"
	db "mirage/debug"
	"mirage/kernelerr"
)

// ProcessState is a PCB's position in the Ready/Running/Blocked/
// Terminated lifecycle (spec.md §3).
type ProcessState uint8

const (
	ProcessReady ProcessState = iota
	ProcessRunning
	ProcessBlocked
	ProcessTerminated
)

func (s ProcessState) String() string {
	switch s {
	case ProcessReady:
		return "Ready"
	case ProcessRunning:
		return "Running"
	case ProcessBlocked:
		return "Blocked"
	case ProcessTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// ThreadState follows the same graph, scoped to a single thread.
type ThreadState uint8

const (
	ThreadReady ThreadState = iota
	ThreadRunning
	ThreadBlocked
	ThreadTerminated
)

func (s ThreadState) String() string {
	switch s {
	case ThreadReady:
		return "Ready"
	case ThreadRunning:
		return "Running"
	case ThreadBlocked:
		return "Blocked"
	case ThreadTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// PCB is a process control block.
type PCB struct {
	Pid         uint64
	HasParent   bool
	ParentPid   uint64
	State       ProcessState
	ThreadCount int
	CpuTime     uint64
}

// TCB is a thread control block. Priority is consulted by the
// scheduler's reset_time_slice (spec.md §4.E); the slice remaining
// count itself lives in the scheduler's ScheduledThread, not here.
type TCB struct {
	Tid      uint64
	Pid      uint64
	State    ThreadState
	Priority uint8
	CpuTime  uint64
}

type procSlot struct {
	present bool
	pcb     PCB
}

type threadSlot struct {
	present bool
	tcb     TCB
}

// Table holds the fixed PCB and TCB arrays plus monotonic id counters.
type Table struct {
	mu      sync.Mutex
	procs   []procSlot
	threads []threadSlot
	nextPid uint64
	nextTid uint64
}

// New constructs an empty table sized per params.
func New(params config.Params) *Table {
	return &Table{
		procs:   make([]procSlot, params.MaxProc),
		threads: make([]threadSlot, params.MaxThreads),
	}
}

// Reset clears every slot and restarts id assignment, used by
// kernel.Bootstrap.
func (t *Table) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.procs {
		t.procs[i] = procSlot{}
	}
	for i := range t.threads {
		t.threads[i] = threadSlot{}
	}
	t.nextPid = 0
	t.nextTid = 0
}

func (t *Table) findProcIdx(pid uint64) int {
	for i := range t.procs {
		if t.procs[i].present && t.procs[i].pcb.Pid == pid {
			return i
		}
	}
	return -1
}

func (t *Table) findThreadIdx(tid uint64) int {
	for i := range t.threads {
		if t.threads[i].present && t.threads[i].tcb.Tid == tid {
			return i
		}
	}
	return -1
}

// AllocateProcess reserves a PCB slot in the Ready state and assigns
// it a fresh pid. Callers (the kernel façade) are responsible for
// rolling back via ReleaseProcess if a later spawn step fails.
func (t *Table) AllocateProcess(hasParent bool, parentPid uint64) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.procs {
		if t.procs[i].present {
			continue
		}
		pid := t.nextPid
		t.nextPid++
		t.procs[i] = procSlot{present: true, pcb: PCB{
			Pid:       pid,
			HasParent: hasParent,
			ParentPid: parentPid,
			State:     ProcessReady,
		}}
		db.DPrintf(db.PROC, "AllocateProcess pid=%v hasParent=%v parent=%v", pid, hasParent, parentPid)
		return pid, nil
	}
	db.DPrintf(db.PROC_ERR, "AllocateProcess: table full")
	return 0, kernelerr.New(kernelerr.ErrProcessTableFull, "process table full")
}

// ReleaseProcess clears a PCB slot unconditionally.
func (t *Table) ReleaseProcess(pid uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := t.findProcIdx(pid)
	if idx < 0 {
		return kernelerr.New(kernelerr.ErrUnknownProcess, "unknown process %v", pid)
	}
	t.procs[idx] = procSlot{}
	return nil
}

// Process returns a copy of the PCB for pid.
func (t *Table) Process(pid uint64) (PCB, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := t.findProcIdx(pid)
	if idx < 0 {
		return PCB{}, false
	}
	return t.procs[idx].pcb, true
}

// SetProcessState transitions a PCB's state.
func (t *Table) SetProcessState(pid uint64, state ProcessState) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := t.findProcIdx(pid)
	if idx < 0 {
		return kernelerr.New(kernelerr.ErrUnknownProcess, "unknown process %v", pid)
	}
	t.procs[idx].pcb.State = state
	return nil
}

// IncrementProcessCpuTime adds one tick of accounted CPU time to pid's
// PCB, used by the dispatcher (spec.md §4.E step 6).
func (t *Table) IncrementProcessCpuTime(pid uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := t.findProcIdx(pid)
	if idx < 0 {
		return kernelerr.New(kernelerr.ErrUnknownProcess, "unknown process %v", pid)
	}
	t.procs[idx].pcb.CpuTime++
	return nil
}

// AllocateThread reserves a TCB slot for an existing process and
// increments its thread count.
func (t *Table) AllocateThread(pid uint64, priority uint8) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pidx := t.findProcIdx(pid)
	if pidx < 0 {
		return 0, kernelerr.New(kernelerr.ErrUnknownProcess, "unknown process %v", pid)
	}
	for i := range t.threads {
		if t.threads[i].present {
			continue
		}
		tid := t.nextTid
		t.nextTid++
		t.threads[i] = threadSlot{present: true, tcb: TCB{
			Tid:      tid,
			Pid:      pid,
			State:    ThreadReady,
			Priority: priority,
		}}
		t.procs[pidx].pcb.ThreadCount++
		db.DPrintf(db.PROC, "AllocateThread pid=%v tid=%v priority=%v", pid, tid, priority)
		return tid, nil
	}
	db.DPrintf(db.PROC_ERR, "AllocateThread: thread table full")
	return 0, kernelerr.New(kernelerr.ErrThreadTableFull, "thread table full")
}

// ReleaseThread clears a TCB slot and decrements its owning process's
// thread count, if the process still exists.
func (t *Table) ReleaseThread(tid uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := t.findThreadIdx(tid)
	if idx < 0 {
		return kernelerr.New(kernelerr.ErrUnknownThread, "unknown thread %v", tid)
	}
	pid := t.threads[idx].tcb.Pid
	t.threads[idx] = threadSlot{}
	if pidx := t.findProcIdx(pid); pidx >= 0 && t.procs[pidx].pcb.ThreadCount > 0 {
		t.procs[pidx].pcb.ThreadCount--
	}
	return nil
}

// Thread returns a copy of the TCB for tid.
func (t *Table) Thread(tid uint64) (TCB, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := t.findThreadIdx(tid)
	if idx < 0 {
		return TCB{}, false
	}
	return t.threads[idx].tcb, true
}

// SetThreadState transitions a TCB's state.
func (t *Table) SetThreadState(tid uint64, state ThreadState) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := t.findThreadIdx(tid)
	if idx < 0 {
		return kernelerr.New(kernelerr.ErrUnknownThread, "unknown thread %v", tid)
	}
	t.threads[idx].tcb.State = state
	return nil
}

// IncrementThreadCpuTime adds one tick of accounted CPU time to tid's
// TCB.
func (t *Table) IncrementThreadCpuTime(tid uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := t.findThreadIdx(tid)
	if idx < 0 {
		return kernelerr.New(kernelerr.ErrUnknownThread, "unknown thread %v", tid)
	}
	t.threads[idx].tcb.CpuTime++
	return nil
}

// ThreadsOfProcess returns the tids of every live thread belonging to
// pid, used by send_message to re-enqueue a woken receiver's threads.
func (t *Table) ThreadsOfProcess(pid uint64) []uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var tids []uint64
	for i := range t.threads {
		if t.threads[i].present && t.threads[i].tcb.Pid == pid {
			tids = append(tids, t.threads[i].tcb.Tid)
		}
	}
	return tids
}

// SetThreadStatesForProcess transitions every thread of pid currently
// in `from` to `to`, used by block_for_message
// (Ready/Running->Blocked) and IPC wake (Blocked->Ready).
func (t *Table) SetThreadStatesForProcess(pid uint64, from []ThreadState, to ThreadState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	matches := func(s ThreadState) bool {
		for _, f := range from {
			if f == s {
				return true
			}
		}
		return false
	}
	for i := range t.threads {
		if t.threads[i].present && t.threads[i].tcb.Pid == pid && matches(t.threads[i].tcb.State) {
			t.threads[i].tcb.State = to
		}
	}
}

// ReleaseThreadsOfProcess clears every TCB slot belonging to pid and
// returns their tids, used by terminate_process.
func (t *Table) ReleaseThreadsOfProcess(pid uint64) []uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var tids []uint64
	for i := range t.threads {
		if t.threads[i].present && t.threads[i].tcb.Pid == pid {
			tids = append(tids, t.threads[i].tcb.Tid)
			t.threads[i] = threadSlot{}
		}
	}
	return tids
}
