// Package kernel is Mirage's façade (spec.md §4.G): it composes the
// clock, heap, security domain table, process/thread tables,
// scheduler ring, and IPC queues into the handful of operations an
// embedding host actually calls (bootstrap, spawn, terminate,
// send/receive, block, tick). Grounded on sigmaos/kernel/kernel.go's
// Kernel struct (an embedded mutex guarding a bundle of subsystem
// handles, built by one constructor and torn down by one Shutdown)
// and its rollback-on-partial-failure pattern in NewKernel/startSrvs,
// generalized here from booting named services over the network to
// rolling back an in-process spawn across four tables.
package kernel

import (
	"context"
	"strconv"
	"sync"

	"mirage/auth"
	"mirage/clock"
	"mirage/config"
	db "mirage/debug"
	"mirage/heap"
	"mirage/ipc"
	"mirage/kernelerr"
	"mirage/metrics"
	"mirage/proctable"
	"mirage/sched"
	"mirage/security"
	"mirage/tracing"
)

// CoreState mirrors spec.md §4.E's CpuCoreState: (online,
// current_thread?, local_ticks, idle_ticks), plus the pending-readmit
// slot the REDESIGN FLAG of SPEC_FULL.md §12 adds in place of
// silently dropping a thread on post-tick QueueFull.
type CoreState struct {
	Online        bool
	CurrentThread uint64
	HasCurrent    bool
	LocalTicks    uint64
	IdleTicks     uint64

	pending    sched.ScheduledThread
	hasPending bool
}

// Kernel owns every piece of mutable state described by spec.md §4;
// the façade itself holds no additional bookkeeping beyond what
// dispatch needs (the core table and a fairness tracker).
type Kernel struct {
	mu sync.Mutex

	params config.Params

	Clock    *clock.Clock
	Heap     *heap.Heap
	Security *security.Kernel
	Procs    *proctable.Table
	Ring     *sched.Ring
	Queues   *ipc.Queues
	Metrics  *metrics.Registry

	fairness *sched.FairnessTracker
	tracer   *tracing.Tracer
	tokens   auth.TokenSrv

	cores []CoreState
}

// New allocates every subsystem at params' capacities but does not
// bring any core online; call Bootstrap before spawning anything.
func New(params config.Params) *Kernel {
	clk := clock.New(params.FrequencyHz)
	return &Kernel{
		params:   params,
		Clock:    clk,
		Heap:     heap.New(params),
		Security: security.NewKernel(params.MaxProc),
		Procs:    proctable.New(params),
		Ring:     sched.New(params),
		Queues:   ipc.New(params),
		Metrics:  metrics.New(),
		fairness: sched.NewFairnessTracker(clk),
		cores:    make([]CoreState, params.MaxCores),
	}
}

// WithTracer attaches a Tracer so Bootstrap/SpawnProcess/Tick/
// SendMessage wrap their work in spans; without one, tracing is a
// no-op.
func (k *Kernel) WithTracer(t *tracing.Tracer) *Kernel {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.tracer = t
	return k
}

// WithTokens attaches a TokenSrv so ReregisterProcess can verify
// re-registration attestations; without one, ReregisterProcess always
// fails closed.
func (k *Kernel) WithTokens(ts auth.TokenSrv) *Kernel {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.tokens = ts
	return k
}

func (k *Kernel) startSpan(ctx context.Context, name string) (context.Context, func()) {
	if k.tracer == nil {
		return ctx, func() {}
	}
	spanCtx, span := k.tracer.StartSpan(ctx, name)
	return spanCtx, func() { span.End() }
}

// Bootstrap resets the scheduler, security kernel, and process/
// thread/IPC tables, resets the clock, and brings core 0 online
// (spec.md §4.G).
func (k *Kernel) Bootstrap(ctx context.Context) error {
	_, end := k.startSpan(ctx, "bootstrap")
	defer end()

	k.mu.Lock()
	defer k.mu.Unlock()

	k.Ring.Reset()
	k.Security.Reset()
	k.Procs.Reset()
	k.Queues.Reset()
	k.Clock.Reset()
	for i := range k.cores {
		k.cores[i] = CoreState{}
	}
	k.cores[0].Online = true
	db.DPrintf(db.KERNEL, "Bootstrap: core 0 online, %v cores total", len(k.cores))
	return nil
}

// BringUpSecondaryCores marks up to n additional offline cores online
// in index order, stopping early if fewer than n are available
// (spec.md §4.G).
func (k *Kernel) BringUpSecondaryCores(n int) int {
	k.mu.Lock()
	defer k.mu.Unlock()
	brought := 0
	for i := range k.cores {
		if brought == n {
			break
		}
		if !k.cores[i].Online {
			k.cores[i].Online = true
			brought++
		}
	}
	db.DPrintf(db.KERNEL, "BringUpSecondaryCores: requested=%v brought=%v", n, brought)
	return brought
}

// CoreReport returns a snapshot of every core's state (SPEC_FULL.md
// §12's per-core idle/busy accounting), refreshing the per-core
// metrics gauges on every call the way refreshHeapMetrics does for the
// allocator.
func (k *Kernel) CoreReport() []CoreState {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]CoreState, len(k.cores))
	copy(out, k.cores)
	for i := range out {
		label := strconv.Itoa(i)
		k.Metrics.CoreIdleTicks.WithLabelValues(label).Set(float64(out[i].IdleTicks))
		k.Metrics.CoreLocalTicks.WithLabelValues(label).Set(float64(out[i].LocalTicks))
	}
	return out
}

// SpawnProcess allocates a PCB, registers it with L2, allocates its
// IPC queue, creates its initial thread, and enqueues that thread,
// rolling back every prior step in reverse order if any step fails
// (spec.md §4.D).
func (k *Kernel) SpawnProcess(ctx context.Context, priority sched.Priority, hasParent bool, parentPid uint64, creds security.Credentials) (pid uint64, tid uint64, err error) {
	_, end := k.startSpan(ctx, "spawn_process")
	defer end()

	k.mu.Lock()
	defer k.mu.Unlock()

	pid, err = k.Procs.AllocateProcess(hasParent, parentPid)
	if err != nil {
		k.Metrics.SpawnFailuresTotal.WithLabelValues("process_table_full").Inc()
		return 0, 0, err
	}

	if err = k.Security.RegisterTask(pid, creds); err != nil {
		k.Metrics.SpawnFailuresTotal.WithLabelValues("security").Inc()
		k.Procs.ReleaseProcess(pid)
		return 0, 0, kernelerr.New(kernelerr.ErrSecurityViolation, "spawn_process: %v", err)
	}

	if err = k.Queues.Allocate(pid); err != nil {
		k.Metrics.SpawnFailuresTotal.WithLabelValues("ipc").Inc()
		k.Security.RevokeTask(pid)
		k.Procs.ReleaseProcess(pid)
		return 0, 0, err
	}

	tid, err = k.Procs.AllocateThread(pid, uint8(priority))
	if err != nil {
		k.Metrics.SpawnFailuresTotal.WithLabelValues("thread_table_full").Inc()
		k.Queues.Release(pid)
		k.Security.RevokeTask(pid)
		k.Procs.ReleaseProcess(pid)
		return 0, 0, err
	}

	entry := sched.ScheduledThread{Tid: tid, Pid: pid, Priority: uint8(priority)}
	sched.ResetTimeSlice(&entry)
	if err = k.Ring.Enqueue(entry); err != nil {
		k.Metrics.SpawnFailuresTotal.WithLabelValues("scheduler_full").Inc()
		k.Procs.ReleaseThread(tid)
		k.Queues.Release(pid)
		k.Security.RevokeTask(pid)
		k.Procs.ReleaseProcess(pid)
		return 0, 0, err
	}

	k.fairness.RecordEnqueue(tid)
	k.Metrics.ProcessesLive.Inc()
	k.Metrics.ThreadsLive.Inc()
	db.DPrintf(db.KERNEL, "SpawnProcess pid=%v tid=%v priority=%v", pid, tid, priority)
	return pid, tid, nil
}

// SpawnInitialProcess is spawn_process(entry=0, Critical, parent=None,
// creds) (spec.md §4.G).
func (k *Kernel) SpawnInitialProcess(ctx context.Context, creds security.Credentials) (pid uint64, tid uint64, err error) {
	return k.SpawnProcess(ctx, sched.PriorityCritical, false, 0, creds)
}

// ReregisterProcess is spec.md §3's "explicit re-registration" path:
// pid's L2 domain is only overwritten once signedToken verifies as a
// re-registration attestation addressed to pid, unlike
// security.Kernel.RegisterTask itself, which trusts its caller.
func (k *Kernel) ReregisterProcess(ctx context.Context, pid uint64, signedToken string) error {
	_, end := k.startSpan(ctx, "reregister_process")
	defer end()

	k.mu.Lock()
	defer k.mu.Unlock()

	if k.tokens == nil {
		return kernelerr.New(kernelerr.ErrSecurityViolation, "reregister_process: no token service configured")
	}
	if err := auth.ReregisterTask(k.tokens, k.Security, pid, signedToken); err != nil {
		return kernelerr.New(kernelerr.ErrSecurityViolation, "reregister_process: %v", err)
	}
	db.DPrintf(db.KERNEL, "ReregisterProcess pid=%v", pid)
	return nil
}

// TerminateProcess clears the PCB slot, releases the IPC queue,
// removes every scheduler entry for pid, releases its TCB slots, and
// revokes its L2 domain. Idempotent: terminating an already-gone pid
// is a no-op (spec.md §5, "terminate_process ... synchronous and
// idempotent").
func (k *Kernel) TerminateProcess(ctx context.Context, pid uint64) error {
	_, end := k.startSpan(ctx, "terminate_process")
	defer end()

	k.mu.Lock()
	defer k.mu.Unlock()
	return k.terminateProcessLocked(pid)
}

func (k *Kernel) terminateProcessLocked(pid uint64) error {
	_, existed := k.Procs.Process(pid)
	k.Procs.ReleaseProcess(pid)
	k.Queues.Release(pid)
	removed := k.Ring.RemoveProcess(pid)
	tids := k.Procs.ReleaseThreadsOfProcess(pid)
	k.Security.RevokeTask(pid)

	if existed {
		k.Metrics.ProcessesLive.Dec()
		if n := len(tids); n > 0 {
			k.Metrics.ThreadsLive.Sub(float64(n))
		}
	}
	db.DPrintf(db.KERNEL, "TerminateProcess pid=%v scheduler_entries_removed=%v tcbs_released=%v", pid, removed, len(tids))
	return nil
}

// SendMessage authorizes sender->receiver under the L2 mandatory
// access control policy, appends the payload to receiver's queue, and
// if receiver's PCB is Blocked, wakes it and re-enqueues its threads
// (spec.md §4.G).
func (k *Kernel) SendMessage(ctx context.Context, sender, receiver uint64, class security.PayloadClass, payload []byte) error {
	_, end := k.startSpan(ctx, "send_message")
	defer end()

	k.mu.Lock()
	defer k.mu.Unlock()

	if err := k.Security.AuthorizeIPC(sender, receiver, class); err != nil {
		// A VM-isolated sender that fails the label/isolation check is
		// exhibiting exactly the misbehavior EnforceIsolation quarantines
		// for (SPEC_FULL.md §12): flag it here rather than waiting for a
		// bespoke test hook to call Quarantine directly.
		if sd, lookupErr := k.Security.Lookup(sender); lookupErr == nil && sd.Isolation == security.IsolationVirtualMachine {
			if qerr := k.Security.Quarantine(sender); qerr == nil {
				k.Metrics.QuarantineEvents.Inc()
				db.DPrintf(db.SECURITY, "SendMessage: quarantined VM-isolated sender pid=%v after policy violation: %v", sender, err)
			}
		}
		return kernelerr.New(kernelerr.ErrSecurityViolation, "send_message: %v", err)
	}
	if err := k.Queues.Push(receiver, sender, class, payload); err != nil {
		return err
	}

	pcb, ok := k.Procs.Process(receiver)
	if ok && pcb.State == proctable.ProcessBlocked {
		if err := k.Procs.SetProcessState(receiver, proctable.ProcessReady); err != nil {
			db.DFatalf("SendMessage: wake receiver=%v: %v", receiver, err)
		}
		k.Procs.SetThreadStatesForProcess(receiver, []proctable.ThreadState{proctable.ThreadBlocked}, proctable.ThreadReady)
		for _, tid := range k.Procs.ThreadsOfProcess(receiver) {
			tcb, ok := k.Procs.Thread(tid)
			if !ok || tcb.State != proctable.ThreadReady {
				continue
			}
			entry := sched.ScheduledThread{Tid: tid, Pid: receiver, Priority: tcb.Priority}
			sched.ResetTimeSlice(&entry)
			if err := k.Ring.Enqueue(entry); err != nil {
				db.DPrintf(db.SCHED_ERR, "SendMessage: re-enqueue tid=%v after wake: %v", tid, err)
				continue
			}
			k.fairness.RecordEnqueue(tid)
		}
		db.DPrintf(db.KERNEL, "SendMessage: woke receiver=%v", receiver)
	}
	return nil
}

// ReceiveMessage pops the head of pid's queue.
func (k *Kernel) ReceiveMessage(pid uint64) (ipc.Message, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.Queues.Pop(pid)
}

// BlockForMessage transitions pid's PCB to Blocked, removes every
// scheduler entry for pid, and transitions every Ready/Running TCB of
// pid to Blocked (spec.md §4.G).
func (k *Kernel) BlockForMessage(pid uint64) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.Procs.SetProcessState(pid, proctable.ProcessBlocked); err != nil {
		return err
	}
	k.Ring.RemoveProcess(pid)
	k.Procs.SetThreadStatesForProcess(pid, []proctable.ThreadState{proctable.ThreadReady, proctable.ThreadRunning}, proctable.ThreadBlocked)
	db.DPrintf(db.KERNEL, "BlockForMessage pid=%v", pid)
	return nil
}

// Tick advances the clock once, then for each online core in index
// order runs the dispatch algorithm of spec.md §4.E.
func (k *Kernel) Tick(ctx context.Context) {
	_, end := k.startSpan(ctx, "tick")
	defer end()

	k.mu.Lock()
	defer k.mu.Unlock()

	k.Clock.Tick()
	for i := range k.cores {
		if k.cores[i].Online {
			k.dispatchOneLocked(&k.cores[i])
		}
	}
}

func (k *Kernel) dispatchOneLocked(core *CoreState) {
	// Cleared unconditionally at the top of every cycle, the way
	// original_source/src/kernel/cpu.rs's finish_cycle/idle_cycle both
	// reset current_thread to None before deciding what runs next —
	// a core that goes idle must stop reporting whatever it ran last.
	core.CurrentThread = 0
	core.HasCurrent = false

	// SPEC_FULL.md §12's REDESIGN FLAG: retry a pending-readmit thread
	// before pulling anything new from the ring this cycle, rather than
	// having dropped it silently at the end of the previous tick.
	if core.hasPending {
		if err := k.Ring.Enqueue(core.pending); err != nil {
			db.DPrintf(db.SCHED_ERR, "dispatch: pending readmit tid=%v still full, holding another cycle", core.pending.Tid)
			core.IdleTicks++
			k.Metrics.SchedulerIdleTicks.Inc()
			return
		}
		k.fairness.RecordEnqueue(core.pending.Tid)
		core.hasPending = false
	}

	entry, ok := k.Ring.Next()
	if !ok {
		core.IdleTicks++
		k.Metrics.SchedulerIdleTicks.Inc()
		return
	}

	tcb, ok := k.Procs.Thread(entry.Tid)
	if !ok {
		core.IdleTicks++
		return
	}
	pcb, ok := k.Procs.Process(entry.Pid)
	if !ok {
		k.Procs.ReleaseThread(entry.Tid)
		core.IdleTicks++
		return
	}

	if err := k.Security.EnforceIsolation(pcb.Pid); err != nil {
		db.DPrintf(db.SECURITY_ERR, "dispatch: isolation fault pid=%v: %v", pcb.Pid, err)
		k.terminateProcessLocked(pcb.Pid)
		k.Metrics.IsolationFaultsTotal.Inc()
		core.IdleTicks++
		return
	}

	core.CurrentThread = tcb.Tid
	core.HasCurrent = true
	core.LocalTicks++
	k.Metrics.SchedulerBusyTicks.Inc()
	k.fairness.RecordDispatch(tcb.Tid)

	if tcb.State == proctable.ThreadTerminated {
		k.Procs.ReleaseThread(tcb.Tid)
		return
	}

	k.Procs.SetThreadState(tcb.Tid, proctable.ThreadRunning)
	k.Procs.IncrementThreadCpuTime(tcb.Tid)
	k.Procs.SetProcessState(pcb.Pid, proctable.ProcessRunning)
	k.Procs.IncrementProcessCpuTime(pcb.Pid)
	k.Procs.SetThreadState(tcb.Tid, proctable.ThreadReady)
	k.Procs.SetProcessState(pcb.Pid, proctable.ProcessReady)

	if sched.ConsumeTimeSlice(&entry) {
		sched.ResetTimeSlice(&entry)
	}
	if err := k.Ring.Requeue(entry); err != nil {
		db.DPrintf(db.SCHED_ERR, "dispatch: requeue tid=%v full, holding for pending readmit", entry.Tid)
		core.pending = entry
		core.hasPending = true
		return
	}
	k.fairness.RecordEnqueue(entry.Tid)
}

// FairnessReport returns the current dispatch-wait distribution
// (SPEC_FULL.md §11's fairness diagnostic).
func (k *Kernel) FairnessReport() sched.FairnessReport {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.fairness.Report()
}

// Malloc, Free, Realloc, Mmap, and Munmap pass straight through to the
// kernel-wide heap singleton (spec.md §4.B), updating the exported
// heap gauges after every call.
func (k *Kernel) Malloc(size uint64) (heap.Ptr, error) {
	p, err := k.Heap.Malloc(size)
	k.refreshHeapMetrics()
	return p, err
}

func (k *Kernel) Free(p heap.Ptr) error {
	err := k.Heap.Free(p)
	k.refreshHeapMetrics()
	return err
}

func (k *Kernel) Realloc(p heap.Ptr, size uint64) (heap.Ptr, error) {
	np, err := k.Heap.Realloc(p, size)
	k.refreshHeapMetrics()
	return np, err
}

func (k *Kernel) Mmap(length uint64, prot heap.Prot) (heap.Ptr, error) {
	p, err := k.Heap.Mmap(length, prot)
	k.refreshHeapMetrics()
	return p, err
}

func (k *Kernel) Munmap(p heap.Ptr, length uint64) error {
	err := k.Heap.Munmap(p, length)
	k.refreshHeapMetrics()
	return err
}

func (k *Kernel) refreshHeapMetrics() {
	stats := k.Heap.Stats()
	k.Metrics.HeapBytesInUse.Set(float64(stats.CurrentBytes))
	k.Metrics.HeapBytesPeak.Set(float64(stats.PeakBytes))
}
