package security

import (
	"fmt"

	db "mirage/debug"
)

// ErrCode enumerates L2-internal errors (spec.md §7).
type ErrCode int

const (
	ErrNone ErrCode = iota
	ErrUnknownTask
	ErrPolicyViolation
	ErrCapabilityMissing
)

func (c ErrCode) String() string {
	switch c {
	case ErrUnknownTask:
		return "UnknownTask"
	case ErrPolicyViolation:
		return "PolicyViolation"
	case ErrCapabilityMissing:
		return "CapabilityMissing"
	default:
		return "None"
	}
}

// IsolationError is the error type every L2 operation returns; the L1
// façade maps it to kernelerr.ErrSecurityViolation at the trust
// boundary (spec.md §7).
type IsolationError struct {
	Code ErrCode
	msg  string
}

func newErr(code ErrCode, format string, args ...interface{}) *IsolationError {
	return &IsolationError{Code: code, msg: fmt.Sprintf(format, args...)}
}

func (e *IsolationError) Error() string {
	if e.msg == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.msg)
}

func IsCode(err error, code ErrCode) bool {
	ie, ok := err.(*IsolationError)
	return ok && ie.Code == code
}

type slot struct {
	occupied bool
	domain   TaskDomain
}

// Kernel is the fixed-size open-addressed hash table of TaskDomain by
// pid described in spec.md §4.C.
type Kernel struct {
	slots []slot
	count int
}

// NewKernel allocates a domain table with the given capacity.
func NewKernel(capacity int) *Kernel {
	return &Kernel{slots: make([]slot, capacity)}
}

func (k *Kernel) hash(pid uint64) int {
	h := pid ^ (pid >> 33)
	return int(h % uint64(len(k.slots)))
}

// probe returns the slot index of pid if present, or the index of the
// first empty slot found while walking the probe chain, plus whether
// pid was found.
func (k *Kernel) probe(pid uint64) (idx int, found bool) {
	n := len(k.slots)
	start := k.hash(pid)
	for i := 0; i < n; i++ {
		idx = (start + i) % n
		if !k.slots[idx].occupied {
			return idx, false
		}
		if k.slots[idx].domain.Pid == pid {
			return idx, true
		}
	}
	return -1, false
}

// RegisterTask overwrites on same-pid hit, inserts on first empty
// slot, and fails with PolicyViolation if the whole table is probed
// without success (spec.md §4.C).
func (k *Kernel) RegisterTask(pid uint64, creds Credentials) error {
	idx, found := k.probe(pid)
	if found {
		k.slots[idx].domain = TaskDomain{
			Pid:          pid,
			Label:        creds.Label,
			Capabilities: creds.Capabilities,
			Isolation:    creds.Isolation,
		}
		db.DPrintf(db.SECURITY, "RegisterTask overwrite pid=%v", pid)
		return nil
	}
	if idx < 0 {
		return newErr(ErrPolicyViolation, "domain table full, cannot register pid=%v", pid)
	}
	k.slots[idx] = slot{occupied: true, domain: TaskDomain{
		Pid:          pid,
		Label:        creds.Label,
		Capabilities: creds.Capabilities,
		Isolation:    creds.Isolation,
	}}
	k.count++
	db.DPrintf(db.SECURITY, "RegisterTask insert pid=%v label=%v caps=%v", pid, creds.Label, creds.Capabilities)
	return nil
}

// Lookup walks the probe chain and stops at the first empty slot.
func (k *Kernel) Lookup(pid uint64) (*TaskDomain, error) {
	idx, found := k.probe(pid)
	if !found {
		return nil, newErr(ErrUnknownTask, "pid=%v", pid)
	}
	d := k.slots[idx].domain
	return &d, nil
}

// RevokeTask clears the slot then rehashes the contiguous cluster
// starting at the next index (standard open-addressing back-shift /
// reinsert), per spec.md §4.C.
func (k *Kernel) RevokeTask(pid uint64) error {
	idx, found := k.probe(pid)
	if !found {
		return newErr(ErrUnknownTask, "pid=%v", pid)
	}
	n := len(k.slots)
	k.slots[idx] = slot{}
	k.count--

	// Collect the contiguous run of occupied slots that followed the
	// vacated one; they may have been displaced past their natural
	// hash position by the entry we just removed, so clear and
	// reinsert them in encounter order.
	displaced := make([]TaskDomain, 0)
	j := (idx + 1) % n
	for k.slots[j].occupied {
		displaced = append(displaced, k.slots[j].domain)
		k.slots[j] = slot{}
		k.count--
		j = (j + 1) % n
	}
	for _, d := range displaced {
		if err := k.RegisterTask(d.Pid, Credentials{Label: d.Label, Capabilities: d.Capabilities, Isolation: d.Isolation}); err != nil {
			db.DFatalf("RevokeTask: reinsert of displaced domain pid=%v failed: %v", d.Pid, err)
		}
		// RegisterTask does not preserve quarantine_events; restore it.
		if ri, found := k.probe(d.Pid); found {
			k.slots[ri].domain.QuarantineEvents = d.QuarantineEvents
		}
	}
	db.DPrintf(db.SECURITY, "RevokeTask pid=%v", pid)
	return nil
}

// Quarantine increments a VM-isolated task's quarantine counter
// (SPEC_FULL.md §12's first-class quarantine operation).
func (k *Kernel) Quarantine(pid uint64) error {
	idx, found := k.probe(pid)
	if !found {
		return newErr(ErrUnknownTask, "pid=%v", pid)
	}
	k.slots[idx].domain.QuarantineEvents++
	db.DPrintf(db.SECURITY, "Quarantine pid=%v events=%v", pid, k.slots[idx].domain.QuarantineEvents)
	return nil
}

// ClearQuarantine resets a task's quarantine counter to zero.
func (k *Kernel) ClearQuarantine(pid uint64) error {
	idx, found := k.probe(pid)
	if !found {
		return newErr(ErrUnknownTask, "pid=%v", pid)
	}
	k.slots[idx].domain.QuarantineEvents = 0
	return nil
}

// AuthorizeIPC implements spec.md §4.C's send-side mandatory access
// control: both domains must exist, the sender must hold the IPC
// capability, both endpoints' labels must dominate the payload
// class's label (the confinement rule), and a VM-isolated sender may
// not address an endpoint at isolation=None.
func (k *Kernel) AuthorizeIPC(sender, receiver uint64, class PayloadClass) error {
	sd, err := k.Lookup(sender)
	if err != nil {
		return err
	}
	rd, err := k.Lookup(receiver)
	if err != nil {
		return err
	}
	if !sd.Capabilities.Has(CapIPC) {
		return newErr(ErrCapabilityMissing, "sender pid=%v lacks IPC capability", sender)
	}
	classLabel := class.Label()
	if !sd.Label.Dominates(classLabel) {
		return newErr(ErrPolicyViolation, "sender pid=%v label %v does not dominate class label %v", sender, sd.Label, classLabel)
	}
	if !rd.Label.Dominates(classLabel) {
		return newErr(ErrPolicyViolation, "receiver pid=%v label %v does not dominate class label %v", receiver, rd.Label, classLabel)
	}
	if sd.Isolation == IsolationVirtualMachine && rd.Isolation == IsolationNone {
		return newErr(ErrPolicyViolation, "VM-isolated sender pid=%v may not address isolation=None receiver pid=%v", sender, receiver)
	}
	return nil
}

// AuthorizeDeviceAccess implements spec.md §4.C's device boundary
// check: IO capability is always required, KernelAccess is required
// in addition when the device demands kernel mode, and the task's
// label must dominate the device's class.
func (k *Kernel) AuthorizeDeviceAccess(pid uint64, dev DeviceSecurity) error {
	d, err := k.Lookup(pid)
	if err != nil {
		return err
	}
	if !d.Capabilities.Has(CapIO) {
		return newErr(ErrCapabilityMissing, "pid=%v lacks IO capability", pid)
	}
	if dev.RequiresKernelMode && !d.Capabilities.Has(CapKernelAccess) {
		return newErr(ErrCapabilityMissing, "pid=%v lacks KernelAccess capability for kernel-mode device", pid)
	}
	if !d.Label.Dominates(dev.Class.Label()) {
		return newErr(ErrPolicyViolation, "pid=%v label %v does not dominate device class %v", pid, d.Label, dev.Class)
	}
	return nil
}

// EnforceIsolation implements spec.md §4.C: None/Process always pass;
// VirtualMachine passes iff quarantine_events == 0. The dispatcher
// invokes this immediately before running a thread.
func (k *Kernel) EnforceIsolation(pid uint64) error {
	d, err := k.Lookup(pid)
	if err != nil {
		return err
	}
	if d.Isolation != IsolationVirtualMachine {
		return nil
	}
	if d.QuarantineEvents != 0 {
		return newErr(ErrPolicyViolation, "pid=%v is VM-isolated with %v quarantine events", pid, d.QuarantineEvents)
	}
	return nil
}

// Count returns the number of live domains, used by kernel façade
// invariant checks and metrics.
func (k *Kernel) Count() int {
	return k.count
}

// Reset clears every domain slot, used by kernel.Bootstrap.
func (k *Kernel) Reset() {
	for i := range k.slots {
		k.slots[i] = slot{}
	}
	k.count = 0
}
