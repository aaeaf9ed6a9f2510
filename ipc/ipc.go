// Package ipc implements Mirage's per-receiver bounded message rings
// (spec.md §4.F). The ring itself is grounded on sigmaos/simms/qmgr's
// Queue (fixed-capacity, head/tail/len, Enqueue/Dequeue/GetLen shape);
// the table of per-pid rings reuses the same fixed-size, open-addressed
// probing scheme as mirage/security's domain table rather than a Go
// map, since a receiver's queue must be allocated and released in
// lockstep with its PCB slot and spec.md's Non-goals exclude dynamic
// table growth.
package ipc

import (
	"sync"

	"mirage/config"
	db "mirage/debug"
	"mirage/kernelerr"
	"mirage/security"
)

// PayloadSize is the fixed envelope size of spec.md §6: "64-byte fixed
// buffer plus length; excess bytes in a sender-supplied slice are
// truncated silently."
const PayloadSize = 64

// Message is one delivered IPC payload, matching spec.md §3's
// Message = (sender_pid, receiver_pid, sequence, payload) with payload
// itself carrying its security class and length.
type Message struct {
	Sender   uint64
	Receiver uint64
	Sequence uint64
	Class    security.PayloadClass
	Length   int
	Payload  [PayloadSize]byte
}

// NewMessage truncates data to PayloadSize and stamps sender/receiver/
// sequence/class.
func NewMessage(sender, receiver, sequence uint64, class security.PayloadClass, data []byte) Message {
	m := Message{Sender: sender, Receiver: receiver, Sequence: sequence, Class: class}
	n := len(data)
	if n > PayloadSize {
		n = PayloadSize
	}
	copy(m.Payload[:], data[:n])
	m.Length = n
	return m
}

// Bytes returns the message's actual payload bytes.
func (m Message) Bytes() []byte {
	return m.Payload[:m.Length]
}

type ring struct {
	slots []Message
	head  int
	tail  int
	len   int
}

func newRing(depth int) *ring {
	return &ring{slots: make([]Message, depth)}
}

func (r *ring) push(m Message) error {
	if r.len == len(r.slots) {
		return kernelerr.New(kernelerr.ErrMessageQueueFull, "message queue full")
	}
	r.slots[r.tail] = m
	r.tail = (r.tail + 1) % len(r.slots)
	r.len++
	return nil
}

func (r *ring) pop() (Message, bool) {
	if r.len == 0 {
		return Message{}, false
	}
	m := r.slots[r.head]
	r.head = (r.head + 1) % len(r.slots)
	r.len--
	return m, true
}

func (r *ring) clear() {
	for i := range r.slots {
		r.slots[i] = Message{}
	}
	r.head, r.tail, r.len = 0, 0, 0
}

type entry struct {
	occupied bool
	pid      uint64
	ring     *ring
}

// Queues is the fixed-capacity table of per-pid rings plus a
// kernel-wide monotonic sequence counter (spec.md §4.F: "Sequence
// numbers are monotonic per-kernel (not per-pair), wrap on overflow").
type Queues struct {
	mu    sync.Mutex
	depth int
	slots []entry
	seq   uint64
}

// New constructs an empty queue table sized to MaxProc.
func New(params config.Params) *Queues {
	return &Queues{depth: params.MsgDepth, slots: make([]entry, params.MaxProc)}
}

// Reset clears every ring and the sequence counter, used by
// kernel.Bootstrap.
func (q *Queues) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.slots {
		q.slots[i] = entry{}
	}
	q.seq = 0
}

func (q *Queues) hash(pid uint64) int {
	h := pid ^ (pid >> 33)
	return int(h % uint64(len(q.slots)))
}

func (q *Queues) probe(pid uint64) (idx int, found bool) {
	n := len(q.slots)
	start := q.hash(pid)
	for i := 0; i < n; i++ {
		idx = (start + i) % n
		if !q.slots[idx].occupied {
			return idx, false
		}
		if q.slots[idx].pid == pid {
			return idx, true
		}
	}
	return -1, false
}

// Allocate reserves a ring for pid, called alongside PCB allocation
// during spawn_process.
func (q *Queues) Allocate(pid uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	idx, found := q.probe(pid)
	if found {
		q.slots[idx].ring.clear()
		return nil
	}
	if idx < 0 {
		return kernelerr.New(kernelerr.ErrProcessTableFull, "ipc queue table full, cannot allocate pid=%v", pid)
	}
	q.slots[idx] = entry{occupied: true, pid: pid, ring: newRing(q.depth)}
	return nil
}

// Release frees pid's ring, back-shifting the displaced cluster the
// same way mirage/security's domain table does on revoke.
func (q *Queues) Release(pid uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	idx, found := q.probe(pid)
	if !found {
		return kernelerr.New(kernelerr.ErrUnknownProcess, "no ipc queue for pid=%v", pid)
	}
	n := len(q.slots)
	q.slots[idx] = entry{}

	j := (idx + 1) % n
	for q.slots[j].occupied {
		displaced := q.slots[j]
		q.slots[j] = entry{}
		newIdx, _ := q.probe(displaced.pid)
		q.slots[newIdx] = displaced
		j = (j + 1) % n
	}
	return nil
}

func (q *Queues) find(pid uint64) (*ring, error) {
	idx, found := q.probe(pid)
	if !found {
		return nil, kernelerr.New(kernelerr.ErrUnknownProcess, "no ipc queue for pid=%v", pid)
	}
	return q.slots[idx].ring, nil
}

// Push appends a message to receiver's ring, stamping it with the
// next kernel-wide sequence number.
func (q *Queues) Push(receiver, sender uint64, class security.PayloadClass, data []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	r, err := q.find(receiver)
	if err != nil {
		return err
	}
	seq := q.seq
	q.seq++
	m := NewMessage(sender, receiver, seq, class, data)
	if err := r.push(m); err != nil {
		db.DPrintf(db.IPC_ERR, "Push receiver=%v sender=%v: %v", receiver, sender, err)
		return err
	}
	return nil
}

// Pop returns the head of receiver's ring, or MessageQueueEmpty.
func (q *Queues) Pop(receiver uint64) (Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	r, err := q.find(receiver)
	if err != nil {
		return Message{}, err
	}
	m, ok := r.pop()
	if !ok {
		return Message{}, kernelerr.New(kernelerr.ErrMessageQueueEmpty, "message queue empty for pid %v", receiver)
	}
	return m, nil
}

// Len reports how many messages are queued for receiver, 0 if no ring
// is allocated for it.
func (q *Queues) Len(receiver uint64) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	r, err := q.find(receiver)
	if err != nil {
		return 0
	}
	return r.len
}

// Clear empties receiver's ring in place without releasing its table
// slot (terminate_process releases the slot outright via Release).
func (q *Queues) Clear(receiver uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if r, err := q.find(receiver); err == nil {
		r.clear()
	}
}
