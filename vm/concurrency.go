package vm

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Processes
// ---------------------------------------------------------------------------
//
// SPAWN runs a function on a fresh interpreter thread and yields a process
// handle. The handle is an ordinary owned cell; JOIN consumes the child's
// result exactly once. Every value crossing the thread boundary is retained
// on behalf of the receiving thread before the sender lets go, which is
// what keeps the biased counting scheme sound.

var errAlreadyJoined = errors.New("process already joined")

// Process is the interpreter-side state of one spawned execution.
type Process struct {
	id   uuid.UUID
	tid  ThreadID
	done chan struct{}

	mu        sync.Mutex
	result    Value // owned on behalf of tid until joined
	runErr    error
	joined    bool
	abandoned bool
	completed bool
}

// ID returns the process identity.
func (p *Process) ID() uuid.UUID { return p.id }

// Thread returns the process's interpreter thread ID.
func (p *Process) Thread() ThreadID { return p.tid }

// finish records the child's outcome. If every handle to the process was
// dropped before completion, the result has no possible consumer and is
// released here, on the child's own thread.
func (p *Process) finish(h *Heap, result Value, err error) {
	p.mu.Lock()
	if p.abandoned {
		h.Release(result, p.tid)
	} else {
		p.result = result
		p.runErr = err
		p.completed = true
	}
	p.mu.Unlock()
	close(p.done)
}

// join waits for the child and adopts its result on behalf of tid. The
// result reference migrates from the child thread to the joining thread;
// the done channel orders the child's final counter writes before ours.
func (p *Process) join(h *Heap, tid ThreadID) (Value, error) {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.runErr != nil {
		err := p.runErr
		p.runErr = nil
		p.joined = true
		return None, err
	}
	if p.joined {
		return None, errAlreadyJoined
	}
	p.joined = true
	res := p.result
	p.result = None
	h.Retain(res, tid)
	h.Release(res, p.tid)
	return res, nil
}

// ProcessPayload wraps a process in an owned cell.
type ProcessPayload struct {
	proc *Process
}

// Kind implements Payload.
func (p *ProcessPayload) Kind() PayloadKind { return KindProcess }

// Process returns the wrapped process.
func (p *ProcessPayload) Process() *Process { return p.proc }

func (p *ProcessPayload) release(h *Heap, tid ThreadID) {
	pr := p.proc
	pr.mu.Lock()
	if pr.completed && !pr.joined {
		h.Release(pr.result, pr.tid)
		pr.result = None
	}
	pr.abandoned = true
	pr.mu.Unlock()
}

// spawn launches the function behind fnVal on a new interpreter thread and
// returns an owned process handle for the parent. fnVal and args are the
// parent's references; the child gets its own before this returns.
func (m *VM) spawn(fnVal Value, fnIndex int, args []Value, parent ThreadID) Value {
	h := m.heap
	child := h.NewThread()

	h.Retain(fnVal, child)
	handoff := make([]Value, len(args))
	for i, a := range args {
		handoff[i] = h.Retain(a, child)
	}

	p := &Process{
		id:   uuid.New(),
		tid:  child,
		done: make(chan struct{}),
	}
	procVal := h.Alloc(&ProcessPayload{proc: p}, parent)

	go func() {
		in := &interp{vm: m, tid: child, proc: p.id}
		res, err := in.run(fnIndex, fnVal, handoff)
		h.Release(fnVal, child)
		for _, a := range handoff {
			h.Release(a, child)
		}
		p.finish(h, res, err)
	}()

	return procVal
}
