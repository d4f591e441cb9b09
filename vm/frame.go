package vm

import "github.com/google/uuid"

// ---------------------------------------------------------------------------
// Activation frames
// ---------------------------------------------------------------------------
//
// Calls never recurse into Go: the interpreter keeps an explicit frame
// stack, so the configured depth limit is the only recursion limit and
// unwinding releases every register deterministically.

// frame is one activation record. Every register slot holds exactly one
// owned reference; swapping a register's value releases the old reference.
type frame struct {
	fn     *Function
	fnVal  Value   // retained function handle; None for entry-by-index
	caps   []Value // borrowed from the function payload while fnVal is held
	regs   []Value
	pc     int
	retReg int // caller register for the result; -1 for the bottom frame
}

// setReg stores an owned value into a register, dropping whatever the
// register held.
func (f *frame) setReg(h *Heap, tid ThreadID, rd byte, v Value) {
	old := f.regs[rd]
	f.regs[rd] = v
	h.Release(old, tid)
}

// interp executes bytecode on one thread. Every heap operation it performs
// uses its own thread ID; values reach another interp only through the
// spawn/join handoff.
type interp struct {
	vm   *VM
	tid  ThreadID
	proc uuid.UUID // execution identity; a spawned child carries its process id

	frames []*frame
}

// push creates a frame for the function at fnIndex and copies the
// arguments in. The frame takes its own references to fnVal and to every
// argument, so the caller's registers stay untouched.
func (in *interp) push(fnIndex int, fnVal Value, args []Value, retReg int) error {
	if len(in.frames) >= in.vm.cfg.MaxCallDepth {
		return ErrStackOverflow
	}
	fn := in.vm.prog.Function(fnIndex)
	h := in.vm.heap

	f := &frame{
		fn:     fn,
		fnVal:  fnVal,
		regs:   make([]Value, fn.NumRegisters),
		retReg: retReg,
	}
	if fnVal.IsHandle() {
		h.Retain(fnVal, in.tid)
		f.caps = h.FunctionOf(fnVal).Captures
	}
	for i := range f.regs {
		f.regs[i] = None
	}
	for i, a := range args {
		f.regs[i] = h.Retain(a, in.tid)
	}
	in.frames = append(in.frames, f)
	return nil
}

// pop removes the top frame and releases everything it owned.
func (in *interp) pop() *frame {
	f := in.frames[len(in.frames)-1]
	in.frames = in.frames[:len(in.frames)-1]
	h := in.vm.heap
	for _, v := range f.regs {
		h.Release(v, in.tid)
	}
	if f.fnVal.IsHandle() {
		h.Release(f.fnVal, in.tid)
	}
	return f
}

// unwind drops every frame. Used when a top-level failure aborts the run.
func (in *interp) unwind() {
	for len(in.frames) > 0 {
		in.pop()
	}
}
