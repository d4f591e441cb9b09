package vm

import (
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// VM: the execution entry point
// ---------------------------------------------------------------------------

// DefaultMaxCallDepth bounds the frame stack when the config leaves
// MaxCallDepth at zero.
const DefaultMaxCallDepth = 1024

// Config controls one VM instance.
type Config struct {
	// MaxCallDepth bounds the frame stack per interpreter thread.
	// Zero means DefaultMaxCallDepth.
	MaxCallDepth int

	// Sink receives diagnostics from try sites and noexcept boundaries.
	// Nil means one writing to stderr.
	Sink ErrorSink

	// Trace, when set, receives one disassembled line per executed
	// instruction, prefixed with the executing process identity. The
	// writer must be safe for concurrent use when programs spawn.
	Trace io.Writer

	// ForceMutexRC selects the mutex counting fallback even when the
	// platform probe says atomics are usable.
	ForceMutexRC bool
}

// VM executes one validated program over one heap. Run and RunFunction are
// meant for one goroutine at a time; spawned processes run on their own
// interpreter threads inside the same VM.
type VM struct {
	prog *Program
	heap *Heap
	cfg  Config
}

// New creates a VM for prog. The program is validated again here so a VM
// can never hold bytecode the dispatch loop would misread.
func New(prog *Program, cfg Config) (*VM, error) {
	if err := prog.Validate(); err != nil {
		return nil, fmt.Errorf("invalid program: %w", err)
	}
	prog.index()
	if cfg.MaxCallDepth <= 0 {
		cfg.MaxCallDepth = DefaultMaxCallDepth
	}
	if cfg.Sink == nil {
		cfg.Sink = NewWriterSink(os.Stderr)
	}
	return &VM{
		prog: prog,
		heap: NewHeap(!cfg.ForceMutexRC && AtomicsAvailable()),
		cfg:  cfg,
	}, nil
}

// Heap exposes the VM's heap.
func (m *VM) Heap() *Heap { return m.heap }

// Program returns the loaded program.
func (m *VM) Program() *Program { return m.prog }

// Run executes the program's entry function.
func (m *VM) Run(args ...Const) (Const, error) {
	return m.runIndex(m.prog.Entry, args)
}

// RunFunction executes the named function.
func (m *VM) RunFunction(name string, args ...Const) (Const, error) {
	i, ok := m.prog.Lookup(name)
	if !ok {
		return Const{}, fmt.Errorf("no function named %q", name)
	}
	return m.runIndex(i, args)
}

func (m *VM) runIndex(idx int, args []Const) (Const, error) {
	fn := m.prog.Function(idx)
	if len(args) != fn.NumParams {
		return Const{}, fmt.Errorf("%s takes %d arguments, got %d", fn.Name, fn.NumParams, len(args))
	}
	if fn.NumCaptures != 0 {
		return Const{}, fmt.Errorf("%s captures values and cannot be run directly", fn.Name)
	}

	tid := m.heap.NewThread()
	vals := make([]Value, len(args))
	for i, a := range args {
		v, err := m.internalize(a, tid)
		if err != nil {
			for _, prev := range vals[:i] {
				m.heap.Release(prev, tid)
			}
			return Const{}, err
		}
		vals[i] = v
	}

	in := &interp{vm: m, tid: tid, proc: uuid.New()}
	res, err := in.run(idx, None, vals)
	for _, v := range vals {
		m.heap.Release(v, tid)
	}
	if err != nil {
		return Const{}, err
	}
	return m.externalize(res, tid)
}

// internalize turns an argument constant into an owned value.
func (m *VM) internalize(c Const, tid ThreadID) (Value, error) {
	switch c.Kind {
	case ConstNone:
		return None, nil
	case ConstBool:
		return FromBool(c.Bool), nil
	case ConstInt:
		v, ok := TryFromInt(c.Int)
		if !ok {
			return None, fmt.Errorf("integer argument %d outside the integer range", c.Int)
		}
		return v, nil
	case ConstFloat:
		return FromFloat64(c.Float), nil
	case ConstString:
		return m.heap.NewString(c.Str, tid), nil
	default:
		return None, fmt.Errorf("unsupported argument kind %d", c.Kind)
	}
}

// externalize converts a result to a constant, consuming the reference. An
// error value surviving to this boundary is the run's failure.
func (m *VM) externalize(v Value, tid ThreadID) (Const, error) {
	h := m.heap
	switch {
	case v.IsNone():
		return Const{Kind: ConstNone}, nil
	case v.IsBool():
		return BoolConst(v.Bool()), nil
	case v.IsInt():
		return IntConst(v.Int()), nil
	case v.IsFloat():
		return FloatConst(v.Float64()), nil
	}
	if h.IsString(v) {
		s := h.StringOf(v)
		h.Release(v, tid)
		return StringConst(s), nil
	}
	if ep := h.ErrorOf(v); ep != nil {
		te := &TopLevelError{Code: ep.Code, Message: ep.Message}
		h.Release(v, tid)
		return Const{}, te
	}
	kind := "value"
	if p := h.Payload(v); p != nil {
		kind = p.Kind().String()
	}
	h.Release(v, tid)
	return Const{}, fmt.Errorf("%s result cannot leave the virtual machine", kind)
}
