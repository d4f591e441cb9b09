package vm

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Compiled programs
// ---------------------------------------------------------------------------
//
// A Program is what the external compiler hands the VM: a table of compiled
// functions, each with its bytecode, constant pool, and metadata. Programs
// are immutable once loaded and validated, and are shared by every
// interpreter thread without synchronization.

// ErrorMode selects how a function treats error values at its return
// boundary.
type ErrorMode uint8

const (
	// ModeNormal lets error results flow to the caller as values.
	ModeNormal ErrorMode = iota
	// ModeNoexcept intercepts error results at the function's own return
	// boundary: the diagnostic is reported and the caller sees none.
	ModeNoexcept
)

func (m ErrorMode) String() string {
	if m == ModeNoexcept {
		return "noexcept"
	}
	return "normal"
}

// ConstKind tags a constant pool entry.
type ConstKind uint8

const (
	ConstNone ConstKind = iota
	ConstBool
	ConstInt
	ConstFloat
	ConstString
)

// Const is one constant pool entry. Scalar constants materialize directly
// as values; string constants materialize as a fresh owned cell per load.
type Const struct {
	Kind  ConstKind `cbor:"1,keyasint"`
	Bool  bool      `cbor:"2,keyasint,omitempty"`
	Int   int64     `cbor:"3,keyasint,omitempty"`
	Float float64   `cbor:"4,keyasint,omitempty"`
	Str   string    `cbor:"5,keyasint,omitempty"`
}

// IntConst creates an integer constant.
func IntConst(n int64) Const { return Const{Kind: ConstInt, Int: n} }

// FloatConst creates a float constant.
func FloatConst(f float64) Const { return Const{Kind: ConstFloat, Float: f} }

// StringConst creates a string constant.
func StringConst(s string) Const { return Const{Kind: ConstString, Str: s} }

// BoolConst creates a boolean constant.
func BoolConst(b bool) Const { return Const{Kind: ConstBool, Bool: b} }

// Function is one compiled function.
type Function struct {
	Name         string    `cbor:"1,keyasint"`
	NumParams    int       `cbor:"2,keyasint"`
	NumRegisters int       `cbor:"3,keyasint"`
	Mode         ErrorMode `cbor:"4,keyasint"`
	Consts       []Const   `cbor:"5,keyasint,omitempty"`
	Code         []byte    `cbor:"6,keyasint"`
	NumCaptures  int       `cbor:"7,keyasint,omitempty"`
}

// Program is an immutable compiled program.
type Program struct {
	Functions []*Function `cbor:"1,keyasint"`
	Entry     int         `cbor:"2,keyasint"`

	byName map[string]int
}

// Function returns the function at index i.
func (p *Program) Function(i int) *Function {
	return p.Functions[i]
}

// Lookup returns the index of the named function.
func (p *Program) Lookup(name string) (int, bool) {
	if p.byName == nil {
		p.index()
	}
	i, ok := p.byName[name]
	return i, ok
}

func (p *Program) index() {
	p.byName = make(map[string]int, len(p.Functions))
	for i, f := range p.Functions {
		p.byName[f.Name] = i
	}
}

// Disassemble returns a listing of every function in the program.
func (p *Program) Disassemble() string {
	var sb strings.Builder
	for i, f := range p.Functions {
		if i > 0 {
			sb.WriteByte('\n')
		}
		fmt.Fprintf(&sb, "fn %s (params=%d regs=%d %s)\n", f.Name, f.NumParams, f.NumRegisters, f.Mode)
		sb.WriteString(Disassemble(f.Code))
		sb.WriteByte('\n')
	}
	return sb.String()
}

// ---------------------------------------------------------------------------
// Load-time validation
// ---------------------------------------------------------------------------
//
// The dispatch loop trusts operands for speed; everything it trusts is
// checked here instead, once, when a program is loaded. A program that
// fails validation never reaches the interpreter.

// Validate checks structural well-formedness: register indices within the
// declared register count, constant and function indices in range, jump
// targets on instruction boundaries inside the function.
func (p *Program) Validate() error {
	if len(p.Functions) == 0 {
		return fmt.Errorf("program has no functions")
	}
	if p.Entry < 0 || p.Entry >= len(p.Functions) {
		return fmt.Errorf("entry index %d out of range", p.Entry)
	}
	if n := p.Functions[p.Entry].NumCaptures; n != 0 {
		return fmt.Errorf("entry function declares %d captures", n)
	}
	for i, f := range p.Functions {
		if err := p.validateFunction(f); err != nil {
			return fmt.Errorf("function %d (%s): %w", i, f.Name, err)
		}
	}
	return nil
}

func (p *Program) validateFunction(f *Function) error {
	if f.NumRegisters < f.NumParams {
		return fmt.Errorf("declares %d registers but %d params", f.NumRegisters, f.NumParams)
	}
	if f.NumRegisters > 256 {
		return fmt.Errorf("declares %d registers (max 256)", f.NumRegisters)
	}
	for i, c := range f.Consts {
		if c.Kind == ConstInt && (c.Int > MaxInt || c.Int < MinInt) {
			return fmt.Errorf("constant c%d (%d) outside the integer range", i, c.Int)
		}
	}

	// First pass: collect instruction boundaries.
	boundaries := make(map[int]bool)
	r := NewBytecodeReader(f.Code)
	for r.HasMore() {
		boundaries[r.Position()] = true
		op := r.ReadOpcode()
		info, ok := opcodeTable[op]
		if !ok {
			return fmt.Errorf("unknown opcode 0x%02x at offset %d", byte(op), r.Position()-1)
		}
		if r.Position()+info.OperandBytes > len(f.Code) {
			return fmt.Errorf("truncated %s at offset %d", info.Name, r.Position()-1)
		}
		r.Skip(info.OperandBytes)
	}
	boundaries[len(f.Code)] = true

	checkReg := func(reg byte) error {
		if int(reg) >= f.NumRegisters {
			return fmt.Errorf("register r%d out of range (%d declared)", reg, f.NumRegisters)
		}
		return nil
	}
	// The dispatch loop slices regs[base : base+count] even when count is
	// zero, so the window end is bounded in int (byte arithmetic wraps).
	checkWindow := func(what string, base, count byte, at int) error {
		if int(base)+int(count) > f.NumRegisters {
			return fmt.Errorf("%s window r%d+%d out of range (%d declared) at offset %d",
				what, base, count, f.NumRegisters, at)
		}
		return nil
	}

	// Second pass: check operands.
	r = NewBytecodeReader(f.Code)
	for r.HasMore() {
		at := r.Position()
		op := r.ReadOpcode()
		switch op {
		case OpNOP, OpRETURNN:

		case OpLOADN, OpLOADT, OpLOADF, OpRETURN:
			if err := checkReg(r.ReadByte()); err != nil {
				return err
			}

		case OpLOADI8:
			if err := checkReg(r.ReadByte()); err != nil {
				return err
			}
			r.Skip(1)

		case OpLOADC:
			if err := checkReg(r.ReadByte()); err != nil {
				return err
			}
			idx := r.ReadUint16()
			if int(idx) >= len(f.Consts) {
				return fmt.Errorf("constant c%d out of range at offset %d", idx, at)
			}

		case OpLOADCAP:
			if err := checkReg(r.ReadByte()); err != nil {
				return err
			}
			idx := r.ReadByte()
			if int(idx) >= f.NumCaptures {
				return fmt.Errorf("capture cap%d out of range (%d declared) at offset %d", idx, f.NumCaptures, at)
			}

		case OpMOVE, OpNEG, OpNOT, OpLEN, OpTRY, OpJOIN:
			for j := 0; j < 2; j++ {
				if err := checkReg(r.ReadByte()); err != nil {
					return err
				}
			}

		case OpADD, OpSUB, OpMUL, OpDIV, OpMOD,
			OpEQ, OpNE, OpLT, OpLE, OpGT, OpGE, OpCONCAT, OpEXPECT:
			for j := 0; j < 3; j++ {
				if err := checkReg(r.ReadByte()); err != nil {
					return err
				}
			}

		case OpJUMP:
			off := r.ReadInt16()
			if !boundaries[r.Position()+int(off)] {
				return fmt.Errorf("jump target %d not an instruction boundary", r.Position()+int(off))
			}

		case OpJUMPT, OpJUMPF:
			if err := checkReg(r.ReadByte()); err != nil {
				return err
			}
			off := r.ReadInt16()
			if !boundaries[r.Position()+int(off)] {
				return fmt.Errorf("jump target %d not an instruction boundary", r.Position()+int(off))
			}

		case OpCALL, OpSPAWN:
			rd, rf := r.ReadByte(), r.ReadByte()
			argBase, argc := r.ReadByte(), r.ReadByte()
			if err := checkReg(rd); err != nil {
				return err
			}
			if err := checkReg(rf); err != nil {
				return err
			}
			if err := checkWindow("argument", argBase, argc, at); err != nil {
				return err
			}

		case OpCLOSURE:
			rd := r.ReadByte()
			fi := r.ReadUint16()
			capBase, capc := r.ReadByte(), r.ReadByte()
			if err := checkReg(rd); err != nil {
				return err
			}
			if int(fi) >= len(p.Functions) {
				return fmt.Errorf("closure target f%d out of range at offset %d", fi, at)
			}
			if int(capc) != p.Functions[fi].NumCaptures {
				return fmt.Errorf("closure over f%d captures %d values but it declares %d", fi, capc, p.Functions[fi].NumCaptures)
			}
			if err := checkWindow("capture", capBase, capc, at); err != nil {
				return err
			}

		default:
			return fmt.Errorf("unknown opcode 0x%02x at offset %d", byte(op), at)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Builders
// ---------------------------------------------------------------------------

// FunctionBuilder constructs a compiled function. It is the object the
// compiler boundary produces; tests and the CLI's assembler use it too.
type FunctionBuilder struct {
	name         string
	numParams    int
	numRegisters int
	numCaptures  int
	mode         ErrorMode
	consts       []Const
	bc           *BytecodeBuilder
}

// NewFunctionBuilder creates a builder for a function with the given name
// and parameter count.
func NewFunctionBuilder(name string, numParams int) *FunctionBuilder {
	return &FunctionBuilder{
		name:         name,
		numParams:    numParams,
		numRegisters: numParams,
		bc:           NewBytecodeBuilder(),
	}
}

// SetNumRegisters declares the register file size.
func (b *FunctionBuilder) SetNumRegisters(n int) *FunctionBuilder {
	b.numRegisters = n
	return b
}

// SetNoexcept marks the function noexcept.
func (b *FunctionBuilder) SetNoexcept() *FunctionBuilder {
	b.mode = ModeNoexcept
	return b
}

// SetNumCaptures declares how many captured values the function expects.
func (b *FunctionBuilder) SetNumCaptures(n int) *FunctionBuilder {
	b.numCaptures = n
	return b
}

// AddConst interns a constant and returns its pool index.
func (b *FunctionBuilder) AddConst(c Const) uint16 {
	for i, existing := range b.consts {
		if existing == c {
			return uint16(i)
		}
	}
	b.consts = append(b.consts, c)
	return uint16(len(b.consts) - 1)
}

// Bytecode returns the underlying bytecode builder.
func (b *FunctionBuilder) Bytecode() *BytecodeBuilder {
	return b.bc
}

// Build produces the compiled function.
func (b *FunctionBuilder) Build() *Function {
	return &Function{
		Name:         b.name,
		NumParams:    b.numParams,
		NumRegisters: b.numRegisters,
		NumCaptures:  b.numCaptures,
		Mode:         b.mode,
		Consts:       b.consts,
		Code:         b.bc.Bytes(),
	}
}

// ProgramBuilder constructs a program from compiled functions.
type ProgramBuilder struct {
	functions []*Function
	entry     int
}

// NewProgramBuilder creates an empty program builder.
func NewProgramBuilder() *ProgramBuilder {
	return &ProgramBuilder{}
}

// AddFunction appends a function and returns its index.
func (b *ProgramBuilder) AddFunction(f *Function) int {
	b.functions = append(b.functions, f)
	return len(b.functions) - 1
}

// SetEntry selects the entry function index.
func (b *ProgramBuilder) SetEntry(i int) *ProgramBuilder {
	b.entry = i
	return b
}

// Build validates and returns the program.
func (b *ProgramBuilder) Build() (*Program, error) {
	p := &Program{Functions: b.functions, Entry: b.entry}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	p.index()
	return p, nil
}
