package vm

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------
//
// Perch bytecode is register-based: instructions name the registers they
// read and write instead of operating on an operand stack. Register
// operands are single bytes (a function may declare up to 256 registers);
// constant and function indices are 16-bit little-endian; jump offsets are
// signed 16-bit, relative to the instruction following the operand.

// Opcode represents a single bytecode instruction.
type Opcode byte

// Loads and moves
const (
	OpNOP    Opcode = 0x00 // no operation
	OpLOADC  Opcode = 0x10 // rd, c16: load constant
	OpLOADN  Opcode = 0x11 // rd: load none
	OpLOADT  Opcode = 0x12 // rd: load true
	OpLOADF  Opcode = 0x13 // rd: load false
	OpLOADI8 Opcode = 0x14 // rd, i8: load small integer inline
	OpMOVE   Opcode = 0x15 // rd, rs: copy register (clones the value)
)

// Arithmetic
const (
	OpADD Opcode = 0x20 // rd, ra, rb
	OpSUB Opcode = 0x21 // rd, ra, rb
	OpMUL Opcode = 0x22 // rd, ra, rb
	OpDIV Opcode = 0x23 // rd, ra, rb (integer division truncates)
	OpMOD Opcode = 0x24 // rd, ra, rb
	OpNEG Opcode = 0x25 // rd, ra
)

// Comparison and logic
const (
	OpEQ  Opcode = 0x30 // rd, ra, rb
	OpNE  Opcode = 0x31 // rd, ra, rb
	OpLT  Opcode = 0x32 // rd, ra, rb
	OpLE  Opcode = 0x33 // rd, ra, rb
	OpGT  Opcode = 0x34 // rd, ra, rb
	OpGE  Opcode = 0x35 // rd, ra, rb
	OpNOT Opcode = 0x36 // rd, ra
)

// Strings
const (
	OpCONCAT Opcode = 0x40 // rd, ra, rb
	OpLEN    Opcode = 0x41 // rd, ra
)

// Control flow. Targets are validated by the compiler at load time and
// trusted here.
const (
	OpJUMP  Opcode = 0x50 // off16: unconditional relative jump
	OpJUMPT Opcode = 0x51 // rs, off16: jump if truthy
	OpJUMPF Opcode = 0x52 // rs, off16: jump if falsy
)

// Calls and function values
const (
	OpCALL    Opcode = 0x60 // rd, rf, argBase, argc
	OpRETURN  Opcode = 0x61 // rs
	OpRETURNN Opcode = 0x62 // return none
	OpCLOSURE Opcode = 0x63 // rd, f16, capBase, capc: make function value
	OpLOADCAP Opcode = 0x64 // rd, idx: load captured value
)

// Error handling
const (
	OpTRY    Opcode = 0x70 // rd, rs: defuse error (report + none) or unwrap
	OpEXPECT Opcode = 0x71 // rd, rs, rh: unwrap or invoke handler with error
)

// Concurrency
const (
	OpSPAWN Opcode = 0x80 // rd, rf, argBase, argc: run function on a new thread
	OpJOIN  Opcode = 0x81 // rd, rp: wait for a process, adopt its result
)

// ---------------------------------------------------------------------------
// Opcode metadata
// ---------------------------------------------------------------------------

// OpcodeInfo holds metadata about an opcode.
type OpcodeInfo struct {
	Name         string // human-readable name
	OperandBytes int    // number of operand bytes
}

// opcodeTable maps opcodes to their metadata.
var opcodeTable = map[Opcode]OpcodeInfo{
	OpNOP:    {"NOP", 0},
	OpLOADC:  {"LOADC", 3},
	OpLOADN:  {"LOADN", 1},
	OpLOADT:  {"LOADT", 1},
	OpLOADF:  {"LOADF", 1},
	OpLOADI8: {"LOADI8", 2},
	OpMOVE:   {"MOVE", 2},

	OpADD: {"ADD", 3},
	OpSUB: {"SUB", 3},
	OpMUL: {"MUL", 3},
	OpDIV: {"DIV", 3},
	OpMOD: {"MOD", 3},
	OpNEG: {"NEG", 2},

	OpEQ:  {"EQ", 3},
	OpNE:  {"NE", 3},
	OpLT:  {"LT", 3},
	OpLE:  {"LE", 3},
	OpGT:  {"GT", 3},
	OpGE:  {"GE", 3},
	OpNOT: {"NOT", 2},

	OpCONCAT: {"CONCAT", 3},
	OpLEN:    {"LEN", 2},

	OpJUMP:  {"JUMP", 2},
	OpJUMPT: {"JUMPT", 3},
	OpJUMPF: {"JUMPF", 3},

	OpCALL:    {"CALL", 4},
	OpRETURN:  {"RETURN", 1},
	OpRETURNN: {"RETURNN", 0},
	OpCLOSURE: {"CLOSURE", 5},
	OpLOADCAP: {"LOADCAP", 2},

	OpTRY:    {"TRY", 2},
	OpEXPECT: {"EXPECT", 3},

	OpSPAWN: {"SPAWN", 4},
	OpJOIN:  {"JOIN", 2},
}

// Info returns the metadata for an opcode.
func (op Opcode) Info() OpcodeInfo {
	if info, ok := opcodeTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN_%02X", byte(op))}
}

// Name returns the human-readable name for an opcode.
func (op Opcode) Name() string {
	return op.Info().Name
}

// String implements the Stringer interface.
func (op Opcode) String() string {
	return op.Name()
}

// ---------------------------------------------------------------------------
// BytecodeBuilder: Helper for constructing bytecode
// ---------------------------------------------------------------------------

// BytecodeBuilder helps construct bytecode sequences.
type BytecodeBuilder struct {
	bytes []byte
}

// NewBytecodeBuilder creates a new bytecode builder.
func NewBytecodeBuilder() *BytecodeBuilder {
	return &BytecodeBuilder{
		bytes: make([]byte, 0, 64),
	}
}

// Bytes returns the constructed bytecode.
func (b *BytecodeBuilder) Bytes() []byte {
	return b.bytes
}

// Len returns the current length.
func (b *BytecodeBuilder) Len() int {
	return len(b.bytes)
}

// Emit appends an opcode with no operands.
func (b *BytecodeBuilder) Emit(op Opcode) {
	b.bytes = append(b.bytes, byte(op))
}

// EmitR appends an opcode with a single register operand.
func (b *BytecodeBuilder) EmitR(op Opcode, r uint8) {
	b.bytes = append(b.bytes, byte(op), r)
}

// EmitRR appends an opcode with two register operands.
func (b *BytecodeBuilder) EmitRR(op Opcode, rd, rs uint8) {
	b.bytes = append(b.bytes, byte(op), rd, rs)
}

// EmitRRR appends an opcode with three register operands.
func (b *BytecodeBuilder) EmitRRR(op Opcode, rd, ra, rb uint8) {
	b.bytes = append(b.bytes, byte(op), rd, ra, rb)
}

// EmitLoadConst appends a LOADC instruction.
func (b *BytecodeBuilder) EmitLoadConst(rd uint8, constIndex uint16) {
	b.bytes = append(b.bytes, byte(OpLOADC), rd, byte(constIndex), byte(constIndex>>8))
}

// EmitLoadInt8 appends a LOADI8 instruction.
func (b *BytecodeBuilder) EmitLoadInt8(rd uint8, n int8) {
	b.bytes = append(b.bytes, byte(OpLOADI8), rd, byte(n))
}

// EmitCall appends a CALL instruction: call the function value in rf with
// argc arguments in consecutive registers starting at argBase, storing the
// result in rd.
func (b *BytecodeBuilder) EmitCall(rd, rf, argBase, argc uint8) {
	b.bytes = append(b.bytes, byte(OpCALL), rd, rf, argBase, argc)
}

// EmitSpawn appends a SPAWN instruction.
func (b *BytecodeBuilder) EmitSpawn(rd, rf, argBase, argc uint8) {
	b.bytes = append(b.bytes, byte(OpSPAWN), rd, rf, argBase, argc)
}

// EmitClosure appends a CLOSURE instruction: make a function value for
// function index f, capturing capc registers starting at capBase.
func (b *BytecodeBuilder) EmitClosure(rd uint8, f uint16, capBase, capc uint8) {
	b.bytes = append(b.bytes, byte(OpCLOSURE), rd, byte(f), byte(f>>8), capBase, capc)
}

// ---------------------------------------------------------------------------
// Label management for jumps
// ---------------------------------------------------------------------------

// Label represents a forward reference in bytecode.
type Label struct {
	resolved bool
	position int   // target position (once resolved)
	refs     []int // positions to patch
}

// NewLabel creates an unresolved label.
func (b *BytecodeBuilder) NewLabel() *Label {
	return &Label{refs: make([]int, 0, 2)}
}

// Mark resolves a label to the current position.
func (b *BytecodeBuilder) Mark(label *Label) {
	if label.resolved {
		panic("label already resolved")
	}
	label.resolved = true
	label.position = len(b.bytes)

	// Patch all forward references
	for _, ref := range label.refs {
		offset := label.position - (ref + 2) // offset from after the operand
		b.bytes[ref] = byte(offset)
		b.bytes[ref+1] = byte(offset >> 8)
	}
	label.refs = nil
}

// EmitJump emits an unconditional jump to a label.
func (b *BytecodeBuilder) EmitJump(label *Label) {
	b.bytes = append(b.bytes, byte(OpJUMP))
	b.emitOffset(label)
}

// EmitBranch emits a conditional jump (JUMPT or JUMPF) on register rs.
func (b *BytecodeBuilder) EmitBranch(op Opcode, rs uint8, label *Label) {
	b.bytes = append(b.bytes, byte(op), rs)
	b.emitOffset(label)
}

func (b *BytecodeBuilder) emitOffset(label *Label) {
	if label.resolved {
		// Backward jump: calculate offset
		offset := label.position - (len(b.bytes) + 2)
		b.bytes = append(b.bytes, byte(offset), byte(offset>>8))
	} else {
		// Forward jump: record position for later patching
		label.refs = append(label.refs, len(b.bytes))
		b.bytes = append(b.bytes, 0, 0) // placeholder
	}
}

// ---------------------------------------------------------------------------
// Bytecode reader for disassembly
// ---------------------------------------------------------------------------

// BytecodeReader reads bytecode for disassembly and validation.
type BytecodeReader struct {
	bytes []byte
	pos   int
}

// NewBytecodeReader creates a reader for bytecode.
func NewBytecodeReader(bc []byte) *BytecodeReader {
	return &BytecodeReader{bytes: bc}
}

// Position returns the current read position.
func (r *BytecodeReader) Position() int {
	return r.pos
}

// HasMore returns true if there are more bytes to read.
func (r *BytecodeReader) HasMore() bool {
	return r.pos < len(r.bytes)
}

// ReadOpcode reads and returns the next opcode.
func (r *BytecodeReader) ReadOpcode() Opcode {
	if r.pos >= len(r.bytes) {
		panic("bytecode underflow")
	}
	op := Opcode(r.bytes[r.pos])
	r.pos++
	return op
}

// ReadByte reads a single byte operand.
func (r *BytecodeReader) ReadByte() byte {
	if r.pos >= len(r.bytes) {
		panic("bytecode underflow")
	}
	b := r.bytes[r.pos]
	r.pos++
	return b
}

// ReadUint16 reads a 16-bit operand (little-endian).
func (r *BytecodeReader) ReadUint16() uint16 {
	if r.pos+2 > len(r.bytes) {
		panic("bytecode underflow")
	}
	v := binary.LittleEndian.Uint16(r.bytes[r.pos:])
	r.pos += 2
	return v
}

// ReadInt16 reads a signed 16-bit operand (little-endian).
func (r *BytecodeReader) ReadInt16() int16 {
	return int16(r.ReadUint16())
}

// Skip advances the position by n bytes.
func (r *BytecodeReader) Skip(n int) {
	r.pos += n
}

// ---------------------------------------------------------------------------
// Disassembly
// ---------------------------------------------------------------------------

// DisassembleInstruction disassembles a single instruction at the reader's
// position. Returns the string representation and advances the reader.
func DisassembleInstruction(r *BytecodeReader) string {
	pos := r.Position()
	op := r.ReadOpcode()
	info := op.Info()

	switch op {
	case OpNOP, OpRETURNN:
		return fmt.Sprintf("%04d  %s", pos, info.Name)

	case OpLOADN, OpLOADT, OpLOADF, OpRETURN:
		rd := r.ReadByte()
		return fmt.Sprintf("%04d  %s r%d", pos, info.Name, rd)

	case OpLOADI8:
		rd := r.ReadByte()
		n := int8(r.ReadByte())
		return fmt.Sprintf("%04d  %s r%d, %d", pos, info.Name, rd, n)

	case OpLOADCAP:
		rd := r.ReadByte()
		idx := r.ReadByte()
		return fmt.Sprintf("%04d  %s r%d, cap%d", pos, info.Name, rd, idx)

	case OpLOADC:
		rd := r.ReadByte()
		idx := r.ReadUint16()
		return fmt.Sprintf("%04d  %s r%d, c%d", pos, info.Name, rd, idx)

	case OpMOVE, OpNEG, OpNOT, OpLEN, OpTRY, OpJOIN:
		rd := r.ReadByte()
		rs := r.ReadByte()
		return fmt.Sprintf("%04d  %s r%d, r%d", pos, info.Name, rd, rs)

	case OpADD, OpSUB, OpMUL, OpDIV, OpMOD,
		OpEQ, OpNE, OpLT, OpLE, OpGT, OpGE, OpCONCAT, OpEXPECT:
		rd := r.ReadByte()
		ra := r.ReadByte()
		rb := r.ReadByte()
		return fmt.Sprintf("%04d  %s r%d, r%d, r%d", pos, info.Name, rd, ra, rb)

	case OpJUMP:
		offset := r.ReadInt16()
		target := r.Position() + int(offset)
		return fmt.Sprintf("%04d  %s %d (-> %04d)", pos, info.Name, offset, target)

	case OpJUMPT, OpJUMPF:
		rs := r.ReadByte()
		offset := r.ReadInt16()
		target := r.Position() + int(offset)
		return fmt.Sprintf("%04d  %s r%d, %d (-> %04d)", pos, info.Name, rs, offset, target)

	case OpCALL, OpSPAWN:
		rd := r.ReadByte()
		rf := r.ReadByte()
		argBase := r.ReadByte()
		argc := r.ReadByte()
		return fmt.Sprintf("%04d  %s r%d, r%d, args=r%d..%d", pos, info.Name, rd, rf, argBase, int(argBase)+int(argc)-1)

	case OpCLOSURE:
		rd := r.ReadByte()
		f := r.ReadUint16()
		capBase := r.ReadByte()
		capc := r.ReadByte()
		return fmt.Sprintf("%04d  %s r%d, f%d, caps=r%d..%d", pos, info.Name, rd, f, capBase, int(capBase)+int(capc)-1)

	default:
		r.Skip(info.OperandBytes)
		return fmt.Sprintf("%04d  %s", pos, info.Name)
	}
}

// Disassemble returns a full disassembly of bytecode.
func Disassemble(bc []byte) string {
	r := NewBytecodeReader(bc)
	var sb strings.Builder
	for r.HasMore() {
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(DisassembleInstruction(r))
	}
	return sb.String()
}
