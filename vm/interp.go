package vm

import (
	"encoding/binary"
	"fmt"
	"math"
)

// ---------------------------------------------------------------------------
// Dispatch loop
// ---------------------------------------------------------------------------
//
// Operand decoding trusts the bytecode: everything the loop relies on was
// checked by Program.Validate at load time.
//
// Error values are ordinary values until an instruction tries to look
// inside one. MOVE, RETURN, LOADCAP, closure capture, and argument passing
// carry errors untouched; any other read of an error operand makes the
// current function return that error immediately, so an unhandled error
// climbs the call stack one consuming read at a time. TRY and EXPECT are
// the only instructions that defuse one.

// run executes the function at fnIndex to completion and returns an owned
// reference to its result. fnVal and args are borrowed; the pushed frame
// takes its own references.
func (in *interp) run(fnIndex int, fnVal Value, args []Value) (Value, error) {
	if err := in.push(fnIndex, fnVal, args, -1); err != nil {
		return None, err
	}

	h := in.vm.heap
	final := None

	for len(in.frames) > 0 {
		f := in.frames[len(in.frames)-1]
		code := f.fn.Code
		if f.pc >= len(code) {
			// Falling off the end returns none.
			in.ret(None, &final)
			continue
		}
		if in.vm.cfg.Trace != nil {
			in.traceStep(f)
		}

		op := Opcode(code[f.pc])
		f.pc++

		switch op {
		case OpNOP:

		case OpLOADC:
			rd := code[f.pc]
			idx := binary.LittleEndian.Uint16(code[f.pc+1:])
			f.pc += 3
			f.setReg(h, in.tid, rd, in.materialize(f.fn.Consts[idx]))

		case OpLOADN:
			f.setReg(h, in.tid, code[f.pc], None)
			f.pc++

		case OpLOADT:
			f.setReg(h, in.tid, code[f.pc], True)
			f.pc++

		case OpLOADF:
			f.setReg(h, in.tid, code[f.pc], False)
			f.pc++

		case OpLOADI8:
			rd, n := code[f.pc], int8(code[f.pc+1])
			f.pc += 2
			f.setReg(h, in.tid, rd, FromInt(int64(n)))

		case OpMOVE:
			rd, rs := code[f.pc], code[f.pc+1]
			f.pc += 2
			v := f.regs[rs]
			h.Retain(v, in.tid)
			f.setReg(h, in.tid, rd, v)

		case OpLOADCAP:
			rd, idx := code[f.pc], code[f.pc+1]
			f.pc += 2
			v := f.caps[idx]
			h.Retain(v, in.tid)
			f.setReg(h, in.tid, rd, v)

		case OpADD, OpSUB, OpMUL, OpDIV, OpMOD:
			rd, ra, rb := code[f.pc], code[f.pc+1], code[f.pc+2]
			f.pc += 3
			a, b := f.regs[ra], f.regs[rb]
			if h.IsError(a) {
				in.bubble(a, &final)
				continue
			}
			if h.IsError(b) {
				in.bubble(b, &final)
				continue
			}
			f.setReg(h, in.tid, rd, in.arith(op, a, b))

		case OpNEG:
			rd, ra := code[f.pc], code[f.pc+1]
			f.pc += 2
			a := f.regs[ra]
			if h.IsError(a) {
				in.bubble(a, &final)
				continue
			}
			f.setReg(h, in.tid, rd, in.negate(a))

		case OpEQ, OpNE, OpLT, OpLE, OpGT, OpGE:
			rd, ra, rb := code[f.pc], code[f.pc+1], code[f.pc+2]
			f.pc += 3
			a, b := f.regs[ra], f.regs[rb]
			if h.IsError(a) {
				in.bubble(a, &final)
				continue
			}
			if h.IsError(b) {
				in.bubble(b, &final)
				continue
			}
			f.setReg(h, in.tid, rd, in.compare(op, a, b))

		case OpNOT:
			rd, ra := code[f.pc], code[f.pc+1]
			f.pc += 2
			a := f.regs[ra]
			if h.IsError(a) {
				in.bubble(a, &final)
				continue
			}
			f.setReg(h, in.tid, rd, FromBool(a.IsFalsy()))

		case OpCONCAT:
			rd, ra, rb := code[f.pc], code[f.pc+1], code[f.pc+2]
			f.pc += 3
			a, b := f.regs[ra], f.regs[rb]
			if h.IsError(a) {
				in.bubble(a, &final)
				continue
			}
			if h.IsError(b) {
				in.bubble(b, &final)
				continue
			}
			if !h.IsString(a) || !h.IsString(b) {
				f.setReg(h, in.tid, rd, h.NewError(ErrTypeMismatch,
					fmt.Sprintf("cannot concat %s and %s", in.typeName(a), in.typeName(b)), in.tid))
				continue
			}
			f.setReg(h, in.tid, rd, h.NewString(h.StringOf(a)+h.StringOf(b), in.tid))

		case OpLEN:
			rd, ra := code[f.pc], code[f.pc+1]
			f.pc += 2
			a := f.regs[ra]
			if h.IsError(a) {
				in.bubble(a, &final)
				continue
			}
			if !h.IsString(a) {
				f.setReg(h, in.tid, rd, h.NewError(ErrTypeMismatch,
					fmt.Sprintf("len of %s", in.typeName(a)), in.tid))
				continue
			}
			f.setReg(h, in.tid, rd, FromInt(int64(len(h.StringOf(a)))))

		case OpJUMP:
			off := int16(binary.LittleEndian.Uint16(code[f.pc:]))
			f.pc += 2
			f.pc += int(off)

		case OpJUMPT, OpJUMPF:
			rs := code[f.pc]
			off := int16(binary.LittleEndian.Uint16(code[f.pc+1:]))
			f.pc += 3
			v := f.regs[rs]
			if h.IsError(v) {
				in.bubble(v, &final)
				continue
			}
			if v.IsTruthy() == (op == OpJUMPT) {
				f.pc += int(off)
			}

		case OpCALL:
			rd, rf := code[f.pc], code[f.pc+1]
			argBase, argc := code[f.pc+2], code[f.pc+3]
			f.pc += 4
			callee := f.regs[rf]
			if h.IsError(callee) {
				in.bubble(callee, &final)
				continue
			}
			fp := h.FunctionOf(callee)
			if fp == nil {
				f.setReg(h, in.tid, rd, h.NewError(ErrBadCall,
					fmt.Sprintf("cannot call %s", in.typeName(callee)), in.tid))
				continue
			}
			target := in.vm.prog.Function(fp.Index)
			if int(argc) != target.NumParams {
				f.setReg(h, in.tid, rd, h.NewError(ErrBadCall,
					fmt.Sprintf("%s takes %d arguments, got %d", target.Name, target.NumParams, argc), in.tid))
				continue
			}
			args := f.regs[argBase : int(argBase)+int(argc)]
			if err := in.push(fp.Index, callee, args, int(rd)); err != nil {
				in.unwind()
				return None, err
			}

		case OpRETURN:
			v := f.regs[code[f.pc]]
			f.pc++
			h.Retain(v, in.tid)
			in.ret(v, &final)

		case OpRETURNN:
			in.ret(None, &final)

		case OpCLOSURE:
			rd := code[f.pc]
			fi := binary.LittleEndian.Uint16(code[f.pc+1:])
			capBase, capc := code[f.pc+3], code[f.pc+4]
			f.pc += 5
			caps := make([]Value, capc)
			for i := range caps {
				caps[i] = h.Retain(f.regs[int(capBase)+i], in.tid)
			}
			f.setReg(h, in.tid, rd, h.NewFunction(int(fi), caps, in.tid))

		case OpTRY:
			rd, rs := code[f.pc], code[f.pc+1]
			f.pc += 2
			v := f.regs[rs]
			if ep := h.ErrorOf(v); ep != nil {
				in.vm.cfg.Sink.ReportError(ep)
				f.regs[rs] = None
				h.Release(v, in.tid)
				f.setReg(h, in.tid, rd, None)
				continue
			}
			h.Retain(v, in.tid)
			f.setReg(h, in.tid, rd, v)

		case OpEXPECT:
			rd, rs, rh := code[f.pc], code[f.pc+1], code[f.pc+2]
			f.pc += 3
			v := f.regs[rs]
			if !h.IsError(v) {
				h.Retain(v, in.tid)
				f.setReg(h, in.tid, rd, v)
				continue
			}
			handler := f.regs[rh]
			if handler.IsNone() {
				// No handler bound: degrade to try.
				in.vm.cfg.Sink.ReportError(h.ErrorOf(v))
				f.regs[rs] = None
				h.Release(v, in.tid)
				f.setReg(h, in.tid, rd, None)
				continue
			}
			hp := h.FunctionOf(handler)
			if hp == nil || in.vm.prog.Function(hp.Index).NumParams != 1 {
				f.regs[rs] = None
				h.Release(v, in.tid)
				f.setReg(h, in.tid, rd, h.NewError(ErrBadCall,
					"expect handler must be a function of one argument", in.tid))
				continue
			}
			if err := in.push(hp.Index, handler, []Value{v}, int(rd)); err != nil {
				in.unwind()
				return None, err
			}
			f.regs[rs] = None
			h.Release(v, in.tid)

		case OpSPAWN:
			rd, rf := code[f.pc], code[f.pc+1]
			argBase, argc := code[f.pc+2], code[f.pc+3]
			f.pc += 4
			callee := f.regs[rf]
			if h.IsError(callee) {
				in.bubble(callee, &final)
				continue
			}
			fp := h.FunctionOf(callee)
			if fp == nil {
				f.setReg(h, in.tid, rd, h.NewError(ErrBadCall,
					fmt.Sprintf("cannot spawn %s", in.typeName(callee)), in.tid))
				continue
			}
			target := in.vm.prog.Function(fp.Index)
			if int(argc) != target.NumParams {
				f.setReg(h, in.tid, rd, h.NewError(ErrBadCall,
					fmt.Sprintf("%s takes %d arguments, got %d", target.Name, target.NumParams, argc), in.tid))
				continue
			}
			args := f.regs[argBase : int(argBase)+int(argc)]
			f.setReg(h, in.tid, rd, in.vm.spawn(callee, fp.Index, args, in.tid))

		case OpJOIN:
			rd, rp := code[f.pc], code[f.pc+1]
			f.pc += 2
			v := f.regs[rp]
			if h.IsError(v) {
				in.bubble(v, &final)
				continue
			}
			pp, _ := h.Payload(v).(*ProcessPayload)
			if pp == nil {
				f.setReg(h, in.tid, rd, h.NewError(ErrBadCall,
					fmt.Sprintf("cannot join %s", in.typeName(v)), in.tid))
				continue
			}
			res, err := pp.proc.join(h, in.tid)
			if err == errAlreadyJoined {
				f.setReg(h, in.tid, rd, h.NewError(ErrBadCall,
					fmt.Sprintf("process %s already joined", pp.proc.id), in.tid))
				continue
			}
			if err != nil {
				in.unwind()
				return None, err
			}
			f.setReg(h, in.tid, rd, res)

		default:
			panic(fmt.Sprintf("vm: unvalidated opcode 0x%02x", byte(op)))
		}
	}
	return final, nil
}

// ret finishes the top frame with an owned result, applying the noexcept
// boundary before anyone sees it.
func (in *interp) ret(result Value, final *Value) {
	h := in.vm.heap
	f := in.pop()
	if f.fn.Mode == ModeNoexcept {
		if ep := h.ErrorOf(result); ep != nil {
			in.vm.cfg.Sink.ReportError(ep)
			h.Release(result, in.tid)
			result = None
		}
	}
	if len(in.frames) == 0 {
		*final = result
		return
	}
	parent := in.frames[len(in.frames)-1]
	parent.setReg(h, in.tid, byte(f.retReg), result)
}

// bubble returns the error value ev from the current function.
func (in *interp) bubble(ev Value, final *Value) {
	in.vm.heap.Retain(ev, in.tid)
	in.ret(ev, final)
}

// materialize turns a constant pool entry into an owned value.
func (in *interp) materialize(c Const) Value {
	switch c.Kind {
	case ConstBool:
		return FromBool(c.Bool)
	case ConstInt:
		return FromInt(c.Int)
	case ConstFloat:
		return FromFloat64(c.Float)
	case ConstString:
		return in.vm.heap.NewString(c.Str, in.tid)
	default:
		return None
	}
}

// ---------------------------------------------------------------------------
// Operator semantics
// ---------------------------------------------------------------------------

// arith evaluates a binary arithmetic instruction. Integer arithmetic is
// exact within the 48-bit range and produces an overflow error outside it;
// anything involving a float follows IEEE 754. Division and modulo by an
// integer zero are errors, never traps.
func (in *interp) arith(op Opcode, a, b Value) Value {
	h := in.vm.heap
	if a.IsInt() && b.IsInt() {
		x, y := a.Int(), b.Int()
		switch op {
		case OpADD:
			if v, ok := TryFromInt(x + y); ok {
				return v
			}
		case OpSUB:
			if v, ok := TryFromInt(x - y); ok {
				return v
			}
		case OpMUL:
			p := x * y
			if x != 0 && p/x != y {
				break
			}
			if v, ok := TryFromInt(p); ok {
				return v
			}
		case OpDIV:
			if y == 0 {
				return h.NewError(ErrDivideByZero, "division by zero", in.tid)
			}
			if v, ok := TryFromInt(x / y); ok {
				return v
			}
		case OpMOD:
			if y == 0 {
				return h.NewError(ErrDivideByZero, "modulo by zero", in.tid)
			}
			return FromInt(x % y)
		}
		return h.NewError(ErrOverflow,
			fmt.Sprintf("%s of %d and %d overflows", op, x, y), in.tid)
	}

	if a.IsNumber() && b.IsNumber() {
		x, y := numAsFloat(a), numAsFloat(b)
		switch op {
		case OpADD:
			return FromFloat64(x + y)
		case OpSUB:
			return FromFloat64(x - y)
		case OpMUL:
			return FromFloat64(x * y)
		case OpDIV:
			return FromFloat64(x / y)
		case OpMOD:
			return FromFloat64(math.Mod(x, y))
		}
	}

	return h.NewError(ErrTypeMismatch,
		fmt.Sprintf("cannot apply %s to %s and %s", op, in.typeName(a), in.typeName(b)), in.tid)
}

// negate evaluates NEG.
func (in *interp) negate(a Value) Value {
	h := in.vm.heap
	switch {
	case a.IsInt():
		if v, ok := TryFromInt(-a.Int()); ok {
			return v
		}
		return h.NewError(ErrOverflow, fmt.Sprintf("negation of %d overflows", a.Int()), in.tid)
	case a.IsFloat():
		return FromFloat64(-a.Float64())
	default:
		return h.NewError(ErrTypeMismatch,
			fmt.Sprintf("cannot negate %s", in.typeName(a)), in.tid)
	}
}

// compare evaluates a comparison instruction. Equality is defined for
// every pair of values; ordering only for two numbers or two strings.
func (in *interp) compare(op Opcode, a, b Value) Value {
	h := in.vm.heap
	switch op {
	case OpEQ:
		return FromBool(in.equal(a, b))
	case OpNE:
		return FromBool(!in.equal(a, b))
	}

	if a.IsNumber() && b.IsNumber() {
		// 48-bit integers convert to float64 exactly.
		x, y := numAsFloat(a), numAsFloat(b)
		switch op {
		case OpLT:
			return FromBool(x < y)
		case OpLE:
			return FromBool(x <= y)
		case OpGT:
			return FromBool(x > y)
		case OpGE:
			return FromBool(x >= y)
		}
	}

	if h.IsString(a) && h.IsString(b) {
		x, y := h.StringOf(a), h.StringOf(b)
		switch op {
		case OpLT:
			return FromBool(x < y)
		case OpLE:
			return FromBool(x <= y)
		case OpGT:
			return FromBool(x > y)
		case OpGE:
			return FromBool(x >= y)
		}
	}

	return h.NewError(ErrTypeMismatch,
		fmt.Sprintf("cannot order %s and %s", in.typeName(a), in.typeName(b)), in.tid)
}

// equal compares two values. Numbers compare numerically across the
// int/float divide, strings by content, everything else by identity.
func (in *interp) equal(a, b Value) bool {
	h := in.vm.heap
	if a.IsNumber() && b.IsNumber() {
		if a.IsInt() && b.IsInt() {
			return a.Int() == b.Int()
		}
		return numAsFloat(a) == numAsFloat(b)
	}
	if h.IsString(a) && h.IsString(b) {
		return h.StringOf(a) == h.StringOf(b)
	}
	return a == b
}

func numAsFloat(v Value) float64 {
	if v.IsInt() {
		return float64(v.Int())
	}
	return v.Float64()
}

// typeName names a value's type for diagnostics.
func (in *interp) typeName(v Value) string {
	switch {
	case v.IsInt():
		return "int"
	case v.IsBool():
		return "bool"
	case v.IsNone():
		return "none"
	case v.IsFloat():
		return "float"
	}
	if p := in.vm.heap.Payload(v); p != nil {
		return p.Kind().String()
	}
	return "value"
}

func (in *interp) traceStep(f *frame) {
	r := NewBytecodeReader(f.fn.Code)
	r.Skip(f.pc)
	fmt.Fprintf(in.vm.cfg.Trace, "[%s %s] %s\n", in.proc.String()[:8], f.fn.Name, DisassembleInstruction(r))
}
