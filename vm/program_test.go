package vm

import (
	"strings"
	"testing"
)

func buildReturnNone(name string) *Function {
	fb := NewFunctionBuilder(name, 0)
	fb.SetNumRegisters(1)
	fb.Bytecode().Emit(OpRETURNN)
	return fb.Build()
}

func TestValidateEmptyProgram(t *testing.T) {
	p := &Program{}
	if err := p.Validate(); err == nil {
		t.Fatal("empty program validated")
	}
}

func TestValidateEntryRange(t *testing.T) {
	p := &Program{Functions: []*Function{buildReturnNone("main")}, Entry: 3}
	if err := p.Validate(); err == nil {
		t.Fatal("out-of-range entry validated")
	}
}

func TestValidateEntryWithCaptures(t *testing.T) {
	fb := NewFunctionBuilder("main", 0)
	fb.SetNumRegisters(1).SetNumCaptures(1)
	fb.Bytecode().EmitRR(OpLOADCAP, 0, 0)
	fb.Bytecode().EmitR(OpRETURN, 0)
	p := &Program{Functions: []*Function{fb.Build()}}
	if err := p.Validate(); err == nil {
		t.Fatal("entry with captures validated")
	}
}

func TestValidateRegisterRange(t *testing.T) {
	fb := NewFunctionBuilder("f", 0)
	fb.SetNumRegisters(2)
	fb.Bytecode().EmitRRR(OpADD, 0, 1, 2) // r2 out of range
	p := &Program{Functions: []*Function{fb.Build()}}
	err := p.Validate()
	if err == nil || !strings.Contains(err.Error(), "r2") {
		t.Fatalf("err = %v, want register range error", err)
	}
}

func TestValidateConstRange(t *testing.T) {
	fb := NewFunctionBuilder("f", 0)
	fb.SetNumRegisters(1)
	fb.Bytecode().EmitLoadConst(0, 5) // no constants declared
	p := &Program{Functions: []*Function{fb.Build()}}
	if err := p.Validate(); err == nil {
		t.Fatal("bad constant index validated")
	}
}

func TestValidateIntConstRange(t *testing.T) {
	f := &Function{
		Name:         "f",
		NumRegisters: 1,
		Consts:       []Const{IntConst(MaxInt + 1)},
		Code:         []byte{byte(OpRETURNN)},
	}
	p := &Program{Functions: []*Function{f}}
	if err := p.Validate(); err == nil {
		t.Fatal("out-of-range integer constant validated")
	}
}

func TestValidateJumpBoundary(t *testing.T) {
	fb := NewFunctionBuilder("f", 0)
	fb.SetNumRegisters(1)
	bc := fb.Bytecode()
	bc.EmitLoadInt8(0, 1)
	// Hand-rolled jump into the middle of the LOADI8.
	bc.Emit(OpJUMP)
	bc.EmitR(Opcode(0xFB), 0xFF) // offset -5: lands at position 1
	p := &Program{Functions: []*Function{fb.Build()}}
	err := p.Validate()
	if err == nil || !strings.Contains(err.Error(), "boundary") {
		t.Fatalf("err = %v, want boundary error", err)
	}
}

func TestValidateTruncated(t *testing.T) {
	f := &Function{
		Name:         "f",
		NumRegisters: 1,
		Code:         []byte{byte(OpLOADC), 0}, // missing the index bytes
	}
	p := &Program{Functions: []*Function{f}}
	err := p.Validate()
	if err == nil || !strings.Contains(err.Error(), "truncated") {
		t.Fatalf("err = %v, want truncation error", err)
	}
}

func TestValidateUnknownOpcode(t *testing.T) {
	f := &Function{
		Name:         "f",
		NumRegisters: 1,
		Code:         []byte{0xEE},
	}
	p := &Program{Functions: []*Function{f}}
	err := p.Validate()
	if err == nil || !strings.Contains(err.Error(), "unknown opcode") {
		t.Fatalf("err = %v, want unknown opcode error", err)
	}
}

func TestValidateClosureCaptureCount(t *testing.T) {
	inner := NewFunctionBuilder("inner", 0)
	inner.SetNumRegisters(1).SetNumCaptures(2)
	inner.Bytecode().EmitRR(OpLOADCAP, 0, 1)
	inner.Bytecode().EmitR(OpRETURN, 0)

	outer := NewFunctionBuilder("outer", 0)
	outer.SetNumRegisters(2)
	outer.Bytecode().EmitClosure(0, 1, 1, 1) // one capture, inner wants two
	outer.Bytecode().EmitR(OpRETURN, 0)

	p := &Program{Functions: []*Function{outer.Build(), inner.Build()}}
	err := p.Validate()
	if err == nil || !strings.Contains(err.Error(), "captures") {
		t.Fatalf("err = %v, want capture count error", err)
	}
}

func TestValidateLoadCapRange(t *testing.T) {
	inner := NewFunctionBuilder("inner", 0)
	inner.SetNumRegisters(1).SetNumCaptures(1)
	inner.Bytecode().EmitRR(OpLOADCAP, 0, 3) // only cap0 exists
	inner.Bytecode().EmitR(OpRETURN, 0)

	outer := NewFunctionBuilder("outer", 0)
	outer.SetNumRegisters(2)
	outer.Bytecode().EmitClosure(0, 1, 1, 1)
	outer.Bytecode().EmitR(OpRETURN, 0)

	p := &Program{Functions: []*Function{outer.Build(), inner.Build()}}
	err := p.Validate()
	if err == nil || !strings.Contains(err.Error(), "cap3") {
		t.Fatalf("err = %v, want capture range error", err)
	}
}

func TestValidateCallArgWindow(t *testing.T) {
	callee := NewFunctionBuilder("callee", 2)
	callee.SetNumRegisters(2)
	callee.Bytecode().EmitR(OpRETURN, 0)

	caller := NewFunctionBuilder("caller", 0)
	caller.SetNumRegisters(3)
	caller.Bytecode().EmitCall(0, 1, 2, 2) // args r2..r3, but only r0..r2 exist
	caller.Bytecode().EmitR(OpRETURN, 0)

	p := &Program{Functions: []*Function{caller.Build(), callee.Build()}}
	if err := p.Validate(); err == nil {
		t.Fatal("out-of-range argument window validated")
	}
}

func TestValidateEmptyArgWindowBase(t *testing.T) {
	// Even a zero-length window is sliced by the interpreter, so its base
	// must stay within the register file.
	callee := NewFunctionBuilder("callee", 0)
	callee.SetNumRegisters(1)
	callee.Bytecode().EmitR(OpRETURN, 0)

	caller := NewFunctionBuilder("caller", 0)
	caller.SetNumRegisters(2)
	caller.Bytecode().EmitCall(1, 0, 200, 0) // base r200, no args
	caller.Bytecode().EmitR(OpRETURN, 1)

	p := &Program{Functions: []*Function{caller.Build(), callee.Build()}}
	err := p.Validate()
	if err == nil || !strings.Contains(err.Error(), "window") {
		t.Fatalf("err = %v, want argument window error", err)
	}
}

func TestValidateArgWindowByteWrap(t *testing.T) {
	// base+count computed in byte arithmetic would wrap past 255 and pass;
	// the check must run in int.
	callee := NewFunctionBuilder("callee", 10)
	callee.SetNumRegisters(10)
	callee.Bytecode().EmitR(OpRETURN, 0)

	caller := NewFunctionBuilder("caller", 0)
	caller.SetNumRegisters(256)
	caller.Bytecode().EmitCall(0, 1, 250, 10) // r250..r259 in a 256-slot file
	caller.Bytecode().EmitR(OpRETURN, 0)

	p := &Program{Functions: []*Function{caller.Build(), callee.Build()}}
	err := p.Validate()
	if err == nil || !strings.Contains(err.Error(), "window") {
		t.Fatalf("err = %v, want argument window error", err)
	}
}

func TestValidateEmptyCaptureWindowBase(t *testing.T) {
	inner := NewFunctionBuilder("inner", 0)
	inner.SetNumRegisters(1)
	inner.Bytecode().EmitR(OpRETURN, 0)

	outer := NewFunctionBuilder("outer", 0)
	outer.SetNumRegisters(2)
	outer.Bytecode().EmitClosure(0, 1, 99, 0) // base r99, no captures
	outer.Bytecode().EmitR(OpRETURN, 0)

	p := &Program{Functions: []*Function{outer.Build(), inner.Build()}}
	err := p.Validate()
	if err == nil || !strings.Contains(err.Error(), "window") {
		t.Fatalf("err = %v, want capture window error", err)
	}
}

func TestConstInterning(t *testing.T) {
	fb := NewFunctionBuilder("f", 0)
	a := fb.AddConst(IntConst(7))
	b := fb.AddConst(StringConst("x"))
	c := fb.AddConst(IntConst(7))
	if a != c {
		t.Error("equal constants not interned")
	}
	if a == b {
		t.Error("distinct constants share an index")
	}
}

func TestProgramBuilderLookup(t *testing.T) {
	pb := NewProgramBuilder()
	pb.AddFunction(buildReturnNone("main"))
	pb.AddFunction(buildReturnNone("helper"))
	pb.SetEntry(0)
	p, err := pb.Build()
	if err != nil {
		t.Fatal(err)
	}
	if i, ok := p.Lookup("helper"); !ok || i != 1 {
		t.Errorf("Lookup(helper) = %d, %v", i, ok)
	}
	if _, ok := p.Lookup("missing"); ok {
		t.Error("Lookup found a missing function")
	}
}

func TestProgramDisassemble(t *testing.T) {
	pb := NewProgramBuilder()
	pb.AddFunction(buildReturnNone("main"))
	p, err := pb.Build()
	if err != nil {
		t.Fatal(err)
	}
	text := p.Disassemble()
	if !strings.Contains(text, "fn main") || !strings.Contains(text, "RETURNN") {
		t.Errorf("listing incomplete:\n%s", text)
	}
}
