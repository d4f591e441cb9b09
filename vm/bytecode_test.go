package vm

import (
	"strings"
	"testing"
)

func TestBuilderEmitsExpectedBytes(t *testing.T) {
	b := NewBytecodeBuilder()
	b.EmitLoadInt8(0, -5)
	b.EmitLoadConst(1, 0x0102)
	b.EmitRRR(OpADD, 2, 0, 1)
	b.EmitR(OpRETURN, 2)

	want := []byte{
		byte(OpLOADI8), 0, 0xFB,
		byte(OpLOADC), 1, 0x02, 0x01,
		byte(OpADD), 2, 0, 1,
		byte(OpRETURN), 2,
	}
	got := b.Bytes()
	if len(got) != len(want) {
		t.Fatalf("length = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("byte %d = 0x%02x, want 0x%02x", i, got[i], want[i])
		}
	}
}

func TestForwardLabelPatching(t *testing.T) {
	b := NewBytecodeBuilder()
	done := b.NewLabel()
	b.EmitBranch(OpJUMPF, 0, done) // 0: JUMPF r0, +?
	b.EmitLoadInt8(1, 1)           // 4: LOADI8 r1, 1
	b.Mark(done)                   // 7:
	b.EmitR(OpRETURN, 1)

	code := b.Bytes()
	// Offset is relative to the byte after the operand (position 4);
	// target 7 means offset 3.
	off := int(int16(uint16(code[2]) | uint16(code[3])<<8))
	if off != 3 {
		t.Fatalf("patched offset = %d, want 3", off)
	}
}

func TestBackwardLabel(t *testing.T) {
	b := NewBytecodeBuilder()
	top := b.NewLabel()
	b.Mark(top)
	b.EmitLoadInt8(0, 1) // 0..2
	b.EmitJump(top)      // 3: JUMP -?

	code := b.Bytes()
	off := int(int16(uint16(code[4]) | uint16(code[5])<<8))
	// After the operand we are at position 6; the target is 0.
	if off != -6 {
		t.Fatalf("backward offset = %d, want -6", off)
	}
}

func TestMarkTwicePanics(t *testing.T) {
	b := NewBytecodeBuilder()
	l := b.NewLabel()
	b.Mark(l)
	defer func() {
		if recover() == nil {
			t.Fatal("second Mark should panic")
		}
	}()
	b.Mark(l)
}

func TestDisassembleListing(t *testing.T) {
	b := NewBytecodeBuilder()
	b.EmitLoadConst(0, 2)
	b.EmitRR(OpMOVE, 1, 0)
	b.EmitCall(2, 1, 3, 0)
	b.EmitRR(OpLOADCAP, 4, 1)
	b.Emit(OpRETURNN)

	text := Disassemble(b.Bytes())
	for _, want := range []string{"LOADC r0, c2", "MOVE r1, r0", "CALL r2, r1", "LOADCAP r4, cap1", "RETURNN"} {
		if !strings.Contains(text, want) {
			t.Errorf("listing missing %q:\n%s", want, text)
		}
	}
}

func TestOpcodeNames(t *testing.T) {
	if OpADD.Name() != "ADD" || OpSPAWN.Name() != "SPAWN" {
		t.Error("opcode names wrong")
	}
	if !strings.HasPrefix(Opcode(0xEE).Name(), "UNKNOWN_") {
		t.Error("unknown opcode name wrong")
	}
}
