package store

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/perch-lang/perch/vm"
)

func testProgram(t *testing.T, retVal int8) *vm.Program {
	t.Helper()
	fb := vm.NewFunctionBuilder("main", 0)
	fb.SetNumRegisters(1)
	fb.Bytecode().EmitLoadInt8(0, retVal)
	fb.Bytecode().EmitR(vm.OpRETURN, 0)
	pb := vm.NewProgramBuilder()
	pb.AddFunction(fb.Build())
	p, err := pb.Build()
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "programs.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	p := testProgram(t, 5)

	digest, err := s.Put("five", p)
	if err != nil {
		t.Fatal(err)
	}
	if len(digest) != 64 {
		t.Fatalf("digest %q is not hex SHA-256", digest)
	}

	got, err := s.Get(digest)
	if err != nil {
		t.Fatal(err)
	}
	m, err := vm.New(got, vm.Config{})
	if err != nil {
		t.Fatal(err)
	}
	res, err := m.Run()
	if err != nil {
		t.Fatal(err)
	}
	if res.Int != 5 {
		t.Fatalf("stored program returned %d, want 5", res.Int)
	}
}

func TestGetMissing(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.Get("no-such-digest"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if _, err := s.GetByName("ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestPutIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	p := testProgram(t, 5)

	d1, err := s.Put("a", p)
	if err != nil {
		t.Fatal(err)
	}
	d2, err := s.Put("b", p)
	if err != nil {
		t.Fatal(err)
	}
	if d1 != d2 {
		t.Fatalf("same program got two digests: %s, %s", d1, d2)
	}
	entries, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("duplicate Put created %d rows", len(entries))
	}
	if entries[0].Name != "b" {
		t.Fatalf("re-Put did not update the name: %q", entries[0].Name)
	}
}

func TestGetByName(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.Put("calc", testProgram(t, 3)); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetByName("calc")
	if err != nil {
		t.Fatal(err)
	}
	m, err := vm.New(got, vm.Config{})
	if err != nil {
		t.Fatal(err)
	}
	res, err := m.Run()
	if err != nil {
		t.Fatal(err)
	}
	if res.Int != 3 {
		t.Fatalf("result = %d", res.Int)
	}
}

func TestList(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.Put("beta", testProgram(t, 2)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Put("alpha", testProgram(t, 1)); err != nil {
		t.Fatal(err)
	}
	entries, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0].Name != "alpha" || entries[1].Name != "beta" {
		t.Fatalf("entries = %+v", entries)
	}
}
