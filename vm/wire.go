package vm

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// ---------------------------------------------------------------------------
// Wire format
// ---------------------------------------------------------------------------
//
// Programs travel as canonical CBOR, so the same program always serializes
// to the same bytes and the content store can key blobs by the digest of
// this encoding.

const wireVersion = 1

type wireProgram struct {
	Version int      `cbor:"1,keyasint"`
	Program *Program `cbor:"2,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
}

// EncodeProgram serializes a program to canonical CBOR.
func EncodeProgram(p *Program) ([]byte, error) {
	return encMode.Marshal(&wireProgram{Version: wireVersion, Program: p})
}

// DecodeProgram deserializes a program and validates it. A program that
// decodes but fails validation is rejected here, before any VM sees it.
func DecodeProgram(data []byte) (*Program, error) {
	var w wireProgram
	if err := decMode.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decoding program: %w", err)
	}
	if w.Version != wireVersion {
		return nil, fmt.Errorf("unsupported program version %d", w.Version)
	}
	if w.Program == nil {
		return nil, fmt.Errorf("program body missing")
	}
	if err := w.Program.Validate(); err != nil {
		return nil, fmt.Errorf("invalid program: %w", err)
	}
	w.Program.index()
	return w.Program, nil
}
